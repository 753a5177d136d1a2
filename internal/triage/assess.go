package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/linnemanlabs/medassist/internal/retry"
)

// Provider is the interface for the external reasoning backend. It takes
// a system prompt and user content and returns the raw completion text.
type Provider interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Model() string
}

// classifySystemPrompt fixes the classification template. The vocabulary
// and the two hard escalation rules are part of the clinical contract;
// do not reword them without owner sign-off.
const classifySystemPrompt = `You are a medical risk assessment expert. Analyze the provided medical case description and determine the risk level.
Consider symptoms, vital signs, and medical history.
Provide a risk level (LOW, MODERATE, HIGH) and a detailed explanation.
Respond with only a JSON object with 'risk_level' and 'explanation' fields and nothing else.
For neurological symptoms (headache, weakness, speech problems) with high blood pressure, always return HIGH risk.
For chest pain with shortness of breath, always return HIGH risk.`

// responseSchema validates the reasoning service's reply before any field
// is trusted downstream. The enum carries both prompt-vocabulary and
// lowercase spellings; ParseRiskLevel canonicalizes afterwards.
const responseSchema = `{
	"type": "object",
	"required": ["risk_level", "explanation"],
	"properties": {
		"risk_level": {
			"type": "string",
			"enum": ["LOW", "MODERATE", "HIGH", "low", "moderate", "medium", "high"]
		},
		"explanation": {"type": "string", "minLength": 1}
	}
}`

const degradedExplanation = "Risk classification could not be completed: the reasoning service was unavailable after all retry attempts. Manual review required."

// Assessor is the risk assessment stage: it sends normalized case text to
// the reasoning provider, validates the structured response, and retries
// transient or malformed replies. It never fails the pipeline; exhausted
// retries produce a degraded unknown-risk assessment.
type Assessor struct {
	provider Provider
	policy   retry.Policy
	timeout  time.Duration
	schema   *gojsonschema.Schema
	logger   log.Logger
	metrics  *Metrics
}

// NewAssessor creates the risk assessment stage. A zero timeout disables
// the per-call budget (tests only; main always sets one).
func NewAssessor(provider Provider, policy retry.Policy, timeout time.Duration, logger log.Logger, metrics *Metrics) (*Assessor, error) {
	if logger == nil {
		logger = log.Nop()
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(responseSchema))
	if err != nil {
		return nil, fmt.Errorf("compile response schema: %w", err)
	}
	return &Assessor{
		provider: provider,
		policy:   policy,
		timeout:  timeout,
		schema:   schema,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Assess classifies the submission text. The returned assessment is
// always usable: on total failure it carries RiskUnknown and Degraded.
func (a *Assessor) Assess(ctx context.Context, caseID, text string) *Assessment {
	L := a.logger.With("case_id", caseID)
	start := time.Now()

	var assessment *Assessment
	err := a.policy.Do(ctx, func(ctx context.Context) error {
		if a.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.timeout)
			defer cancel()
		}

		raw, err := a.provider.Complete(ctx, classifySystemPrompt, "Analyze this medical case:\n\n"+text)
		if err != nil {
			L.Warn(ctx, "classification call failed", "error", err)
			if a.metrics != nil {
				a.metrics.ClassifyRetriesTotal.WithLabelValues("transport").Inc()
			}
			return err
		}

		parsed, err := a.parseResponse(caseID, raw)
		if err != nil {
			L.Warn(ctx, "malformed classification response", "error", err)
			if a.metrics != nil {
				a.metrics.ClassifyRetriesTotal.WithLabelValues("malformed").Inc()
			}
			return err
		}

		assessment = parsed
		return nil
	})

	if err != nil {
		L.Error(ctx, err, "classification exhausted retries, degrading to unknown")
		if a.metrics != nil {
			a.metrics.AssessmentsDegradedTotal.Inc()
		}
		assessment = &Assessment{
			CaseID:      caseID,
			RiskLevel:   RiskUnknown,
			Explanation: degradedExplanation,
			Model:       a.provider.Model(),
			Degraded:    true,
			AssessedAt:  time.Now().UTC(),
		}
	}

	if a.metrics != nil {
		a.metrics.AssessmentsTotal.WithLabelValues(string(assessment.RiskLevel)).Inc()
		a.metrics.StageDuration.WithLabelValues("assess").Observe(time.Since(start).Seconds())
	}
	return assessment
}

// parseResponse turns a raw completion into a validated Assessment.
// Validation happens before unmarshal so no untyped field escapes.
func (a *Assessor) parseResponse(caseID, raw string) (*Assessment, error) {
	body := extractJSON(raw)
	if body == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}

	result, err := a.schema.Validate(gojsonschema.NewStringLoader(body))
	if err != nil {
		return nil, fmt.Errorf("validate response: %w", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return nil, fmt.Errorf("response failed schema validation: %s", strings.Join(details, "; "))
	}

	var resp struct {
		RiskLevel   string `json:"risk_level"`
		Explanation string `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	level, err := ParseRiskLevel(resp.RiskLevel)
	if err != nil {
		return nil, err
	}

	return &Assessment{
		CaseID:      caseID,
		RiskLevel:   level,
		Explanation: resp.Explanation,
		Model:       a.provider.Model(),
		AssessedAt:  time.Now().UTC(),
	}, nil
}

// extractJSON pulls the outermost JSON object out of a completion that
// may be wrapped in prose or a markdown fence.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}
