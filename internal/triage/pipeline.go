package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/linnemanlabs/medassist/internal/retry"
)

// EscalationAlert carries what the notifier needs to compose an alert.
type EscalationAlert struct {
	CaseID      string
	RiskLevel   RiskLevel
	Explanation string
	Excerpt     string
	Recipient   string
}

// Notifier delivers an emergency alert through an external channel and
// returns the channel's delivery receipt.
type Notifier interface {
	Send(ctx context.Context, alert *EscalationAlert) (receipt string, err error)
}

// ReportGenerator renders (or returns the cached) report artifact.
type ReportGenerator interface {
	Generate(ctx context.Context, sub *Submission, a *Assessment) (*Artifact, error)
}

// ServiceOptions bound the orchestrator's resource use.
type ServiceOptions struct {
	// MaxConcurrent caps pipeline runs across all cases. Size this below
	// the reasoning service's rate limit.
	MaxConcurrent int64
	NotifyRetry   retry.Policy
	NotifyTimeout time.Duration
}

// Service is the pipeline orchestrator. It owns per-case single-flight,
// sequences the stages, and assembles the caller-facing result.
//
// Failure severity per stage: assessment degrades internally and never
// fails the run; notification failure is recorded but non-fatal; report
// generation failure aborts the run.
type Service struct {
	store    Store
	assessor *Assessor
	policy   *Policy
	notifier Notifier
	reports  ReportGenerator
	logger   log.Logger
	metrics  *Metrics

	group singleflight.Group
	sem   *semaphore.Weighted

	notifyRetry   retry.Policy
	notifyTimeout time.Duration
}

// NewService creates the pipeline orchestrator.
func NewService(store Store, assessor *Assessor, policy *Policy, notifier Notifier, reports ReportGenerator, logger log.Logger, metrics *Metrics, opts ServiceOptions) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.NotifyRetry.MaxAttempts == 0 {
		opts.NotifyRetry = retry.Default()
	}
	return &Service{
		store:         store,
		assessor:      assessor,
		policy:        policy,
		notifier:      notifier,
		reports:       reports,
		logger:        logger,
		metrics:       metrics,
		sem:           semaphore.NewWeighted(opts.MaxConcurrent),
		notifyRetry:   opts.NotifyRetry,
		notifyTimeout: opts.NotifyTimeout,
	}
}

// Process runs the pipeline for one submission. Concurrent submissions of
// the same case share a single in-flight run; a completed case is served
// from the store without re-running external calls.
func (s *Service) Process(ctx context.Context, sub *Submission) (*Result, error) {
	v, err, shared := s.group.Do(sub.CaseID, func() (any, error) {
		// Detached from the initiating request: once admitted, a run
		// either completes and caches its result or fails whole. A
		// client hang-up must not leave a half-dispatched escalation.
		return s.run(context.WithoutCancel(ctx), sub)
	})
	if err != nil {
		s.count("error")
		return nil, err
	}
	if shared {
		s.count("shared")
	}
	return v.(*Result), nil
}

func (s *Service) run(ctx context.Context, sub *Submission) (*Result, error) {
	runID := ulid.Make().String()
	L := s.logger.With("run_id", runID, "case_id", sub.CaseID)
	start := time.Now()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire pipeline slot: %w", err)
	}
	defer s.sem.Release(1)

	// Completed case: serve the cached assessment and artifact.
	if res, ok := s.cached(ctx, sub); ok {
		L.Info(ctx, "serving completed case from store")
		s.count("cached")
		return res, nil
	}

	// A retry of a run that failed after assessment must reuse the stored
	// record: assessments are written once per case and never replaced.
	assessment, ok, err := s.store.GetAssessment(ctx, sub.CaseID)
	if err != nil {
		return nil, fmt.Errorf("check assessment: %w", err)
	}
	if ok {
		L.Info(ctx, "reusing stored assessment", "risk_level", assessment.RiskLevel)
	} else {
		assessment = s.assessor.Assess(ctx, sub.CaseID, sub.Text)
		if err := s.store.PutAssessment(ctx, assessment); err != nil {
			return nil, fmt.Errorf("persist assessment: %w", err)
		}

		L.Info(ctx, "case assessed",
			"risk_level", assessment.RiskLevel,
			"degraded", assessment.Degraded,
		)
	}

	var notifyStatus NotificationStatus
	decision, err := s.policy.Evaluate(ctx, assessment)
	if err != nil {
		// Fail open: an unreachable store must not block the triage
		// outcome, but without a record we cannot safely dispatch.
		L.Error(ctx, err, "escalation evaluation failed, skipping notification")
		decision = &Decision{State: StateSuppressed, Reason: "evaluation error"}
	}
	if s.metrics != nil {
		s.metrics.EscalationsTotal.WithLabelValues(string(decision.State)).Inc()
	}

	if decision.State == StateEscalated {
		notifyStatus = s.dispatch(ctx, L, decision.Record, assessment, sub)
	} else if n, ok, _ := s.store.GetNotification(ctx, sub.CaseID); ok {
		notifyStatus = n.Status
	}

	artifact, err := s.reports.Generate(ctx, sub, assessment)
	if err != nil {
		L.Error(ctx, err, "report generation failed")
		return nil, fmt.Errorf("generate report: %w", err)
	}

	if s.metrics != nil {
		s.metrics.PipelineDuration.WithLabelValues(string(assessment.RiskLevel)).Observe(time.Since(start).Seconds())
	}
	s.count("processed")

	L.Info(ctx, "pipeline complete",
		"risk_level", assessment.RiskLevel,
		"notification_status", string(notifyStatus),
		"report_url", artifact.URL,
		"duration", time.Since(start).Seconds(),
	)

	return &Result{
		CaseID:             sub.CaseID,
		Assessment:         assessment,
		ReportURL:          artifact.URL,
		NotificationStatus: notifyStatus,
		Truncated:          sub.Truncated,
	}, nil
}

// cached serves a case that already has both an assessment and an
// artifact, carrying over any notification record's status.
func (s *Service) cached(ctx context.Context, sub *Submission) (*Result, bool) {
	assessment, ok, err := s.store.GetAssessment(ctx, sub.CaseID)
	if err != nil || !ok {
		return nil, false
	}
	artifact, ok, err := s.store.GetArtifact(ctx, sub.CaseID)
	if err != nil || !ok {
		return nil, false
	}

	res := &Result{
		CaseID:     sub.CaseID,
		Assessment: assessment,
		ReportURL:  artifact.URL,
		Truncated:  sub.Truncated,
	}
	if n, ok, _ := s.store.GetNotification(ctx, sub.CaseID); ok {
		res.NotificationStatus = n.Status
	}
	return res, true
}

// dispatch fulfils a freshly created notification record. Delivery
// failure marks the record failed for audit and follow-up; it never
// fails the pipeline.
func (s *Service) dispatch(ctx context.Context, L log.Logger, rec *Notification, a *Assessment, sub *Submission) NotificationStatus {
	if s.notifier == nil {
		rec.Status = NotifyFailed
		rec.LastError = "no notifier configured"
		s.finishDispatch(ctx, L, rec)
		return rec.Status
	}

	alert := &EscalationAlert{
		CaseID:      a.CaseID,
		RiskLevel:   a.RiskLevel,
		Explanation: a.Explanation,
		Excerpt:     excerpt(sub.Text, 300),
		Recipient:   rec.Recipient,
	}

	var receipt string
	err := s.notifyRetry.Do(ctx, func(ctx context.Context) error {
		rec.AttemptCount++
		if s.notifyTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.notifyTimeout)
			defer cancel()
		}
		r, err := s.notifier.Send(ctx, alert)
		if err != nil {
			rec.LastError = err.Error()
			return err
		}
		receipt = r
		return nil
	})

	if err != nil {
		L.Error(ctx, err, "notification delivery failed",
			"attempts", rec.AttemptCount,
			"recipient", rec.Recipient,
		)
		rec.Status = NotifyFailed
	} else {
		rec.Status = NotifyDelivered
		rec.LastError = ""
		L.Info(ctx, "notification delivered",
			"attempts", rec.AttemptCount,
			"receipt", receipt,
		)
	}

	s.finishDispatch(ctx, L, rec)
	return rec.Status
}

func (s *Service) finishDispatch(ctx context.Context, L log.Logger, rec *Notification) {
	if err := s.store.UpdateNotification(ctx, rec); err != nil {
		L.Error(ctx, err, "failed to persist notification record")
	}
	if s.metrics != nil {
		s.metrics.NotificationsTotal.WithLabelValues(string(rec.Status)).Inc()
	}
}

func (s *Service) count(outcome string) {
	if s.metrics != nil {
		s.metrics.SubmitsTotal.WithLabelValues(outcome).Inc()
	}
}

// excerpt returns the first n runes of s for alert context.
func excerpt(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
