// Package cfg holds the application-specific configuration for the
// MedAssist triage server.
package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds triage-specific configuration fields to the common
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	AnthropicAPIKey string
	AnthropicModel  string

	DatabaseURL string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	OnCallNumber     string

	ReportsDir string

	MaxTextChars           int
	MaxConcurrentCases     int
	ClassifyTimeoutSeconds int
	NotifyTimeoutSeconds   int
	ClassifyMaxAttempts    int
	NotifyMaxAttempts      int
	RetryBaseDelayMillis   int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.AnthropicAPIKey, "anthropic-api-key", "", "API key for the reasoning service")
	fs.StringVar(&c.AnthropicModel, "anthropic-model", "claude-sonnet-4-20250514", "model used for risk classification")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.TwilioAccountSID, "twilio-account-sid", "", "Twilio account SID for emergency SMS (empty = notifications disabled)")
	fs.StringVar(&c.TwilioAuthToken, "twilio-auth-token", "", "Twilio auth token")
	fs.StringVar(&c.TwilioFromNumber, "twilio-from-number", "", "Twilio sending phone number")
	fs.StringVar(&c.OnCallNumber, "on-call-number", "", "phone number of the on-call clinician for high-risk escalations")
	fs.StringVar(&c.ReportsDir, "reports-dir", "reports", "directory for persisted report artifacts")
	fs.IntVar(&c.MaxTextChars, "max-text-chars", 20000, "character cap for normalized case text; excess is truncated")
	fs.IntVar(&c.MaxConcurrentCases, "max-concurrent-cases", 8, "max pipeline runs in flight across all cases (1..128)")
	fs.IntVar(&c.ClassifyTimeoutSeconds, "classify-timeout-seconds", 30, "per-attempt timeout for classification calls")
	fs.IntVar(&c.NotifyTimeoutSeconds, "notify-timeout-seconds", 10, "per-attempt timeout for notification dispatch")
	fs.IntVar(&c.ClassifyMaxAttempts, "classify-max-attempts", 3, "classification attempts before degrading to unknown (1..10)")
	fs.IntVar(&c.NotifyMaxAttempts, "notify-max-attempts", 3, "notification delivery attempts before marking failed (1..10)")
	fs.IntVar(&c.RetryBaseDelayMillis, "retry-base-delay-ms", 500, "base delay for retry backoff in milliseconds")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.AnthropicAPIKey == "" {
		errs = append(errs, errors.New("ANTHROPIC_API_KEY is required"))
	}
	if c.AnthropicModel == "" {
		errs = append(errs, errors.New("ANTHROPIC_MODEL is required"))
	}

	// Notifications are optional, but partial Twilio config is a
	// misconfiguration, not a disabled feature.
	twilioFields := []string{c.TwilioAccountSID, c.TwilioAuthToken, c.TwilioFromNumber, c.OnCallNumber}
	var set int
	for _, f := range twilioFields {
		if f != "" {
			set++
		}
	}
	if set > 0 && set < len(twilioFields) {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and ON_CALL_NUMBER must all be set to enable notifications"))
	}

	if c.ReportsDir == "" {
		errs = append(errs, errors.New("REPORTS_DIR is required"))
	}
	if c.MaxTextChars <= 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_TEXT_CHARS %d (must be positive)", c.MaxTextChars))
	}
	if c.MaxConcurrentCases <= 0 || c.MaxConcurrentCases > 128 {
		errs = append(errs, fmt.Errorf("invalid MAX_CONCURRENT_CASES %d (must be 1..128)", c.MaxConcurrentCases))
	}
	if c.ClassifyTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid CLASSIFY_TIMEOUT_SECONDS %d (must be positive)", c.ClassifyTimeoutSeconds))
	}
	if c.NotifyTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_TIMEOUT_SECONDS %d (must be positive)", c.NotifyTimeoutSeconds))
	}
	if c.ClassifyMaxAttempts <= 0 || c.ClassifyMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid CLASSIFY_MAX_ATTEMPTS %d (must be 1..10)", c.ClassifyMaxAttempts))
	}
	if c.NotifyMaxAttempts <= 0 || c.NotifyMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_MAX_ATTEMPTS %d (must be 1..10)", c.NotifyMaxAttempts))
	}
	if c.RetryBaseDelayMillis <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETRY_BASE_DELAY_MS %d (must be positive)", c.RetryBaseDelayMillis))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// NotificationsEnabled reports whether a complete Twilio configuration
// is present.
func (c *Config) NotificationsEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" &&
		c.TwilioFromNumber != "" && c.OnCallNumber != ""
}
