package triage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// RiskLevel is the ordinal classification of case severity.
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskUnknown RiskLevel = "unknown"
)

// ParseRiskLevel maps a reasoning-service risk label to a RiskLevel.
// The classification prompt uses the LOW/MODERATE/HIGH vocabulary;
// MODERATE maps to medium. Anything outside the vocabulary is malformed.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "moderate", "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	default:
		return "", fmt.Errorf("risk level %q outside allowed vocabulary", s)
	}
}

// CaseID derives the case identity from normalized text content.
// Identical submissions hash to the same case, which is what the
// single-flight table and all idempotency checks key on.
func CaseID(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Submission is one incoming case. Immutable once built.
type Submission struct {
	CaseID      string    `json:"case_id"`
	Text        string    `json:"text"`
	Truncated   bool      `json:"truncated,omitempty"`
	Format      string    `json:"format,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewSubmission builds a Submission from normalized text. The ID is
// derived from the text, so resubmitting identical content yields the
// same case.
func NewSubmission(text string, truncated bool, format string) *Submission {
	return &Submission{
		CaseID:      CaseID(text),
		Text:        text,
		Truncated:   truncated,
		Format:      format,
		SubmittedAt: time.Now().UTC(),
	}
}

// Assessment is the structured risk record for a case. Exactly one exists
// per successfully processed case; never mutated after creation.
type Assessment struct {
	CaseID      string    `json:"case_id"`
	RiskLevel   RiskLevel `json:"risk_level"`
	Explanation string    `json:"explanation"`
	Model       string    `json:"model,omitempty"`
	Degraded    bool      `json:"degraded,omitempty"`
	AssessedAt  time.Time `json:"assessed_at"`
}

// NotificationStatus tracks the delivery lifecycle of an escalation alert.
type NotificationStatus string

const (
	NotifyAttempted NotificationStatus = "attempted"
	NotifyDelivered NotificationStatus = "delivered"
	NotifyFailed    NotificationStatus = "failed"
)

// Notification is the at-most-one-per-case escalation record. Its
// creation is the atomic choke point preventing duplicate alerts.
type Notification struct {
	CaseID       string             `json:"case_id"`
	Recipient    string             `json:"recipient"`
	Channel      string             `json:"channel"`
	Status       NotificationStatus `json:"status"`
	AttemptCount int                `json:"attempt_count"`
	LastError    string             `json:"last_error,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Artifact is the immutable, content-addressed report for a case.
type Artifact struct {
	CaseID      string    `json:"case_id"`
	ContentHash string    `json:"content_hash"`
	Path        string    `json:"path"`
	URL         string    `json:"url"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Result is the caller-facing aggregate for one pipeline run.
type Result struct {
	CaseID             string             `json:"case_id"`
	Assessment         *Assessment        `json:"risk_assessment"`
	ReportURL          string             `json:"pdf_url"`
	NotificationStatus NotificationStatus `json:"notification_status,omitempty"`
	Truncated          bool               `json:"truncated,omitempty"`
}
