// Package twilio sends escalation alerts as SMS via the Twilio REST API.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/medassist/internal/triage"
)

const (
	apiBase     = "https://api.twilio.com/2010-04-01"
	maxSMSLen   = 1500
	httpTimeout = 10 * time.Second
)

// Notifier delivers escalation alerts through Twilio SMS.
type Notifier struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	client     *http.Client
	logger     log.Logger
}

// New creates a Twilio notifier sending from the given number.
func New(accountSID, authToken, from string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    apiBase,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts one SMS to the alert's recipient and returns the message SID
// as the delivery receipt.
func (n *Notifier) Send(ctx context.Context, alert *triage.EscalationAlert) (string, error) {
	if alert.Recipient == "" {
		return "", errors.New("twilio: no recipient")
	}

	form := url.Values{}
	form.Set("To", alert.Recipient)
	form.Set("From", n.from)
	form.Set("Body", buildMessage(alert))

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", n.baseURL, n.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("twilio: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(n.accountSID, n.authToken)

	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("twilio: post message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("twilio: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("twilio: api returned %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("twilio: unmarshal response: %w", err)
	}

	n.logger.Info(ctx, "sms accepted",
		"case_id", alert.CaseID,
		"sid", out.SID,
		"status", out.Status,
	)
	return out.SID, nil
}

// buildMessage formats the on-call SMS. Twilio rejects bodies over 1600
// chars; truncate at 1500 to leave room for the marker. The cut lands on
// a rune boundary so the body stays valid UTF-8.
func buildMessage(alert *triage.EscalationAlert) string {
	msg := fmt.Sprintf(
		"HIGH RISK MEDICAL CASE\n\nRisk Level: %s\nExplanation: %s\n\nCase %s:\n%s",
		strings.ToUpper(string(alert.RiskLevel)),
		alert.Explanation,
		alert.CaseID[:8],
		alert.Excerpt,
	)
	if runes := []rune(msg); len(runes) > maxSMSLen {
		msg = string(runes[:maxSMSLen]) + "\n... (truncated)"
	}
	return msg
}
