package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// escalationThreshold is the only risk level that triggers notification.
// Whether medium should also page is an open policy question with the
// system owner; flip this constant once resolved.
const escalationThreshold = RiskHigh

// EscalationState is the per-case escalation state machine position.
type EscalationState string

const (
	StateCreated    EscalationState = "created"
	StateEvaluated  EscalationState = "evaluated"
	StateEscalated  EscalationState = "escalated"
	StateSuppressed EscalationState = "suppressed"
)

// Decision is the outcome of evaluating a case against the policy.
type Decision struct {
	State  EscalationState
	Reason string

	// Record is set only on Escalated: the freshly created notification
	// record the dispatcher must now fulfil.
	Record *Notification
}

// Policy decides whether an assessment warrants emergency notification.
// It is the single choke point preventing duplicate alerts: the store's
// atomic check-and-create decides the winner under concurrency.
type Policy struct {
	store     Store
	recipient string
	channel   string
	logger    log.Logger
}

// NewPolicy creates the escalation policy for a configured recipient.
func NewPolicy(store Store, recipient, channel string, logger log.Logger) *Policy {
	if logger == nil {
		logger = log.Nop()
	}
	return &Policy{
		store:     store,
		recipient: recipient,
		channel:   channel,
		logger:    logger,
	}
}

// Evaluate runs the state machine for one assessment:
// Created -> Evaluated -> {Escalated, Suppressed}.
func (p *Policy) Evaluate(ctx context.Context, a *Assessment) (*Decision, error) {
	if a.RiskLevel != escalationThreshold {
		return &Decision{State: StateSuppressed, Reason: "risk level below threshold"}, nil
	}
	if p.recipient == "" {
		return &Decision{State: StateSuppressed, Reason: "no recipient configured"}, nil
	}

	now := time.Now().UTC()
	record := &Notification{
		CaseID:    a.CaseID,
		Recipient: p.recipient,
		Channel:   p.channel,
		Status:    NotifyAttempted,
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, existing, err := p.store.CreateNotification(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("create notification record: %w", err)
	}
	if !created {
		p.logger.Info(ctx, "escalation suppressed, record exists",
			"case_id", a.CaseID,
			"existing_status", existing.Status,
		)
		return &Decision{State: StateSuppressed, Reason: "notification record exists", Record: nil}, nil
	}

	p.logger.Info(ctx, "case escalated", "case_id", a.CaseID, "recipient", p.recipient)
	return &Decision{State: StateEscalated, Record: record}, nil
}
