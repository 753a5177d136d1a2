// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/medassist/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/medassist/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists triage state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// GetAssessment retrieves the assessment for a case.
func (s *Store) GetAssessment(ctx context.Context, caseID string) (*triage.Assessment, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetAssessment", "SELECT")
	defer span.End()

	var (
		a     triage.Assessment
		level string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT case_id, risk_level, explanation, model, degraded, assessed_at
		 FROM assessments WHERE case_id = $1`, caseID,
	).Scan(&a.CaseID, &level, &a.Explanation, &a.Model, &a.Degraded, &a.AssessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, spanErr(span, fmt.Errorf("scan assessment: %w", err))
	}
	a.RiskLevel = triage.RiskLevel(level)
	return &a, true, nil
}

// PutAssessment records the assessment. First write wins; assessments
// are immutable once created, so a conflicting insert is a no-op.
func (s *Store) PutAssessment(ctx context.Context, a *triage.Assessment) error {
	ctx, span := startSpan(ctx, "pgstore.PutAssessment", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO assessments (case_id, risk_level, explanation, model, degraded, assessed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (case_id) DO NOTHING`,
		a.CaseID, string(a.RiskLevel), a.Explanation, a.Model, a.Degraded, a.AssessedAt,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert assessment: %w", err))
	}
	return nil
}

// CreateNotification inserts the record iff none exists for the case.
// ON CONFLICT DO NOTHING makes the check-and-create atomic; losers get
// the existing row back.
func (s *Store) CreateNotification(ctx context.Context, n *triage.Notification) (bool, *triage.Notification, error) {
	ctx, span := startSpan(ctx, "pgstore.CreateNotification", "INSERT")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (case_id, recipient, channel, status, attempt_count, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (case_id) DO NOTHING`,
		n.CaseID, n.Recipient, n.Channel, string(n.Status), n.AttemptCount, n.LastError, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return false, nil, spanErr(span, fmt.Errorf("insert notification: %w", err))
	}
	if tag.RowsAffected() > 0 {
		return true, nil, nil
	}

	existing, ok, err := s.GetNotification(ctx, n.CaseID)
	if err != nil {
		return false, nil, err
	}
	if !ok {
		// Lost the race and the winner's row is gone: treat as conflict
		// without detail rather than inventing a record.
		return false, nil, spanErr(span, fmt.Errorf("notification for case %s vanished after conflict", n.CaseID))
	}
	return false, existing, nil
}

// UpdateNotification persists delivery outcome fields for the case.
func (s *Store) UpdateNotification(ctx context.Context, n *triage.Notification) error {
	ctx, span := startSpan(ctx, "pgstore.UpdateNotification", "UPDATE")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`UPDATE notifications
		 SET status = $2, attempt_count = $3, last_error = $4, updated_at = $5
		 WHERE case_id = $1`,
		n.CaseID, string(n.Status), n.AttemptCount, n.LastError, time.Now().UTC(),
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("update notification: %w", err))
	}
	return nil
}

// GetNotification retrieves the notification record for a case.
func (s *Store) GetNotification(ctx context.Context, caseID string) (*triage.Notification, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetNotification", "SELECT")
	defer span.End()

	var (
		n      triage.Notification
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT case_id, recipient, channel, status, attempt_count, last_error, created_at, updated_at
		 FROM notifications WHERE case_id = $1`, caseID,
	).Scan(&n.CaseID, &n.Recipient, &n.Channel, &status, &n.AttemptCount, &n.LastError, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, spanErr(span, fmt.Errorf("scan notification: %w", err))
	}
	n.Status = triage.NotificationStatus(status)
	return &n, true, nil
}

// GetArtifact retrieves the report artifact for a case.
func (s *Store) GetArtifact(ctx context.Context, caseID string) (*triage.Artifact, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetArtifact", "SELECT")
	defer span.End()

	var a triage.Artifact
	err := s.pool.QueryRow(ctx,
		`SELECT case_id, content_hash, path, url, generated_at
		 FROM reports WHERE case_id = $1`, caseID,
	).Scan(&a.CaseID, &a.ContentHash, &a.Path, &a.URL, &a.GeneratedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, spanErr(span, fmt.Errorf("scan artifact: %w", err))
	}
	return &a, true, nil
}

// PutArtifact records the artifact. First write wins; artifacts are
// immutable once created.
func (s *Store) PutArtifact(ctx context.Context, a *triage.Artifact) error {
	ctx, span := startSpan(ctx, "pgstore.PutArtifact", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO reports (case_id, content_hash, path, url, generated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (case_id) DO NOTHING`,
		a.CaseID, a.ContentHash, a.Path, a.URL, a.GeneratedAt,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("insert artifact: %w", err))
	}
	return nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
