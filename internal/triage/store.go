package triage

import "context"

// Store is the persistence interface for triage state.
//
// CreateNotification is the one operation with atomicity requirements:
// implementations must guarantee that concurrent calls for the same case
// produce exactly one record, reporting created=false (with the existing
// record) to every loser.
type Store interface {
	GetAssessment(ctx context.Context, caseID string) (*Assessment, bool, error)
	PutAssessment(ctx context.Context, a *Assessment) error

	CreateNotification(ctx context.Context, n *Notification) (created bool, existing *Notification, err error)
	UpdateNotification(ctx context.Context, n *Notification) error
	GetNotification(ctx context.Context, caseID string) (*Notification, bool, error)

	GetArtifact(ctx context.Context, caseID string) (*Artifact, bool, error)
	PutArtifact(ctx context.Context, a *Artifact) error
}
