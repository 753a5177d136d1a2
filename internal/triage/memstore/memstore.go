// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/medassist/internal/triage"
)

// Store holds triage state in memory. Suitable for dev/testing.
type Store struct {
	mu            sync.RWMutex
	assessments   map[string]*triage.Assessment   // case ID -> assessment
	notifications map[string]*triage.Notification // case ID -> notification record
	artifacts     map[string]*triage.Artifact     // case ID -> report artifact
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		assessments:   make(map[string]*triage.Assessment),
		notifications: make(map[string]*triage.Notification),
		artifacts:     make(map[string]*triage.Artifact),
	}
}

// GetAssessment retrieves the assessment for a case. Returns a copy.
func (s *Store) GetAssessment(_ context.Context, caseID string) (*triage.Assessment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assessments[caseID]
	if !ok {
		return nil, false, nil
	}
	cp := *a
	return &cp, true, nil
}

// PutAssessment stores a copy of the assessment. First write wins;
// assessments are immutable once created.
func (s *Store) PutAssessment(_ context.Context, a *triage.Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assessments[a.CaseID]; ok {
		return nil
	}
	cp := *a
	s.assessments[a.CaseID] = &cp
	return nil
}

// CreateNotification inserts the record iff none exists for the case.
// The check-and-create runs under the write lock, so concurrent callers
// for the same case see exactly one winner.
func (s *Store) CreateNotification(_ context.Context, n *triage.Notification) (bool, *triage.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.notifications[n.CaseID]; ok {
		cp := *existing
		return false, &cp, nil
	}
	cp := *n
	s.notifications[n.CaseID] = &cp
	return true, nil, nil
}

// UpdateNotification overwrites the record for the case.
func (s *Store) UpdateNotification(_ context.Context, n *triage.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	cp.UpdatedAt = time.Now().UTC()
	s.notifications[n.CaseID] = &cp
	return nil
}

// GetNotification retrieves the notification record for a case. Returns a copy.
func (s *Store) GetNotification(_ context.Context, caseID string) (*triage.Notification, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[caseID]
	if !ok {
		return nil, false, nil
	}
	cp := *n
	return &cp, true, nil
}

// GetArtifact retrieves the report artifact for a case. Returns a copy.
func (s *Store) GetArtifact(_ context.Context, caseID string) (*triage.Artifact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[caseID]
	if !ok {
		return nil, false, nil
	}
	cp := *a
	return &cp, true, nil
}

// PutArtifact stores a copy of the artifact. First write wins; artifacts
// are immutable once created.
func (s *Store) PutArtifact(_ context.Context, a *triage.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[a.CaseID]; ok {
		return nil
	}
	cp := *a
	s.artifacts[a.CaseID] = &cp
	return nil
}
