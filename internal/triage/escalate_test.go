package triage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockStore implements Store for testing. Shared with the pipeline tests.
type mockStore struct {
	mu            sync.Mutex
	assessments   map[string]*Assessment
	notifications map[string]*Notification
	artifacts     map[string]*Artifact

	createErr error
	putErr    error

	putAssessmentCalls int
}

func newMockStore() *mockStore {
	return &mockStore{
		assessments:   make(map[string]*Assessment),
		notifications: make(map[string]*Notification),
		artifacts:     make(map[string]*Artifact),
	}
}

func (m *mockStore) GetAssessment(_ context.Context, caseID string) (*Assessment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assessments[caseID]
	if !ok {
		return nil, false, nil
	}
	cp := *a
	return &cp, true, nil
}

func (m *mockStore) PutAssessment(_ context.Context, a *Assessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.putAssessmentCalls++
	if _, ok := m.assessments[a.CaseID]; ok {
		return nil
	}
	cp := *a
	m.assessments[a.CaseID] = &cp
	return nil
}

func (m *mockStore) CreateNotification(_ context.Context, n *Notification) (bool, *Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return false, nil, m.createErr
	}
	if existing, ok := m.notifications[n.CaseID]; ok {
		cp := *existing
		return false, &cp, nil
	}
	cp := *n
	m.notifications[n.CaseID] = &cp
	return true, nil, nil
}

func (m *mockStore) UpdateNotification(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.notifications[n.CaseID] = &cp
	return nil
}

func (m *mockStore) GetNotification(_ context.Context, caseID string) (*Notification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[caseID]
	if !ok {
		return nil, false, nil
	}
	cp := *n
	return &cp, true, nil
}

func (m *mockStore) GetArtifact(_ context.Context, caseID string) (*Artifact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[caseID]
	if !ok {
		return nil, false, nil
	}
	cp := *a
	return &cp, true, nil
}

func (m *mockStore) PutArtifact(_ context.Context, a *Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[a.CaseID]; ok {
		return nil
	}
	cp := *a
	m.artifacts[a.CaseID] = &cp
	return nil
}

func (m *mockStore) notificationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifications)
}

func (m *mockStore) putAssessmentCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putAssessmentCalls
}

func highAssessment(caseID string) *Assessment {
	return &Assessment{
		CaseID:      caseID,
		RiskLevel:   RiskHigh,
		Explanation: "chest pain with shortness of breath",
		AssessedAt:  time.Now().UTC(),
	}
}

func TestEvaluate_HighEscalates(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	p := NewPolicy(store, "+15551234567", "sms", nil)

	d, err := p.Evaluate(context.Background(), highAssessment("case-high"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.State != StateEscalated {
		t.Fatalf("state = %q, want %q", d.State, StateEscalated)
	}
	if d.Record == nil {
		t.Fatal("escalated decision missing record")
	}
	if d.Record.Status != NotifyAttempted {
		t.Errorf("record status = %q, want %q", d.Record.Status, NotifyAttempted)
	}
	if d.Record.Recipient != "+15551234567" {
		t.Errorf("record recipient = %q", d.Record.Recipient)
	}
}

func TestEvaluate_SecondEvaluationSuppressed(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	p := NewPolicy(store, "+15551234567", "sms", nil)

	a := highAssessment("case-dup")
	if d, err := p.Evaluate(context.Background(), a); err != nil || d.State != StateEscalated {
		t.Fatalf("first Evaluate = (%v, %v), want escalated", d, err)
	}

	d, err := p.Evaluate(context.Background(), a)
	if err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}
	if d.State != StateSuppressed {
		t.Errorf("state = %q, want %q", d.State, StateSuppressed)
	}
	if store.notificationCount() != 1 {
		t.Errorf("notification records = %d, want 1", store.notificationCount())
	}
}

func TestEvaluate_BelowThresholdSuppressed(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	p := NewPolicy(store, "+15551234567", "sms", nil)

	for _, level := range []RiskLevel{RiskLow, RiskMedium, RiskUnknown} {
		a := &Assessment{CaseID: "case-" + string(level), RiskLevel: level, AssessedAt: time.Now().UTC()}
		d, err := p.Evaluate(context.Background(), a)
		if err != nil {
			t.Fatalf("Evaluate(%s): %v", level, err)
		}
		if d.State != StateSuppressed {
			t.Errorf("state for %s = %q, want %q", level, d.State, StateSuppressed)
		}
	}
	if store.notificationCount() != 0 {
		t.Errorf("notification records = %d, want 0", store.notificationCount())
	}
}

func TestEvaluate_NoRecipientSuppressed(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	p := NewPolicy(store, "", "sms", nil)

	d, err := p.Evaluate(context.Background(), highAssessment("case-norecip"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.State != StateSuppressed {
		t.Errorf("state = %q, want %q", d.State, StateSuppressed)
	}
	if store.notificationCount() != 0 {
		t.Errorf("notification records = %d, want 0", store.notificationCount())
	}
}

func TestEvaluate_StoreErrorPropagates(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.createErr = errors.New("db down")
	p := NewPolicy(store, "+15551234567", "sms", nil)

	if _, err := p.Evaluate(context.Background(), highAssessment("case-err")); err == nil {
		t.Fatal("expected error when create fails")
	}
}

func TestEvaluate_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	p := NewPolicy(store, "+15551234567", "sms", nil)
	a := highAssessment("case-race")

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	escalated := 0

	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := p.Evaluate(context.Background(), a)
			if err != nil {
				t.Errorf("Evaluate: %v", err)
				return
			}
			if d.State == StateEscalated {
				mu.Lock()
				escalated++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if escalated != 1 {
		t.Errorf("escalated winners = %d, want exactly 1", escalated)
	}
	if store.notificationCount() != 1 {
		t.Errorf("notification records = %d, want 1", store.notificationCount())
	}
}
