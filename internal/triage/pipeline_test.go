package triage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/medassist/internal/retry"
)

// mockNotifier implements Notifier for testing.
type mockNotifier struct {
	mu      sync.Mutex
	sends   int
	sendErr error
	alerts  []*EscalationAlert
}

func (m *mockNotifier) Send(_ context.Context, alert *EscalationAlert) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends++
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.alerts = append(m.alerts, alert)
	return "SM-receipt", nil
}

func (m *mockNotifier) sendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends
}

// mockReports implements ReportGenerator, recording artifacts in the store
// the same way the real generator does. failures > 0 makes the next calls
// fail before any artifact is written.
type mockReports struct {
	mu       sync.Mutex
	store    Store
	genErr   error
	failures int
	rendered int
}

func (m *mockReports) Generate(ctx context.Context, sub *Submission, a *Assessment) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.genErr != nil {
		return nil, m.genErr
	}
	if m.failures > 0 {
		m.failures--
		return nil, errors.New("render failed")
	}
	if existing, ok, _ := m.store.GetArtifact(ctx, sub.CaseID); ok {
		return existing, nil
	}
	m.rendered++
	art := &Artifact{
		CaseID:      sub.CaseID,
		ContentHash: "hash-" + sub.CaseID,
		URL:         "/api/reports/triage_" + sub.CaseID[:8] + ".pdf",
		GeneratedAt: time.Now().UTC(),
	}
	_ = m.store.PutArtifact(ctx, art)
	return art, nil
}

func (m *mockReports) renderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rendered
}

type testPipeline struct {
	store    *mockStore
	provider *mockProvider
	notifier *mockNotifier
	reports  *mockReports
	svc      *Service
}

func newTestPipeline(t *testing.T, responses []mockResponse, recipient string) *testPipeline {
	t.Helper()
	store := newMockStore()
	provider := &mockProvider{responses: responses}
	assessor := newTestAssessor(t, provider, 3)
	policy := NewPolicy(store, recipient, "sms", nil)
	notifier := &mockNotifier{}
	reports := &mockReports{store: store}
	svc := NewService(store, assessor, policy, notifier, reports, nil, nil, ServiceOptions{
		NotifyRetry: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	return &testPipeline{store: store, provider: provider, notifier: notifier, reports: reports, svc: svc}
}

func highResponse() []mockResponse {
	return []mockResponse{{text: `{"risk_level": "HIGH", "explanation": "chest pain with shortness of breath"}`}}
}

func lowResponse() []mockResponse {
	return []mockResponse{{text: `{"risk_level": "LOW", "explanation": "common cold symptoms"}`}}
}

func TestProcess_HighRiskEscalatesAndDelivers(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, highResponse(), "+15551234567")
	sub := NewSubmission("58yo male, crushing chest pain, dyspnea", false, "text")

	res, err := tp.svc.Process(context.Background(), sub)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Assessment.RiskLevel != RiskHigh {
		t.Errorf("risk = %q, want high", res.Assessment.RiskLevel)
	}
	if res.NotificationStatus != NotifyDelivered {
		t.Errorf("notification status = %q, want %q", res.NotificationStatus, NotifyDelivered)
	}
	if res.ReportURL == "" {
		t.Error("missing report URL")
	}
	if tp.notifier.sendCount() != 1 {
		t.Errorf("sends = %d, want 1", tp.notifier.sendCount())
	}

	n, ok, _ := tp.store.GetNotification(context.Background(), sub.CaseID)
	if !ok {
		t.Fatal("notification record not persisted")
	}
	if n.Status != NotifyDelivered {
		t.Errorf("persisted status = %q, want %q", n.Status, NotifyDelivered)
	}
	if n.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", n.AttemptCount)
	}
}

func TestProcess_LowRiskNoNotification(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, lowResponse(), "+15551234567")
	sub := NewSubmission("mild cough for two days, no fever", false, "text")

	res, err := tp.svc.Process(context.Background(), sub)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Assessment.RiskLevel != RiskLow {
		t.Errorf("risk = %q, want low", res.Assessment.RiskLevel)
	}
	if res.NotificationStatus != "" {
		t.Errorf("notification status = %q, want empty", res.NotificationStatus)
	}
	if tp.notifier.sendCount() != 0 {
		t.Errorf("sends = %d, want 0", tp.notifier.sendCount())
	}
	if tp.store.notificationCount() != 0 {
		t.Errorf("notification records = %d, want 0", tp.store.notificationCount())
	}
}

func TestProcess_DegradedStillProducesReport(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, []mockResponse{
		{err: errors.New("service unavailable")},
		{err: errors.New("service unavailable")},
		{err: errors.New("service unavailable")},
	}, "+15551234567")
	sub := NewSubmission("unclear symptoms", false, "text")

	res, err := tp.svc.Process(context.Background(), sub)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Assessment.RiskLevel != RiskUnknown {
		t.Errorf("risk = %q, want unknown", res.Assessment.RiskLevel)
	}
	if !res.Assessment.Degraded {
		t.Error("assessment not marked degraded")
	}
	if res.ReportURL == "" {
		t.Error("degraded run must still produce a report")
	}
	if tp.notifier.sendCount() != 0 {
		t.Errorf("sends = %d, want 0 (unknown never escalates)", tp.notifier.sendCount())
	}
}

func TestProcess_NotificationFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, highResponse(), "+15551234567")
	tp.notifier.sendErr = errors.New("twilio rejected")
	sub := NewSubmission("severe headache, slurred speech, BP 200/110", false, "text")

	res, err := tp.svc.Process(context.Background(), sub)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.NotificationStatus != NotifyFailed {
		t.Errorf("notification status = %q, want %q", res.NotificationStatus, NotifyFailed)
	}
	if res.ReportURL == "" {
		t.Error("failed notification must not block the report")
	}

	n, ok, _ := tp.store.GetNotification(context.Background(), sub.CaseID)
	if !ok {
		t.Fatal("notification record not persisted")
	}
	if n.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2 (retry budget)", n.AttemptCount)
	}
	if n.LastError == "" {
		t.Error("failed record missing last error")
	}
}

func TestProcess_ReportFailureIsFatal(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, lowResponse(), "")
	tp.reports.genErr = errors.New("disk full")
	sub := NewSubmission("some case", false, "text")

	if _, err := tp.svc.Process(context.Background(), sub); err == nil {
		t.Fatal("expected error when report generation fails")
	}
}

func TestProcess_RetryAfterReportFailureReusesAssessment(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, []mockResponse{
		{text: `{"risk_level": "HIGH", "explanation": "first classification"}`},
		{text: `{"risk_level": "LOW", "explanation": "second classification"}`},
	}, "")
	tp.reports.failures = 1
	sub := NewSubmission("case whose first run dies at the report stage", false, "text")

	if _, err := tp.svc.Process(context.Background(), sub); err == nil {
		t.Fatal("first Process should fail at report generation")
	}

	res, err := tp.svc.Process(context.Background(), NewSubmission(sub.Text, false, "text"))
	if err != nil {
		t.Fatalf("retry Process: %v", err)
	}

	if tp.provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 (retry must not reclassify)", tp.provider.callCount())
	}
	if res.Assessment.RiskLevel != RiskHigh || res.Assessment.Explanation != "first classification" {
		t.Errorf("retry result carries %q/%q, want the stored assessment",
			res.Assessment.RiskLevel, res.Assessment.Explanation)
	}

	stored, ok, _ := tp.store.GetAssessment(context.Background(), sub.CaseID)
	if !ok {
		t.Fatal("assessment missing from store")
	}
	if stored.Explanation != "first classification" {
		t.Errorf("stored explanation = %q, assessment was replaced on retry", stored.Explanation)
	}
	if got := tp.store.putAssessmentCallCount(); got != 1 {
		t.Errorf("PutAssessment calls = %d, want 1", got)
	}
}

func TestProcess_ResubmissionServedFromStore(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, highResponse(), "+15551234567")
	sub := NewSubmission("recurring case text", false, "text")

	first, err := tp.svc.Process(context.Background(), sub)
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}

	second, err := tp.svc.Process(context.Background(), NewSubmission("recurring case text", false, "text"))
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}

	if tp.provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 (resubmission must not reclassify)", tp.provider.callCount())
	}
	if tp.notifier.sendCount() != 1 {
		t.Errorf("sends = %d, want 1 (resubmission must not renotify)", tp.notifier.sendCount())
	}
	if second.ReportURL != first.ReportURL {
		t.Errorf("report URL changed on resubmission: %q vs %q", second.ReportURL, first.ReportURL)
	}
	if second.NotificationStatus != NotifyDelivered {
		t.Errorf("cached notification status = %q, want %q", second.NotificationStatus, NotifyDelivered)
	}
}

func TestProcess_ConcurrentDuplicatesSingleFlight(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, highResponse(), "+15551234567")

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Result, n)
	errs := make([]error, n)

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := NewSubmission("identical concurrent case", false, "text")
			results[i], errs[i] = tp.svc.Process(context.Background(), sub)
		}()
	}
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("Process[%d]: %v", i, errs[i])
		}
		if results[i].Assessment.RiskLevel != RiskHigh {
			t.Errorf("result[%d] risk = %q", i, results[i].Assessment.RiskLevel)
		}
	}
	if got := tp.provider.callCount(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
	if got := tp.notifier.sendCount(); got != 1 {
		t.Errorf("sends = %d, want 1", got)
	}
	if got := tp.store.notificationCount(); got != 1 {
		t.Errorf("notification records = %d, want 1", got)
	}
	if got := tp.reports.renderCount(); got != 1 {
		t.Errorf("renders = %d, want 1", got)
	}
}

func TestProcess_NoNotifierMarksFailed(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	provider := &mockProvider{responses: highResponse()}
	assessor := newTestAssessor(t, provider, 3)
	policy := NewPolicy(store, "+15551234567", "sms", nil)
	reports := &mockReports{store: store}
	svc := NewService(store, assessor, policy, nil, reports, nil, nil, ServiceOptions{})

	sub := NewSubmission("high risk case, notifier unconfigured", false, "text")
	res, err := svc.Process(context.Background(), sub)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.NotificationStatus != NotifyFailed {
		t.Errorf("notification status = %q, want %q", res.NotificationStatus, NotifyFailed)
	}
}

func TestExcerpt(t *testing.T) {
	t.Parallel()

	if got := excerpt("short", 10); got != "short" {
		t.Errorf("excerpt = %q, want unchanged", got)
	}
	if got := excerpt("abcdefghij", 4); got != "abcd..." {
		t.Errorf("excerpt = %q, want %q", got, "abcd...")
	}
}
