package coordinator

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/shiftplan/internal/company"
	"github.com/ChuLiYu/shiftplan/internal/remote"
	"github.com/ChuLiYu/shiftplan/internal/store"
	"github.com/ChuLiYu/shiftplan/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// 假遠端服務
// ============================================================================

type fakeRemote struct {
	mu sync.Mutex

	employees   []types.Employee
	activities  []types.Activity
	demand      types.DemandConfig
	learned     types.DemandConfig
	periods     []types.Period
	shifts      []types.Shift
	employeeErr error
	demandErr   error
	learnErr    error
	generateErr error

	// gateHold, when set, parks EnsureTrained after its first progress
	// report until it is closed.
	gateHold chan struct{}

	calls     map[string]int
	companies []string
	requests  []types.GenerateRequest
	released  []types.JobID
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		employees: []types.Employee{
			{ID: "e1", Name: "Ana"},
			{ID: "e2", Name: "Ben"},
		},
		activities: []types.Activity{{ID: "a1", Name: "Front desk"}},
		demand:     types.DemandConfig{WeekdayTarget: 4, WeekendTarget: 1},
		learned:    types.DemandConfig{WeekdayTarget: 6, WeekendTarget: 3, AIEnabled: true},
		periods:    []types.Period{{ID: "p1", Environment: "acme"}},
		shifts: []types.Shift{
			{ID: "s1", EmployeeID: "e1", EmployeeName: "Ana", Date: "2026-03-02", StartTime: "08:00", EndTime: "16:00"},
			{ID: "s2", EmployeeID: "e2", EmployeeName: "Ben", Date: "2026-03-03", StartTime: "08:00", EndTime: "16:00"},
		},
		calls: map[string]int{},
	}
}

func (f *fakeRemote) record(ctx context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	f.companies = append(f.companies, company.FromContext(ctx))
}

func (f *fakeRemote) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRemote) lastRequest() types.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeRemote) FetchEmployees(ctx context.Context) ([]types.Employee, error) {
	f.record(ctx, "employees")
	if f.employeeErr != nil {
		return nil, f.employeeErr
	}
	return f.employees, nil
}

func (f *fakeRemote) FetchActivities(ctx context.Context) ([]types.Activity, error) {
	f.record(ctx, "activities")
	return f.activities, nil
}

func (f *fakeRemote) FetchDemand(ctx context.Context) (types.DemandConfig, error) {
	f.record(ctx, "demand")
	if f.demandErr != nil {
		return types.DefaultDemandConfig(), f.demandErr
	}
	return f.demand, nil
}

func (f *fakeRemote) LearnDemand(ctx context.Context) (types.DemandConfig, error) {
	f.record(ctx, "learn_demand")
	if f.learnErr != nil {
		return types.DemandConfig{}, f.learnErr
	}
	return f.learned, nil
}

func (f *fakeRemote) FetchPeriods(ctx context.Context, start, end string) ([]types.Period, error) {
	f.record(ctx, "periods")
	return f.periods, nil
}

func (f *fakeRemote) EnsureTrained(ctx context.Context, onProgress remote.ProgressFunc) (remote.GateResult, error) {
	f.record(ctx, "ensure_trained")
	running := types.TrainingStatus{Status: types.TrainingRunning, Phase: types.PhaseTraining, Progress: 0.5}
	if onProgress != nil {
		onProgress(running)
	}
	f.mu.Lock()
	hold := f.gateHold
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return remote.GateResult{}, ctx.Err()
		}
	}
	ready := types.TrainingStatus{Status: types.TrainingIdle, Phase: types.PhaseIdle, Progress: 1, Message: gateReady}
	if onProgress != nil {
		onProgress(ready)
	}
	return remote.GateResult{Outcome: remote.GateOK, Polls: 3, Last: ready}, nil
}

func (f *fakeRemote) TriggerRetrain(ctx context.Context) (string, error) {
	f.record(ctx, "retrain")
	return "started", nil
}

func (f *fakeRemote) Generate(ctx context.Context, req types.GenerateRequest) (*remote.JobResult, error) {
	f.record(ctx, "generate")
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	return &remote.JobResult{JobID: "job-1", Shifts: types.CloneShifts(f.shifts), Polls: 2}, nil
}

func (f *fakeRemote) Release(id types.JobID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
}

// ============================================================================
// 記憶體 store
// ============================================================================

type memStore struct {
	hub *store.Hub

	mu        sync.Mutex
	docs      map[string]types.ScheduleDocument
	feedback  []types.FeedbackRecord
	upserts   int
	attempts  int
	upsertErr error
}

func newMemStore() *memStore {
	return &memStore{hub: store.NewHub(), docs: map[string]types.ScheduleDocument{}}
}

func (m *memStore) Upsert(ctx context.Context, doc types.ScheduleDocument) (types.ScheduleDocument, error) {
	m.mu.Lock()
	m.attempts++
	if m.upsertErr != nil {
		m.mu.Unlock()
		return types.ScheduleDocument{}, m.upsertErr
	}
	slot := doc.Slot
	if slot == "" {
		slot = types.DefaultSlot
	}
	out := store.Normalize(doc, m.docs[slot].Version+1, time.Now())
	m.docs[out.Slot] = out
	m.upserts++
	list := m.listLocked()
	m.mu.Unlock()

	m.hub.Publish(list)
	return out.Clone(), nil
}

func (m *memStore) List(ctx context.Context) ([]types.ScheduleDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(), nil
}

func (m *memStore) listLocked() []types.ScheduleDocument {
	out := make([]types.ScheduleDocument, 0, len(m.docs))
	for _, d := range m.docs {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

func (m *memStore) Subscribe(ctx context.Context) (<-chan store.Update, error) {
	return m.hub.Subscribe(ctx, m.List)
}

func (m *memStore) AppendFeedback(ctx context.Context, rec types.FeedbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback = append(m.feedback, rec)
	return nil
}

func (m *memStore) Close() error {
	m.hub.Close()
	return nil
}

func (m *memStore) doc(slot string) (types.ScheduleDocument, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[slot]
	return d.Clone(), ok
}

func (m *memStore) feedbackRecords() []types.FeedbackRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.FeedbackRecord(nil), m.feedback...)
}

func (m *memStore) setUpsertErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertErr = err
}

func (m *memStore) upsertAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *memStore) upsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

// ============================================================================
// 輔助函式
// ============================================================================

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func startCoordinator(t *testing.T, cfg Config, r Remote, s store.LiveStore) *Coordinator {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return fixedNow }
	}
	c := New(cfg, Deps{Remote: r, Store: s})
	require.NoError(t, c.Start(company.WithID(context.Background(), "acme")))
	t.Cleanup(func() {
		c.Stop()
		s.Close()
	})
	return c
}

func do(t *testing.T, c *Coordinator, in Intent) (Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Do(ctx, in)
}

func waitSnapshot(t *testing.T, c *Coordinator, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(c.Current()) }, 5*time.Second, 5*time.Millisecond)
	return c.Current()
}

const gateReady = "model ready"

func loaded(s Snapshot) bool { return s.Phase == PhaseLoaded }

// settled is Loaded with the detached training gate finished.
func settled(s Snapshot) bool {
	return s.Phase == PhaseLoaded && s.Training.Message == gateReady
}

// loadAll runs LoadInitialData and waits for the chained LoadSchedules and
// the training gate.
func loadAll(t *testing.T, c *Coordinator) Snapshot {
	t.Helper()
	_, err := do(t, c, LoadInitialData{})
	require.NoError(t, err)
	return waitSnapshot(t, c, settled)
}

// seedDoc stores one schedule with shifts s1 (e1) and s2 (e2).
func seedDoc(t *testing.T, s *memStore) types.ScheduleDocument {
	t.Helper()
	doc, err := s.Upsert(context.Background(), types.ScheduleDocument{Schedule: newFakeRemote().shifts})
	require.NoError(t, err)
	return doc
}
