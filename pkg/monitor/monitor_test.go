package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/integrity/pkg/health"
	"github.com/cuemby/integrity/pkg/metrics"
	"github.com/cuemby/integrity/pkg/state"
	"github.com/cuemby/integrity/pkg/storage"
	"github.com/cuemby/integrity/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeProber struct {
	mu     sync.Mutex
	status map[string]health.ProbeStatus
	calls  map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{status: make(map[string]health.ProbeStatus), calls: make(map[string]int)}
}

func (f *fakeProber) set(target string, status health.ProbeStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[target] = status
}

func (f *fakeProber) Probe(ctx context.Context, target string) health.ProbeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[target]++
	status, ok := f.status[target]
	if !ok {
		status = health.ProbeUnhealthy
	}
	return health.ProbeResult{Target: target, Status: status, Attempts: 1}
}

// blockingProber only returns once its context is done
type blockingProber struct{}

func (blockingProber) Probe(ctx context.Context, target string) health.ProbeResult {
	<-ctx.Done()
	return health.ProbeResult{Target: target, Status: health.ProbeTimeout, Message: ctx.Err().Error()}
}

// flakyStore fails forward progress writes and pings
type flakyStore struct {
	storage.Store
}

func (f *flakyStore) UpdateForwardProgress(resource string, fn storage.ProgressUpdateFunc) (*types.ForwardProgress, error) {
	return nil, &types.StoreError{Op: "update forward progress", Resource: resource, Err: errors.New("i/o error")}
}

func (f *flakyStore) Ping() error {
	return &types.StoreError{Op: "ping", Err: errors.New("i/o error")}
}

func testConfig(name string) Config {
	cfg := DefaultConfig(name)
	cfg.CycleInterval = time.Second
	cfg.FailedCounterThreshold = 3
	cfg.WriteFPCInterval = time.Second
	cfg.TestTransInterval = time.Second
	cfg.CheckDependencyInterval = time.Second
	cfg.RefreshStateAuditInterval = time.Second
	cfg.StateAuditInterval = time.Second
	cfg.ProbeTimeout = time.Second
	return cfg
}

func newStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newMonitor(t *testing.T, store storage.Store, cfg Config, clock *fakeClock, opts Options) *Monitor {
	t.Helper()
	opts.Clock = clock.Now
	m, err := New(cfg, store, opts)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func seedState(t *testing.T, store storage.Store, name, st string) {
	t.Helper()
	parsed, err := types.ParseCompositeState(st)
	require.NoError(t, err)
	_, err = store.UpdateState(name, func(rec *types.StateRecord, exists bool) error {
		rec.State = parsed
		return nil
	})
	require.NoError(t, err)
}

func seedProgress(t *testing.T, store storage.Store, name string, at time.Time, staleAfter time.Duration) {
	t.Helper()
	_, err := store.UpdateForwardProgress(name, func(fp *types.ForwardProgress, exists bool) error {
		fp.Counter++
		fp.UpdatedAt = at
		fp.StaleAfter = staleAfter
		return nil
	})
	require.NoError(t, err)
}

func currentState(t *testing.T, store storage.Store, name string) types.CompositeState {
	t.Helper()
	rec, err := store.GetState(name)
	require.NoError(t, err)
	return rec.State
}

func TestNew(t *testing.T) {
	store := newStore(t)

	_, err := New(Config{}, store, Options{})
	assert.True(t, errors.Is(err, types.ErrInvalidArgument))

	cfg := testConfig("pdp-1")
	cfg.Site = "site_1"
	cfg.ProbeURL = "tcp://10.0.0.7:9000"
	m := newMonitor(t, store, cfg, newFakeClock(), Options{})

	assert.Equal(t, "pdp-1", m.Resource())
	assert.Equal(t, types.DefaultState(), currentState(t, store, "pdp-1"))

	res, err := store.GetResource("pdp-1")
	require.NoError(t, err)
	assert.Equal(t, "site_1", res.Site)
	assert.Equal(t, "tcp://10.0.0.7:9000", res.ProbeURL)
}

func TestNew_ResumesPersistedState(t *testing.T) {
	store := newStore(t)
	clock := newFakeClock()
	seedState(t, store, "pdp-1", "locked,enabled,null,coldstandby")
	_, err := store.UpdateForwardProgress("pdp-1", func(fp *types.ForwardProgress, exists bool) error {
		fp.Counter = 41
		return nil
	})
	require.NoError(t, err)

	m := newMonitor(t, store, testConfig("pdp-1"), clock, Options{})
	m.cycle(context.Background())

	assert.Equal(t, types.AdminLocked, m.Status().State.Admin)
	fp, err := store.GetForwardProgress("pdp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), fp.Counter)
}

func TestCycle_Heartbeat(t *testing.T) {
	store := newStore(t)
	clock := newFakeClock()
	cfg := testConfig("pdp-1")
	cfg.WriteFPCInterval = 2 * time.Second
	m := newMonitor(t, store, cfg, clock, Options{})

	m.cycle(context.Background())
	clock.Advance(time.Second)
	m.cycle(context.Background())

	fp, err := store.GetForwardProgress("pdp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), fp.Counter, "the second tick does not persist")

	clock.Advance(time.Second)
	m.cycle(context.Background())

	fp, err = store.GetForwardProgress("pdp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), fp.Counter)
	assert.Equal(t, cfg.StaleAfter(), fp.StaleAfter)
	assert.True(t, fp.UpdatedAt.Equal(clock.Now()))
	assert.Equal(t, int64(3), m.Status().Counter)
}

func TestCycle_DisabledBehaviors(t *testing.T) {
	store := newStore(t)
	cfg := testConfig("pdp-1")
	cfg.WriteFPCInterval = Disabled
	cfg.TestTransInterval = Disabled
	cfg.CheckDependencyInterval = Disabled
	cfg.RefreshStateAuditInterval = Disabled
	cfg.StateAuditInterval = Disabled
	m := newMonitor(t, store, cfg, newFakeClock(), Options{})

	m.cycle(context.Background())

	_, err := store.GetForwardProgress("pdp-1")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.Equal(t, int64(1), m.Status().Counter, "the in-memory heartbeat always runs")
}

func TestCycle_StoreFailuresDoNotStopTheLoop(t *testing.T) {
	store := newStore(t)
	clock := newFakeClock()
	m := newMonitor(t, store, testConfig("pdp-1"), clock, Options{})
	m.store = &flakyStore{Store: store}

	for i := 0; i < 3; i++ {
		m.cycle(context.Background())
		clock.Advance(time.Second)
	}

	status := m.Status()
	assert.Equal(t, int64(3), status.Counter)
	assert.NotEmpty(t, status.SelfTestError)
}

func TestDependency_Passive(t *testing.T) {
	store := newStore(t)
	clock := newFakeClock()
	now := clock.Now()

	for _, name := range []string{"pap-1", "pap-2", "pap-3"} {
		seedState(t, store, name, "unlocked,enabled,null,null")
	}
	seedProgress(t, store, "pap-1", now, 3*time.Second)
	seedProgress(t, store, "pap-2", now.Add(-10*time.Second), 3*time.Second)
	seedProgress(t, store, "pap-3", now, 3*time.Second)

	cfg := testConfig("pdp-1")
	cfg.DependencyGroups = "pap-1,pap-2;pap-3"
	m := newMonitor(t, store, cfg, clock, Options{})

	m.cycle(context.Background())
	assert.True(t, m.Status().DependencyHealthy, "second group is healthy")
	assert.True(t, currentState(t, store, "pdp-1").Availability.IsEmpty())

	seedProgress(t, store, "pap-3", now.Add(-10*time.Second), 3*time.Second)
	m.cycle(context.Background())

	st := currentState(t, store, "pdp-1")
	assert.True(t, st.Availability.Has(types.AvailDependency))
	assert.Equal(t, types.OpDisabled, st.Operational)
	status := m.Status()
	assert.False(t, status.DependencyHealthy)
	assert.Equal(t, []string{"pap-2", "pap-3"}, status.FailedDependencies)

	err := m.EvaluateSanity()
	require.True(t, errors.Is(err, types.ErrIntegrity))
	var ie *types.IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Contains(t, ie.Reasons[0], "dependency check failed")

	seedProgress(t, store, "pap-2", now, 3*time.Second)
	m.cycle(context.Background())

	st = currentState(t, store, "pdp-1")
	assert.True(t, st.Availability.IsEmpty())
	assert.Equal(t, types.OpEnabled, st.Operational)
	assert.NoError(t, m.EvaluateSanity())
}

func TestDependency_MaxStaleInterval(t *testing.T) {
	store := newStore(t)
	clock := newFakeClock()
	seedState(t, store, "pap-1", "unlocked,enabled,null,null")
	seedProgress(t, store, "pap-1", clock.Now().Add(-10*time.Second), time.Minute)

	cfg := testConfig("pdp-1")
	cfg.DependencyGroups = "pap-1"
	cfg.MaxStaleInterval = 5 * time.Second
	m := newMonitor(t, store, cfg, clock, Options{})

	m.cycle(context.Background())
	assert.False(t, m.Status().DependencyHealthy, "the configured window overrides the member's own")
}

func TestDependency_OutOfServiceMembers(t *testing.T) {
	tests := []struct {
		name  string
		state string
	}{
		{"locked", "locked,enabled,null,coldstandby"},
		{"disabled", "unlocked,disabled,failed,coldstandby"},
		{"never seen", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			clock := newFakeClock()
			if tt.state != "" {
				seedState(t, store, "pap-1", tt.state)
			}
			seedProgress(t, store, "pap-1", clock.Now(), 3*time.Second)

			cfg := testConfig("pdp-1")
			cfg.DependencyGroups = "pap-1"
			m := newMonitor(t, store, cfg, clock, Options{})

			m.cycle(context.Background())
			assert.True(t, currentState(t, store, "pdp-1").Availability.Has(types.AvailDependency))
		})
	}
}

func TestDependency_NoGroups(t *testing.T) {
	store := newStore(t)
	m := newMonitor(t, store, testConfig("pdp-1"), newFakeClock(), Options{})

	m.cycle(context.Background())
	assert.True(t, m.Status().DependencyHealthy)
	assert.Equal(t, types.DefaultState(), currentState(t, store, "pdp-1"))
}

func TestDependency_ActiveProbe(t *testing.T) {
	store := newStore(t)
	seedState(t, store, "pap-1", "unlocked,enabled,null,null")
	seedState(t, store, "pap-2", "unlocked,enabled,null,null")

	prober := newFakeProber()
	prober.set("pap-1", health.ProbeHealthy)
	prober.set("pap-2", health.ProbeUnhealthy)

	cfg := testConfig("pdp-1")
	cfg.DependencyGroups = "pap-1,pap-2"
	cfg.ProbeDependencies = true
	m := newMonitor(t, store, cfg, newFakeClock(), Options{Prober: prober})

	m.cycle(context.Background())
	assert.True(t, currentState(t, store, "pdp-1").Availability.Has(types.AvailDependency))
	assert.Equal(t, []string{"pap-2"}, m.Status().FailedDependencies)

	prober.set("pap-2", health.ProbeHealthy)
	m.cycle(context.Background())
	assert.True(t, currentState(t, store, "pdp-1").Availability.IsEmpty())
	assert.Equal(t, 2, prober.calls["pap-2"])
}

func TestDependency_ProbeTimeoutIsFailure(t *testing.T) {
	store := newStore(t)
	seedState(t, store, "pap-1", "unlocked,enabled,null,null")

	cfg := testConfig("pdp-1")
	cfg.DependencyGroups = "pap-1"
	cfg.ProbeDependencies = true
	cfg.ProbeTimeout = 50 * time.Millisecond
	m := newMonitor(t, store, cfg, newFakeClock(), Options{Prober: blockingProber{}})

	start := time.Now()
	m.cycle(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, currentState(t, store, "pdp-1").Availability.Has(types.AvailDependency))
}

func TestAudit(t *testing.T) {
	store := newStore(t)
	clock := newFakeClock()
	now := clock.Now()

	seedState(t, store, "pap-1", "unlocked,enabled,null,hotstandby")
	seedState(t, store, "pap-2", "unlocked,enabled,null,hotstandby")
	seedProgress(t, store, "pap-1", now.Add(-10*time.Second), 3*time.Second)
	seedProgress(t, store, "pap-2", now.Add(-10*time.Second), time.Minute)

	m := newMonitor(t, store, testConfig("pdp-1"), clock, Options{})
	_, err := m.StateManager().Promote()
	require.NoError(t, err)

	m.cycle(context.Background())

	assert.Equal(t, "unlocked,disabled,failed,coldstandby", currentState(t, store, "pap-1").String())
	assert.Equal(t, "unlocked,enabled,null,hotstandby", currentState(t, store, "pap-2").String(),
		"staleness is judged against the resource's own window")
	assert.Equal(t, types.StandbyProvidingService, currentState(t, store, "pdp-1").Standby, "the auditor never audits itself")

	seedProgress(t, store, "pap-1", now, 3*time.Second)
	m.cycle(context.Background())

	assert.Equal(t, "unlocked,enabled,null,hotstandby", currentState(t, store, "pap-1").String())
}

func TestAudit_OnlyWhileProvidingService(t *testing.T) {
	store := newStore(t)
	clock := newFakeClock()
	seedState(t, store, "pap-1", "unlocked,enabled,null,hotstandby")
	seedProgress(t, store, "pap-1", clock.Now().Add(-time.Hour), 3*time.Second)

	m := newMonitor(t, store, testConfig("pdp-1"), clock, Options{})
	_, err := m.StateManager().Demote()
	require.NoError(t, err)

	m.cycle(context.Background())
	assert.True(t, currentState(t, store, "pap-1").Availability.IsEmpty())
}

func TestRefresh_NotifiesOutOfBandChange(t *testing.T) {
	store := newStore(t)
	clock := newFakeClock()
	m := newMonitor(t, store, testConfig("pdp-1"), clock, Options{})

	var seen []types.CompositeState
	m.StateManager().Subscribe(func(_ string, st types.CompositeState) { seen = append(seen, st) })

	other, err := state.NewManager(store, "pdp-1", state.Options{})
	require.NoError(t, err)
	_, err = other.Lock()
	require.NoError(t, err)

	m.cycle(context.Background())

	require.Len(t, seen, 1)
	assert.Equal(t, types.AdminLocked, seen[0].Admin)
	assert.Equal(t, types.AdminLocked, m.Status().State.Admin)
}

func TestStartTransaction(t *testing.T) {
	tests := []struct {
		state   string
		wantErr bool
	}{
		{"unlocked,enabled,null,null", false},
		{"unlocked,enabled,null,providingservice", false},
		{"unlocked,enabled,null,hotstandby", true},
		{"unlocked,enabled,null,coldstandby", true},
		{"locked,enabled,null,null", true},
		{"locked,enabled,null,coldstandby", true},
		{"unlocked,disabled,failed,null", true},
		{"unlocked,disabled,dependency,coldstandby", true},
	}

	store := newStore(t)
	m := newMonitor(t, store, testConfig("pdp-1"), newFakeClock(), Options{})

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			seedState(t, store, "pdp-1", tt.state)
			err := m.StartTransaction()
			if tt.wantErr {
				assert.True(t, errors.Is(err, types.ErrIntegrity), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAllSeemsWell(t *testing.T) {
	m := newMonitor(t, newStore(t), testConfig("pdp-1"), newFakeClock(), Options{})
	require.NoError(t, m.EvaluateSanity())

	require.NoError(t, m.AllSeemsWell("db-checker", false, "x"))
	err := m.EvaluateSanity()
	assert.True(t, errors.Is(err, types.ErrIntegrity))
	assert.Contains(t, err.Error(), "db-checker: x")

	// another reporter saying well does not clear it
	require.NoError(t, m.AllSeemsWell("cache-checker", true, "fine"))
	assert.Error(t, m.EvaluateSanity())

	require.NoError(t, m.AllSeemsWell("db-checker", true, "y"))
	assert.NoError(t, m.EvaluateSanity())

	status := m.Status()
	assert.Empty(t, status.NotWell)
	assert.Equal(t, map[string]string{"db-checker": "y", "cache-checker": "fine"}, status.SeemsWell)
}

func TestAllSeemsWell_LogKeepsReportText(t *testing.T) {
	m := newMonitor(t, newStore(t), testConfig("pdp-1"), newFakeClock(), Options{})
	var buf bytes.Buffer
	m.logger = zerolog.New(&buf)

	require.NoError(t, m.AllSeemsWell("db-checker", false, "connection pool exhausted"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "reported not well", entry["message"])
	assert.Equal(t, "connection pool exhausted", entry["detail"])
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte(`"message"`)))
}

func TestAllSeemsWell_InvalidArguments(t *testing.T) {
	m := newMonitor(t, newStore(t), testConfig("pdp-1"), newFakeClock(), Options{})

	for _, tc := range []struct{ id, msg string }{{"", "x"}, {"  ", "x"}, {"db", ""}, {"db", " "}} {
		err := m.AllSeemsWell(tc.id, false, tc.msg)
		assert.True(t, errors.Is(err, types.ErrInvalidArgument), "id=%q msg=%q", tc.id, tc.msg)
	}
	assert.NoError(t, m.EvaluateSanity())
}

func TestEvaluateSanity_StaleProgress(t *testing.T) {
	clock := newFakeClock()
	m := newMonitor(t, newStore(t), testConfig("pdp-1"), clock, Options{})

	m.cycle(context.Background())
	require.NoError(t, m.EvaluateSanity())

	clock.Advance(4 * time.Second)
	err := m.EvaluateSanity()
	require.True(t, errors.Is(err, types.ErrIntegrity))
	assert.Contains(t, err.Error(), "forward progress stale")
	assert.True(t, m.Status().ProgressStale)

	m.EndTransaction()
	assert.NoError(t, m.EvaluateSanity())
}

func TestSelfTest_HealthIsPerResource(t *testing.T) {
	store := newStore(t)
	clock := newFakeClock()

	broken := newMonitor(t, store, testConfig("pap-1"), clock, Options{})
	broken.store = &flakyStore{Store: store}
	healthy := newMonitor(t, store, testConfig("pdp-1"), clock, Options{})

	require.Error(t, broken.selfTest())
	require.NoError(t, healthy.selfTest())

	readiness := metrics.GetReadiness()
	assert.Equal(t, "ready", readiness.Components[metrics.MonitorComponent("pdp-1")])
	assert.Contains(t, readiness.Components[metrics.MonitorComponent("pap-1")], "i/o error")
	assert.Equal(t, "not_ready", readiness.Status)
}

func TestStartStop(t *testing.T) {
	store := newStore(t)
	cfg := testConfig("pdp-1")
	cfg.CycleInterval = 5 * time.Millisecond

	var starts, ends atomic.Int64
	ended := make(chan uint64, 1000)
	m, err := New(cfg, store, Options{Hooks: Hooks{
		OnCycleStart: func(uint64) { starts.Add(1) },
		OnCycleEnd: func(tick uint64) {
			ends.Add(1)
			select {
			case ended <- tick:
			default:
			}
		},
	}})
	require.NoError(t, err)

	m.Start()
	m.Start()
	assert.True(t, m.Running())

	for want := uint64(0); want < 3; want++ {
		select {
		case tick := <-ended:
			assert.Equal(t, want, tick)
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not make progress")
		}
	}

	m.Stop()
	assert.False(t, m.Running())
	assert.Equal(t, starts.Load(), ends.Load(), "stop waits for the running iteration")

	after := ends.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, ends.Load(), "no iteration runs after stop")

	m.Stop()
}
