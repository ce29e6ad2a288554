package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/integrity/pkg/events"
	"github.com/cuemby/integrity/pkg/health"
	"github.com/cuemby/integrity/pkg/log"
	"github.com/cuemby/integrity/pkg/metrics"
	"github.com/cuemby/integrity/pkg/state"
	"github.com/cuemby/integrity/pkg/storage"
	"github.com/cuemby/integrity/pkg/tracing"
	"github.com/cuemby/integrity/pkg/transition"
	"github.com/cuemby/integrity/pkg/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Hooks bracket every loop iteration. They run on the loop goroutine and
// exist so tests can step through the loop deterministically.
type Hooks struct {
	OnCycleStart func(tick uint64)
	OnCycleEnd   func(tick uint64)
}

// Options carries the collaborators of a Monitor. All fields are optional.
type Options struct {
	// Prober is used for active dependency probing. When nil and probing is
	// enabled, an EndpointProber backed by the store is used.
	Prober health.Prober

	Broker *events.Broker
	Hooks  Hooks

	// Clock overrides time.Now
	Clock func() time.Time

	// Table overrides the transition table of every state manager the
	// monitor creates
	Table *transition.Table
}

// Monitor runs the control loop of one resource and answers the
// synchronous gating calls for it
type Monitor struct {
	cfg      Config
	groups   DependencyGroups
	every    schedule
	store    storage.Store
	state    *state.Manager
	prober   health.Prober
	broker   *events.Broker
	hooks    Hooks
	table    *transition.Table
	now      func() time.Time
	reports  *healthReports
	logger   zerolog.Logger
	resource string

	// mu guards the heartbeat and dependency fields below
	mu                sync.RWMutex
	counter           int64
	lastProgress      time.Time
	dependencyHealthy bool
	failedDeps        []string
	selfTestErr       error

	// cycleMu serializes loop iterations; the fields below belong to the
	// iteration holding it
	cycleMu sync.Mutex
	tick    uint64
	peers   map[string]*state.Manager

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor for cfg.ResourceName. It registers the resource,
// loads or creates its composite state and resumes its forward progress
// counter. The loop is not started.
func New(cfg Config, store storage.Store, opts Options) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	groups, _ := ParseDependencyGroups(cfg.DependencyGroups)

	m := &Monitor{
		cfg:               cfg,
		groups:            groups,
		every:             cfg.schedule(),
		store:             store,
		prober:            opts.Prober,
		broker:            opts.Broker,
		hooks:             opts.Hooks,
		table:             opts.Table,
		now:               opts.Clock,
		reports:           newHealthReports(),
		logger:            log.WithResource("monitor", cfg.ResourceName),
		resource:          cfg.ResourceName,
		dependencyHealthy: true,
		peers:             make(map[string]*state.Manager),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.prober == nil && cfg.ProbeDependencies {
		m.prober = health.NewEndpointProber(store, health.WithProbeTimeout(cfg.ProbeTimeout))
	}

	now := m.now()
	if err := store.RegisterResource(&types.Resource{
		Name:      cfg.ResourceName,
		Site:      cfg.Site,
		NodeType:  cfg.NodeType,
		ProbeURL:  cfg.ProbeURL,
		UpdatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("failed to register resource: %w", err)
	}

	mgr, err := state.NewManager(store, cfg.ResourceName, m.managerOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	m.state = mgr

	fp, err := store.GetForwardProgress(cfg.ResourceName)
	switch {
	case err == nil:
		m.counter = fp.Counter
	case !errors.Is(err, types.ErrNotFound):
		return nil, fmt.Errorf("failed to load forward progress: %w", err)
	}
	m.lastProgress = now

	return m, nil
}

func (m *Monitor) managerOptions() state.Options {
	return state.Options{Table: m.table, Clock: m.now, Broker: m.broker}
}

// Resource returns the monitored resource name
func (m *Monitor) Resource() string {
	return m.resource
}

// Config returns the monitor configuration
func (m *Monitor) Config() Config {
	return m.cfg
}

// StateManager returns the manager of the monitored resource's state
func (m *Monitor) StateManager() *state.Manager {
	return m.state
}

// Apply applies action to the monitored resource's state
func (m *Monitor) Apply(action types.Action) (transition.Result, error) {
	return m.state.Apply(action)
}

// Start launches the loop. The first iteration runs immediately. Calling
// Start on a running monitor does nothing.
func (m *Monitor) Start() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)

	m.logger.Info().
		Dur("cycle", m.cfg.CycleInterval).
		Str("dependencies", m.groups.String()).
		Msg("monitor started")
	m.broker.Publish(events.New(events.EventMonitorStarted, m.resource, ""))
}

// Stop cancels the loop and waits for the running iteration to finish. No
// iteration runs after Stop returns.
func (m *Monitor) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil

	metrics.UpdateComponent(metrics.MonitorComponent(m.resource), false, "stopped")
	m.logger.Info().Msg("monitor stopped")
	m.broker.Publish(events.New(events.EventMonitorStopped, m.resource, ""))
}

// Running reports whether the loop is active
func (m *Monitor) Running() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		m.cycle(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// cycle runs one loop iteration
func (m *Monitor) cycle(ctx context.Context) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	tick := m.tick
	m.tick++

	if m.hooks.OnCycleStart != nil {
		m.hooks.OnCycleStart(tick)
	}
	if m.hooks.OnCycleEnd != nil {
		defer m.hooks.OnCycleEnd(tick)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CycleDuration, m.resource)

	ctx, end := tracing.StartSpan(ctx, "monitor.cycle",
		attribute.String("resource", m.resource),
		attribute.Int64("tick", int64(tick)),
	)
	var failures int
	defer func() {
		var err error
		if failures > 0 {
			err = fmt.Errorf("%d behaviors failed", failures)
		}
		end(err)
	}()

	now := m.now()
	m.heartbeat(now)

	if due(tick, m.every.writeFPC) {
		if err := m.writeForwardProgress(now); err != nil {
			m.cycleError("write_fpc", err)
			failures++
		}
	}
	if due(tick, m.every.testTrans) {
		if err := m.selfTest(); err != nil {
			m.cycleError("self_test", err)
			failures++
		}
	}
	if due(tick, m.every.dependency) {
		if err := m.checkDependencies(ctx, now); err != nil {
			m.cycleError("dependency", err)
			failures++
		}
	}
	if due(tick, m.every.refresh) {
		if _, _, err := m.state.Refresh(); err != nil {
			m.cycleError("refresh", err)
			failures++
		}
	}
	if due(tick, m.every.audit) {
		if err := m.audit(ctx, now); err != nil {
			m.cycleError("audit", err)
			failures++
		}
	}
}

func (m *Monitor) cycleError(behavior string, err error) {
	metrics.CycleErrorsTotal.WithLabelValues(m.resource, behavior).Inc()
	m.logger.Error().Err(err).Str("behavior", behavior).Msg("monitor behavior failed, continuing")
}

func (m *Monitor) heartbeat(now time.Time) {
	m.mu.Lock()
	m.counter++
	m.lastProgress = now
	counter := m.counter
	m.mu.Unlock()

	metrics.ForwardProgressCounter.WithLabelValues(m.resource).Set(float64(counter))
}

func (m *Monitor) writeForwardProgress(now time.Time) error {
	m.mu.RLock()
	counter := m.counter
	m.mu.RUnlock()

	_, err := m.store.UpdateForwardProgress(m.resource, func(fp *types.ForwardProgress, exists bool) error {
		if !exists {
			fp.CreatedAt = now
		}
		if counter > fp.Counter {
			fp.Counter = counter
		} else {
			fp.Counter++
		}
		fp.StaleAfter = m.cfg.StaleAfter()
		fp.UpdatedAt = now
		return nil
	})
	return err
}

// selfTest proves the store can serve a read of this resource's state
func (m *Monitor) selfTest() error {
	err := m.store.Ping()
	if err == nil {
		_, err = m.state.State()
	}

	m.mu.Lock()
	m.selfTestErr = err
	m.mu.Unlock()

	if err != nil {
		metrics.UpdateComponent(metrics.MonitorComponent(m.resource), false, err.Error())
	} else {
		metrics.UpdateComponent(metrics.MonitorComponent(m.resource), true, "")
	}
	return err
}
