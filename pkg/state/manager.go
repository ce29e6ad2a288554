package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/integrity/pkg/events"
	"github.com/cuemby/integrity/pkg/log"
	"github.com/cuemby/integrity/pkg/metrics"
	"github.com/cuemby/integrity/pkg/storage"
	"github.com/cuemby/integrity/pkg/transition"
	"github.com/cuemby/integrity/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Observer receives every state a Manager has durably written, in commit
// order. Observers run on the caller's goroutine while the manager is
// locked, so they must not call back into the same Manager.
type Observer func(resource string, st types.CompositeState)

// Options configures a Manager
type Options struct {
	// Table overrides the transition table. The default table logs and
	// counts non-canonical inputs.
	Table *transition.Table

	// Clock overrides time.Now for record timestamps
	Clock func() time.Time

	// Broker receives state change and violation events. Optional.
	Broker *events.Broker
}

// Manager owns the composite state of a single resource
type Manager struct {
	mu        sync.Mutex
	store     storage.Store
	resource  string
	table     *transition.Table
	now       func() time.Time
	broker    *events.Broker
	observers map[string]observerEntry
	seq       uint64
	last      types.CompositeState
	logger    zerolog.Logger
}

type observerEntry struct {
	seq uint64
	fn  Observer
}

// NewManager loads the state of resource from store, persisting the default
// state when the resource has never been seen
func NewManager(store storage.Store, resource string, opts Options) (*Manager, error) {
	if resource == "" {
		return nil, fmt.Errorf("%w: resource name is required", types.ErrInvalidArgument)
	}

	m := &Manager{
		store:     store,
		resource:  resource,
		table:     opts.Table,
		now:       opts.Clock,
		broker:    opts.Broker,
		observers: make(map[string]observerEntry),
		logger:    log.WithResource("state", resource),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.table == nil {
		m.table = transition.New(transition.WithNonCanonicalHook(m.logNonCanonical))
	}

	rec, err := m.store.UpdateState(resource, func(rec *types.StateRecord, exists bool) error {
		if exists {
			return validateRecord(rec)
		}
		now := m.now()
		rec.State = types.DefaultState()
		rec.CreatedAt = now
		rec.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.last = rec.State
	m.recordGauges(rec.State)

	return m, nil
}

// Resource returns the managed resource name
func (m *Manager) Resource() string {
	return m.resource
}

func (m *Manager) Lock() (transition.Result, error) {
	return m.Apply(types.ActionLock)
}

func (m *Manager) Unlock() (transition.Result, error) {
	return m.Apply(types.ActionUnlock)
}

func (m *Manager) DisableFailed() (transition.Result, error) {
	return m.Apply(types.ActionDisableFailed)
}

func (m *Manager) EnableNotFailed() (transition.Result, error) {
	return m.Apply(types.ActionEnableNotFailed)
}

func (m *Manager) DisableDependency() (transition.Result, error) {
	return m.Apply(types.ActionDisableDependency)
}

func (m *Manager) EnableNoDependency() (transition.Result, error) {
	return m.Apply(types.ActionEnableNoDependency)
}

// Promote designates the resource as providing service. When the resource
// is not eligible it is moved to cold standby, that state is persisted and
// an ErrStandbyStatus error is returned alongside it.
func (m *Manager) Promote() (transition.Result, error) {
	return m.Apply(types.ActionPromote)
}

func (m *Manager) Demote() (transition.Result, error) {
	return m.Apply(types.ActionDemote)
}

// Apply runs action against the persisted state in a single store
// transaction and notifies observers of the committed result. The returned
// error carries the transition violation, a store failure, or both joined;
// use errors.Is with types.ErrStandbyStatus and types.ErrStore to tell them
// apart. When the write fails after the transition was computed, the result
// is that computed (unpersisted) outcome.
func (m *Manager) Apply(action types.Action) (transition.Result, error) {
	if _, err := types.ParseAction(string(action)); err != nil {
		return transition.Result{Action: action}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		res      transition.Result
		computed bool
	)
	_, err := m.store.UpdateState(m.resource, func(rec *types.StateRecord, exists bool) error {
		now := m.now()
		from := rec.State
		if !exists {
			from = types.DefaultState()
			rec.CreatedAt = now
		} else if err := validateRecord(rec); err != nil {
			return err
		}
		res = m.table.Apply(from, action)
		computed = true
		rec.State = res.State
		rec.UpdatedAt = now
		return nil
	})
	if err != nil {
		metrics.StateTransitionsTotal.WithLabelValues(m.resource, string(action), "error").Inc()
		m.logger.Error().Err(err).Str("action", string(action)).Msg("failed to persist transition")
		if !computed {
			return transition.Result{From: m.last, Action: action, State: m.last}, err
		}
		return res, errors.Join(err, res.Violation)
	}

	m.last = res.State
	m.recordGauges(res.State)
	m.notify(res.State)

	if res.Failed() {
		metrics.StateTransitionsTotal.WithLabelValues(m.resource, string(action), "violation").Inc()
		m.logger.Warn().
			Err(res.Violation).
			Str("action", string(action)).
			Str("state", res.State.String()).
			Msg("transition violation")
		m.broker.Publish(events.New(events.EventStateViolation, m.resource, res.Violation.Error()).
			With("action", string(action)).
			With("state", res.State.String()))
		return res, res.Violation
	}

	metrics.StateTransitionsTotal.WithLabelValues(m.resource, string(action), "ok").Inc()
	if res.Changed() {
		m.logger.Info().
			Str("action", string(action)).
			Str("from", res.From.String()).
			Str("to", res.State.String()).
			Msg("state changed")
		m.broker.Publish(events.New(events.EventStateChanged, m.resource, res.State.String()).
			With("action", string(action)).
			With("from", res.From.String()))
	}
	return res, nil
}

// State reads the persisted state
func (m *Manager) State() (types.CompositeState, error) {
	rec, err := m.store.GetState(m.resource)
	if err != nil {
		return types.CompositeState{}, err
	}
	return rec.State, nil
}

// Last returns the most recent state this manager committed or observed
func (m *Manager) Last() types.CompositeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Refresh re-reads the persisted state and notifies observers when it was
// changed outside this manager. A deleted record is recreated with the
// default state.
func (m *Manager) Refresh() (types.CompositeState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.GetState(m.resource)
	if errors.Is(err, types.ErrNotFound) {
		m.logger.Warn().Msg("state record missing, restoring default")
		rec, err = m.store.UpdateState(m.resource, func(rec *types.StateRecord, exists bool) error {
			if !exists {
				now := m.now()
				rec.State = types.DefaultState()
				rec.CreatedAt = now
				rec.UpdatedAt = now
			}
			return nil
		})
	}
	if err != nil {
		return m.last, false, err
	}

	if rec.State == m.last {
		return rec.State, false, nil
	}

	m.logger.Info().
		Str("from", m.last.String()).
		Str("to", rec.State.String()).
		Msg("state changed outside this process")
	m.last = rec.State
	m.recordGauges(rec.State)
	m.notify(rec.State)
	m.broker.Publish(events.New(events.EventStateChanged, m.resource, rec.State.String()).With("source", "refresh"))
	return rec.State, true, nil
}

// Subscribe registers an observer and returns its id
func (m *Manager) Subscribe(fn Observer) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	m.seq++
	m.observers[id] = observerEntry{seq: m.seq, fn: fn}
	return id
}

// Unsubscribe removes an observer. It reports whether id was registered.
func (m *Manager) Unsubscribe(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.observers[id]; !ok {
		return false
	}
	delete(m.observers, id)
	return true
}

// notify calls observers in subscription order; m.mu must be held
func (m *Manager) notify(st types.CompositeState) {
	entries := make([]observerEntry, 0, len(m.observers))
	for _, e := range m.observers {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	for _, e := range entries {
		e.fn(m.resource, st)
	}
}

func (m *Manager) recordGauges(st types.CompositeState) {
	metrics.ResourceActive.WithLabelValues(m.resource).Set(metrics.BoolGauge(st.Active()))
	metrics.SetStandby(m.resource, string(st.Standby))
}

func (m *Manager) logNonCanonical(from types.CompositeState, action types.Action, overridden bool) {
	metrics.NonCanonicalInputsTotal.Inc()
	m.logger.Warn().
		Str("state", from.String()).
		Str("action", string(action)).
		Bool("overridden", overridden).
		Msg("non-canonical input")
}

func validateRecord(rec *types.StateRecord) error {
	if err := rec.State.Validate(); err != nil {
		return &types.StoreError{Op: "decode state", Resource: rec.Resource, Err: err}
	}
	return nil
}
