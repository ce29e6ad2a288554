package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/integrity/pkg/events"
	"github.com/cuemby/integrity/pkg/metrics"
	"github.com/cuemby/integrity/pkg/tracing"
	"github.com/cuemby/integrity/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// errMemberUnhealthy stops the probes of a group once one member failed
var errMemberUnhealthy = errors.New("member unhealthy")

// checkDependencies evaluates the dependency groups and moves the
// dependency availability reason accordingly. A store failure aborts the
// check without touching the state.
func (m *Monitor) checkDependencies(ctx context.Context, now time.Time) (err error) {
	ctx, end := tracing.StartSpan(ctx, "monitor.dependencies", attribute.String("resource", m.resource))
	defer func() { end(err) }()

	healthy, failing, err := m.evaluateGroups(ctx, now)
	if err != nil {
		return err
	}

	m.mu.Lock()
	changed := m.dependencyHealthy != healthy
	m.dependencyHealthy = healthy
	m.failedDeps = failing
	m.mu.Unlock()
	metrics.DependencyHealthy.WithLabelValues(m.resource).Set(metrics.BoolGauge(healthy))

	if changed {
		if healthy {
			m.logger.Info().Msg("dependency check passed")
			m.broker.Publish(events.New(events.EventDependencyRestored, m.resource, m.groups.String()))
		} else {
			m.logger.Warn().Strs("failing", failing).Msg("dependency check failed")
			m.broker.Publish(events.New(events.EventDependencyFailed, m.resource, strings.Join(failing, ",")))
		}
	}

	current, err := m.state.State()
	if err != nil {
		return err
	}
	switch {
	case !healthy && !current.Availability.Has(types.AvailDependency):
		_, err = m.state.DisableDependency()
	case healthy && current.Availability.Has(types.AvailDependency):
		_, err = m.state.EnableNoDependency()
	}
	return err
}

// evaluateGroups returns whether any group is fully healthy and, when none
// is, the members that failed
func (m *Monitor) evaluateGroups(ctx context.Context, now time.Time) (bool, []string, error) {
	if len(m.groups) == 0 {
		return true, nil, nil
	}

	failed := make(map[string]bool)
	for _, group := range m.groups {
		bad, err := m.evaluateGroup(ctx, group, now)
		if err != nil {
			return false, nil, err
		}
		if len(bad) == 0 {
			return true, nil, nil
		}
		for _, name := range bad {
			failed[name] = true
		}
	}

	failing := make([]string, 0, len(failed))
	for name := range failed {
		failing = append(failing, name)
	}
	sort.Strings(failing)
	return false, failing, nil
}

// evaluateGroup returns the unhealthy members of group. With probing
// enabled the members are probed in parallel and the remaining probes are
// cancelled at the first failure.
func (m *Monitor) evaluateGroup(ctx context.Context, group []string, now time.Time) ([]string, error) {
	var (
		mu  sync.Mutex
		bad []string
	)
	markBad := func(name string) {
		mu.Lock()
		bad = append(bad, name)
		mu.Unlock()
	}

	for _, name := range group {
		ok, err := m.inService(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			markBad(name)
		}
	}
	if len(bad) > 0 {
		return bad, nil
	}

	if !m.cfg.ProbeDependencies || m.prober == nil {
		for _, name := range group {
			fresh, err := m.progressFresh(name, now)
			if err != nil {
				return nil, err
			}
			if !fresh {
				markBad(name)
			}
		}
		return bad, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range group {
		name := name
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, m.cfg.ProbeTimeout)
			defer cancel()

			result := m.prober.Probe(pctx, name)
			if !result.Healthy() {
				m.logger.Debug().
					Str("member", name).
					Str("status", string(result.Status)).
					Str("detail", result.Message).
					Msg("dependency probe failed")
				markBad(name)
				return fmt.Errorf("%s: %w", name, errMemberUnhealthy)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, errMemberUnhealthy) {
		return nil, err
	}
	return bad, nil
}

// inService reports whether a dependency is unlocked and enabled. A member
// without a state record has never run and is not in service.
func (m *Monitor) inService(name string) (bool, error) {
	rec, err := m.store.GetState(name)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.State.Active(), nil
}

// progressFresh reports whether a dependency's forward progress record was
// updated within the allowed window
func (m *Monitor) progressFresh(name string, now time.Time) (bool, error) {
	fp, err := m.store.GetForwardProgress(name)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	window := m.cfg.MaxStaleInterval
	if window <= 0 {
		window = fp.StaleAfter
	}
	if window <= 0 {
		window = m.cfg.StaleAfter()
	}
	return !fp.IsStale(now, window), nil
}
