package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/integrity/pkg/events"
	"github.com/cuemby/integrity/pkg/metrics"
	"github.com/cuemby/integrity/pkg/state"
	"github.com/cuemby/integrity/pkg/tracing"
	"github.com/cuemby/integrity/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// audit corrects the recorded failed reason of every other resource from the
// freshness of its forward progress. Only the resource providing service
// audits; on any other resource this is a no-op.
func (m *Monitor) audit(ctx context.Context, now time.Time) (err error) {
	if m.state.Last().Standby != types.StandbyProvidingService {
		return nil
	}

	_, end := tracing.StartSpan(ctx, "monitor.audit", attribute.String("resource", m.resource))
	defer func() { end(err) }()

	records, err := m.store.ListForwardProgress()
	if err != nil {
		return err
	}
	states, err := m.store.ListStates()
	if err != nil {
		return err
	}
	current := make(map[string]types.CompositeState, len(states))
	for _, rec := range states {
		current[rec.Resource] = rec.State
	}

	var failures int
	for _, fp := range records {
		if fp.Resource == m.resource {
			continue
		}
		window := fp.StaleAfter
		if window <= 0 {
			window = m.cfg.StaleAfter()
		}
		stale := fp.IsStale(now, window)
		failed := current[fp.Resource].Availability.Has(types.AvailFailed)

		var action types.Action
		switch {
		case stale && !failed:
			action = types.ActionDisableFailed
		case !stale && failed:
			action = types.ActionEnableNotFailed
		default:
			continue
		}

		if err := m.correct(fp, action, now); err != nil {
			m.logger.Error().Err(err).Str("target", fp.Resource).Str("action", string(action)).Msg("audit correction failed")
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d audit corrections failed", failures)
	}
	return nil
}

func (m *Monitor) correct(fp *types.ForwardProgress, action types.Action, now time.Time) error {
	peer, err := m.peer(fp.Resource)
	if err != nil {
		return err
	}
	res, err := peer.Apply(action)
	if err != nil {
		return err
	}

	metrics.AuditCorrectionsTotal.WithLabelValues(string(action)).Inc()
	m.logger.Info().
		Str("target", fp.Resource).
		Str("action", string(action)).
		Dur("since_progress", now.Sub(fp.UpdatedAt)).
		Str("state", res.State.String()).
		Msg("audit corrected resource state")

	typ := events.EventAuditDisabled
	if action == types.ActionEnableNotFailed {
		typ = events.EventAuditEnabled
	}
	m.broker.Publish(events.New(typ, fp.Resource, res.State.String()).With("auditor", m.resource))
	return nil
}

// peer returns the cached state manager of another resource
func (m *Monitor) peer(name string) (*state.Manager, error) {
	if mgr, ok := m.peers[name]; ok {
		return mgr, nil
	}
	mgr, err := state.NewManager(m.store, name, m.managerOptions())
	if err != nil {
		return nil, err
	}
	m.peers[name] = mgr
	return mgr, nil
}
