package transition

import (
	"fmt"

	"github.com/cuemby/integrity/pkg/types"
)

// Result is the outcome of applying an action to a composite state. State is
// always the value that must be persisted, including when Violation is set.
type Result struct {
	From      types.CompositeState `json:"from"`
	Action    types.Action         `json:"action"`
	State     types.CompositeState `json:"state"`
	Violation error                `json:"-"`
}

// Failed reports whether the action was rejected
func (r Result) Failed() bool {
	return r.Violation != nil
}

// Changed reports whether any axis moved
func (r Result) Changed() bool {
	return r.From != r.State
}

// NonCanonicalHook is called whenever Apply receives a state whose
// operational axis disagrees with its availability set. overridden is true
// when the outcome came from the override table.
type NonCanonicalHook func(from types.CompositeState, action types.Action, overridden bool)

// Table applies actions to composite states. A Table holds no mutable state;
// it is safe for concurrent use.
type Table struct {
	overrides      map[string]override
	onNonCanonical NonCanonicalHook
}

// Option configures a Table
type Option func(*Table)

// WithNonCanonicalHook installs a hook for non-canonical inputs
func WithNonCanonicalHook(hook NonCanonicalHook) Option {
	return func(t *Table) {
		t.onNonCanonical = hook
	}
}

// New creates a transition table
func New(opts ...Option) *Table {
	t := &Table{overrides: overrides}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var defaultTable = New()

// Apply applies action to state using the default table
func Apply(state types.CompositeState, action types.Action) Result {
	return defaultTable.Apply(state, action)
}

// Apply computes the state that results from action. Unknown actions leave
// the state untouched and report an invalid-argument violation.
func (t *Table) Apply(state types.CompositeState, action types.Action) Result {
	if !state.IsCanonical() {
		if o, ok := t.overrides[overrideKey(state, action)]; ok {
			t.nonCanonical(state, action, true)
			res := Result{From: state, Action: action, State: o.state}
			if o.violation {
				res.Violation = standbyViolation(state)
			}
			return res
		}
		t.nonCanonical(state, action, false)
	}
	return apply(state, action)
}

func (t *Table) nonCanonical(state types.CompositeState, action types.Action, overridden bool) {
	if t.onNonCanonical != nil {
		t.onNonCanonical(state, action, overridden)
	}
}

func apply(state types.CompositeState, action types.Action) Result {
	res := Result{From: state, Action: action}
	next := state

	switch action {
	case types.ActionLock:
		next.Admin = types.AdminLocked
	case types.ActionUnlock:
		next.Admin = types.AdminUnlocked
	case types.ActionDisableFailed:
		next.Availability = state.Availability.With(types.AvailFailed)
	case types.ActionEnableNotFailed:
		next.Availability = state.Availability.Without(types.AvailFailed)
	case types.ActionDisableDependency:
		next.Availability = state.Availability.With(types.AvailDependency)
	case types.ActionEnableNoDependency:
		next.Availability = state.Availability.Without(types.AvailDependency)
	case types.ActionPromote, types.ActionDemote:
	default:
		res.State = state
		res.Violation = fmt.Errorf("%w: unknown action %q", types.ErrInvalidArgument, action)
		return res
	}

	// Operational is derived, but only re-derived when the reason set moves
	if next.Availability != state.Availability {
		if next.Availability.IsEmpty() {
			next.Operational = types.OpEnabled
		} else {
			next.Operational = types.OpDisabled
		}
	}

	switch action {
	case types.ActionPromote:
		// Only null and hotstandby may be promoted; an active resource is
		// forced to coldstandby like any other illegal promotion
		if next.Active() && (state.Standby == types.StandbyNull || state.Standby == types.StandbyHot) {
			next.Standby = types.StandbyProvidingService
		} else {
			next.Standby = types.StandbyCold
			res.Violation = standbyViolation(state)
		}
	case types.ActionDemote:
		if next.Active() {
			next.Standby = types.StandbyHot
		} else {
			next.Standby = types.StandbyCold
		}
	default:
		switch {
		case next.Active() && state.Standby == types.StandbyCold:
			next.Standby = types.StandbyHot
		case !next.Active() && (state.Standby == types.StandbyHot || state.Standby == types.StandbyProvidingService):
			next.Standby = types.StandbyCold
		}
	}

	res.State = next
	return res
}

func standbyViolation(from types.CompositeState) error {
	return fmt.Errorf("%w: cannot promote from %s", types.ErrStandbyStatus, from)
}
