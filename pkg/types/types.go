package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// NullValue is the textual sentinel for an empty availability set or an
// undesignated standby status
const NullValue = "null"

// AdminState is the externally commanded designation of a resource
type AdminState string

const (
	AdminUnlocked AdminState = "unlocked"
	AdminLocked   AdminState = "locked"
)

// OpState is the derived operational designation of a resource
type OpState string

const (
	OpEnabled  OpState = "enabled"
	OpDisabled OpState = "disabled"
)

// StandbyStatus is a resource's cluster role
type StandbyStatus string

const (
	StandbyNull             StandbyStatus = NullValue
	StandbyHot              StandbyStatus = "hotstandby"
	StandbyCold             StandbyStatus = "coldstandby"
	StandbyProvidingService StandbyStatus = "providingservice"
)

// Availability is the set of reasons currently making a resource unavailable.
// The zero value is the empty set.
type Availability uint8

const (
	AvailFailed Availability = 1 << iota
	AvailDependency
)

var availNames = map[Availability]string{
	AvailFailed:     "failed",
	AvailDependency: "dependency",
}

// Has reports whether every reason in r is present in a
func (a Availability) Has(r Availability) bool {
	return r != 0 && a&r == r
}

// With returns a with the reasons in r added
func (a Availability) With(r Availability) Availability {
	return a | r
}

// Without returns a with the reasons in r removed
func (a Availability) Without(r Availability) Availability {
	return a &^ r
}

// IsEmpty reports whether no reason is set
func (a Availability) IsEmpty() bool {
	return a == 0
}

// String renders the set as a comma-joined, alphabetically sorted list, or
// "null" when empty
func (a Availability) String() string {
	if a == 0 {
		return NullValue
	}
	names := make([]string, 0, len(availNames))
	for bit, name := range availNames {
		if a&bit != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// MarshalText implements encoding.TextMarshaler
func (a Availability) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (a *Availability) UnmarshalText(text []byte) error {
	parsed, err := ParseAvailability(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAvailability parses the serialized form produced by Availability.String.
// Member order is not significant.
func ParseAvailability(s string) (Availability, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == NullValue {
		return 0, nil
	}
	var a Availability
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		found := false
		for bit, name := range availNames {
			if part == name {
				a |= bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown availability reason %q", ErrInvalidArgument, part)
		}
	}
	return a, nil
}

// CompositeState is the four-axis status of a resource
type CompositeState struct {
	Admin        AdminState    `json:"admin" yaml:"admin"`
	Operational  OpState       `json:"operational" yaml:"operational"`
	Availability Availability  `json:"availability" yaml:"availability"`
	Standby      StandbyStatus `json:"standby" yaml:"standby"`
}

// DefaultState returns the state assigned to a resource seen for the first time
func DefaultState() CompositeState {
	return CompositeState{
		Admin:       AdminUnlocked,
		Operational: OpEnabled,
		Standby:     StandbyNull,
	}
}

// String renders the state as "admin,operational,availability,standby"
func (s CompositeState) String() string {
	return fmt.Sprintf("%s,%s,%s,%s", s.Admin, s.Operational, s.Availability, s.Standby)
}

// IsCanonical reports whether the operational state agrees with the
// availability set
func (s CompositeState) IsCanonical() bool {
	return (s.Operational == OpDisabled) == !s.Availability.IsEmpty()
}

// Active reports whether the resource is unlocked and enabled
func (s CompositeState) Active() bool {
	return s.Admin == AdminUnlocked && s.Operational == OpEnabled
}

// Validate checks that every axis holds a known value
func (s CompositeState) Validate() error {
	switch s.Admin {
	case AdminLocked, AdminUnlocked:
	default:
		return fmt.Errorf("%w: admin state %q", ErrInvalidArgument, s.Admin)
	}
	switch s.Operational {
	case OpEnabled, OpDisabled:
	default:
		return fmt.Errorf("%w: operational state %q", ErrInvalidArgument, s.Operational)
	}
	switch s.Standby {
	case StandbyNull, StandbyHot, StandbyCold, StandbyProvidingService:
	default:
		return fmt.Errorf("%w: standby status %q", ErrInvalidArgument, s.Standby)
	}
	if s.Availability.Without(AvailFailed|AvailDependency) != 0 {
		return fmt.Errorf("%w: availability bits %08b", ErrInvalidArgument, uint8(s.Availability))
	}
	return nil
}

// ParseCompositeState parses the form produced by CompositeState.String. The
// availability field may itself contain commas, so the admin and operational
// fields are taken from the front and the standby field from the back.
func ParseCompositeState(s string) (CompositeState, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) < 4 {
		return CompositeState{}, fmt.Errorf("%w: composite state %q needs four fields", ErrInvalidArgument, s)
	}
	avail, err := ParseAvailability(strings.Join(parts[2:len(parts)-1], ","))
	if err != nil {
		return CompositeState{}, err
	}
	state := CompositeState{
		Admin:        AdminState(strings.TrimSpace(parts[0])),
		Operational:  OpState(strings.TrimSpace(parts[1])),
		Availability: avail,
		Standby:      StandbyStatus(strings.TrimSpace(parts[len(parts)-1])),
	}
	if err := state.Validate(); err != nil {
		return CompositeState{}, err
	}
	return state, nil
}

// Action is a state-changing request applied to a CompositeState
type Action string

const (
	ActionLock               Action = "lock"
	ActionUnlock             Action = "unlock"
	ActionDisableFailed      Action = "disableFailed"
	ActionEnableNotFailed    Action = "enableNotFailed"
	ActionDisableDependency  Action = "disableDependency"
	ActionEnableNoDependency Action = "enableNoDependency"
	ActionPromote            Action = "promote"
	ActionDemote             Action = "demote"
)

// Actions lists every action in a stable order
func Actions() []Action {
	return []Action{
		ActionLock,
		ActionUnlock,
		ActionDisableFailed,
		ActionEnableNotFailed,
		ActionDisableDependency,
		ActionEnableNoDependency,
		ActionPromote,
		ActionDemote,
	}
}

// ParseAction resolves an action name, case-insensitively
func ParseAction(name string) (Action, error) {
	for _, a := range Actions() {
		if strings.EqualFold(string(a), strings.TrimSpace(name)) {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidArgument, name)
}

// StateRecord is the persisted composite state of one resource
type StateRecord struct {
	Resource  string         `json:"resource"`
	State     CompositeState `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ForwardProgress is a resource's self-reported heartbeat
type ForwardProgress struct {
	Resource string `json:"resource"`
	Counter  int64  `json:"counter"`

	// StaleAfter is the owner's own staleness window. Zero means the reader
	// applies its local default.
	StaleAfter time.Duration `json:"stale_after"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsStale reports whether the record has not been updated within window.
// A non-positive window never goes stale.
func (fp *ForwardProgress) IsStale(now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return now.Sub(fp.UpdatedAt) > window
}

// Resource is the registration of a monitored resource
type Resource struct {
	Name      string    `json:"name"`
	Site      string    `json:"site,omitempty"`
	NodeType  string    `json:"node_type,omitempty"`
	ProbeURL  string    `json:"probe_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
