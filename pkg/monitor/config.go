package monitor

import (
	"fmt"
	"time"

	"github.com/cuemby/integrity/pkg/types"
)

// Disabled turns off a periodic behavior when used as its interval
const Disabled time.Duration = -1

// Config describes one monitored resource and the cadence of each loop
// behavior. Every behavior interval is rounded up to a whole number of
// CycleInterval ticks; zero runs the behavior on every tick and a negative
// value disables it.
type Config struct {
	ResourceName string
	Site         string
	NodeType     string

	// ProbeURL is registered for this resource so that peers can actively
	// probe it (http://, https://, tcp:// or grpc://)
	ProbeURL string

	// DependencyGroups uses the "a,b;c" syntax: ';' separates alternative
	// groups, ',' separates members that are all required
	DependencyGroups string

	// CycleInterval is the base tick of the monitor loop
	CycleInterval time.Duration

	// FailedCounterThreshold is how many missed heartbeat periods make a
	// resource stale
	FailedCounterThreshold int

	TestTransInterval         time.Duration
	WriteFPCInterval          time.Duration
	CheckDependencyInterval   time.Duration
	RefreshStateAuditInterval time.Duration
	StateAuditInterval        time.Duration

	// MaxStaleInterval is how old a dependency's forward progress record may
	// be. Zero uses each dependency's own staleness window.
	MaxStaleInterval time.Duration

	// ProbeDependencies selects active probing of dependency members
	ProbeDependencies bool
	ProbeTimeout      time.Duration
}

// DefaultConfig returns a Config with the default cadence for resource
func DefaultConfig(resource string) Config {
	return Config{
		ResourceName:              resource,
		CycleInterval:             time.Second,
		FailedCounterThreshold:    3,
		TestTransInterval:         10 * time.Second,
		WriteFPCInterval:          time.Second,
		CheckDependencyInterval:   10 * time.Second,
		RefreshStateAuditInterval: 10 * time.Minute,
		StateAuditInterval:        time.Minute,
		ProbeTimeout:              5 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.ResourceName == "" {
		return fmt.Errorf("%w: resource name is required", types.ErrInvalidArgument)
	}
	if c.CycleInterval <= 0 {
		return fmt.Errorf("%w: cycle interval must be positive, got %s", types.ErrInvalidArgument, c.CycleInterval)
	}
	if c.FailedCounterThreshold < 1 {
		return fmt.Errorf("%w: failed counter threshold must be at least 1, got %d", types.ErrInvalidArgument, c.FailedCounterThreshold)
	}
	if c.ProbeDependencies && c.ProbeTimeout <= 0 {
		return fmt.Errorf("%w: probe timeout must be positive when probing is enabled", types.ErrInvalidArgument)
	}
	groups, err := ParseDependencyGroups(c.DependencyGroups)
	if err != nil {
		return err
	}
	for _, member := range groups.Members() {
		if member == c.ResourceName {
			return fmt.Errorf("%w: %s cannot depend on itself", types.ErrInvalidArgument, member)
		}
	}
	return nil
}

// StaleAfter is the window after which this resource's forward progress is
// considered stale. It covers FailedCounterThreshold heartbeat periods, where
// a period is the slower of the loop tick and the persist interval.
func (c Config) StaleAfter() time.Duration {
	period := c.CycleInterval
	if c.WriteFPCInterval > period {
		period = c.WriteFPCInterval
	}
	return time.Duration(c.FailedCounterThreshold) * period
}

// schedule is the per-behavior cadence in ticks; zero means disabled
type schedule struct {
	testTrans  uint64
	writeFPC   uint64
	dependency uint64
	refresh    uint64
	audit      uint64
}

func (c Config) schedule() schedule {
	return schedule{
		testTrans:  ticksFor(c.TestTransInterval, c.CycleInterval),
		writeFPC:   ticksFor(c.WriteFPCInterval, c.CycleInterval),
		dependency: ticksFor(c.CheckDependencyInterval, c.CycleInterval),
		refresh:    ticksFor(c.RefreshStateAuditInterval, c.CycleInterval),
		audit:      ticksFor(c.StateAuditInterval, c.CycleInterval),
	}
}

func ticksFor(interval, cycle time.Duration) uint64 {
	if interval < 0 {
		return 0
	}
	n := uint64((interval + cycle - 1) / cycle)
	if n == 0 {
		n = 1
	}
	return n
}

func due(tick, every uint64) bool {
	return every > 0 && tick%every == 0
}
