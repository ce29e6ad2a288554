package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/integrity/pkg/events"
	"github.com/cuemby/integrity/pkg/metrics"
	"github.com/cuemby/integrity/pkg/types"
)

// EvaluateSanity fails with an ErrIntegrity error when this resource's own
// forward progress is stale, its dependency check failed, or any reporter
// currently says it is not well
func (m *Monitor) EvaluateSanity() error {
	now := m.now()
	window := m.cfg.StaleAfter()

	m.mu.RLock()
	since := now.Sub(m.lastProgress)
	depHealthy := m.dependencyHealthy
	failedDeps := m.failedDeps
	m.mu.RUnlock()

	var reasons []string
	if since > window {
		reasons = append(reasons, fmt.Sprintf("forward progress stale: no progress for %s (window %s)", since, window))
	}
	if !depHealthy {
		reasons = append(reasons, fmt.Sprintf("dependency check failed: %s", strings.Join(failedDeps, ",")))
	}
	for _, r := range m.reports.failing() {
		reasons = append(reasons, "not well: "+r)
	}

	if len(reasons) > 0 {
		metrics.GateRefusalsTotal.WithLabelValues("sanity").Inc()
		return &types.IntegrityError{Resource: m.resource, Reasons: reasons}
	}
	return nil
}

// StartTransaction admits business work only on a resource that is
// unlocked, enabled and either undesignated or providing service. Standby
// resources are refused.
func (m *Monitor) StartTransaction() error {
	st, err := m.state.State()
	if err != nil {
		return err
	}

	var reasons []string
	if st.Admin != types.AdminUnlocked {
		reasons = append(reasons, "admin state is "+string(st.Admin))
	}
	if st.Operational != types.OpEnabled {
		reasons = append(reasons, fmt.Sprintf("operational state is %s (%s)", st.Operational, st.Availability))
	}
	if st.Standby != types.StandbyNull && st.Standby != types.StandbyProvidingService {
		reasons = append(reasons, "standby status is "+string(st.Standby))
	}

	if len(reasons) > 0 {
		metrics.GateRefusalsTotal.WithLabelValues("transaction").Inc()
		return &types.IntegrityError{Resource: m.resource, Reasons: reasons}
	}
	return nil
}

// EndTransaction records a completed business transaction as forward
// progress
func (m *Monitor) EndTransaction() {
	m.heartbeat(m.now())
}

// AllSeemsWell records a health report from reporterID. A not-well report
// makes EvaluateSanity fail until the same reporter reports well again.
func (m *Monitor) AllSeemsWell(reporterID string, isWell bool, message string) error {
	reporterID = strings.TrimSpace(reporterID)
	if reporterID == "" {
		return fmt.Errorf("%w: reporter id is required", types.ErrInvalidArgument)
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("%w: message is required", types.ErrInvalidArgument)
	}

	m.reports.report(reporterID, isWell, message)

	notWell, seemsWell := m.reports.counts()
	metrics.HealthReports.WithLabelValues(m.resource, "notwell").Set(float64(notWell))
	metrics.HealthReports.WithLabelValues(m.resource, "seemswell").Set(float64(seemsWell))

	typ := events.EventHealthReportWell
	if !isWell {
		typ = events.EventHealthReportNotWell
		m.logger.Warn().Str("reporter", reporterID).Str("detail", message).Msg("reported not well")
	} else {
		m.logger.Debug().Str("reporter", reporterID).Str("detail", message).Msg("reported well")
	}
	m.broker.Publish(events.New(typ, m.resource, message).With("reporter", reporterID))
	return nil
}

// Status is a point-in-time view of a monitor
type Status struct {
	Resource           string               `json:"resource" yaml:"resource"`
	State              types.CompositeState `json:"state" yaml:"state"`
	Counter            int64                `json:"counter" yaml:"counter"`
	LastProgress       time.Time            `json:"last_progress" yaml:"last_progress"`
	ProgressStale      bool                 `json:"progress_stale" yaml:"progress_stale"`
	DependencyGroups   string               `json:"dependency_groups,omitempty" yaml:"dependency_groups,omitempty"`
	DependencyHealthy  bool                 `json:"dependency_healthy" yaml:"dependency_healthy"`
	FailedDependencies []string             `json:"failed_dependencies,omitempty" yaml:"failed_dependencies,omitempty"`
	SelfTestError      string               `json:"self_test_error,omitempty" yaml:"self_test_error,omitempty"`
	NotWell            map[string]string    `json:"not_well" yaml:"not_well"`
	SeemsWell          map[string]string    `json:"seems_well" yaml:"seems_well"`
	Sane               bool                 `json:"sane" yaml:"sane"`
	Running            bool                 `json:"running" yaml:"running"`
}

// Status returns a snapshot of the monitor
func (m *Monitor) Status() Status {
	now := m.now()

	m.mu.RLock()
	s := Status{
		Resource:           m.resource,
		State:              m.state.Last(),
		Counter:            m.counter,
		LastProgress:       m.lastProgress,
		ProgressStale:      now.Sub(m.lastProgress) > m.cfg.StaleAfter(),
		DependencyGroups:   m.groups.String(),
		DependencyHealthy:  m.dependencyHealthy,
		FailedDependencies: append([]string(nil), m.failedDeps...),
	}
	if m.selfTestErr != nil {
		s.SelfTestError = m.selfTestErr.Error()
	}
	m.mu.RUnlock()

	s.NotWell, s.SeemsWell = m.reports.snapshot()
	s.Sane = m.EvaluateSanity() == nil
	s.Running = m.Running()
	return s
}
