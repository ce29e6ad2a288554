package metrics

import (
	"time"

	"github.com/cuemby/integrity/pkg/log"
	"github.com/cuemby/integrity/pkg/storage"
	"github.com/cuemby/integrity/pkg/types"
)

// DefaultCollectInterval is how often the store is scanned when no interval
// is given
const DefaultCollectInterval = 15 * time.Second

// Collector periodically derives cluster-wide gauges from the record store
type Collector struct {
	store         storage.Store
	interval      time.Duration
	defaultWindow time.Duration
	now           func() time.Time
	stopCh        chan struct{}
}

// NewCollector creates a collector. defaultWindow is the staleness window
// applied to forward progress records that do not carry their own.
func NewCollector(store storage.Store, interval, defaultWindow time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	return &Collector{
		store:         store,
		interval:      interval,
		defaultWindow: defaultWindow,
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if err := c.store.Ping(); err != nil {
		UpdateComponent(ComponentStore, false, err.Error())
		return
	}
	UpdateComponent(ComponentStore, true, "")

	c.collectStateMetrics()
	c.collectProgressMetrics()
}

func (c *Collector) collectStateMetrics() {
	records, err := c.store.ListStates()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("metrics: failed to list states")
		return
	}

	ResourcesTotal.Reset()
	for _, rec := range records {
		ResourcesTotal.WithLabelValues(
			string(rec.State.Admin),
			string(rec.State.Operational),
			string(rec.State.Standby),
		).Inc()
	}
}

func (c *Collector) collectProgressMetrics() {
	records, err := c.store.ListForwardProgress()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("metrics: failed to list forward progress")
		return
	}

	StaleResources.Set(float64(CountStale(records, c.now(), c.defaultWindow)))
}

// CountStale returns how many records are older than their own staleness
// window, or defaultWindow when a record carries none
func CountStale(records []*types.ForwardProgress, now time.Time, defaultWindow time.Duration) int {
	stale := 0
	for _, fp := range records {
		window := fp.StaleAfter
		if window <= 0 {
			window = defaultWindow
		}
		if fp.IsStale(now, window) {
			stale++
		}
	}
	return stale
}
