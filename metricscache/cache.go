// Package metricscache maintains near-real-time named metrics for a stream
// session, merging push deltas with scheduled full pulls. History is bounded
// and currentValue is last-writer-wins by arrival, regardless of whether the
// writer was a push or a pull.
package metricscache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lumenlive/livesync/event"
	"github.com/lumenlive/livesync/util/logger"
	"github.com/lumenlive/livesync/util/metrics"
)

const (
	// MinRefreshInterval is the floor on the auto-refresh cadence; configs
	// below it are rejected to bound request volume.
	MinRefreshInterval = 5 * time.Second

	// DefaultHistoryCap bounds each series' history when the config does
	// not override it.
	DefaultHistoryCap = 256
)

// SeriesType records how a series has been fed: counters accumulate push
// deltas, gauges replace. Informational — merge semantics follow the update
// itself.
type SeriesType string

const (
	TypeCounter SeriesType = "counter"
	TypeGauge   SeriesType = "gauge"
)

// Point is one historical sample of a series.
type Point struct {
	At    time.Time
	Value float64
}

// Series is the current value plus bounded history of one named metric.
// Callers only ever see value copies with copied history.
type Series struct {
	Name         string
	Type         SeriesType
	CurrentValue float64
	History      []Point
	LastUpdated  time.Time
}

// Snapshot is a full-state fetch of every metric for a resource.
type Snapshot struct {
	Resource string
	TakenAt  time.Time
	Values   map[string]float64
}

// TimeRange bounds a snapshot fetch.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Fetcher is the pull side of the metrics pipeline.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, resourceID string, tr TimeRange) (Snapshot, error)
}

// Options configures a Cache.
type Options struct {
	// Resource is the stream session the cache tracks.
	Resource string

	// Fetcher performs pull snapshots.
	Fetcher Fetcher

	// HistoryCap bounds each series' history. Zero means
	// DefaultHistoryCap; values below 2 are raised to 2.
	HistoryCap int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Cache is the realtime metrics store for one viewed resource.
type Cache struct {
	mu         sync.Mutex
	resource   string
	fetcher    Fetcher
	historyCap int
	series     map[string]*Series
	watermark  time.Time // most recent update from any source
	lastErr    error

	interval time.Duration
	stopCh   chan struct{}
	done     chan struct{}
	pullCh   chan struct{}
	running  bool

	logger *logger.Logger
	now    func() time.Time
}

// NewCache creates a cache for the given resource.
func NewCache(opts Options) *Cache {
	historyCap := opts.HistoryCap
	if historyCap == 0 {
		historyCap = DefaultHistoryCap
	}
	if historyCap < 2 {
		historyCap = 2
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		resource:   opts.Resource,
		fetcher:    opts.Fetcher,
		historyCap: historyCap,
		series:     make(map[string]*Series),
		logger:     logger.NewLogger("MetricsCache"),
		now:        now,
	}
}

// HandleEvent consumes metrics.update push events from the router. A payload
// with "delta" accumulates into the current value; a payload with "value"
// replaces it.
func (c *Cache) HandleEvent(ev event.Event) {
	if ev.Kind != event.KindMetricsUpdate {
		c.logger.Debugf("Ignoring event kind %s", ev.Kind)
		return
	}
	name := ev.Str("metric")
	if name == "" {
		c.logger.Warnf("Dropping metrics.update without metric name")
		metrics.RecordEventDropped("missing_metric_name")
		return
	}
	if delta, ok := ev.Num("delta"); ok {
		c.ApplyPushDelta(name, delta)
		return
	}
	if value, ok := ev.Num("value"); ok {
		c.ApplyPushValue(name, value)
		return
	}
	c.logger.Warnf("Dropping metrics.update for %s with neither delta nor value", name)
	metrics.RecordEventDropped("malformed_metric_update")
}

// ApplyPushDelta accumulates a counter-style push update.
func (c *Cache) ApplyPushDelta(name string, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.ensureLocked(name, TypeCounter)
	c.writeLocked(s, s.CurrentValue+delta, true)
}

// ApplyPushValue replaces the current value, gauge-style.
func (c *Cache) ApplyPushValue(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.ensureLocked(name, TypeGauge)
	c.writeLocked(s, value, true)
}

// ApplyPullSnapshot bulk-merges an authoritative snapshot. Current values
// are overwritten unconditionally; a history point is appended only when the
// value differs from the last recorded point, so flat pull cycles do not pad
// the buffer. A successful snapshot clears the error flag.
func (c *Cache) ApplyPullSnapshot(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, value := range snap.Values {
		s := c.ensureLocked(name, TypeGauge)
		changed := len(s.History) == 0 || s.History[len(s.History)-1].Value != value
		c.writeLocked(s, value, changed)
	}
	c.lastErr = nil
}

// writeLocked commits a new current value, optionally appending history, and
// moves the freshness watermark. History is trimmed by dropping the oldest
// half in bulk once the cap is hit, amortizing the cost instead of shifting
// one element per update.
func (c *Cache) writeLocked(s *Series, value float64, appendHistory bool) {
	now := c.now()
	s.CurrentValue = value
	s.LastUpdated = now
	c.watermark = now

	if appendHistory {
		if len(s.History) >= c.historyCap {
			half := len(s.History) / 2
			s.History = append(s.History[:0:0], s.History[half:]...)
			metrics.RecordHistoryEviction()
		}
		s.History = append(s.History, Point{At: now, Value: value})
	}
	metrics.SetCacheStale(false)
}

// StartAutoRefresh begins a recurring pull on the given cadence. Intervals
// below MinRefreshInterval are rejected. Calling it while running restarts
// the schedule with the new interval.
func (c *Cache) StartAutoRefresh(interval time.Duration) error {
	if interval < MinRefreshInterval {
		return fmt.Errorf("refresh interval %v below minimum %v", interval, MinRefreshInterval)
	}
	if c.fetcher == nil {
		return fmt.Errorf("no fetcher configured")
	}

	c.StopAutoRefresh()

	c.mu.Lock()
	c.interval = interval
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	c.pullCh = make(chan struct{}, 1)
	c.running = true
	stopCh, done, pullCh := c.stopCh, c.done, c.pullCh
	c.mu.Unlock()

	c.logger.Infof("Starting auto refresh every %v", interval)
	go c.run(interval, stopCh, done, pullCh)
	return nil
}

// StopAutoRefresh cancels the recurring pull and waits for the loop to
// finish. Safe to call multiple times and when never started.
func (c *Cache) StopAutoRefresh() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stopCh, done := c.stopCh, c.done
	c.mu.Unlock()

	close(stopCh)
	<-done
	c.logger.Infof("Auto refresh stopped")
}

// run is the refresh loop: scheduled ticks plus out-of-band pulls requested
// on reconnect. After an out-of-band pull, a tick already pending in the
// same moment is drained so the reconnect does not double-fetch.
func (c *Cache) run(interval time.Duration, stopCh chan struct{}, done chan struct{}, pullCh chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.refreshOnce("scheduled")
		case <-pullCh:
			c.refreshOnce("reconnect")
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// refreshOnce performs one pull. A failed pull leaves all cached data
// untouched and raises the error flag; stale-but-present beats empty.
func (c *Cache) refreshOnce(trigger string) {
	c.mu.Lock()
	interval := c.interval
	watermark := c.watermark
	c.mu.Unlock()
	if interval <= 0 {
		interval = MinRefreshInterval
	}

	ctx, cancel := context.WithTimeout(context.Background(), interval)
	defer cancel()

	snap, err := c.fetcher.FetchSnapshot(ctx, c.resource, TimeRange{From: watermark, To: c.now()})
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		metrics.RecordPull("error", trigger)
		c.logger.Warnf("Pull failed (%s): %v", trigger, err)
		return
	}

	c.ApplyPullSnapshot(snap)
	metrics.RecordPull("ok", trigger)
	c.logger.Debugf("Pull applied (%s): %d metrics", trigger, len(snap.Values))
}

// HandleConnChange implements the router's connection observer. A reconnect
// triggers exactly one immediate out-of-band pull to close the gap
// accumulated while disconnected.
func (c *Cache) HandleConnChange(state event.ConnState) {
	if state != event.Reconnected {
		return
	}

	c.mu.Lock()
	running := c.running
	pullCh := c.pullCh
	c.mu.Unlock()

	if running {
		select {
		case pullCh <- struct{}{}:
		default:
			// A reconnect pull is already queued
		}
		return
	}
	if c.fetcher != nil {
		go c.refreshOnce("reconnect")
	}
}

// Stale reports whether no update from any source has landed within the
// configured refresh interval. The UI uses it to show a reconnecting
// affordance.
func (c *Cache) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	interval := c.interval
	if interval <= 0 {
		interval = MinRefreshInterval
	}
	stale := c.watermark.IsZero() || c.now().Sub(c.watermark) > interval
	metrics.SetCacheStale(stale)
	return stale
}

// LastError returns the error from the most recent failed pull, or nil if
// the last pull succeeded.
func (c *Cache) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SnapshotSeries returns a copy of the named series.
func (c *Cache) SnapshotSeries(name string) (Series, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.series[name]
	if !ok {
		return Series{}, false
	}
	out := *s
	out.History = append([]Point(nil), s.History...)
	return out, true
}

// Names returns the names of all tracked series.
func (c *Cache) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.series))
	for name := range c.series {
		out = append(out, name)
	}
	return out
}

// Reset clears all series and stops the refresh schedule, for when the
// viewer switches to a different stream.
func (c *Cache) Reset() {
	c.StopAutoRefresh()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.series = make(map[string]*Series)
	c.watermark = time.Time{}
	c.lastErr = nil
}

func (c *Cache) ensureLocked(name string, t SeriesType) *Series {
	s, ok := c.series[name]
	if !ok {
		s = &Series{Name: name, Type: t}
		c.series[name] = s
	}
	return s
}
