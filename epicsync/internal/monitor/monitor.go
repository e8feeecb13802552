// Package monitor runs the periodic check cycle over all registered epics:
// discover new epics in the tracker, fan out sync passes with bounded
// concurrency, and evict epics that are gone or persistently failing.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/epicsync/epicsync/internal/reconcile"
	"github.com/hazyhaar/epicsync/epicsync/internal/snapshot"
	"github.com/hazyhaar/epicsync/tracker"
)

// Syncer runs one sync pass for one epic. *reconcile.Reconciler satisfies it.
type Syncer interface {
	Sync(ctx context.Context, epicID int, force bool) reconcile.Result
}

// Discoverer lists epics in the tracker for auto-registration.
// *tracker.Client satisfies it.
type Discoverer func(ctx context.Context, stateFilter string) ([]tracker.Epic, error)

// Config configures the monitor loop.
type Config struct {
	// Interval is how often a full cycle runs. Default: 5 minutes.
	Interval time.Duration
	// MaxConcurrent bounds how many epics sync at once. Default: 4.
	MaxConcurrent int
	// MaxConsecutiveFailures evicts an epic after this many failed cycles
	// in a row. Default: 5.
	MaxConsecutiveFailures int
	// DiscoverState filters which tracker epics are auto-registered each
	// cycle. Empty disables discovery.
	DiscoverState string
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
}

// Stats is a point-in-time view of monitor counters.
type Stats struct {
	Cycles     int64 `json:"cycles"`
	Synced     int64 `json:"synced"`
	Unchanged  int64 `json:"unchanged"`
	Failed     int64 `json:"failed"`
	Discovered int64 `json:"discovered"`
	Evicted    int64 `json:"evicted"`
}

// Monitor owns the check cycle.
type Monitor struct {
	syncer   Syncer
	discover Discoverer
	store    *snapshot.Store
	config   Config
	logger   *slog.Logger

	intervalNs atomic.Int64

	cycles     atomic.Int64
	synced     atomic.Int64
	unchanged  atomic.Int64
	failed     atomic.Int64
	discovered atomic.Int64
	evicted    atomic.Int64
}

// New creates a Monitor. discover may be nil to disable auto-registration.
func New(syncer Syncer, discover Discoverer, store *snapshot.Store, cfg Config, logger *slog.Logger) *Monitor {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		syncer:   syncer,
		discover: discover,
		store:    store,
		config:   cfg,
		logger:   logger,
	}
	m.intervalNs.Store(int64(cfg.Interval))
	return m
}

// Interval returns the current cycle interval.
func (m *Monitor) Interval() time.Duration {
	return time.Duration(m.intervalNs.Load())
}

// SetInterval changes the cycle interval. Takes effect after the next cycle.
func (m *Monitor) SetInterval(d time.Duration) {
	if d > 0 {
		m.intervalNs.Store(int64(d))
	}
}

// Run executes cycles until ctx is cancelled. The first cycle runs
// immediately.
func (m *Monitor) Run(ctx context.Context) {
	// Run once immediately on start.
	m.RunCycle(ctx)

	timer := time.NewTimer(m.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.RunCycle(ctx)
			timer.Reset(m.Interval())
		}
	}
}

// RunCycle discovers new epics, then syncs every enabled epic with bounded
// concurrency. Safe to call concurrently with Run; per-epic serialization is
// the reconciler's job.
func (m *Monitor) RunCycle(ctx context.Context) Stats {
	start := time.Now()
	m.cycles.Add(1)

	if m.discover != nil && m.config.DiscoverState != "" {
		m.discoverEpics(ctx)
	}

	epics, err := m.store.ListEpics(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "monitor: list epics", "error", err)
		return m.Stats()
	}

	sem := make(chan struct{}, m.config.MaxConcurrent)
	var wg sync.WaitGroup
	for _, e := range epics {
		if !e.Enabled {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(epicID int) {
			defer wg.Done()
			defer func() { <-sem }()
			m.checkOne(ctx, epicID)
		}(e.EpicID)
	}
	wg.Wait()

	m.logger.InfoContext(ctx, "monitor: cycle complete",
		"epics", len(epics),
		"duration_ms", time.Since(start).Milliseconds())
	return m.Stats()
}

// checkOne syncs a single epic and applies the eviction policy.
func (m *Monitor) checkOne(ctx context.Context, epicID int) {
	res := m.syncer.Sync(ctx, epicID, false)
	switch res.Outcome {
	case reconcile.OutcomeSynced:
		m.synced.Add(1)
	case reconcile.OutcomeUnchanged:
		m.unchanged.Add(1)
	case reconcile.OutcomeFailed:
		m.failed.Add(1)
		m.maybeEvict(ctx, epicID, res)
	}
}

// maybeEvict removes an epic after a NotFound/Forbidden error or when its
// failure streak reaches the configured cap.
func (m *Monitor) maybeEvict(ctx context.Context, epicID int, res reconcile.Result) {
	reason := ""
	if tracker.IsEvictable(res.Err) {
		reason = "gone"
	} else {
		e, err := m.store.GetEpic(ctx, epicID)
		if err != nil || e == nil {
			return
		}
		if e.ConsecutiveFailures >= m.config.MaxConsecutiveFailures {
			reason = "failure_streak"
		}
	}
	if reason == "" {
		return
	}

	if _, err := m.store.RemoveEpic(ctx, epicID); err != nil {
		m.logger.ErrorContext(ctx, "monitor: evict epic", "epic_id", epicID, "error", err)
		return
	}
	m.evicted.Add(1)
	if err := m.store.AppendLog(ctx, snapshot.LogEntry{
		EpicID: epicID,
		Result: "evicted",
		Error:  reason,
	}); err != nil {
		m.logger.ErrorContext(ctx, "monitor: log eviction", "epic_id", epicID, "error", err)
	}
	m.logger.WarnContext(ctx, "monitor: epic evicted",
		"epic_id", epicID, "reason", reason, "error", res.Err)
}

// discoverEpics registers tracker epics in the configured state that are not
// yet monitored.
func (m *Monitor) discoverEpics(ctx context.Context) {
	epics, err := m.discover(ctx, m.config.DiscoverState)
	if err != nil {
		m.logger.WarnContext(ctx, "monitor: discovery failed", "error", err)
		return
	}
	for _, e := range epics {
		added, err := m.store.AddEpic(ctx, e.ID, e.Title)
		if err != nil {
			m.logger.WarnContext(ctx, "monitor: register epic", "epic_id", e.ID, "error", err)
			continue
		}
		if added {
			m.discovered.Add(1)
			m.logger.InfoContext(ctx, "monitor: discovered epic",
				"epic_id", e.ID, "title", e.Title)
		}
	}
}

// Stats returns the current counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Cycles:     m.cycles.Load(),
		Synced:     m.synced.Load(),
		Unchanged:  m.unchanged.Load(),
		Failed:     m.failed.Load(),
		Discovered: m.discovered.Load(),
		Evicted:    m.evicted.Load(),
	}
}
