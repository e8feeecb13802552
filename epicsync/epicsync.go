// Package epicsync is the main service orchestrator: it owns the monitored
// epic registry, the sync reconciler, and the background check cycle, and
// exposes the control operations the HTTP surface is built from.
package epicsync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hazyhaar/epicsync/epicsync/internal/monitor"
	"github.com/hazyhaar/epicsync/epicsync/internal/reconcile"
	"github.com/hazyhaar/epicsync/epicsync/internal/snapshot"
	"github.com/hazyhaar/epicsync/extract"
	"github.com/hazyhaar/epicsync/retry"
	"github.com/hazyhaar/epicsync/tracker"
)

// Schema is the service database schema. Apply via dbopen.WithSchema.
const Schema = snapshot.Schema

// TrackerAPI abstracts the work-item tracker for testability.
// *tracker.Client satisfies it.
type TrackerAPI interface {
	GetEpic(ctx context.Context, id int) (*tracker.Epic, error)
	ListEpics(ctx context.Context, stateFilter string) ([]tracker.Epic, error)
	GetLinkedStories(ctx context.Context, epicID int) ([]tracker.Story, error)
	CreateStory(ctx context.Context, epicID int, s tracker.Story) (*tracker.Story, error)
	UpdateStory(ctx context.Context, storyID int, s tracker.Story) (*tracker.Story, error)
}

// Service is the main epicsync orchestrator.
type Service struct {
	store      *snapshot.Store
	trk        TrackerAPI
	extractor  reconcile.Extractor
	reconciler *reconcile.Reconciler
	monitor    *monitor.Monitor
	config     *Config
	logger     *slog.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithTracker overrides the tracker client. Use in tests.
func WithTracker(t TrackerAPI) ServiceOption {
	return func(svc *Service) { svc.trk = t }
}

// WithExtractor overrides the story extractor. Use in tests.
func WithExtractor(e reconcile.Extractor) ServiceOption {
	return func(svc *Service) { svc.extractor = e }
}

// New creates a Service on an already-opened database that has Schema
// applied.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		store:  snapshot.NewStore(db),
		config: cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(svc)
	}

	if svc.trk == nil {
		svc.trk = tracker.New(tracker.Config{
			BaseURL:      cfg.Tracker.BaseURL,
			Organization: cfg.Tracker.Organization,
			Project:      cfg.Tracker.Project,
			PAT:          cfg.Tracker.PAT,
			EpicType:     cfg.Tracker.EpicType,
			StoryType:    cfg.Tracker.StoryType,
			Timeout:      time.Duration(cfg.Tracker.TimeoutSeconds) * time.Second,
		}, logger)
	}
	if svc.extractor == nil {
		svc.extractor = extract.New(
			openai.NewClient(cfg.OpenAI.APIKey),
			extract.Config{Model: cfg.OpenAI.Model},
			logger,
		)
	}

	svc.reconciler = reconcile.New(reconcile.Config{
		Tracker:   svc.trk,
		Extractor: svc.extractor,
		Store:     svc.store,
		Retry: retry.Policy{
			MaxAttempts: cfg.Monitor.RetryAttempts,
			BaseBackoff: cfg.Monitor.RetryBackoff(),
			Logger:      logger,
		},
		Logger: logger,
	})
	svc.monitor = monitor.New(svc.reconciler, svc.trk.ListEpics, svc.store, monitor.Config{
		Interval:               cfg.Monitor.Interval(),
		MaxConcurrent:          cfg.Monitor.MaxConcurrent,
		MaxConsecutiveFailures: cfg.Monitor.MaxConsecutiveFailures,
		DiscoverState:          cfg.Monitor.DiscoverState,
	}, logger)

	return svc, nil
}

// Start launches the background check loop. ctx bounds the loop's lifetime
// and must outlive the service (pass the process context, not a request
// context).
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.startedAt = time.Now()

	done := s.done
	go func() {
		defer close(done)
		s.monitor.Run(runCtx)
	}()

	s.logger.Info("epicsync: monitor started",
		"interval", s.monitor.Interval().String())
	return nil
}

// Stop halts the background loop and waits for the in-flight cycle to
// drain.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("epicsync: monitor stopped")
	return nil
}

// Running reports whether the background loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close stops the loop if it is running.
func (s *Service) Close() error {
	if err := s.Stop(); err != nil && err != ErrNotRunning {
		return err
	}
	return nil
}

// Stats mirrors the monitor counters.
type Stats struct {
	Cycles     int64 `json:"cycles"`
	Synced     int64 `json:"synced"`
	Unchanged  int64 `json:"unchanged"`
	Failed     int64 `json:"failed"`
	Discovered int64 `json:"discovered"`
	Evicted    int64 `json:"evicted"`
}

// Status is a point-in-time view of the service.
type Status struct {
	Running         bool      `json:"running"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	IntervalSeconds int       `json:"interval_seconds"`
	Epics           int       `json:"epics"`
	Stats           Stats     `json:"stats"`
}

// Status returns the monitor state and counters.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	epics, err := s.store.ListEpics(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	running := s.running
	startedAt := s.startedAt
	s.mu.Unlock()

	st := &Status{
		Running:         running,
		IntervalSeconds: int(s.monitor.Interval() / time.Second),
		Epics:           len(epics),
		Stats:           Stats(s.monitor.Stats()),
	}
	if running {
		st.StartedAt = startedAt
	}
	return st, nil
}

// EpicInfo is the monitoring state of one epic.
type EpicInfo struct {
	EpicID              int       `json:"epic_id"`
	Title               string    `json:"title"`
	Enabled             bool      `json:"enabled"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheckAt         time.Time `json:"last_check_at,omitzero"`
	LastResult          string    `json:"last_result"`
	LastError           string    `json:"last_error,omitempty"`
	AddedAt             time.Time `json:"added_at"`
}

func epicInfo(e *snapshot.Epic) EpicInfo {
	return EpicInfo{
		EpicID:              e.EpicID,
		Title:               e.Title,
		Enabled:             e.Enabled,
		ConsecutiveFailures: e.ConsecutiveFailures,
		LastCheckAt:         e.LastCheckAt,
		LastResult:          e.LastResult,
		LastError:           e.LastError,
		AddedAt:             e.AddedAt,
	}
}

// AddEpic registers an epic by id or free-form reference ("1234",
// "EPIC-1234"). The epic must exist in the tracker.
func (s *Service) AddEpic(ctx context.Context, ref string) (*EpicInfo, error) {
	id, err := tracker.ParseWorkItemID(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	epic, err := s.trk.GetEpic(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("verify epic %d: %w", id, err)
	}

	added, err := s.store.AddEpic(ctx, id, epic.Title)
	if err != nil {
		return nil, err
	}
	if !added {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyMonitored, id)
	}
	s.logger.Info("epicsync: epic added", "epic_id", id, "title", epic.Title)

	e, err := s.store.GetEpic(ctx, id)
	if err != nil {
		return nil, err
	}
	info := epicInfo(e)
	return &info, nil
}

// RemoveEpic unregisters an epic.
func (s *Service) RemoveEpic(ctx context.Context, epicID int) error {
	removed, err := s.store.RemoveEpic(ctx, epicID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %d", ErrNotMonitored, epicID)
	}
	s.logger.Info("epicsync: epic removed", "epic_id", epicID)
	return nil
}

// SetEpicEnabled pauses or resumes monitoring for one epic.
func (s *Service) SetEpicEnabled(ctx context.Context, epicID int, enabled bool) error {
	e, err := s.store.GetEpic(ctx, epicID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: %d", ErrNotMonitored, epicID)
	}
	return s.store.SetEnabled(ctx, epicID, enabled)
}

// ListEpics returns all registered epics.
func (s *Service) ListEpics(ctx context.Context) ([]EpicInfo, error) {
	epics, err := s.store.ListEpics(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]EpicInfo, len(epics))
	for i, e := range epics {
		out[i] = epicInfo(e)
	}
	return out, nil
}

// CheckResult summarises one forced sync pass.
type CheckResult struct {
	EpicID    int    `json:"epic_id"`
	Outcome   string `json:"outcome"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Unchanged int    `json:"unchanged"`
	Error     string `json:"error,omitempty"`
}

// ForceCheck runs an immediate sync pass for one epic, bypassing the
// fingerprint short-circuit.
func (s *Service) ForceCheck(ctx context.Context, epicID int) (*CheckResult, error) {
	e, err := s.store.GetEpic(ctx, epicID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotMonitored, epicID)
	}

	res := s.reconciler.Sync(ctx, epicID, true)
	out := &CheckResult{
		EpicID:    res.EpicID,
		Outcome:   string(res.Outcome),
		Created:   res.Created,
		Updated:   res.Updated,
		Unchanged: res.Unchanged,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out, nil
}

// CheckAll runs one full cycle in the foreground, including discovery and
// eviction.
func (s *Service) CheckAll(ctx context.Context) Stats {
	return Stats(s.monitor.RunCycle(ctx))
}

// HistoryEntry is one sync log row.
type HistoryEntry struct {
	ID        string    `json:"id"`
	EpicID    int       `json:"epic_id"`
	Result    string    `json:"result"`
	Created   int       `json:"created"`
	Updated   int       `json:"updated"`
	Unchanged int       `json:"unchanged"`
	Error     string    `json:"error,omitempty"`
	SyncedAt  time.Time `json:"synced_at"`
}

// History returns recent sync outcomes for an epic, newest first. Evicted
// epics keep their history.
func (s *Service) History(ctx context.Context, epicID, limit int) ([]HistoryEntry, error) {
	entries, err := s.store.History(ctx, epicID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, len(entries))
	for i, e := range entries {
		out[i] = HistoryEntry{
			ID:        e.ID,
			EpicID:    e.EpicID,
			Result:    e.Result,
			Created:   e.Created,
			Updated:   e.Updated,
			Unchanged: e.Unchanged,
			Error:     e.Error,
			SyncedAt:  e.SyncedAt,
		}
	}
	return out, nil
}

// Settings is the runtime-adjustable slice of the configuration.
type Settings struct {
	IntervalSeconds        int    `json:"interval_seconds"`
	MaxConcurrent          int    `json:"max_concurrent"`
	MaxConsecutiveFailures int    `json:"max_consecutive_failures"`
	DiscoverState          string `json:"discover_state"`
}

// Settings returns the current runtime settings. Credentials are never
// exposed here.
func (s *Service) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Settings{
		IntervalSeconds:        int(s.monitor.Interval() / time.Second),
		MaxConcurrent:          s.config.Monitor.MaxConcurrent,
		MaxConsecutiveFailures: s.config.Monitor.MaxConsecutiveFailures,
		DiscoverState:          s.config.Monitor.DiscoverState,
	}
}

// UpdateInterval changes the check interval without a restart. Takes effect
// after the next cycle.
func (s *Service) UpdateInterval(seconds int) error {
	if seconds < 10 {
		return fmt.Errorf("%w: interval must be at least 10 seconds", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Monitor.IntervalSeconds = seconds
	s.monitor.SetInterval(time.Duration(seconds) * time.Second)
	s.logger.Info("epicsync: interval updated", "interval_seconds", seconds)
	return nil
}
