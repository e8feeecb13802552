// Package reconcile runs one sync pass for one epic: decide whether the
// epic's content changed, re-extract stories if it did, and converge the
// tracker's child stories toward the extraction by matching, updating, and
// creating.
//
// A pass never deletes tracker stories and never saves a new snapshot unless
// every story operation succeeded; a partially failed pass leaves the old
// fingerprint in place so the next cycle retries the whole epic.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/epicsync/epicsync/internal/fingerprint"
	"github.com/hazyhaar/epicsync/epicsync/internal/match"
	"github.com/hazyhaar/epicsync/epicsync/internal/snapshot"
	"github.com/hazyhaar/epicsync/extract"
	"github.com/hazyhaar/epicsync/retry"
	"github.com/hazyhaar/epicsync/tracker"
)

// updateThreshold is the description similarity below which a matched story
// is considered materially different and gets updated in the tracker.
const updateThreshold = 0.9

// Tracker is the slice of the work-item client a pass needs.
// *tracker.Client satisfies it.
type Tracker interface {
	GetEpic(ctx context.Context, id int) (*tracker.Epic, error)
	GetLinkedStories(ctx context.Context, epicID int) ([]tracker.Story, error)
	CreateStory(ctx context.Context, epicID int, s tracker.Story) (*tracker.Story, error)
	UpdateStory(ctx context.Context, storyID int, s tracker.Story) (*tracker.Story, error)
}

// Extractor produces candidate stories from an epic. *extract.Extractor
// satisfies it.
type Extractor interface {
	Extract(ctx context.Context, epic tracker.Epic) ([]tracker.Story, error)
}

// Outcome classifies the result of a pass.
type Outcome string

const (
	// OutcomeUnchanged means the fingerprint matched the snapshot; nothing
	// was touched.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeSynced means the epic changed and every story operation
	// succeeded.
	OutcomeSynced Outcome = "synced"
	// OutcomeFailed means the pass aborted or at least one story operation
	// failed. The snapshot was not advanced.
	OutcomeFailed Outcome = "failed"
)

// Result summarises one pass over one epic.
type Result struct {
	EpicID      int
	Outcome     Outcome
	Created     int
	Updated     int
	Unchanged   int // matched stories left alone
	Fingerprint string
	Err         error
}

// Reconciler drives sync passes. Passes for different epics may run
// concurrently; passes for the same epic are serialized.
type Reconciler struct {
	tracker   Tracker
	extractor Extractor
	store     *snapshot.Store
	retry     retry.Policy
	scorer    match.Scorer
	logger    *slog.Logger

	mu    sync.Mutex
	inUse map[int]*sync.Mutex
}

// Config wires a Reconciler.
type Config struct {
	Tracker   Tracker
	Extractor Extractor
	Store     *snapshot.Store
	// Retry applies to tracker and extraction calls. Zero value means the
	// retry package defaults.
	Retry retry.Policy
	// Scorer overrides title similarity. nil means match.Similarity.
	Scorer match.Scorer
	Logger *slog.Logger
}

// New builds a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = func(err error) bool {
			return tracker.IsTransient(err) || extract.IsTransient(err)
		}
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = cfg.Logger
	}
	return &Reconciler{
		tracker:   cfg.Tracker,
		extractor: cfg.Extractor,
		store:     cfg.Store,
		retry:     cfg.Retry,
		scorer:    cfg.Scorer,
		logger:    cfg.Logger,
		inUse:     make(map[int]*sync.Mutex),
	}
}

// Sync runs one pass for epicID. force skips the fingerprint short-circuit.
// The returned Result always has a terminal Outcome; Err is set only for
// OutcomeFailed.
func (r *Reconciler) Sync(ctx context.Context, epicID int, force bool) Result {
	unlock := r.lockEpic(epicID)
	defer unlock()

	res := r.sync(ctx, epicID, force)
	r.record(ctx, res)
	return res
}

// lockEpic serializes passes per epic id.
func (r *Reconciler) lockEpic(epicID int) func() {
	r.mu.Lock()
	m, ok := r.inUse[epicID]
	if !ok {
		m = &sync.Mutex{}
		r.inUse[epicID] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (r *Reconciler) sync(ctx context.Context, epicID int, force bool) Result {
	res := Result{EpicID: epicID}
	start := time.Now()

	var epic *tracker.Epic
	err := r.retry.Do(ctx, "get_epic", func(ctx context.Context) error {
		var err error
		epic, err = r.tracker.GetEpic(ctx, epicID)
		return err
	})
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("fetch epic: %w", err)
		return res
	}

	res.Fingerprint = fingerprint.Compute(epic.Title, epic.Description)

	snap, err := r.store.LoadSnapshot(ctx, epicID)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("load snapshot: %w", err)
		return res
	}
	if !force && snap != nil && snap.Fingerprint == res.Fingerprint {
		res.Outcome = OutcomeUnchanged
		return res
	}

	var candidates []tracker.Story
	err = r.retry.Do(ctx, "extract_stories", func(ctx context.Context) error {
		var err error
		candidates, err = r.extractor.Extract(ctx, *epic)
		return err
	})
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("extract stories: %w", err)
		return res
	}

	var existing []tracker.Story
	err = r.retry.Do(ctx, "get_linked_stories", func(ctx context.Context) error {
		var err error
		existing, err = r.tracker.GetLinkedStories(ctx, epicID)
		return err
	})
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("fetch linked stories: %w", err)
		return res
	}

	titles := make([]string, len(existing))
	for i, s := range existing {
		titles[i] = s.Title
	}
	pool := match.NewPool(titles, r.scorer)

	storyIDs := make([]int, 0, len(existing)+len(candidates))
	for _, s := range existing {
		storyIDs = append(storyIDs, s.ID)
	}

	var opErrs []error
	for _, cand := range candidates {
		idx, score, matched := pool.Claim(cand.Title)
		if !matched {
			created, err := r.createStory(ctx, epicID, cand)
			if err != nil {
				opErrs = append(opErrs, fmt.Errorf("create %q: %w", cand.Title, err))
				continue
			}
			storyIDs = append(storyIDs, created.ID)
			res.Created++
			continue
		}

		cur := existing[idx]
		if match.Similarity(cur.Description, cand.Body()) >= updateThreshold {
			res.Unchanged++
			continue
		}
		r.logger.DebugContext(ctx, "story content drifted",
			"epic_id", epicID, "story_id", cur.ID, "title_score", score)
		if err := r.updateStory(ctx, cur.ID, cand); err != nil {
			opErrs = append(opErrs, fmt.Errorf("update story %d: %w", cur.ID, err))
			continue
		}
		res.Updated++
	}

	if len(opErrs) > 0 {
		res.Outcome = OutcomeFailed
		res.Err = errors.Join(opErrs...)
		return res
	}

	if err := r.store.SaveSnapshot(ctx, snapshot.Snapshot{
		EpicID:      epicID,
		Fingerprint: res.Fingerprint,
		StoryIDs:    storyIDs,
	}); err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("save snapshot: %w", err)
		return res
	}

	res.Outcome = OutcomeSynced
	r.logger.InfoContext(ctx, "epic synced",
		"epic_id", epicID,
		"created", res.Created,
		"updated", res.Updated,
		"matched_unchanged", res.Unchanged,
		"duration_ms", time.Since(start).Milliseconds())
	return res
}

func (r *Reconciler) createStory(ctx context.Context, epicID int, s tracker.Story) (*tracker.Story, error) {
	var created *tracker.Story
	err := r.retry.Do(ctx, "create_story", func(ctx context.Context) error {
		var err error
		created, err = r.tracker.CreateStory(ctx, epicID, s)
		return err
	})
	return created, err
}

func (r *Reconciler) updateStory(ctx context.Context, storyID int, s tracker.Story) error {
	return r.retry.Do(ctx, "update_story", func(ctx context.Context) error {
		_, err := r.tracker.UpdateStory(ctx, storyID, s)
		return err
	})
}

// record persists the pass outcome on the epic row and in the sync log.
// Bookkeeping failures are logged, not propagated; the pass result stands.
func (r *Reconciler) record(ctx context.Context, res Result) {
	var err error
	switch res.Outcome {
	case OutcomeFailed:
		_, err = r.store.RecordFailure(ctx, res.EpicID, res.Err.Error())
	default:
		err = r.store.RecordSuccess(ctx, res.EpicID, string(res.Outcome))
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "recording sync outcome failed",
			"epic_id", res.EpicID, "error", err)
	}

	entry := snapshot.LogEntry{
		EpicID:    res.EpicID,
		Result:    string(res.Outcome),
		Created:   res.Created,
		Updated:   res.Updated,
		Unchanged: res.Unchanged,
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	if err := r.store.AppendLog(ctx, entry); err != nil {
		r.logger.ErrorContext(ctx, "appending sync log failed",
			"epic_id", res.EpicID, "error", err)
	}
}
