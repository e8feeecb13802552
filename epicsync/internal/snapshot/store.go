// Package snapshot is the data access layer for monitored epics: which
// epics are watched, what content was last synced for each, and the log of
// past sync cycles.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/epicsync/dbopen"
	"github.com/hazyhaar/epicsync/idgen"
)

// Snapshot is the last successfully synced content of one epic.
type Snapshot struct {
	EpicID      int
	Fingerprint string
	StoryIDs    []int
	SyncedAt    time.Time
}

// Epic is the monitoring state of one registered epic.
type Epic struct {
	EpicID              int
	Title               string
	Enabled             bool
	ConsecutiveFailures int
	LastCheckAt         time.Time // zero if never checked
	LastResult          string
	LastError           string
	AddedAt             time.Time
}

// LogEntry is one row of the sync log.
type LogEntry struct {
	ID        string
	EpicID    int
	Result    string
	Created   int
	Updated   int
	Unchanged int
	Error     string
	SyncedAt  time.Time
}

// Store wraps the monitor database.
type Store struct {
	DB    *sql.DB
	newID idgen.Generator
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, newID: idgen.New}
}

// AddEpic registers an epic for monitoring. Returns false when the epic is
// already registered.
func (s *Store) AddEpic(ctx context.Context, epicID int, title string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO epics (epic_id, title, added_at) VALUES (?, ?, ?)`,
		epicID, title, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveEpic unregisters an epic. The snapshot cascades away; the sync log
// is kept for history. Returns false when the epic was not registered.
func (s *Store) RemoveEpic(ctx context.Context, epicID int) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM epics WHERE epic_id = ?`, epicID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetEpic returns one epic's monitoring state, or nil when not registered.
func (s *Store) GetEpic(ctx context.Context, epicID int) (*Epic, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT epic_id, title, enabled, consecutive_failures, last_check_at,
		last_result, last_error, added_at
		FROM epics WHERE epic_id = ?`, epicID)
	return scanEpic(row.Scan)
}

// ListEpics returns all registered epics, oldest first.
func (s *Store) ListEpics(ctx context.Context) ([]*Epic, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT epic_id, title, enabled, consecutive_failures, last_check_at,
		last_result, last_error, added_at
		FROM epics ORDER BY added_at ASC, epic_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var epics []*Epic
	for rows.Next() {
		e, err := scanEpic(rows.Scan)
		if err != nil {
			return nil, err
		}
		epics = append(epics, e)
	}
	return epics, rows.Err()
}

// SetEnabled toggles monitoring for one epic without losing its snapshot.
func (s *Store) SetEnabled(ctx context.Context, epicID int, enabled bool) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE epics SET enabled = ? WHERE epic_id = ?`, enabled, epicID)
	return err
}

// RecordSuccess resets the failure streak and stamps the check outcome.
func (s *Store) RecordSuccess(ctx context.Context, epicID int, result string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE epics SET consecutive_failures = 0, last_check_at = ?,
		last_result = ?, last_error = '' WHERE epic_id = ?`,
		time.Now().UnixMilli(), result, epicID)
	return err
}

// RecordFailure increments the failure streak and returns its new value.
func (s *Store) RecordFailure(ctx context.Context, epicID int, errMsg string) (int, error) {
	var streak int
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE epics SET consecutive_failures = consecutive_failures + 1,
			last_check_at = ?, last_result = 'failed', last_error = ?
			WHERE epic_id = ?`,
			time.Now().UnixMilli(), errMsg, epicID)
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT consecutive_failures FROM epics WHERE epic_id = ?`, epicID).Scan(&streak)
	})
	return streak, err
}

// LoadSnapshot returns the last synced content for an epic, or nil when the
// epic has never completed a sync.
func (s *Store) LoadSnapshot(ctx context.Context, epicID int) (*Snapshot, error) {
	var (
		snap     Snapshot
		idsJSON  string
		syncedAt int64
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT epic_id, fingerprint, story_ids_json, synced_at
		FROM snapshots WHERE epic_id = ?`, epicID).
		Scan(&snap.EpicID, &snap.Fingerprint, &idsJSON, &syncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(idsJSON), &snap.StoryIDs); err != nil {
		return nil, fmt.Errorf("snapshot: decode story ids for epic %d: %w", epicID, err)
	}
	snap.SyncedAt = time.UnixMilli(syncedAt)
	return &snap, nil
}

// SaveSnapshot upserts the epic's last synced content. Called only after a
// fully successful sync; a failed cycle leaves the previous snapshot alone.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	ids := snap.StoryIDs
	if ids == nil {
		ids = []int{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	syncedAt := snap.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now()
	}
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (epic_id, fingerprint, story_ids_json, synced_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(epic_id) DO UPDATE SET
				fingerprint = excluded.fingerprint,
				story_ids_json = excluded.story_ids_json,
				synced_at = excluded.synced_at`,
			snap.EpicID, snap.Fingerprint, string(idsJSON), syncedAt.UnixMilli())
		return err
	})
}

// DeleteSnapshot forgets the synced content for an epic. Idempotent.
func (s *Store) DeleteSnapshot(ctx context.Context, epicID int) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM snapshots WHERE epic_id = ?`, epicID)
	return err
}

// AppendLog records the outcome of one sync cycle.
func (s *Store) AppendLog(ctx context.Context, e LogEntry) error {
	if e.ID == "" {
		e.ID = s.newID()
	}
	syncedAt := e.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO sync_log (id, epic_id, result, created, updated, unchanged, error, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EpicID, e.Result, e.Created, e.Updated, e.Unchanged, e.Error, syncedAt.UnixMilli())
	return err
}

// History returns the most recent sync log entries for an epic, newest
// first. limit <= 0 means 50.
func (s *Store) History(ctx context.Context, epicID, limit int) ([]*LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, epic_id, result, created, updated, unchanged, error, synced_at
		FROM sync_log WHERE epic_id = ? ORDER BY synced_at DESC, id DESC LIMIT ?`,
		epicID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		var (
			e        LogEntry
			syncedAt int64
		)
		if err := rows.Scan(&e.ID, &e.EpicID, &e.Result, &e.Created, &e.Updated,
			&e.Unchanged, &e.Error, &syncedAt); err != nil {
			return nil, err
		}
		e.SyncedAt = time.UnixMilli(syncedAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func scanEpic(scan func(dest ...any) error) (*Epic, error) {
	var (
		e           Epic
		lastCheckAt sql.NullInt64
		addedAt     int64
	)
	err := scan(&e.EpicID, &e.Title, &e.Enabled, &e.ConsecutiveFailures,
		&lastCheckAt, &e.LastResult, &e.LastError, &addedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastCheckAt.Valid {
		e.LastCheckAt = time.UnixMilli(lastCheckAt.Int64)
	}
	e.AddedAt = time.UnixMilli(addedAt)
	return &e, nil
}
