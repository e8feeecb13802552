package snapshot

// Schema holds monitored-epic registration, the last successfully synced
// content per epic, and the per-cycle sync log. Apply via dbopen.WithSchema.
const Schema = `
-- Epics under monitoring
CREATE TABLE IF NOT EXISTS epics (
    epic_id              INTEGER PRIMARY KEY,
    title                TEXT NOT NULL DEFAULT '',
    enabled              INTEGER NOT NULL DEFAULT 1,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    last_check_at        INTEGER,
    last_result          TEXT NOT NULL DEFAULT 'pending',
    last_error           TEXT NOT NULL DEFAULT '',
    added_at             INTEGER NOT NULL
);

-- Last successfully synced content per epic
CREATE TABLE IF NOT EXISTS snapshots (
    epic_id        INTEGER PRIMARY KEY REFERENCES epics(epic_id) ON DELETE CASCADE,
    fingerprint    TEXT NOT NULL,
    story_ids_json TEXT NOT NULL DEFAULT '[]',
    synced_at      INTEGER NOT NULL
);

-- Per-cycle outcomes (observability)
CREATE TABLE IF NOT EXISTS sync_log (
    id         TEXT PRIMARY KEY,
    epic_id    INTEGER NOT NULL,
    result     TEXT NOT NULL,
    created    INTEGER NOT NULL DEFAULT 0,
    updated    INTEGER NOT NULL DEFAULT 0,
    unchanged  INTEGER NOT NULL DEFAULT 0,
    error      TEXT NOT NULL DEFAULT '',
    synced_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_log_epic ON sync_log(epic_id, synced_at DESC);
`
