// Package eventlog persists queue and patch lifecycle transitions to a
// SQLite database and provides read-only query access for status
// surfaces. The engine runs fine without it; the log exists so a crash
// or a later inspection can reconstruct what happened to every
// annotation.
package eventlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"loom/pkg/patch"
	"loom/pkg/protocol"
	"loom/pkg/queue"
)

// Entity kinds stored in the log.
const (
	EntityEvent = "event"
	EntityPatch = "patch"
)

// schemaDDL creates the log table. id is the insertion order; kind is
// the lifecycle operation (enqueue, dequeue, update, cancel for
// events; create, apply, stale, reject, cancel for patches).
const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	entity     TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	doc        TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_entity_id ON events(entity_id);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
`

const timeLayout = "2006-01-02 15:04:05"

// Logger appends lifecycle rows. It is attached to a queue and a patch
// manager as a listener; writes happen synchronously on the notifying
// goroutine and a write failure is swallowed after recording it — the
// log must never take down the engine.
type Logger struct {
	mu      sync.Mutex
	db      *sql.DB
	lastErr error

	// nowFunc allows tests to control timestamps.
	nowFunc func() time.Time
}

// Open creates or opens the log database at path, applying the schema.
func Open(path string) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Logger{db: db, nowFunc: time.Now}, nil
}

// Close releases the database. Safe to call multiple times.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

// LastErr returns the most recent swallowed write error, if any.
func (l *Logger) LastErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// AttachQueue subscribes the logger to queue lifecycle notifications.
func (l *Logger) AttachQueue(q *queue.Queue) {
	q.Subscribe(func(op queue.Op, ev protocol.Event) {
		l.record(string(op), EntityEvent, ev.ID, ev.Target(), string(ev.Status), ev.Error)
	})
}

// AttachPatches subscribes the logger to patch lifecycle notifications.
func (l *Logger) AttachPatches(pm *patch.Manager) {
	pm.Subscribe(func(op patch.Op, c patch.Candidate) {
		l.record(string(op), EntityPatch, c.ID, c.TargetDoc, string(c.Status), c.Error)
	})
}

func (l *Logger) record(kind, entity, entityID, doc, status, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return
	}
	_, err := l.db.Exec(
		"INSERT INTO events (kind, entity, entity_id, doc, status, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		kind, entity, entityID, doc, status, detail,
		l.nowFunc().UTC().Format(timeLayout),
	)
	if err != nil {
		l.lastErr = err
	}
}

// SetNowFunc overrides the clock (for testing).
func (l *Logger) SetNowFunc(f func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nowFunc = f
}

// DefaultDBPath returns the default location of the log database.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".loom", "loom.db")
}
