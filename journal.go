package appz

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// JournalKind classifies a lifecycle event
type JournalKind string

const (
	JournalStarted     JournalKind = "started"
	JournalStartFailed JournalKind = "start_failed"
	JournalCrashed     JournalKind = "crashed"
	JournalRevived     JournalKind = "revived"
	JournalKilled      JournalKind = "killed"
	JournalStopped     JournalKind = "stopped"
	JournalRenamed     JournalKind = "renamed"
)

// JournalEvent is one row of the lifecycle journal
type JournalEvent struct {
	ID        string `db:"id" json:"id"`
	App       string `db:"app" json:"app"`
	Kind      string `db:"kind" json:"kind"`
	WorkerID  int    `db:"worker_id" json:"workerId,omitempty"`
	Pid       int    `db:"pid" json:"pid,omitempty"`
	ExitCode  int    `db:"exit_code" json:"exitCode,omitempty"`
	Signal    string `db:"signal" json:"signal,omitempty"`
	Detail    string `db:"detail" json:"detail,omitempty"`
	Timestamp int64  `db:"timestamp" json:"timestamp"`
}

// Journal records app lifecycle events
type Journal interface {
	Record(event JournalEvent) error
	Recent(app string, limit int) ([]JournalEvent, error)
}

type nopJournal struct{}

func (nopJournal) Record(JournalEvent) error                  { return nil }
func (nopJournal) Recent(string, int) ([]JournalEvent, error) { return nil, nil }

// SQLJournal stores the journal in a SQL database
type SQLJournal struct {
	db *sqlx.DB
}

// OpenJournal opens (creating if needed) the sqlite journal at path
func OpenJournal(path string) (*SQLJournal, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	j, err := NewSQLJournal(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// NewSQLJournal creates a journal on an open database
func NewSQLJournal(db *sqlx.DB) (*SQLJournal, error) {
	if err := JournalDBInit(db); err != nil {
		return nil, fmt.Errorf("initializing journal: %w", err)
	}
	return &SQLJournal{db: db}, nil
}

// JournalDBInit creates the journal table and its indexes
func JournalDBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS app_events (
		id TEXT PRIMARY KEY,
		app TEXT NOT NULL,
		kind TEXT NOT NULL,
		worker_id INTEGER NOT NULL DEFAULT 0,
		pid INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER NOT NULL DEFAULT 0,
		signal TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_app_events_app ON app_events(app, timestamp)`)
	return err
}

// Record inserts event, filling in its id and timestamp when unset
func (j *SQLJournal) Record(event JournalEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UTC().UnixMilli()
	}
	_, err := j.db.NamedExec(`
		INSERT INTO app_events (
			id, app, kind, worker_id, pid, exit_code, signal, detail, timestamp
		) VALUES (:id, :app, :kind, :worker_id, :pid, :exit_code, :signal, :detail, :timestamp)`,
		event,
	)
	return err
}

// Recent returns the newest events for app, newest first. An empty app
// returns events for every app.
func (j *SQLJournal) Recent(app string, limit int) ([]JournalEvent, error) {
	var events []JournalEvent
	var err error
	if app == "" {
		err = j.db.Select(&events,
			"SELECT * FROM app_events ORDER BY timestamp DESC, rowid DESC LIMIT $1",
			limit)
	} else {
		err = j.db.Select(&events,
			"SELECT * FROM app_events WHERE app = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
			app, limit)
	}
	return events, err
}

// Prune deletes events older than the specified duration
func (j *SQLJournal) Prune(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixMilli()
	result, err := j.db.Exec("DELETE FROM app_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close closes the underlying database
func (j *SQLJournal) Close() error {
	return j.db.Close()
}
