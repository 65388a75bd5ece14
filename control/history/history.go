// Package history keeps a journal of time-sync attempts in sqlite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

const initDatabase = `
CREATE TABLE IF NOT EXISTS sync (date datetime not null, server text not null, epoch integer not null, correction double not null, stratum integer not null, refid text not null);
CREATE TABLE IF NOT EXISTS failure (date datetime not null, server text not null, reason text not null);
`

var droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
	Name: "history_dropped_events",
	Help: "count of events not journaled because the writer was behind",
})

// Event is one sync attempt.  Err is set for attempts that did not produce a time.
type Event struct {
	Date       time.Time
	Server     string
	Epoch      int64
	Correction time.Duration
	Stratum    int
	RefID      string
	Err        error
}

// Sync is a row of the sync table.
type Sync struct {
	Date       time.Time
	Server     string
	Epoch      int64
	Correction time.Duration
	Stratum    int
	RefID      string
}

// Failure is a row of the failure table.
type Failure struct {
	Date   time.Time
	Server string
	Reason string
}

type DB struct {
	*sql.DB
}

// OpenDatabase opens (or creates) the journal.  ":memory:" works for tests.
func OpenDatabase(filename string) (*DB, error) {
	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	// Each connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(initDatabase); err != nil {
		db.Close()
		return nil, fmt.Errorf("init %s: %w", filename, err)
	}

	return &DB{db}, nil
}

func (db *DB) RecordSync(ctx context.Context, s Sync) error {
	if _, err := db.ExecContext(ctx, "insert into sync values(?, ?, ?, ?, ?, ?)", s.Date, s.Server, s.Epoch, s.Correction.Seconds(), s.Stratum, s.RefID); err != nil {
		return fmt.Errorf("record sync: %w", err)
	}
	return nil
}

func (db *DB) RecordFailure(ctx context.Context, f Failure) error {
	if _, err := db.ExecContext(ctx, "insert into failure values(?, ?, ?)", f.Date, f.Server, f.Reason); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// Record stores e in whichever table it belongs in.
func (db *DB) Record(ctx context.Context, e Event) error {
	if e.Err != nil {
		return db.RecordFailure(ctx, Failure{Date: e.Date, Server: e.Server, Reason: e.Err.Error()})
	}
	return db.RecordSync(ctx, Sync{Date: e.Date, Server: e.Server, Epoch: e.Epoch, Correction: e.Correction, Stratum: e.Stratum, RefID: e.RefID})
}

// RecentSyncs returns up to n successful syncs, newest first.
func (db *DB) RecentSyncs(ctx context.Context, n int) ([]Sync, error) {
	rows, err := db.QueryContext(ctx, "select date, server, epoch, correction, stratum, refid from sync order by rowid desc limit ?", n)
	if err != nil {
		return nil, fmt.Errorf("query syncs: %w", err)
	}
	defer rows.Close()
	var result []Sync
	for rows.Next() {
		var s Sync
		var correction float64
		if err := rows.Scan(&s.Date, &s.Server, &s.Epoch, &correction, &s.Stratum, &s.RefID); err != nil {
			return nil, fmt.Errorf("scan sync: %w", err)
		}
		s.Correction = time.Duration(correction * float64(time.Second))
		result = append(result, s)
	}
	return result, rows.Err()
}

// RecentFailures returns up to n failed syncs, newest first.
func (db *DB) RecentFailures(ctx context.Context, n int) ([]Failure, error) {
	rows, err := db.QueryContext(ctx, "select date, server, reason from failure order by rowid desc limit ?", n)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()
	var result []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.Date, &f.Server, &f.Reason); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (db *DB) single(query string, args ...interface{}) (int, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var result int
	var found bool
	for rows.Next() {
		if found {
			return 0, errors.New("more than one row returned")
		}
		if err := rows.Scan(&result); err != nil {
			return 0, err
		}
		found = true
	}
	return result, rows.Err()
}

// Journal writes events to the database from its own goroutine, so that the clock loop never
// waits on the disk.
type Journal struct {
	db *DB
	ch chan Event
	l  trace.EventLog
}

// NewJournal returns a journal that buffers up to size events.
func NewJournal(db *DB, size int) *Journal {
	return &Journal{
		db: db,
		ch: make(chan Event, size),
		l:  trace.NewEventLog("history", "journal"),
	}
}

// Add queues e for writing.  If the writer is behind, e is dropped.
func (j *Journal) Add(e Event) {
	select {
	case j.ch <- e:
	default:
		droppedEvents.Inc()
		j.l.Errorf("dropped event for %s at %v", e.Server, e.Date)
	}
}

// Run writes queued events until the context is done.
func (j *Journal) Run(ctx context.Context) error {
	defer j.l.Finish()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-j.ch:
			if err := j.db.Record(ctx, e); err != nil {
				j.l.Errorf("%v", err)
				continue
			}
			if e.Err != nil {
				j.l.Printf("recorded failure: %v", e.Err)
			} else {
				j.l.Printf("recorded sync from %s: epoch %d correction %v", e.Server, e.Epoch, e.Correction)
			}
		}
	}
}
