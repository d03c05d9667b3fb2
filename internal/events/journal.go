package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livecoach/internal/session"
	"github.com/MrWong99/livecoach/pkg/types"
)

var _ session.Observer = (*Journal)(nil)

const (
	// DefaultJournalBuffer is the number of events held while the writer is
	// busy. Further events are dropped.
	DefaultJournalBuffer = 256

	journalWriteTimeout = 5 * time.Second
)

// Schema is the DDL applied by [OpenJournal]. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS session_events (
    id          BIGSERIAL   PRIMARY KEY,
    session_id  TEXT        NOT NULL,
    from_state  TEXT        NOT NULL,
    to_state    TEXT        NOT NULL,
    error_kind  TEXT        NOT NULL DEFAULT '',
    error       TEXT        NOT NULL DEFAULT '',
    at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_events_session
    ON session_events (session_id, id);
`

const insertEvent = `
INSERT INTO session_events (session_id, from_state, to_state, error_kind, error, at)
VALUES ($1, $2, $3, $4, $5, $6)`

const selectHistory = `
SELECT session_id, from_state, to_state, error_kind, error, at
  FROM session_events
 WHERE session_id = $1
 ORDER BY id`

// DB is the subset of [pgxpool.Pool] the journal uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// Journal appends state changes to PostgreSQL. OnStateChange only queues the
// event; a single writer goroutine performs the inserts in order.
type Journal struct {
	db   DB
	pool *pgxpool.Pool // non-nil when the journal owns the pool
	log  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan Event
	done    chan struct{}
	dropped atomic.Uint64
}

// OpenJournal connects to dsn, applies [Schema], and starts the writer with
// room for buffer queued events (0 means [DefaultJournalBuffer]).
func OpenJournal(ctx context.Context, dsn string, buffer int, log *slog.Logger) (*Journal, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("events journal: parse dsn: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "livecoach"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("events journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("events journal: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("events journal: migrate: %w", err)
	}

	j := NewJournal(pool, buffer, log)
	j.pool = pool
	return j, nil
}

// NewJournal starts a journal on an existing database handle. The schema
// must already exist.
func NewJournal(db DB, buffer int, log *slog.Logger) *Journal {
	if buffer <= 0 {
		buffer = DefaultJournalBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	j := &Journal{
		db:    db,
		log:   log,
		queue: make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go j.write()
	return j
}

// OnStateChange implements [session.Observer].
func (j *Journal) OnStateChange(c session.Change) {
	j.Append(FromChange(c))
}

// Append queues e for insertion. It reports false if the event was dropped
// because the queue is full or the journal is closed.
func (j *Journal) Append(e Event) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return false
	}
	select {
	case j.queue <- e:
		return true
	default:
		n := j.dropped.Add(1)
		j.log.Warn("events journal: queue full, dropping event",
			"session_id", e.SessionID, "to", e.To, "dropped_total", n)
		return false
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

func (j *Journal) write() {
	defer close(j.done)
	for e := range j.queue {
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		_, err := j.db.Exec(ctx, insertEvent,
			e.SessionID, e.From, e.To, string(e.ErrorKind), e.Error, e.At)
		cancel()
		if err != nil {
			j.log.Error("events journal: insert failed",
				"session_id", e.SessionID, "to", e.To, "err", err)
		}
	}
}

// History returns every recorded event of one session in insertion order.
func (j *Journal) History(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := j.db.Query(ctx, selectHistory, sessionID)
	if err != nil {
		return nil, types.NetworkError("journal history", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e    Event
			kind string
		)
		if err := rows.Scan(&e.SessionID, &e.From, &e.To, &kind, &e.Error, &e.At); err != nil {
			return nil, fmt.Errorf("events journal: scan: %w", err)
		}
		e.ErrorKind = types.Kind(kind)
		e.At = e.At.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NetworkError("journal history", err)
	}
	return out, nil
}

// Ping checks the database connection.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.Ping(ctx)
}

// Close flushes queued events and, if the journal opened the pool itself,
// closes it. Safe to call more than once.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	if j.pool != nil {
		j.pool.Close()
	}
}
