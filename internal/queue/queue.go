// Package queue is the durable offline write queue: writes that could not be
// delivered to any tier wait here for a scheduled retry. Entries are deduped
// by write identity and drained oldest-first per target; a failed delivery
// stops the drain so order is never violated past a failure.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"siteguard/api/internal/epoch"
)

type Entry struct {
	Seq        int64
	WriteID    string
	Target     string
	Payload    []byte
	EnqueuedAt epoch.Millis
}

type Queue struct {
	db *sql.DB
}

// Open creates or opens the queue database. Path may be ":memory:" in tests.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure queue db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_writes (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			write_id    TEXT NOT NULL UNIQUE,
			target      TEXT NOT NULL,
			payload     BLOB NOT NULL,
			enqueued_ms INTEGER NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create pending_writes: %w", err)
	}
	return &Queue{db: db}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue adds a write for retry. Re-enqueueing an already-queued write id is
// a no-op, so repeated delivery failures cannot duplicate work.
func (q *Queue) Enqueue(ctx context.Context, writeID, target string, payload []byte) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO pending_writes (write_id, target, payload, enqueued_ms)
		VALUES (?, ?, ?, ?)
	`, writeID, target, payload, int64(epoch.Now()))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", writeID, err)
	}
	return nil
}

// DrainOne attempts delivery of the oldest entry for a target. On success the
// entry is removed and true is returned; on failure the entry stays put for
// the next scheduled attempt.
func (q *Queue) DrainOne(ctx context.Context, target string, deliver func(context.Context, Entry) error) (bool, error) {
	var entry Entry
	err := q.db.QueryRowContext(ctx, `
		SELECT seq, write_id, target, payload, enqueued_ms
		FROM pending_writes
		WHERE target = ?
		ORDER BY seq
		LIMIT 1
	`, target).Scan(&entry.Seq, &entry.WriteID, &entry.Target, &entry.Payload, &entry.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("peek queue %s: %w", target, err)
	}

	if err := deliver(ctx, entry); err != nil {
		return false, err
	}

	if _, err := q.db.ExecContext(ctx, `DELETE FROM pending_writes WHERE seq = ?`, entry.Seq); err != nil {
		return false, fmt.Errorf("dequeue %s: %w", entry.WriteID, err)
	}
	return true, nil
}

// Drain keeps delivering until the target queue is empty or a delivery fails.
// Returns the number of entries delivered.
func (q *Queue) Drain(ctx context.Context, target string, deliver func(context.Context, Entry) error) (int, error) {
	delivered := 0
	for {
		ok, err := q.DrainOne(ctx, target, deliver)
		if err != nil {
			return delivered, err
		}
		if !ok {
			return delivered, nil
		}
		delivered++
	}
}

// Targets lists the distinct target kinds with pending entries; different
// targets may be drained concurrently.
func (q *Queue) Targets(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT target FROM pending_writes ORDER BY target`)
	if err != nil {
		return nil, fmt.Errorf("list queue targets: %w", err)
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var target string
		if err := rows.Scan(&target); err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

// Len reports how many writes are waiting across all targets.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var count int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_writes`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return count, nil
}
