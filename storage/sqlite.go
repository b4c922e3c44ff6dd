package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/click-stream/tracker/common"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

// SqliteQueue is the durable queue. Pending events survive process
// restarts; the integer primary key preserves enqueue order.
type SqliteQueue struct {
	db *sql.DB
}

func NewSqliteQueue(databasePath string) (*SqliteQueue, error) {

	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SqliteQueue{db: db}, nil
}

func createTables(db *sql.DB) error {

	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS pending_events(
	  seq      INTEGER PRIMARY KEY,
	  event_id TEXT    NOT NULL UNIQUE,
	  payload  TEXT    NOT NULL CHECK (json_valid(payload))
	);
	`)
	if err != nil {
		return fmt.Errorf("failed to create queue tables: %w", err)
	}
	return nil
}

func (q *SqliteQueue) Close() error {
	return q.db.Close()
}

func (q *SqliteQueue) Enqueue(event *common.Event) error {

	if event == nil {
		return errors.New("event is not found")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = q.db.Exec(`INSERT INTO pending_events(event_id, payload) VALUES(?, json(?))`, event.ID, string(payload))
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

func (q *SqliteQueue) FirstN(limit int) ([]*common.Event, error) {

	if limit < 0 {
		limit = 0
	}

	rows, err := q.db.Query(`SELECT payload FROM pending_events ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	defer rows.Close()

	var batch []*common.Event

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event := &common.Event{}
		if err := json.Unmarshal([]byte(payload), event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		batch = append(batch, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return batch, nil
}

func (q *SqliteQueue) Remove(events []*common.Event) error {

	transaction, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.Prepare(`DELETE FROM pending_events WHERE event_id = ?`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for _, event := range events {
		if event == nil {
			continue
		}
		if _, err := statement.Exec(event.ID); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to remove event: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (q *SqliteQueue) Count() (int, error) {

	var count int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM pending_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
