package busclient

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Outbox is a SQLite-backed durable queue of pending publishes, giving the
// Bus Client crash-recoverable at-least-once delivery (spec.md §6:
// "implementations MAY persist workflow tasks... for crash recovery").
//
// Grounded on shingo-edge/store/outbox.go's EnqueueOutbox/ListPendingOutbox/
// AckOutbox shape, backed by the teacher's choice of the pure-Go
// modernc.org/sqlite driver.
type Outbox struct {
	db *sql.DB
}

// PendingMessage is one row not yet acknowledged.
type PendingMessage struct {
	ID      int64
	Topic   string
	Payload []byte
	Retries int
}

// OpenOutbox opens (creating if necessary) a SQLite-backed outbox at path.
// path may be ":memory:" for an ephemeral, test-only outbox.
func OpenOutbox(path string) (*Outbox, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("outbox: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT NOT NULL,
			payload BLOB NOT NULL,
			retries INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			sent_at TIMESTAMP
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox: migrate: %w", err)
	}

	return &Outbox{db: db}, nil
}

// Close closes the underlying database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Enqueue inserts a pending publish and returns its row id.
func (o *Outbox) Enqueue(topic string, payload []byte) (int64, error) {
	res, err := o.db.Exec(
		`INSERT INTO outbox (topic, payload, retries, created_at) VALUES (?, ?, 0, ?)`,
		topic, payload, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("outbox: enqueue: %w", err)
	}
	return res.LastInsertId()
}

// ListPending returns up to limit rows not yet acknowledged, oldest first.
func (o *Outbox) ListPending(limit int) ([]PendingMessage, error) {
	rows, err := o.db.Query(
		`SELECT id, topic, payload, retries FROM outbox WHERE sent_at IS NULL ORDER BY id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: list pending: %w", err)
	}
	defer rows.Close()

	var out []PendingMessage
	for rows.Next() {
		var m PendingMessage
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Retries); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Ack marks a row as sent.
func (o *Outbox) Ack(id int64) error {
	_, err := o.db.Exec(`UPDATE outbox SET sent_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("outbox: ack %d: %w", id, err)
	}
	return nil
}

// IncrementRetries bumps a row's retry counter. The Client's outbox ticker
// does not call it: re-queued rows keep their retry count unchanged.
func (o *Outbox) IncrementRetries(id int64) error {
	_, err := o.db.Exec(`UPDATE outbox SET retries = retries + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("outbox: increment retries %d: %w", id, err)
	}
	return nil
}
