// Package storage provides a SQLite-backed journal of received batches and
// of the alerts already sent for them.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/traderat755/eastmoneywatch/internal/models"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db         *sql.DB
	maxBatches int
}

// Batch is one journaled frame.
type Batch struct {
	ID         string
	ReceivedAt time.Time
	Events     []models.AnomalyEvent
}

// BatchInfo summarises a journaled frame without its events.
type BatchInfo struct {
	ID          string
	ReceivedAt  time.Time
	RecordCount int
	Latest      models.Slot
}

// Notification records an alert sent for a (stock, category) pair.
type Notification struct {
	Code     string
	Category string
	Sector   string
	SentAt   time.Time
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/eastmoneywatch/journal.db.
func New(maxBatches int, dbPath string) (*Storage, error) {
	if maxBatches < 1 {
		return nil, fmt.Errorf("%w: max batches must be positive", ErrInvalidInput)
	}
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "eastmoneywatch", "journal.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db, maxBatches: maxBatches}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS batches (
			id            TEXT PRIMARY KEY,
			received_at   INTEGER NOT NULL,
			record_count  INTEGER NOT NULL,
			latest_time   TEXT NOT NULL DEFAULT '',
			latest_period INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS batch_events (
			batch_id  TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
			seq       INTEGER NOT NULL,
			sector    TEXT NOT NULL,
			time      TEXT NOT NULL,
			period    INTEGER NOT NULL,
			name      TEXT NOT NULL,
			code      TEXT NOT NULL,
			value     TEXT NOT NULL,
			category  TEXT NOT NULL,
			sign      TEXT NOT NULL DEFAULT '',
			info      TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (batch_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			code      TEXT NOT NULL,
			category  TEXT NOT NULL,
			sector    TEXT NOT NULL,
			sent_at   INTEGER NOT NULL,
			PRIMARY KEY (code, category)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_received_at ON batches(received_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveBatch journals a batch and trims the journal to maxBatches.
func (s *Storage) SaveBatch(receivedAt time.Time, events []models.AnomalyEvent) (string, error) {
	id := uuid.NewString()
	latest := models.Slot{}
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return "", fmt.Errorf("%w: event %d: %v", ErrInvalidInput, i, err)
		}
		slot := models.Slot{Time: e.Time, Period: e.Period}
		if i == 0 || slot.After(latest) {
			latest = slot
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`
		INSERT INTO batches (id, received_at, record_count, latest_time, latest_period)
		VALUES (?,?,?,?,?)`,
		id, receivedAt.UnixNano(), len(events), latest.Time, int(latest.Period),
	); err != nil {
		return "", fmt.Errorf("failed to insert batch: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO batch_events
			(batch_id, seq, sector, time, period, name, code, value, category, sign, info)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return "", fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer stmt.Close()
	for i, e := range events {
		if _, err := stmt.Exec(id, i, e.Sector, e.Time, int(e.Period), e.Name, e.Code,
			e.Value, e.Category, e.Sign, e.Info); err != nil {
			return "", fmt.Errorf("failed to insert event: %w", err)
		}
	}

	if err := rotate(tx, s.maxBatches); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit batch: %w", err)
	}
	return id, nil
}

// LatestBatch returns the most recently received batch.
func (s *Storage) LatestBatch() (*Batch, error) {
	row := s.db.QueryRow(`SELECT id, received_at FROM batches ORDER BY received_at DESC LIMIT 1`)
	var b Batch
	var receivedAtNano int64
	err := row.Scan(&b.ID, &receivedAtNano)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest batch: %w", err)
	}
	b.ReceivedAt = time.Unix(0, receivedAtNano)

	if b.Events, err = s.batchEvents(b.ID); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBatch returns one batch by id.
func (s *Storage) GetBatch(id string) (*Batch, error) {
	row := s.db.QueryRow(`SELECT id, received_at FROM batches WHERE id = ?`, id)
	var b Batch
	var receivedAtNano int64
	err := row.Scan(&b.ID, &receivedAtNano)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	b.ReceivedAt = time.Unix(0, receivedAtNano)

	if b.Events, err = s.batchEvents(b.ID); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Storage) batchEvents(id string) ([]models.AnomalyEvent, error) {
	rows, err := s.db.Query(`
		SELECT sector, time, period, name, code, value, category, sign, info
		FROM batch_events WHERE batch_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch events: %w", err)
	}
	defer rows.Close()

	events := []models.AnomalyEvent{}
	for rows.Next() {
		var e models.AnomalyEvent
		var period int
		if err := rows.Scan(&e.Sector, &e.Time, &period, &e.Name, &e.Code,
			&e.Value, &e.Category, &e.Sign, &e.Info); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Period = models.Period(period)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListBatches returns up to limit batch summaries, newest first.
func (s *Storage) ListBatches(limit int) ([]BatchInfo, error) {
	rows, err := s.db.Query(`
		SELECT id, received_at, record_count, latest_time, latest_period
		FROM batches ORDER BY received_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var infos []BatchInfo
	for rows.Next() {
		var info BatchInfo
		var receivedAtNano int64
		var period int
		if err := rows.Scan(&info.ID, &receivedAtNano, &info.RecordCount,
			&info.Latest.Time, &period); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		info.ReceivedAt = time.Unix(0, receivedAtNano)
		info.Latest.Period = models.Period(period)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// RotateBatches keeps at most maxBatches newest batches by received_at.
// Cascading deletes remove their events.
func (s *Storage) RotateBatches() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := rotate(tx, s.maxBatches); err != nil {
		return err
	}
	return tx.Commit()
}

func rotate(tx *sql.Tx, keep int) error {
	if _, err := tx.Exec(`
		DELETE FROM batches WHERE id NOT IN (
			SELECT id FROM batches ORDER BY received_at DESC LIMIT ?
		)`, keep); err != nil {
		return fmt.Errorf("failed to rotate batches: %w", err)
	}
	return nil
}

// RecordNotification upserts the send time of an alert.
func (s *Storage) RecordNotification(n Notification) error {
	if n.Code == "" {
		return fmt.Errorf("%w: notification code must not be empty", ErrInvalidInput)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO notifications (code, category, sector, sent_at)
		VALUES (?,?,?,?)`,
		n.Code, n.Category, n.Sector, n.SentAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	return nil
}

// NotificationsSince returns notifications sent at or after since.
func (s *Storage) NotificationsSince(since time.Time) ([]Notification, error) {
	rows, err := s.db.Query(`
		SELECT code, category, sector, sent_at FROM notifications
		WHERE sent_at >= ? ORDER BY sent_at`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var sentAtNano int64
		if err := rows.Scan(&n.Code, &n.Category, &n.Sector, &sentAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.SentAt = time.Unix(0, sentAtNano)
		out = append(out, n)
	}
	return out, rows.Err()
}

// PruneNotifications deletes notifications sent before cutoff.
func (s *Storage) PruneNotifications(cutoff time.Time) error {
	if _, err := s.db.Exec(`DELETE FROM notifications WHERE sent_at < ?`, cutoff.UnixNano()); err != nil {
		return fmt.Errorf("failed to prune notifications: %w", err)
	}
	return nil
}
