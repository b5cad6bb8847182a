package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store over a SQLite database. Suitable for
// single-node deployments; pass ":memory:" for tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates the
// schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The claim transaction assumes a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			subject TEXT NOT NULL,
			provider TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			token_type TEXT NOT NULL DEFAULT 'Bearer',
			expiry DATETIME NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			last_refreshed_at DATETIME NOT NULL,
			PRIMARY KEY (subject, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS queue_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subject TEXT NOT NULL,
			payload_key TEXT NOT NULL,
			payload BLOB NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'queued',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			next_attempt_at DATETIME,
			last_error TEXT NOT NULL DEFAULT '',
			queued_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			UNIQUE (subject, payload_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_claim
			ON queue_items(status, priority DESC, queued_at ASC)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration query: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) UpsertCredential(ctx context.Context, rec *CredentialRecord) error {
	query := `INSERT INTO credentials
		(subject, provider, access_token, refresh_token, token_type, expiry, scope, created_at, last_refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject, provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token = ''
				THEN credentials.refresh_token ELSE excluded.refresh_token END,
			token_type = excluded.token_type,
			expiry = excluded.expiry,
			scope = excluded.scope,
			last_refreshed_at = excluded.last_refreshed_at`

	_, err := s.db.ExecContext(ctx, query,
		rec.Subject, rec.Provider, rec.AccessToken, rec.RefreshToken,
		rec.TokenType, rec.Expiry.UTC(), rec.Scope, rec.CreatedAt.UTC(), rec.LastRefreshedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCredential(ctx context.Context, subject, provider string) (*CredentialRecord, error) {
	query := `SELECT subject, provider, access_token, refresh_token, token_type, expiry, scope, created_at, last_refreshed_at
		FROM credentials WHERE subject = ? AND provider = ?`

	rec := &CredentialRecord{}
	err := s.db.QueryRowContext(ctx, query, subject, provider).Scan(
		&rec.Subject, &rec.Provider, &rec.AccessToken, &rec.RefreshToken,
		&rec.TokenType, &rec.Expiry, &rec.Scope, &rec.CreatedAt, &rec.LastRefreshedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) DeleteCredential(ctx context.Context, subject, provider string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE subject = ? AND provider = ?`, subject, provider)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) EnqueueItem(ctx context.Context, item *QueueItem) (bool, error) {
	query := `INSERT INTO queue_items
		(subject, payload_key, payload, priority, status, attempts, max_attempts, next_attempt_at, queued_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, NULL, ?)
		ON CONFLICT (subject, payload_key) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query,
		item.Subject, item.PayloadKey, item.Payload, item.Priority,
		StatusQueued, item.MaxAttempts, item.QueuedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to enqueue item: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read enqueue result: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to get enqueued item id: %w", err)
	}
	item.ID = id
	item.Status = StatusQueued
	return true, nil
}

func (s *SQLiteStore) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]*QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT id, subject, payload_key, payload, priority, status, attempts, max_attempts,
			next_attempt_at, last_error, queued_at, started_at, completed_at
		FROM queue_items
		WHERE status = ?
			OR (status = ? AND attempts < max_attempts AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?)
		ORDER BY priority DESC, queued_at ASC
		LIMIT ?`

	rows, err := tx.QueryContext(ctx, query, StatusQueued, StatusFailed, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable items: %w", err)
	}

	items, err := scanQueueItems(rows)
	if err != nil {
		return nil, err
	}

	claimedAt := now.UTC()
	for _, item := range items {
		_, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET status = ?, attempts = attempts + 1, started_at = ? WHERE id = ?`,
			StatusProcessing, claimedAt, item.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim item %d: %w", item.ID, err)
		}
		item.Status = StatusProcessing
		item.Attempts++
		started := claimedAt
		item.StartedAt = &started
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) MarkItemCompleted(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, completed_at = ?, last_error = '' WHERE id = ?`,
		StatusCompleted, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark item %d completed: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) MarkItemFailed(ctx context.Context, id int64, lastError string, nextAttempt time.Time, terminal bool) error {
	var next interface{}
	if !terminal {
		next = nextAttempt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, last_error = ?, next_attempt_at = ? WHERE id = ?`,
		StatusFailed, lastError, next, id)
	if err != nil {
		return fmt.Errorf("failed to mark item %d failed: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) GetQueueItem(ctx context.Context, id int64) (*QueueItem, error) {
	query := `SELECT id, subject, payload_key, payload, priority, status, attempts, max_attempts,
			next_attempt_at, last_error, queued_at, started_at, completed_at
		FROM queue_items WHERE id = ?`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	items, err := scanQueueItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

func (s *SQLiteStore) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}

	query := `SELECT
		COUNT(CASE WHEN status = 'queued' THEN 1 END),
		COUNT(CASE WHEN status = 'processing' THEN 1 END),
		COUNT(CASE WHEN status = 'completed' THEN 1 END),
		COUNT(CASE WHEN status = 'failed' AND attempts < max_attempts THEN 1 END),
		COUNT(CASE WHEN status = 'failed' AND attempts >= max_attempts THEN 1 END),
		(SELECT queued_at FROM queue_items WHERE status = 'queued' ORDER BY queued_at LIMIT 1)
		FROM queue_items`

	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.Queued, &stats.Processing, &stats.Completed,
		&stats.FailedRetryable, &stats.FailedTerminal, &oldest)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	if oldest.Valid {
		t := oldest.Time
		stats.OldestQueuedAt = &t
	}
	return stats, nil
}

func (s *SQLiteStore) Health() error {
	return s.db.Ping()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanQueueItems(rows *sql.Rows) ([]*QueueItem, error) {
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item := &QueueItem{}
		var nextAttempt, started, completed sql.NullTime
		err := rows.Scan(&item.ID, &item.Subject, &item.PayloadKey, &item.Payload,
			&item.Priority, &item.Status, &item.Attempts, &item.MaxAttempts,
			&nextAttempt, &item.LastError, &item.QueuedAt, &started, &completed)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		if nextAttempt.Valid {
			item.NextAttemptAt = nextAttempt.Time
		}
		if started.Valid {
			t := started.Time
			item.StartedAt = &t
		}
		if completed.Valid {
			t := completed.Time
			item.CompletedAt = &t
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue items: %w", err)
	}
	return items, nil
}
