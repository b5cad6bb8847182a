package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over a PostgreSQL pool. Claims use
// FOR UPDATE SKIP LOCKED so concurrent drains on different nodes cannot
// double-claim an item even without the drain lock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the given DSN and migrates the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			subject TEXT NOT NULL,
			provider TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			token_type TEXT NOT NULL DEFAULT 'Bearer',
			expiry TIMESTAMPTZ NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			last_refreshed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (subject, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS queue_items (
			id BIGSERIAL PRIMARY KEY,
			subject TEXT NOT NULL,
			payload_key TEXT NOT NULL,
			payload BYTEA NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'queued',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			next_attempt_at TIMESTAMPTZ,
			last_error TEXT NOT NULL DEFAULT '',
			queued_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			UNIQUE (subject, payload_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_claim
			ON queue_items (priority DESC, queued_at ASC)
			WHERE status IN ('queued', 'failed')`,
	}

	for _, query := range queries {
		if _, err := s.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute migration query: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) UpsertCredential(ctx context.Context, rec *CredentialRecord) error {
	query := `INSERT INTO credentials
		(subject, provider, access_token, refresh_token, token_type, expiry, scope, created_at, last_refreshed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (subject, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = CASE WHEN EXCLUDED.refresh_token = ''
				THEN credentials.refresh_token ELSE EXCLUDED.refresh_token END,
			token_type = EXCLUDED.token_type,
			expiry = EXCLUDED.expiry,
			scope = EXCLUDED.scope,
			last_refreshed_at = EXCLUDED.last_refreshed_at`

	_, err := s.pool.Exec(ctx, query,
		rec.Subject, rec.Provider, rec.AccessToken, rec.RefreshToken,
		rec.TokenType, rec.Expiry, rec.Scope, rec.CreatedAt, rec.LastRefreshedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCredential(ctx context.Context, subject, provider string) (*CredentialRecord, error) {
	query := `SELECT subject, provider, access_token, refresh_token, token_type, expiry, scope, created_at, last_refreshed_at
		FROM credentials WHERE subject = $1 AND provider = $2`

	rec := &CredentialRecord{}
	err := s.pool.QueryRow(ctx, query, subject, provider).Scan(
		&rec.Subject, &rec.Provider, &rec.AccessToken, &rec.RefreshToken,
		&rec.TokenType, &rec.Expiry, &rec.Scope, &rec.CreatedAt, &rec.LastRefreshedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, subject, provider string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE subject = $1 AND provider = $2`, subject, provider)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnqueueItem(ctx context.Context, item *QueueItem) (bool, error) {
	query := `INSERT INTO queue_items
		(subject, payload_key, payload, priority, status, attempts, max_attempts, queued_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
		ON CONFLICT (subject, payload_key) DO NOTHING
		RETURNING id`

	err := s.pool.QueryRow(ctx, query,
		item.Subject, item.PayloadKey, item.Payload, item.Priority,
		StatusQueued, item.MaxAttempts, item.QueuedAt).Scan(&item.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to enqueue item: %w", err)
	}
	item.Status = StatusQueued
	return true, nil
}

func (s *PostgresStore) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]*QueueItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `UPDATE queue_items SET
			status = $1,
			attempts = attempts + 1,
			started_at = $2
		WHERE id IN (
			SELECT id FROM queue_items
			WHERE status = $3
				OR (status = $4 AND attempts < max_attempts AND next_attempt_at IS NOT NULL AND next_attempt_at <= $2)
			ORDER BY priority DESC, queued_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, subject, payload_key, payload, priority, status, attempts, max_attempts,
			next_attempt_at, last_error, queued_at, started_at, completed_at`

	rows, err := tx.Query(ctx, query, StatusProcessing, now, StatusQueued, StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim items: %w", err)
	}

	items, err := scanPgxQueueItems(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}

	// UPDATE ... RETURNING does not preserve the subquery's ORDER BY.
	sortByClaimOrder(items)
	return items, nil
}

func (s *PostgresStore) MarkItemCompleted(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE queue_items SET status = $1, completed_at = $2, last_error = '' WHERE id = $3`,
		StatusCompleted, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark item %d completed: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) MarkItemFailed(ctx context.Context, id int64, lastError string, nextAttempt time.Time, terminal bool) error {
	var next *time.Time
	if !terminal {
		next = &nextAttempt
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE queue_items SET status = $1, last_error = $2, next_attempt_at = $3 WHERE id = $4`,
		StatusFailed, lastError, next, id)
	if err != nil {
		return fmt.Errorf("failed to mark item %d failed: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) GetQueueItem(ctx context.Context, id int64) (*QueueItem, error) {
	query := `SELECT id, subject, payload_key, payload, priority, status, attempts, max_attempts,
			next_attempt_at, last_error, queued_at, started_at, completed_at
		FROM queue_items WHERE id = $1`

	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	items, err := scanPgxQueueItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

func (s *PostgresStore) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}

	query := `SELECT
		COUNT(*) FILTER (WHERE status = 'queued'),
		COUNT(*) FILTER (WHERE status = 'processing'),
		COUNT(*) FILTER (WHERE status = 'completed'),
		COUNT(*) FILTER (WHERE status = 'failed' AND attempts < max_attempts),
		COUNT(*) FILTER (WHERE status = 'failed' AND attempts >= max_attempts),
		MIN(queued_at) FILTER (WHERE status = 'queued')
		FROM queue_items`

	var oldest sql.NullTime
	err := s.pool.QueryRow(ctx, query).Scan(
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

func (s *PostgresStore) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgxQueueItems(rows pgx.Rows) ([]*QueueItem, error) {
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item := &QueueItem{}
		var nextAttempt, started, completed *time.Time
		err := rows.Scan(&item.ID, &item.Subject, &item.PayloadKey, &item.Payload,
			&item.Priority, &item.Status, &item.Attempts, &item.MaxAttempts,
			&nextAttempt, &item.LastError, &item.QueuedAt, &started, &completed)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		if nextAttempt != nil {
			item.NextAttemptAt = *nextAttempt
		}
		item.StartedAt = started
		item.CompletedAt = completed
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue items: %w", err)
	}
	return items, nil
}
