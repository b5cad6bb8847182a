// Package storage defines the persistence contract for the credential and
// retry-queue core, and a factory over its backends (SQLite, PostgreSQL,
// in-memory).
//
// The storage layer deals in ciphertext: token fields on CredentialRecord are
// opaque encrypted envelopes. Encryption and decryption belong to the
// credentials package above this one.
package storage

import (
	"context"
	"sort"
	"time"
)

// Queue item statuses. Transitions are monotonic:
// queued -> processing -> completed, or
// queued -> processing -> failed -> (reselected) -> processing -> ...
// A failed item whose attempts have reached max_attempts is terminal and is
// never selected again.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// CredentialRecord is one stored credential per (subject, provider).
// AccessToken and RefreshToken are ciphertext envelopes, never plaintext.
type CredentialRecord struct {
	Subject         string
	Provider        string
	AccessToken     string // encrypted
	RefreshToken    string // encrypted, empty when the provider issued none
	TokenType       string
	Expiry          time.Time
	Scope           string
	CreatedAt       time.Time
	LastRefreshedAt time.Time
}

// QueueItem is one unit of deferred work.
type QueueItem struct {
	ID            int64
	Subject       string
	PayloadKey    string // stable identity for duplicate suppression
	Payload       []byte // opaque work payload
	Priority      int    // higher drains sooner
	Status        string
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	LastError     string
	QueuedAt      time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// QueueStats summarizes queue state for observability.
type QueueStats struct {
	Queued          int        `json:"queued"`
	Processing      int        `json:"processing"`
	Completed       int        `json:"completed"`
	FailedRetryable int        `json:"failed_retryable"`
	FailedTerminal  int        `json:"failed_terminal"`
	OldestQueuedAt  *time.Time `json:"oldest_queued_at,omitempty"`
}

// Store is the persistence contract consumed by the credential store and the
// retry queue.
type Store interface {
	// UpsertCredential inserts or updates the credential row keyed by
	// (subject, provider). On conflict the access token, token type, scope,
	// expiry and last-refreshed timestamp are overwritten unconditionally; the
	// stored refresh token is preserved when the incoming record's is empty,
	// since providers often omit the refresh token on subsequent grants.
	UpsertCredential(ctx context.Context, rec *CredentialRecord) error

	// GetCredential returns the credential for (subject, provider), or
	// (nil, nil) when no row exists.
	GetCredential(ctx context.Context, subject, provider string) (*CredentialRecord, error)

	// DeleteCredential removes the credential row. Deleting a missing row is
	// not an error.
	DeleteCredential(ctx context.Context, subject, provider string) error

	// EnqueueItem inserts item in queued status unless a row already exists
	// for (subject, payload_key). Returns false, nil on duplicate.
	EnqueueItem(ctx context.Context, item *QueueItem) (bool, error)

	// ClaimBatch atomically selects up to limit eligible items (queued, or
	// failed with attempts below max and next_attempt_at at or before now)
	// ordered by priority descending then queued_at ascending, marks each
	// processing, increments its attempt count and stamps started_at. The
	// returned items reflect the post-claim state.
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]*QueueItem, error)

	// MarkItemCompleted transitions a processing item to completed.
	MarkItemCompleted(ctx context.Context, id int64, at time.Time) error

	// MarkItemFailed transitions a processing item to failed, recording the
	// error and the next-eligible time. Terminal failures are excluded from
	// all future claims regardless of next_attempt_at.
	MarkItemFailed(ctx context.Context, id int64, lastError string, nextAttempt time.Time, terminal bool) error

	// GetQueueItem returns an item by ID, or (nil, nil) when absent.
	GetQueueItem(ctx context.Context, id int64) (*QueueItem, error)

	// GetQueueStats returns per-status counts and the oldest queued timestamp.
	GetQueueStats(ctx context.Context) (*QueueStats, error)

	Health() error
	Close() error
}

// sortByClaimOrder orders items highest priority first, oldest queued_at
// first within a priority. Backends whose claim statement cannot guarantee
// the order of returned rows apply it before handing the batch out.
func sortByClaimOrder(items []*QueueItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].QueuedAt.Before(items[j].QueuedAt)
	})
}
