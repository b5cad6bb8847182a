package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
// Nothing survives a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string]*CredentialRecord
	items       map[int64]*QueueItem
	nextID      int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]*CredentialRecord),
		items:       make(map[int64]*QueueItem),
		nextID:      1,
	}
}

func credentialKey(subject, provider string) string {
	return subject + "|" + provider
}

func (s *MemoryStore) UpsertCredential(_ context.Context, rec *CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := credentialKey(rec.Subject, rec.Provider)
	stored := *rec
	if existing, ok := s.credentials[key]; ok {
		stored.CreatedAt = existing.CreatedAt
		if stored.RefreshToken == "" {
			stored.RefreshToken = existing.RefreshToken
		}
	}
	s.credentials[key] = &stored
	return nil
}

func (s *MemoryStore) GetCredential(_ context.Context, subject, provider string) (*CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.credentials[credentialKey(subject, provider)]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (s *MemoryStore) DeleteCredential(_ context.Context, subject, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.credentials, credentialKey(subject, provider))
	return nil
}

func (s *MemoryStore) EnqueueItem(_ context.Context, item *QueueItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.items {
		if existing.Subject == item.Subject && existing.PayloadKey == item.PayloadKey {
			return false, nil
		}
	}

	stored := *item
	stored.ID = s.nextID
	s.nextID++
	stored.Status = StatusQueued
	stored.Attempts = 0
	s.items[stored.ID] = &stored

	item.ID = stored.ID
	item.Status = StatusQueued
	return true, nil
}

func (s *MemoryStore) ClaimBatch(_ context.Context, limit int, now time.Time) ([]*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*QueueItem
	for _, item := range s.items {
		switch item.Status {
		case StatusQueued:
			eligible = append(eligible, item)
		case StatusFailed:
			if item.Attempts < item.MaxAttempts && !item.NextAttemptAt.IsZero() && !item.NextAttemptAt.After(now) {
				eligible = append(eligible, item)
			}
		}
	}

	sortByClaimOrder(eligible)

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]*QueueItem, 0, len(eligible))
	for _, item := range eligible {
		item.Status = StatusProcessing
		item.Attempts++
		started := now
		item.StartedAt = &started

		copied := *item
		claimed = append(claimed, &copied)
	}
	return claimed, nil
}

func (s *MemoryStore) MarkItemCompleted(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.items[id]; ok {
		item.Status = StatusCompleted
		completed := at
		item.CompletedAt = &completed
		item.LastError = ""
	}
	return nil
}

func (s *MemoryStore) MarkItemFailed(_ context.Context, id int64, lastError string, nextAttempt time.Time, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.items[id]; ok {
		item.Status = StatusFailed
		item.LastError = lastError
		if terminal {
			item.NextAttemptAt = time.Time{}
		} else {
			item.NextAttemptAt = nextAttempt
		}
	}
	return nil
}

func (s *MemoryStore) GetQueueItem(_ context.Context, id int64) (*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	copied := *item
	return &copied, nil
}

func (s *MemoryStore) GetQueueStats(_ context.Context) (*QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &QueueStats{}
	for _, item := range s.items {
		switch item.Status {
		case StatusQueued:
			stats.Queued++
			if stats.OldestQueuedAt == nil || item.QueuedAt.Before(*stats.OldestQueuedAt) {
				queued := item.QueuedAt
				stats.OldestQueuedAt = &queued
			}
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			if item.Attempts < item.MaxAttempts {
				stats.FailedRetryable++
			} else {
				stats.FailedTerminal++
			}
		}
	}
	return stats, nil
}

func (s *MemoryStore) Health() error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
