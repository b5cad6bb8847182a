// Package locks provides distributed locking over Redis using the Redlock
// algorithm from go-redsync/redsync/v4. The queue uses it to keep drain
// cycles exclusive across nodes; within a single process the queue's own
// atomic guard already prevents overlap, so this package only matters for
// multi-node deployments.
package locks

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"assistant-core/internal/common/errors"
	"assistant-core/internal/redis"
)

// ErrNotAcquired is returned when another holder already owns the lock.
// Callers treat it as "someone else is doing the work", not as a failure.
var ErrNotAcquired = stderrors.New("lock already held")

// Lock is a held distributed lock.
type Lock interface {
	Key() string
	Release(ctx context.Context) error
	IsHeld() bool
}

// Manager acquires and renews distributed locks.
type Manager struct {
	redsync *redsync.Redsync
	held    map[string]*redsyncLock
	mutex   sync.RWMutex
}

type redsyncLock struct {
	mutex      *redsync.Mutex
	key        string
	expiration time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	manager    *Manager
}

// NewManager creates a lock manager over the given Redis client.
func NewManager(redisClient *redis.Client) (*Manager, error) {
	if redisClient == nil {
		return nil, errors.ConfigError("redis client is required for distributed locking")
	}

	pool := goredis.NewPool(redisClient.GetGoRedisClient())
	return &Manager{
		redsync: redsync.New(pool),
		held:    make(map[string]*redsyncLock),
	}, nil
}

// AcquireLock attempts to take the named lock. The lock is renewed in the
// background at a third of its expiration until released. A lock held by
// another owner returns ErrNotAcquired.
func (m *Manager) AcquireLock(ctx context.Context, key string, expiration time.Duration) (Lock, error) {
	mutex := m.redsync.NewMutex(fmt.Sprintf("lock:%s", key),
		redsync.WithExpiry(expiration),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if stderrors.As(err, &taken) || stderrors.Is(err, redsync.ErrFailed) {
			return nil, ErrNotAcquired
		}
		return nil, errors.InternalError("failed to acquire distributed lock", err)
	}

	lockCtx, cancel := context.WithCancel(context.Background())
	lock := &redsyncLock{
		mutex:      mutex,
		key:        key,
		expiration: expiration,
		ctx:        lockCtx,
		cancel:     cancel,
		manager:    m,
	}

	m.mutex.Lock()
	m.held[key] = lock
	m.mutex.Unlock()

	go m.renewLock(lock)

	return lock, nil
}

// AcquireDrainLock takes the queue's drain lock, keeping drain cycles
// exclusive across nodes. The expiration outlives a normal drain cycle;
// renewal covers the abnormal ones.
func (m *Manager) AcquireDrainLock(ctx context.Context, queueName string) (Lock, error) {
	return m.AcquireLock(ctx, fmt.Sprintf("drain:%s", queueName), 30*time.Second)
}

func (m *Manager) renewLock(lock *redsyncLock) {
	renewInterval := lock.expiration / 3
	if renewInterval < time.Second {
		renewInterval = time.Second
	}

	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lock.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := lock.mutex.ExtendContext(ctx)
			cancel()

			if err != nil || !ok {
				m.releaseLock(lock)
				return
			}
		}
	}
}

func (m *Manager) releaseLock(lock *redsyncLock) {
	m.mutex.Lock()
	delete(m.held, lock.key)
	m.mutex.Unlock()

	lock.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lock.mutex.UnlockContext(ctx)
}

// Close releases every lock this manager still holds.
func (m *Manager) Close() error {
	m.mutex.Lock()
	locks := make([]*redsyncLock, 0, len(m.held))
	for _, lock := range m.held {
		locks = append(locks, lock)
	}
	m.mutex.Unlock()

	for _, lock := range locks {
		m.releaseLock(lock)
	}
	return nil
}

func (l *redsyncLock) Key() string {
	return l.key
}

func (l *redsyncLock) Release(ctx context.Context) error {
	l.manager.releaseLock(l)
	return nil
}

func (l *redsyncLock) IsHeld() bool {
	select {
	case <-l.ctx.Done():
		return false
	default:
		return true
	}
}
