// Package app wires the credential and queue core together: config,
// cipher, storage, credential store, token manager, retry queue, and the
// optional Redis drain lock.
package app

import (
	"context"
	"fmt"

	"assistant-core/internal/common/logging"
	"assistant-core/internal/config"
	"assistant-core/internal/credentials"
	"assistant-core/internal/crypto"
	"assistant-core/internal/locks"
	"assistant-core/internal/oauth2"
	"assistant-core/internal/queue"
	"assistant-core/internal/redis"
	"assistant-core/internal/resilience"
	"assistant-core/internal/storage"
)

// App is the composition root. Callers reach the core through Manager
// (tokens), Queue (deferred work) and Credentials (direct store access for
// the authorization callback that saves the initial grant).
type App struct {
	config  *config.Config
	logger  logging.Logger
	store   storage.Store
	creds   *credentials.Store
	manager *oauth2.Manager
	queue   *queue.Queue
	redis   *redis.Client
	locks   *locks.Manager
}

// New validates cfg and wires the full stack. handler executes claimed
// queue items; nil selects the default handler, which walks the token path
// for the item's subject before acknowledging the work.
func New(cfg *config.Config, handler queue.Handler, logger logging.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	cipher, err := crypto.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	store, err := storage.New(storage.Config{
		Type:             cfg.DatabaseType,
		Path:             cfg.DatabasePath,
		PostgresHost:     cfg.PostgresHost,
		PostgresPort:     cfg.PostgresPort,
		PostgresDB:       cfg.PostgresDB,
		PostgresUser:     cfg.PostgresUser,
		PostgresPassword: cfg.PostgresPassword,
		PostgresSSLMode:  cfg.PostgresSSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	creds := credentials.NewStore(cipher, store)

	provider := oauth2.NewProviderClient(oauth2.ProviderConfig{
		TokenURL:     cfg.OAuthTokenURL,
		RevokeURL:    cfg.OAuthRevokeURL,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		Timeout:      cfg.OAuthTimeout,
	})

	manager := oauth2.NewManager(creds, provider, oauth2.Config{
		RefreshBuffer: cfg.TokenRefreshBuffer,
	}, logger)

	a := &App{
		config:  cfg,
		logger:  logger,
		store:   store,
		creds:   creds,
		manager: manager,
	}

	if cfg.RedisAddress != "" {
		if err := a.initCoordination(); err != nil {
			a.Close()
			return nil, err
		}
	}

	if handler == nil {
		handler = &workHandler{manager: manager, logger: logger}
	}

	a.queue = queue.New(store, handler, queue.Config{
		DrainInterval: cfg.QueueDrainInterval,
		BatchSize:     cfg.QueueDrainBatch,
		MaxAttempts:   cfg.QueueMaxAttempts,
		Retry: resilience.Config{
			MaxAttempts:  cfg.UpstreamMaxAttempts,
			BaseDelay:    cfg.UpstreamBaseDelay,
			MaxDelay:     resilience.DefaultConfig().MaxDelay,
			JitterFactor: resilience.DefaultConfig().JitterFactor,
		},
	}, a.locks, logger)

	return a, nil
}

// initCoordination connects Redis and the distributed lock manager used to
// keep queue drains exclusive across nodes.
func (a *App) initCoordination() error {
	redisDB := 0
	fmt.Sscanf(a.config.RedisDB, "%d", &redisDB)

	client, err := redis.NewClient(&redis.Config{
		Address:  a.config.RedisAddress,
		Password: a.config.RedisPassword,
		DB:       redisDB,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.redis = client

	lockManager, err := locks.NewManager(client)
	if err != nil {
		return err
	}
	a.locks = lockManager

	a.logger.Info("Distributed drain lock enabled",
		logging.String("redis_address", a.config.RedisAddress),
	)
	return nil
}

// Run starts the queue drain schedule and blocks until ctx is cancelled,
// then shuts down cleanly.
func (a *App) Run(ctx context.Context) error {
	if err := a.queue.Start(); err != nil {
		return err
	}

	a.logger.Info("Assistant core running",
		logging.String("database", a.config.DatabaseType),
		logging.Duration("drain_interval", a.config.QueueDrainInterval),
	)

	<-ctx.Done()

	a.logger.Info("Shutting down")
	a.queue.Stop()
	return a.Close()
}

// Close releases every resource the app holds. Safe to call more than once.
func (a *App) Close() error {
	var firstErr error

	if a.locks != nil {
		if err := a.locks.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.locks = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.redis = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.store = nil
	}
	return firstErr
}

// Manager exposes the token lifecycle manager.
func (a *App) Manager() *oauth2.Manager {
	return a.manager
}

// Queue exposes the retry queue.
func (a *App) Queue() *queue.Queue {
	return a.queue
}

// Credentials exposes the credential store. The authorization callback uses
// it to save the initial grant; everything after that goes through Manager.
func (a *App) Credentials() *credentials.Store {
	return a.creds
}
