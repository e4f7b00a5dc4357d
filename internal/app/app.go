// Package app assembles the services from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"voiceslot/internal/config"
	"voiceslot/internal/crypto"
	"voiceslot/internal/ledger"
	"voiceslot/internal/metrics"
	"voiceslot/internal/mirror"
	"voiceslot/internal/orchestrator"
	"voiceslot/internal/providers/registry"
	"voiceslot/internal/queue"
	"voiceslot/internal/quota"
	"voiceslot/internal/slots"
	"voiceslot/internal/storage"
	"voiceslot/internal/voice"
	"voiceslot/internal/worker"
)

type App struct {
	Store        *storage.Store
	Redis        *redis.Client
	Queue        *queue.StreamQueue
	Quota        *quota.Service
	Slots        *slots.Service
	Ledger       *ledger.Service
	Mirror       *mirror.Projector
	Orchestrator *orchestrator.Orchestrator
	Worker       *worker.Worker

	cfg    *config.Config
	logger zerolog.Logger
}

// Build opens storage and redis and wires every service. The caller owns the
// returned App and must Close it.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = store.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	a, err := wire(ctx, cfg, store, rdb, logger)
	if err != nil {
		_ = store.Close()
		_ = rdb.Close()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, cfg *config.Config, store *storage.Store, rdb *redis.Client, logger zerolog.Logger) (*App, error) {
	var keyring *crypto.Keyring
	if cfg.Crypto.Enabled() {
		k, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			return nil, fmt.Errorf("initialize keyring: %w", err)
		}
		keyring = k
	}

	provider, err := registry.Build(registry.BuildOptions{
		Kind:    cfg.Provider.Kind,
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Headers: cfg.Provider.Headers,
		RPS:     cfg.Provider.RPS,
		Burst:   cfg.Provider.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("build provider: %w", err)
	}

	m := metrics.Global()
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock).
		WithLogger(logger)

	a := &App{
		Store:  store,
		Redis:  rdb,
		Queue:  jobQueue,
		cfg:    cfg,
		logger: logger,
	}
	a.Quota = quota.New(quota.Config{
		Store:        store,
		Keyring:      keyring,
		DefaultSlots: cfg.Slots.DefaultSlots,
		Logger:       logger,
	})
	a.Mirror = mirror.New(mirror.Config{
		Store:     store,
		Queue:     jobQueue,
		Gate:      queue.NewDeduplicator(rdb, cfg.Redis.DedupeTTL),
		Language:  cfg.Slots.Language,
		CacheSize: cfg.Catalog.CacheSize,
		CacheTTL:  cfg.Catalog.CacheTTL,
		Logger:    logger,
		Metrics:   m,
	})
	a.Slots = slots.New(slots.Config{
		Store:          store,
		Mirror:         a.Mirror,
		PreferredModel: cfg.Slots.PreferredModel,
		CloneLimit:     cfg.Slots.CloneLimit,
		Logger:         logger,
	})
	a.Ledger = ledger.New(ledger.Config{
		Store:    store,
		Location: cfg.Ledger.Location,
		Logger:   logger,
	})
	a.Orchestrator = orchestrator.New(orchestrator.Config{
		Quota:           a.Quota,
		Slots:           a.Slots,
		Ledger:          a.Ledger,
		Mirror:          a.Mirror,
		Provider:        provider,
		Limiter:         queue.NewRateLimiter(rdb, cfg.Rate.PerHour),
		ProviderTimeout: cfg.Provider.Timeout,
		Logger:          logger,
		Metrics:         m,
	})
	a.Worker = worker.New(worker.Config{
		Queue:         jobQueue,
		Processor:     a.Mirror,
		MaxJobRetries: cfg.Worker.MaxRetries,
		Logger:        logger,
		Metrics:       m,
	})

	if err := a.SeedModels(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// SeedModels upserts the configured models into the model registry.
func (a *App) SeedModels(ctx context.Context) error {
	for i, mc := range a.cfg.Models {
		name := mc.Name
		if name == "" {
			name = mc.ID
		}
		sort := mc.Sort
		if sort == 0 {
			sort = i + 1
		}
		err := a.Store.UpsertModel(ctx, voice.Model{
			ID:        mc.ID,
			Name:      name,
			IsEnabled: !mc.Disabled,
			IsDefault: mc.Default,
			Sort:      sort,
		})
		if err != nil {
			return fmt.Errorf("seed model %s: %w", mc.ID, err)
		}
	}
	if n := len(a.cfg.Models); n > 0 {
		a.logger.Info().Int("models", n).Msg("model registry seeded")
	}
	return nil
}

// Handler serves the health and metrics endpoints.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.HTTP.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Store.Ping(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("health check: database unreachable")
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.logger.Warn().Err(err).Msg("health check: redis unreachable")
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(a.cfg.HTTP.MetricsPath, promhttp.Handler())
	return mux
}

func (a *App) Close() error {
	rerr := a.Redis.Close()
	if err := a.Store.Close(); err != nil {
		return err
	}
	return rerr
}
