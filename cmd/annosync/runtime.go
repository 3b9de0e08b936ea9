package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"annosync/internal/app"
	"annosync/internal/cache"
	"annosync/internal/config"
	"annosync/internal/docstore"
	"annosync/internal/history"
	"annosync/internal/journal"
	"annosync/internal/logging"
	"annosync/internal/mediator"
	"annosync/internal/metrics"
	"annosync/internal/realtime"
	"annosync/internal/search"
	"annosync/internal/syncclient"
)

// runtime is every backend a command may need. close releases them in
// reverse order.
type runtime struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	client  *syncclient.Client
	service *app.Service

	closers []func()
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	_ = r.logger.Sync()
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadEnvFile(envFile); err != nil {
		return config.Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg := config.Load()
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

// newRuntime wires the configured backends. Optional backends left
// unconfigured fall back to their in-process versions.
func newRuntime(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	policy, err := mediator.ParseRemovePolicy(cfg.RemovePolicy)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			rt.close()
		}
	}()

	retry := syncclient.DefaultRetryPolicy()
	retry.MaxRetries = cfg.RetryMax
	retry.InitialDelay = cfg.RetryInitialDelay
	clientOpts := []syncclient.Option{
		syncclient.WithTimeout(cfg.HTTPTimeout),
		syncclient.WithRetryPolicy(retry),
		syncclient.WithLogger(logger.Named("syncclient")),
		syncclient.WithMetrics(rt.metrics),
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		clientOpts = append(clientOpts, syncclient.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)))
	}
	rt.client = syncclient.New(clientOpts...)

	opts := app.Options{
		Policy:   policy,
		Metrics:  rt.metrics,
		Logger:   logger,
		Realtime: realtime.NewClient,
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		store, err := cache.NewRedisStore(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = store.Close() })
		opts.Cache = store
		opts.Checks = append(opts.Checks, app.Check{Name: "redis", Ping: store.Ping})
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		store, err := docstore.NewMinioStore(ctx, docstore.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("minio: %w", err)
		}
		opts.Docs = store
	} else if cfg.DocumentsDir != "" {
		store, err := docstore.NewFSStore(cfg.DocumentsDir)
		if err != nil {
			return nil, fmt.Errorf("documents dir: %w", err)
		}
		opts.Docs = store
	}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := journal.Open(ctx, cfg.DatabaseURL, cfg.MigrationsDir)
		if err != nil {
			return nil, fmt.Errorf("journal database: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		opts.Journal = journal.NewPostgresJournal(db)
		opts.Checks = append(opts.Checks, app.Check{Name: "database", Ping: db.PingContext})
	} else {
		logger.Info("DATABASE_URL not set, sync journal kept in memory")
		opts.Journal = journal.NewMemory()
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Named("search"))
		rt.closers = append(rt.closers, meili.Close)
	}
	opts.Search = search.NewService(meili, logger.Named("search"))

	if cfg.HistoryDir != "" {
		opts.History = history.New(cfg.HistoryDir)
	}

	rt.service = app.New(rt.client, opts)
	rt.closers = append(rt.closers, rt.service.Close)
	ok = true
	return rt, nil
}

// sessionURL takes the first argument, falling back to ANNOSYNC_SESSION_URL.
func sessionURL(cfg config.Config, args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	if cfg.SessionURL != "" {
		return cfg.SessionURL, nil
	}
	return "", fmt.Errorf("session url required (argument or ANNOSYNC_SESSION_URL)")
}
