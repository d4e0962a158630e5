package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/riftwatch/killwatch/internal/alert"
	"github.com/riftwatch/killwatch/internal/cache"
	"github.com/riftwatch/killwatch/internal/config"
	"github.com/riftwatch/killwatch/internal/dedup"
	"github.com/riftwatch/killwatch/internal/domain/event"
	"github.com/riftwatch/killwatch/internal/domain/model"
	"github.com/riftwatch/killwatch/internal/feed"
	"github.com/riftwatch/killwatch/internal/health"
	"github.com/riftwatch/killwatch/internal/notify"
	"github.com/riftwatch/killwatch/internal/pipeline"
	"github.com/riftwatch/killwatch/internal/pipeline/enricher"
	"github.com/riftwatch/killwatch/internal/pipeline/persister"
	"github.com/riftwatch/killwatch/internal/refdata"
	"github.com/riftwatch/killwatch/internal/store/postgres"
	redisstore "github.com/riftwatch/killwatch/internal/store/redis"
	"github.com/riftwatch/killwatch/internal/tracing"
	"github.com/riftwatch/killwatch/internal/tracking"
)

const migrationsDir = "internal/store/postgres/migrations"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && ctx.Err() == nil {
		logger.Error("watcher exited", "error", err)
		os.Exit(1)
	}
	logger.Info("watcher stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(ctx, "killwatch", tracingEndpoint, cfg.Tracing.Insecure)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.RunMigrations(migrationsDir); err != nil {
		return err
	}

	killmailRepo := postgres.NewKillmailRepo(db)
	trackedRepo := postgres.NewTrackedEntityRepo(db)

	if cfg.Tracking.SeedFile != "" {
		if err := tracking.SeedFromFile(ctx, trackedRepo, cfg.Tracking.SeedFile); err != nil {
			return err
		}
		logger.Info("tracking seed applied", "file", cfg.Tracking.SeedFile)
	}

	// Claims survive restarts only when Redis is configured; with the
	// in-memory store the database unique constraint still prevents
	// duplicate rows, only notifications may repeat after a restart.
	var dedupStore dedup.Store
	if cfg.Redis.URL != "" {
		rds, err := redisstore.NewDedupStore(cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rds.Close()
		dedupStore = rds
		logger.Info("dedup store", "backend", "redis")
	} else {
		dedupStore = dedup.NewMemoryStore()
		logger.Info("dedup store", "backend", "memory")
	}
	guard := dedup.NewGuard(dedupStore, cfg.Pipeline.DedupTTL)

	resolver := refdata.NewClient(refdata.Config{
		BaseURL:       cfg.RefData.BaseURL,
		Timeout:       cfg.RefData.Timeout,
		RatePerSecond: cfg.RefData.RatePerSecond,
		RateBurst:     cfg.RefData.RateBurst,
	}, logger)
	nameCache := cache.New[model.EntityRef, string](cfg.RefData.CacheCapacity, cfg.RefData.CacheTTL)
	enr := enricher.New(resolver, nameCache, logger,
		enricher.WithLookupTimeout(cfg.RefData.Timeout),
	)

	var channels []alert.Channel
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackChannel(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel(cfg.Alert.WebhookURL))
	}
	alerter := alert.New(logger, channels, alert.WithCooldown(cfg.Alert.Cooldown))

	pers := persister.New(killmailRepo, alerter, logger,
		persister.WithTimeout(cfg.Pipeline.PersistTimeout),
		persister.WithRetries(cfg.Pipeline.PersistRetries, time.Duration(cfg.Pipeline.PersistBackoffMs)*time.Millisecond),
	)

	dispatcher := notify.New(cfg.Dispatch.URL, logger,
		notify.WithTimeout(cfg.Dispatch.Timeout),
	)

	registry := tracking.NewRegistry(trackedRepo, cfg.Tracking.RefreshInterval, logger)

	tracker := health.NewTracker()
	feedHealth := alert.NewFeedHealth(alerter)
	events := make(chan event.RawKillEvent, cfg.Pipeline.QueueSize)

	listener := feed.New(cfg.Feed.URL, cfg.Feed.Channel, events, logger,
		feed.WithAuthToken(cfg.Feed.AuthToken),
		feed.WithBackoff(cfg.Feed.BackoffInitial, cfg.Feed.BackoffMax),
		feed.WithPingInterval(cfg.Feed.PingInterval),
		feed.WithStateFunc(func(state feed.ConnState) {
			connected := state == feed.StateConnected
			tracker.SetFeedConnected(connected)
			if connected {
				feedHealth.Connected(ctx)
			} else {
				feedHealth.Disconnected(ctx)
			}
		}),
	)

	pipe := pipeline.New(events, guard, enr, registry, pers, dispatcher, logger,
		pipeline.WithWorkers(cfg.Pipeline.Workers),
		pipeline.WithEventBudget(cfg.Pipeline.EventBudget),
		pipeline.WithEventObserver(tracker.MarkEvent),
		pipeline.WithOutcomeObserver(tracker.MarkOutcome),
		pipeline.WithAlerter(alerter),
	)

	healthSrv := health.NewServer(cfg.Server.HealthPort, tracker, logger)

	logger.Info("watcher starting",
		"feed_url", cfg.Feed.URL,
		"channel", cfg.Feed.Channel,
		"workers", cfg.Pipeline.Workers,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Run(ctx) })
	g.Go(func() error { return pipe.Run(ctx) })
	g.Go(func() error { return registry.Run(ctx) })
	g.Go(func() error { return healthSrv.Run(ctx) })
	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
