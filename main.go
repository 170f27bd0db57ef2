package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/Vantage/vantage-books-sync/config"
	"github.com/Vantage/vantage-books-sync/freshness"
	"github.com/Vantage/vantage-books-sync/internal/database"
	"github.com/Vantage/vantage-books-sync/oauth"
	"github.com/Vantage/vantage-books-sync/pkg/encryption"
	"github.com/Vantage/vantage-books-sync/qbapi"
	redisqueue "github.com/Vantage/vantage-books-sync/redis"
	redisconfig "github.com/Vantage/vantage-books-sync/redis/config"
	"github.com/Vantage/vantage-books-sync/redis/tasks"
	"github.com/Vantage/vantage-books-sync/statecache"
	"github.com/Vantage/vantage-books-sync/syncer"
	"github.com/Vantage/vantage-books-sync/web"
	"github.com/Vantage/vantage-books-sync/webhook"
)

const schedulerTick = time.Minute

func main() {
	_ = godotenv.Load() // Load .env file if present

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}

	redisCfg, err := redisconfig.NewRedisConfig()
	if err != nil {
		return err
	}

	engine, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{})
	if err != nil {
		return err
	}

	db, err := database.New(engine, logger)
	if err != nil {
		return err
	}

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     redisCfg.GetRedisAddr(),
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	defer func() { _ = redisClient.Close() }()

	stateCache, err := statecache.NewRedisCache(ctx, redisClient, "qbsync")
	if err != nil {
		return err
	}

	enc, err := encryption.NewAESGCM(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	oauthSvc := oauth.NewService(cfg, stateCache, db, enc, logger)
	apiClient := qbapi.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout, logger)

	queueClient, err := redisqueue.NewClient(redisCfg)
	if err != nil {
		return err
	}
	defer func() { _ = queueClient.Close() }()

	syncEngine := syncer.New(db, oauthSvc, apiClient, logger,
		syncer.WithEnqueuer(queueClient),
		syncer.WithPageSize(cfg.PageSize),
	)

	worker, err := redisqueue.NewServer(redisCfg, logger)
	if err != nil {
		return err
	}

	handler := tasks.NewHandler(syncEngine, tasks.WithLogger(logger))

	hooks := webhook.NewProcessor(db, syncEngine, logger)
	fresh := freshness.New(db, logger)
	scheduler := syncer.NewScheduler(db, syncEngine, logger, schedulerTick)
	webSrv := web.NewServer(cfg.ListenAddr, oauthSvc, syncEngine, db, fresh, hooks, logger)

	logger.Info("starting service",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Int("workers", redisCfg.Workers))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return webSrv.Start(ctx)
	})

	g.Go(func() error {
		return scheduler.Run(ctx)
	})

	g.Go(func() error {
		if err := worker.Start(ctx, handler.Mux()); err != nil {
			return err
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return worker.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
