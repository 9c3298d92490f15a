package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tidemark-store/api/internal/di"
	"github.com/tidemark-store/api/internal/platform/config"
	pfirestore "github.com/tidemark-store/api/internal/platform/firestore"
	platformjobs "github.com/tidemark-store/api/internal/platform/jobs"
	"github.com/tidemark-store/api/internal/platform/lock"
	"github.com/tidemark-store/api/internal/platform/observability"
	"github.com/tidemark-store/api/internal/platform/secrets"
	"github.com/tidemark-store/api/internal/repositories"
	firestoreRepo "github.com/tidemark-store/api/internal/repositories/firestore"
	"github.com/tidemark-store/api/internal/services"
	"github.com/tidemark-store/api/internal/workers"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("worker")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
	)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	redisClient := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}()

	locker, err := lock.NewRedisLocker(redisClient)
	if err != nil {
		logger.Fatal("failed to initialise coupon locker", zap.Error(err))
	}

	var publisher services.EventPublisher
	if cfg.Features.EnableNotifications && cfg.PubSub.ProjectID != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		publisher, err = platformjobs.NewPubSubEventPublisher(
			pubsubClient.Topic(cfg.PubSub.NotificationsTopic),
			pubsubClient.Topic(cfg.PubSub.InvoicesTopic),
		)
		if err != nil {
			logger.Fatal("failed to initialise event publisher", zap.Error(err))
		}
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, repositories.DependencyCheck{
		Name:    "redis",
		Timeout: 1500 * time.Millisecond,
		Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	})
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	// The worker never places orders or talks to the payment gateway, so the
	// container is built without them.
	container, err := di.NewContainer(ctx, di.Deps{
		Config:    cfg,
		Registry:  registry,
		Locker:    locker,
		Publisher: publisher,
	})
	if err != nil {
		logger.Fatal("failed to build service container", zap.Error(err))
	}

	poller, err := workers.NewPoller(workers.PollerDeps{
		Jobs:         container.Repositories.Jobs(),
		AutoCancel:   container.Services.AutoCancel,
		Logger:       logger.Named("poller"),
		PollInterval: cfg.Jobs.PollInterval,
		BatchSize:    cfg.Jobs.BatchSize,
		WorkerCount:  cfg.Jobs.WorkerCount,
		MaxAttempts:  cfg.Jobs.MaxAttempts,
	})
	if err != nil {
		logger.Fatal("failed to build job poller", zap.Error(err))
	}

	sweeper, err := workers.NewCouponSweeper(container.Services.Coupons, cfg.Jobs.CouponSweepInterval, logger.Named("sweeper"))
	if err != nil {
		logger.Fatal("failed to build coupon sweeper", zap.Error(err))
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("tidemark worker running",
		zap.Duration("poll_interval", cfg.Jobs.PollInterval),
		zap.Duration("coupon_sweep_interval", cfg.Jobs.CouponSweepInterval),
	)

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return poller.Run(groupCtx)
	})
	group.Go(func() error {
		return sweeper.Run(groupCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", zap.Error(err))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := container.Close(closeCtx); err != nil {
		logger.Warn("container close error", zap.Error(err))
	}
	logger.Info("tidemark worker stopped")
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	defaultProject := strings.TrimSpace(os.Getenv("API_SECRET_DEFAULT_PROJECT_ID"))
	if defaultProject == "" {
		defaultProject = strings.TrimSpace(os.Getenv("API_FIRESTORE_PROJECT_ID"))
	}
	fallbackPath := strings.TrimSpace(os.Getenv("API_SECRET_FALLBACK_FILE"))
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}

	return secrets.NewFetcher(ctx, opts...)
}
