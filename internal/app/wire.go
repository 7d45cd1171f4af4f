package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/tradeledger/internal/blob/s3"
	"github.com/alanyoungcy/tradeledger/internal/cache/redis"
	"github.com/alanyoungcy/tradeledger/internal/config"
	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/importer"
	"github.com/alanyoungcy/tradeledger/internal/notify"
	"github.com/alanyoungcy/tradeledger/internal/server/handler"
	"github.com/alanyoungcy/tradeledger/internal/store/memory"
	"github.com/alanyoungcy/tradeledger/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function. Caches, the rate limiter and the archiver are nil when
// their backend is not configured.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	DedupLedger   domain.DedupLedger
	ImportLedger  domain.ImportLedger
	AuditStore    domain.AuditStore

	// Coordination
	Locker      importer.GroupLocker
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Caches
	CandleStore    domain.CandleCache
	WindowCache    domain.CandleWindowCache
	DashboardCache domain.DashboardCache

	// Blob storage
	Archiver domain.ImportArchiver

	// Notifications
	Notifier *notify.Notifier

	// HealthChecks ping every external backend that was wired.
	HealthChecks map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	// --- Stores ---
	switch cfg.Storage.Driver {
	case "memory":
		logger.WarnContext(ctx, "memory storage driver selected; nothing survives a restart")
		deps.PositionStore = memory.NewPositionStore()
		deps.DedupLedger = memory.NewDedupLedger()
		deps.ImportLedger = memory.NewImportLedger()
		deps.AuditStore = memory.NewAuditStore()
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.DedupLedger = postgres.NewDedupLedger(pool)
		deps.ImportLedger = postgres.NewImportLedger(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.HealthChecks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	lockTTL, lockWait := cfg.Import.LockTTL.Duration, cfg.Import.LockWait.Duration
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locker = importer.NewDistributedLocker(redis.NewLockManager(redisClient), lockTTL, lockWait)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.CandleStore = redis.NewCandleStore(redisClient)
		deps.WindowCache = redis.NewWindowCache(redisClient, cfg.Candles.WindowTTL.Duration)
		deps.DashboardCache = redis.NewDashboardCache(redisClient, cfg.Dashboard.TTL.Duration)
		deps.HealthChecks["redis"] = redisClient.Ping
	} else {
		logger.InfoContext(ctx, "redis disabled; using in-process locks and signal bus, caches off")
		deps.Locker = importer.NewKeyedLocker(lockWait)
		deps.SignalBus = memory.NewSignalBus()
	}

	// --- S3 archive of imported files ---
	if cfg.Import.ArchiveToS3 {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), deps.AuditStore)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	deps.Notifier = notify.FromConfig(cfg.Notify, logger)

	return deps, cleanup, nil
}
