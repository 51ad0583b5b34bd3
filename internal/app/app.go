// Package app assembles the session core from configuration. It is shared by the
// HTTP gateway and the admin CLI so both see the same store and policies.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/session-core/internal/repository"
	"github.com/noah-isme/session-core/internal/service"
	"github.com/noah-isme/session-core/pkg/cache"
	"github.com/noah-isme/session-core/pkg/config"
	"github.com/noah-isme/session-core/pkg/database"
	"github.com/noah-isme/session-core/pkg/jobs"
)

// Resources holds the opened connections and the repositories built on them.
type Resources struct {
	DB     *sqlx.DB
	Redis  *redis.Client
	Store  service.SessionStore
	Users  *repository.UserRepository
	Audits *repository.AuditRepository
	Replay *repository.ReplayRepository

	logger *zap.Logger
}

// Open connects to Postgres and Redis and selects the session store. Redis is
// required only for the redis store driver; otherwise an unreachable Redis just
// disables the shared replay tracker.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Resources, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	res := &Resources{DB: db, logger: logger}

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db.DB); err != nil {
			res.Close()
			return nil, err
		}
		logger.Info("database migrations applied")
	}

	rdb, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		if cfg.Sessions.StoreDriver == config.StoreDriverRedis {
			res.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Warn("redis unavailable, replay tracking is local to each refresh", zap.Error(err))
	} else {
		res.Redis = rdb
	}

	store, err := SelectStore(cfg.Sessions, db, redisClient(res.Redis))
	if err != nil {
		res.Close()
		return nil, err
	}
	res.Store = store
	res.Users = NewUserDirectory(cfg.Accounts, db)
	res.Audits = repository.NewAuditRepository(db)
	if res.Redis != nil {
		res.Replay = repository.NewReplayRepository(res.Redis, cfg.Sessions.KeyPrefix)
	}

	logger.Info("session store ready",
		zap.String("driver", cfg.Sessions.StoreDriver),
		zap.Bool("account_checks", res.Users != nil),
	)
	return res, nil
}

// SelectStore returns the session store for the configured driver.
func SelectStore(cfg config.SessionsConfig, db *sqlx.DB, rdb redis.UniversalClient) (service.SessionStore, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		if db == nil {
			return nil, fmt.Errorf("session store %q requires a database", cfg.StoreDriver)
		}
		return repository.NewSessionRepository(db), nil
	case config.StoreDriverRedis:
		if rdb == nil {
			return nil, fmt.Errorf("session store %q requires redis", cfg.StoreDriver)
		}
		return repository.NewRedisSessionRepository(rdb, cfg.KeyPrefix, cfg.RetentionWindow), nil
	default:
		return nil, fmt.Errorf("unsupported session store %q", cfg.StoreDriver)
	}
}

// NewUserDirectory returns the account status reader, or nil when refresh should
// not consult the users table.
func NewUserDirectory(cfg config.AccountChecksConfig, db *sqlx.DB) *repository.UserRepository {
	if !cfg.Enabled || db == nil {
		return nil
	}
	return repository.NewUserRepository(db, repository.UserTable{
		Name:         cfg.Table,
		IDColumn:     cfg.IDColumn,
		RoleColumn:   cfg.RoleColumn,
		ActiveColumn: cfg.ActiveColumn,
	})
}

// NewCodec builds the token codec from the JWT and session settings.
func NewCodec(cfg *config.Config) (*service.TokenCodec, error) {
	return service.NewTokenCodec(service.TokenCodecConfig{
		Secret:     cfg.JWT.Secret,
		Issuer:     cfg.JWT.Issuer,
		Audience:   cfg.JWT.Audience,
		HashPepper: cfg.Sessions.HashPepper,
	})
}

// NewAuditService returns an audit writer over the audit repository, or nil when
// auditing is disabled. The caller starts and stops it.
func (r *Resources) NewAuditService(cfg *config.Config) *service.AuditService {
	if !cfg.Audit.Enabled || r.Audits == nil {
		return nil
	}
	return service.NewAuditService(r.Audits, r.logger, jobs.QueueConfig{
		Workers:    cfg.Audit.Workers,
		BufferSize: cfg.Audit.Buffer,
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
	})
}

// NewLifecycle wires the token lifecycle service over the opened resources.
func (r *Resources) NewLifecycle(cfg *config.Config, codec *service.TokenCodec, audit *service.AuditService, metrics *service.MetricsService) *service.TokenLifecycleService {
	opts := []service.TokenLifecycleOption{
		service.WithMetrics(metrics),
		service.WithAuditor(audit),
	}
	if r.Users != nil {
		opts = append(opts, service.WithUserDirectory(r.Users))
	}
	if r.Replay != nil {
		opts = append(opts, service.WithReplayTracker(r.Replay))
	}
	return service.NewTokenLifecycleService(codec, r.Store, nil, r.logger, LifecycleConfig(cfg), opts...)
}

// LifecycleConfig maps loaded settings onto the lifecycle service configuration.
func LifecycleConfig(cfg *config.Config) service.TokenLifecycleConfig {
	return service.TokenLifecycleConfig{
		AccessTTL:       cfg.JWT.Expiration,
		RefreshTTL:      cfg.JWT.RefreshExpiration,
		RetentionWindow: cfg.Sessions.RetentionWindow,
		CleanupInterval: cfg.Sessions.CleanupInterval,
		DevicePolicy:    cfg.Sessions.DevicePolicy,
		ReplayDetection: cfg.Sessions.ReplayDetection,
		ReplayThreshold: int64(cfg.Sessions.ReplayThreshold),
		ReplayWindow:    cfg.Sessions.ReplayWindow,
		ReplayGrace:     cfg.Sessions.ReplayGrace,
	}
}

// Checks returns a liveness probe per opened dependency.
func (r *Resources) Checks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{}
	if r.DB != nil {
		checks["postgres"] = r.DB.PingContext
	}
	if r.Redis != nil {
		rdb := r.Redis
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	return checks
}

// Close releases the connections.
func (r *Resources) Close() {
	if r.Redis != nil {
		if err := r.Redis.Close(); err != nil {
			r.logger.Warn("close redis", zap.Error(err))
		}
	}
	if r.DB != nil {
		if err := r.DB.Close(); err != nil {
			r.logger.Warn("close postgres", zap.Error(err))
		}
	}
}

func redisClient(c *redis.Client) redis.UniversalClient {
	if c == nil {
		return nil
	}
	return c
}
