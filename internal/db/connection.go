package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/temps/edge/internal/config"
)

var (
	pgDB        *sql.DB
	pgxPool     *pgxpool.Pool
	redisClient *redis.Client
	logger      *zap.Logger
	once        sync.Once
)

// Manager wraps the process-wide connections for components that take their
// dependencies by constructor injection rather than reaching for the
// package-level globals directly.
type Manager struct {
	pgxPool *pgxpool.Pool
	redis   *redis.Client
	logger  *zap.Logger
}

func Initialize(cfg *config.Config, log *zap.Logger) error {
	var initErr error

	once.Do(func() {
		logger = log

		initErr = initializePostgres(cfg.Database)
		if initErr != nil {
			return
		}

		initErr = initializeRedis(cfg.Redis)
	})

	return initErr
}

func initializePostgres(cfg config.DatabaseConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	pgDB = db

	poolConfig, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("parse pgx config: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns / 2)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping pgx pool: %w", err)
	}
	pgxPool = pool

	if logger != nil {
		logger.Info("postgres connection established",
			zap.Int("max_open_conns", cfg.MaxOpenConns),
			zap.Int("max_idle_conns", cfg.MaxIdleConns),
		)
	}
	return nil
}

func initializeRedis(cfg config.RedisConfig) error {
	if cfg.URL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return fmt.Errorf("parse redis URL: %w", err)
	}
	opt.MaxRetries = cfg.MaxRetries
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout
	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.ConnMaxIdleTime = cfg.IdleTimeout

	redisClient = redis.NewClient(opt)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	if logger != nil {
		logger.Info("redis connection established")
	}
	return nil
}

func GetDB() *sql.DB            { return pgDB }
func GetPgxPool() *pgxpool.Pool { return pgxPool }
func GetRedis() *redis.Client   { return redisClient }

func WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := pgDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

func HealthCheck(ctx context.Context) error {
	if err := pgDB.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	if redisClient != nil {
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	return nil
}

func Close() error {
	var errs []error

	if pgDB != nil {
		if err := pgDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close postgres: %w", err))
		}
	}
	if pgxPool != nil {
		pgxPool.Close()
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

func NewManager(cfg *config.Config, log *zap.Logger) (*Manager, error) {
	if err := Initialize(cfg, log); err != nil {
		return nil, err
	}
	return &Manager{pgxPool: pgxPool, redis: redisClient, logger: log}, nil
}

func (m *Manager) GetPgxPool() *pgxpool.Pool { return m.pgxPool }
func (m *Manager) GetRedis() *redis.Client   { return m.redis }
