package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/target/review-pulse/config"
	"github.com/target/review-pulse/internal/bootstrap"
)

type connectInfraOptions struct {
	Logger    *slog.Logger
	Config    *config.AppConfig
	WantDB    bool
	WantRedis bool
}

var errRedisNotConfigured = errors.New("redis not configured")

// infra holds the connections a command asked for; unrequested ones are nil.
type infra struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

// connectInfra opens the requested dependencies, closing anything already
// opened when a later step fails.
func connectInfra(ctx context.Context, opts *connectInfraOptions) (*infra, error) {
	out := &infra{}
	dbCfg := bootstrap.DatabaseConfig{
		DBConfig:    opts.Config.Postgres,
		RedisConfig: opts.Config.Redis,
		Logger:      opts.Logger,
	}

	if opts.WantDB {
		db, err := bootstrap.ConnectDB(ctx, dbCfg)
		if err != nil {
			return nil, fmt.Errorf("connect db: %w", err)
		}
		out.DB = db
	}

	if opts.WantRedis {
		if !hasRedisConfig(&opts.Config.Redis) {
			return nil, errors.Join(errRedisNotConfigured, out.Close())
		}
		client, err := bootstrap.ConnectRedis(ctx, dbCfg)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("connect redis: %w", err), out.Close())
		}
		out.Redis = client
	}

	return out, nil
}

func hasRedisConfig(cfg *config.RedisConfig) bool {
	if cfg == nil {
		return false
	}
	if cfg.UseCluster {
		return len(cfg.ClusterNodes) > 0 || cfg.URI != ""
	}
	if cfg.UseSentinel {
		return len(cfg.SentinelNodes) > 0
	}
	return cfg.URI != ""
}

// Close releases every open connection.
func (i *infra) Close() error {
	if i == nil {
		return nil
	}
	var closeErr error
	if i.DB != nil {
		if err := i.DB.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close db: %w", err))
		}
	}
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close redis: %w", err))
		}
	}
	return closeErr
}

// withInfra connects, runs f within the command scope, and closes everything.
func withInfra(cmdCtx *commandContext, opts connectInfraOptions, f func(context.Context, *infra) error) error {
	ctx, cancel := commandScope(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	opts.Logger = cmdCtx.Logger
	opts.Config = &cmdCtx.Config
	conns, err := connectInfra(ctx, &opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conns.Close(); cerr != nil {
			cmdCtx.Logger.Warn("close infrastructure failed", "error", cerr)
		}
	}()
	return f(ctx, conns)
}
