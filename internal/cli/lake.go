package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"

	"github.com/go-digitaltwin/go-physicaltwin"
	"github.com/go-digitaltwin/go-physicaltwin/internal/config"
	"github.com/go-digitaltwin/go-physicaltwin/neo4jstore"
	"github.com/go-digitaltwin/go-physicaltwin/redisstore"
)

// openLake connects to the data lake described by cfg and checks that it is
// reachable. The returned function releases the connection.
func openLake(ctx context.Context, cfg config.StoreConfig) (physicaltwin.DataLake, func(context.Context) error, error) {
	switch cfg.Kind {
	case config.StoreNeo4j:
		driver, err := openNeo4j(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return neo4jstore.New(driver, cfg.Database), driver.Close, nil
	case config.StoreRedis:
		rdb, err := openRedis(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return redisstore.New(rdb), func(context.Context) error { return rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}

func openNeo4j(ctx context.Context, cfg config.StoreConfig) (neo4j.DriverWithContext, error) {
	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI(), auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("connect to neo4j at %v: %w", cfg.URI(), err)
	}
	component.Logger(ctx).Debug("Connected to Neo4j", slog.String("uri", cfg.URI()), slog.String("database", cfg.Database))
	return driver, nil
}

func openRedis(ctx context.Context, cfg config.StoreConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URI())
	if err != nil {
		return nil, fmt.Errorf("parse redis address: %w", err)
	}
	if cfg.Username != "" {
		opt.Username = cfg.Username
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	if cfg.Database != "" {
		db, err := strconv.Atoi(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("redis database %q is not a number", cfg.Database)
		}
		opt.DB = db
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %v: %w", opt.Addr, err)
	}
	component.Logger(ctx).Debug("Connected to Redis", slog.String("addr", opt.Addr), slog.Int("db", opt.DB))
	return rdb, nil
}
