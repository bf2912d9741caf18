package authkitpg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const applicationName = "streamauth"

// BuildPool opens a pgx pool for the user store and verifies it answers before returning.
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, parseErr := pgxpool.ParseConfig(databaseURL)
	if parseErr != nil {
		return nil, fmt.Errorf("authkitpg.pool.parse: %w", parseErr)
	}
	if _, present := poolConfig.ConnConfig.RuntimeParams["application_name"]; !present {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	// Every refresh is a single conditional UPDATE, so a small pool suffices.
	poolConfig.MinConns = 1
	poolConfig.MaxConns = 8
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, openErr := pgxpool.NewWithConfig(ctx, poolConfig)
	if openErr != nil {
		return nil, fmt.Errorf("authkitpg.pool.open: %w", openErr)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if pingErr := pool.Ping(pingCtx); pingErr != nil {
		pool.Close()
		return nil, fmt.Errorf("authkitpg.pool.ping: %w", pingErr)
	}
	return pool, nil
}
