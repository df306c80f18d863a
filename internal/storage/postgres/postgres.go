// Package postgres stores the lobby's match history in PostgreSQL.
//
// The store is optional: when database.enabled is false nothing in this
// package is constructed and matchmaking records go to a no-op recorder.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/lobby/internal/config"
)

// ErrUnhealthy is returned by Health when the database does not answer in time.
var ErrUnhealthy = errors.New("match history database unhealthy")

// Pool is the connection pool behind MatchRepository and the /healthz database check.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool connects to the match history database. Each connection reports
// appName as its application_name so lobby nodes can be told apart in
// pg_stat_activity.
//
// Precondition: cfg must have passed config validation with Enabled set.
// Postcondition: Returns a pool that answered a ping, or an error with nothing left open.
func NewPool(ctx context.Context, cfg config.DatabaseConfig, appName string) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	if appName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = appName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Pool{pool: pool}, nil
}

// Health pings the database for the /healthz endpoint.
//
// Precondition: ctx is the health request's context; timeout must be positive
// and shorter than the prober's own deadline so /healthz answers 503 instead of hanging.
// Postcondition: Returns nil, or an error wrapping ErrUnhealthy.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	return nil
}

// Close releases every connection. The lifecycle calls it after the WebSocket
// acceptor has stopped, so no match can still be recording.
func (p *Pool) Close() {
	p.pool.Close()
}

// DB returns the pgx pool for NewMatchRepository.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
