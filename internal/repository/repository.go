// Package repository stores users, API keys and bundle records. Repository
// talks to PostgreSQL; Memory keeps the same data in process.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/savesync/savesync/internal/repository/migrations"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrAPIKeyNotFound = errors.New("API key not found")
	ErrBundleNotFound = errors.New("bundle not found")
)

// Options tunes the connection pool. Zero values keep pgxpool defaults.
type Options struct {
	MaxConns int32
	MinConns int32
}

// Repository is the PostgreSQL store.
type Repository struct {
	pool *pgxpool.Pool
}

// New opens a pool on databaseURL and checks it answers.
func New(ctx context.Context, databaseURL string, opts Options) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 && opts.MinConns <= cfg.MaxConns {
		cfg.MinConns = opts.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// Migrate brings the schema up to date and returns how many migrations ran.
func (r *Repository) Migrate(ctx context.Context) (int, error) {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	p, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return 0, fmt.Errorf("load migrations: %w", err)
	}
	applied, err := p.Up(ctx)
	if err != nil {
		return len(applied), fmt.Errorf("apply migrations: %w", err)
	}
	return len(applied), nil
}

// Ping backs the readiness probe.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the pool.
func (r *Repository) Close() {
	r.pool.Close()
}
