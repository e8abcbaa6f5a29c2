package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"the-digital-vault/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// Service represents a service that interacts with a database.
type Service interface {
	// Health returns a map of health status information.
	// The keys and values in the map are service-specific.
	Health(ctx context.Context) map[string]string

	// DB exposes the pooled handle for repositories.
	DB() *sql.DB

	// Close terminates the database connection.
	// It returns an error if the connection cannot be closed.
	Close() error
}

type service struct {
	db *sql.DB
}

// NewPostgres opens a pgx-backed pool and verifies connectivity.
func NewPostgres(ctx context.Context, cfg config.DBConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening db connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func New(db *sql.DB) Service {
	return &service{db: db}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *service) DB() *sql.DB {
	return s.db
}

// Health pings the database and reports connection pool statistics.
func (s *service) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return map[string]string{
			"status": "down",
			"error":  fmt.Sprintf("db down: %v", err),
		}
	}

	pool := s.db.Stats()
	health := map[string]string{
		"status":      "up",
		"open":        strconv.Itoa(pool.OpenConnections),
		"in_use":      strconv.Itoa(pool.InUse),
		"idle":        strconv.Itoa(pool.Idle),
		"wait_count":  strconv.FormatInt(pool.WaitCount, 10),
		"wait_time":   pool.WaitDuration.String(),
		"idle_closed": strconv.FormatInt(pool.MaxIdleClosed, 10),
	}
	switch {
	case pool.MaxOpenConnections > 0 && pool.InUse >= pool.MaxOpenConnections:
		health["message"] = "connection pool exhausted"
	case pool.WaitCount > 1000:
		health["message"] = "requests are waiting on the connection pool"
	default:
		health["message"] = "ok"
	}
	return health
}

// Close closes the database connection.
func (s *service) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
