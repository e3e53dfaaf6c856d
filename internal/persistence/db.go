package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DBConfig mirrors the pool-sizing knobs the teacher's db.Config
// exposes, trimmed to what the audit trail needs.
type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Enabled         bool
}

// DefaultDBConfig returns conservative pool defaults for a
// single-process decision engine.
func DefaultDBConfig() DBConfig {
	return DBConfig{
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// AuditRepoCloser releases the underlying DB handle an AuditRepo was
// built from; AuditRepo itself has no Close method since callers only
// need the narrow read/write port.
type AuditRepoCloser struct {
	DB *sqlx.DB
}

// Close closes the underlying connection pool.
func (c *AuditRepoCloser) Close() error {
	return c.DB.Close()
}

// OpenDB opens and pings a Postgres connection per cfg, or returns
// (nil, nil) when cfg.Enabled is false — the audit trail is a
// supplemental feature, not a hard startup dependency.
func OpenDB(cfg DBConfig) (*sqlx.DB, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("audit db enabled but no DSN configured")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	return db, nil
}
