// Package postgres supplements the §4.12 in-process metrics/cache
// persistence with a durable decision audit trail, adapted from the
// teacher's trades repository: every ORDER/CLOSE/HOLD the engine
// emits is additionally appended here for after-the-fact review.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/goldbrain/engine/internal/persistence"
)

type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo constructs a persistence.AuditRepo backed by db.
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) persistence.AuditRepo {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &auditRepo{db: db, timeout: timeout}
}

func isKnownKind(kind string) bool {
	switch kind {
	case "ORDER", "CLOSE", "HOLD":
		return true
	default:
		return false
	}
}

// Insert appends one decision record.
func (r *auditRepo) Insert(ctx context.Context, d persistence.Decision) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if !isKnownKind(d.Kind) {
		return fmt.Errorf("invalid decision kind: %s", d.Kind)
	}

	attrs, err := json.Marshal(d.Attributes)
	if err != nil {
		return fmt.Errorf("marshal decision attributes: %w", err)
	}

	query := `
		INSERT INTO decisions (ts, symbol, kind, action, reason, confidence, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	err = r.db.QueryRowxContext(ctx, query,
		d.Timestamp, d.Symbol, d.Kind, d.Action, d.Reason, d.Confidence, attrs).
		Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate decision: %w", err)
		}
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// ListBySymbol retrieves decisions for symbol within a time range,
// newest first.
func (r *auditRepo) ListBySymbol(ctx context.Context, symbol string, tr persistence.TimeRange, limit int) ([]persistence.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, ts, symbol, kind, action, reason, confidence, attributes, created_at
		FROM decisions
		WHERE symbol = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts DESC
		LIMIT $4`

	rows, err := r.db.QueryxContext(ctx, query, symbol, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions by symbol: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// GetLatest returns the most recent decisions across all symbols.
func (r *auditRepo) GetLatest(ctx context.Context, limit int) ([]persistence.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, ts, symbol, kind, action, reason, confidence, attributes, created_at
		FROM decisions
		ORDER BY ts DESC
		LIMIT $1`

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query latest decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// CountByKind returns decision counts grouped by kind within a range.
func (r *auditRepo) CountByKind(ctx context.Context, tr persistence.TimeRange) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT kind, COUNT(*)
		FROM decisions
		WHERE ts >= $1 AND ts <= $2
		GROUP BY kind
		ORDER BY kind`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("count decisions by kind: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("scan kind count: %w", err)
		}
		counts[kind] = count
	}
	return counts, rows.Err()
}

func scanDecisions(rows *sqlx.Rows) ([]persistence.Decision, error) {
	var out []persistence.Decision
	for rows.Next() {
		d, err := scanDecisionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}

func scanDecisionRow(rows *sqlx.Rows) (*persistence.Decision, error) {
	var d persistence.Decision
	var attrs []byte
	if err := rows.Scan(&d.ID, &d.Timestamp, &d.Symbol, &d.Kind, &d.Action, &d.Reason, &d.Confidence, &attrs, &d.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &d.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal decision attributes: %w", err)
		}
	} else {
		d.Attributes = make(map[string]interface{})
	}
	return &d, nil
}
