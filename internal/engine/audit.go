package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/goldbrain/engine/internal/persistence"
)

// auditRecorder adapts a persistence.AuditRepo into bus.AuditRecorder.
// RecordDecision is called synchronously from the bus's publish path,
// so the actual insert runs in its own goroutine with a bounded
// timeout the way the bus's own send-failure recording is
// fire-and-forget — a slow or down database must never stall an
// ORDER/CLOSE/HOLD publish.
type auditRecorder struct {
	repo    persistence.AuditRepo
	log     zerolog.Logger
	timeout time.Duration
}

func newAuditRecorder(repo persistence.AuditRepo, log zerolog.Logger) *auditRecorder {
	return &auditRecorder{repo: repo, log: log, timeout: 5 * time.Second}
}

func (a *auditRecorder) RecordDecision(symbol, kind, action, reason string, confidence int, at time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		d := persistence.Decision{
			Timestamp:  at,
			Symbol:     symbol,
			Kind:       kind,
			Action:     action,
			Reason:     reason,
			Confidence: confidence,
		}
		if err := a.repo.Insert(ctx, d); err != nil {
			a.log.Warn().Err(err).Str("symbol", symbol).Str("kind", kind).Msg("engine: audit insert failed")
		}
	}()
}
