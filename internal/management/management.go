// Package management implements the Management Engine (C8): the
// positions-open settle window, the single AI CLOSE/HOLD decision per
// batch, and trail/TP-mode propagation of §4.8.
package management

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goldbrain/engine/internal/bus"
	"github.com/goldbrain/engine/internal/config"
	"github.com/goldbrain/engine/internal/market"
	"github.com/goldbrain/engine/internal/oracle"
	"github.com/goldbrain/engine/internal/signal"
)

// Metrics receives management observations, narrow for testability.
type Metrics interface {
	RecordMgmtDecision(symbol, phase string, confidence int, isClose bool, example string, now time.Time)
	RecordAIValidationFail(symbol string, now time.Time)
	RecordSendOK(symbol string, now time.Time)
}

type noopMetrics struct{}

func (noopMetrics) RecordMgmtDecision(string, string, int, bool, string, time.Time) {}
func (noopMetrics) RecordAIValidationFail(string, time.Time)                       {}
func (noopMetrics) RecordSendOK(string, time.Time)                                 {}

// PositionsView answers the position-state questions the management
// decision needs, sourced from the execution process's heartbeat/state
// feed (§6.3).
type PositionsView interface {
	PositionsOpen(symbol string) int
	NetSide(symbol string) signal.Side
	HeartbeatFresh(now time.Time) bool
	HoldingSeconds(symbol string, now time.Time) int64
	OpenPnLPoints(symbol string) float64
	InProfitProtect(symbol string) bool
}

// Dependencies bundles the engine's collaborators, built once at
// startup per §9's "explicit initialization, no hidden singletons".
type Dependencies struct {
	Market    *market.Provider
	Oracle    *oracle.Adapter
	Bus       *bus.Client
	Metrics   Metrics
	Positions PositionsView
	Config    config.Config
	Log       zerolog.Logger
	Now       func() time.Time
}

// settleWindow is the §4.8.1 per-symbol aggregation state: identical
// in shape to the entry window, but bounded to a ring of last_signals.
type settleWindow struct {
	createdAt time.Time
	dueAt     time.Time
	maxDueAt  time.Time
	ring      []signal.Signal
	running   bool
}

// Engine is the mutex-guarded Management Engine.
type Engine struct {
	deps Dependencies

	mu            sync.Mutex
	windows       map[string]*settleWindow
	lastCloseSent map[string]time.Time
}

// New constructs an Engine. deps.Metrics/deps.Now may be left nil to
// use no-op/real-clock defaults.
func New(deps Dependencies) *Engine {
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		deps:          deps,
		windows:       make(map[string]*settleWindow),
		lastCloseSent: make(map[string]time.Time),
	}
}

func appendRing(ring []signal.Signal, s signal.Signal, cap int) []signal.Signal {
	ring = append(ring, s)
	if len(ring) > cap {
		ring = ring[len(ring)-cap:]
	}
	return ring
}

// HandleSignal implements §4.8.1: any incoming signal while positions
// are open schedules (or extends) a deferred settle-window decision.
// Returns true if a deferred decision was scheduled/extended.
func (e *Engine) HandleSignal(ctx context.Context, sig signal.Signal) bool {
	if e.deps.Positions.PositionsOpen(sig.Symbol) <= 0 {
		return false
	}
	now := e.deps.Now()
	cfg := e.deps.Config
	wait := time.Duration(cfg.EntryPostSignalWaitSec) * time.Second
	maxWait := cfg.EntryMaxWait()
	ringCap := cfg.MgmtRingSize
	if ringCap <= 0 {
		ringCap = 12
	}

	e.mu.Lock()
	w, ok := e.windows[sig.Symbol]
	if !ok {
		maxDue := now.Add(maxWait)
		w = &settleWindow{
			createdAt: now,
			dueAt:     minTime(now.Add(wait), maxDue),
			maxDueAt:  maxDue,
		}
		e.windows[sig.Symbol] = w
	} else {
		w.dueAt = minTime(now.Add(wait), w.maxDueAt)
	}
	w.ring = appendRing(w.ring, sig, ringCap)
	shouldSchedule := !w.running
	w.running = true
	delay := w.dueAt.Sub(now)
	symbol := sig.Symbol
	e.mu.Unlock()

	if shouldSchedule {
		time.AfterFunc(delay, func() {
			e.runDecision(context.Background(), symbol)
		})
	}
	return true
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// PendingSnapshot reports which symbols currently have an outstanding
// settle window, for the GET /status "pending mgmt" view.
func (e *Engine) PendingSnapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.windows))
	for symbol, w := range e.windows {
		if w.running {
			out = append(out, symbol)
		}
	}
	return out
}
