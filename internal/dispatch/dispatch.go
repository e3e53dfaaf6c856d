// Package dispatch implements the Webhook Dispatcher (C14): routes
// each normalized signal to the Entry Engine, the Management Engine,
// or plain context storage, per §4.14.
package dispatch

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/goldbrain/engine/internal/config"
	"github.com/goldbrain/engine/internal/entry"
	"github.com/goldbrain/engine/internal/management"
	"github.com/goldbrain/engine/internal/market"
	"github.com/goldbrain/engine/internal/outcome"
	"github.com/goldbrain/engine/internal/signal"
)

// PositionsView answers the broker-state questions routing needs,
// sourced from the Liveness Monitor's heartbeat/position feed (§6.3).
type PositionsView interface {
	PositionsOpen(symbol string) int
	HeartbeatFresh(now time.Time) bool
	OpenPnLPoints(symbol string) float64
}

// Dependencies bundles the dispatcher's collaborators.
type Dependencies struct {
	Entry     *entry.Engine
	Mgmt      *management.Engine
	Market    *market.Provider
	Positions PositionsView
	Config    config.Config
	Log       zerolog.Logger
	Now       func() time.Time
}

// Dispatcher routes normalized signals per §4.14. Stateless beyond its
// dependencies — all per-symbol state lives in the Entry/Management
// engines it delegates to.
type Dispatcher struct {
	deps Dependencies
}

// New constructs a Dispatcher. deps.Now may be left nil to default to
// the real clock.
func New(deps Dependencies) *Dispatcher {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Dispatcher{deps: deps}
}

// Handle implements §4.14's five-step routing decision. Called after
// the Signal Cache (C2) and Q-Trend store (C3) have already observed
// sig.
func (d *Dispatcher) Handle(ctx context.Context, sig signal.Signal) outcome.Result {
	now := d.deps.Now()
	cfg := d.deps.Config

	// Step 1: heartbeat stale + freeze mode short-circuits everything.
	if !d.deps.Positions.HeartbeatFresh(now) && cfg.HeartbeatStaleMode == "freeze" {
		return outcome.Result{Code: outcome.FrozenByHeartbeat, Message: "Frozen by heartbeat"}
	}

	positionsOpen := d.deps.Positions.PositionsOpen(sig.Symbol)

	// Step 2: positions open — defer to management, consider pyramid.
	if positionsOpen > 0 {
		d.deps.Mgmt.HandleSignal(ctx, sig)
		if d.isUnprocessedLorentzianTrigger(sig) {
			snap := d.deps.Market.GetMarket(sig.Symbol)
			profitProtectThreshold := math.Max(snap.Spread*4.0, snap.ATRM5*0.9)
			openPnL := d.deps.Positions.OpenPnLPoints(sig.Symbol)
			d.deps.Entry.ConsiderPyramid(ctx, sig, openPnL, profitProtectThreshold)
		}
		return outcome.Result{Code: outcome.OK, Message: "Mgmt deferred"}
	}

	// Step 3: flat and a fresh Lorentzian entry trigger — hand to the
	// Entry Engine, which owns dedupe/lock/aggregation itself.
	if d.isUnprocessedLorentzianTrigger(sig) {
		return d.deps.Entry.HandleTrigger(ctx, sig)
	}

	// Step 4: delayed re-evaluation of a previously blocked entry.
	if cfg.DelayedEntryEnabled {
		if d.deps.Entry.TryDelayedReEval(ctx, sig, positionsOpen) {
			return outcome.Result{Code: outcome.OK, Message: "Delayed re-eval scheduled"}
		}
	}

	// Step 5: nothing to route to — the signal still updated the
	// cache/Q-Trend store upstream, so it is not discarded, just stored.
	return outcome.Result{Code: outcome.OK, Message: "Stored"}
}

func (d *Dispatcher) isUnprocessedLorentzianTrigger(sig signal.Signal) bool {
	return sig.SignalType == signal.KindEntryTrigger && sig.Source == signal.SourceLorentzian
}
