package management

import (
	"context"
	"math"
	"time"

	"github.com/goldbrain/engine/internal/bus"
	"github.com/goldbrain/engine/internal/market"
	"github.com/goldbrain/engine/internal/oracle"
	"github.com/goldbrain/engine/internal/signal"
)

// isReversalLike implements §4.8.2 throttle bypass (a): an incoming
// signal whose side opposes the current net position side, confirmed
// enough to count as evidence rather than noise.
func isReversalLike(sig signal.Signal, netSide signal.Side) bool {
	if sig.Side == signal.SideNone || netSide == signal.SideNone {
		return false
	}
	if sig.Side == netSide {
		return false
	}
	return sig.Confirmed == signal.ConfirmedBarClose || sig.Strength == signal.StrengthStrong
}

// phase computes the §4.8.2 DEVELOPMENT/PROFIT_PROTECT hint.
// PROFIT_PROTECT takes precedence; anything short of that is reported
// as DEVELOPMENT, near-breakeven or not — the spec names no third phase.
func phase(holdingSec int64, nearBreakeven, inProfitProtect bool, maxDevelopmentSec int64) string {
	if inProfitProtect || holdingSec >= maxDevelopmentSec {
		return "PROFIT_PROTECT"
	}
	return "DEVELOPMENT"
}

// runDecision implements §4.8.1/§4.8.2: drains the settle window, runs
// the single AI CLOSE/HOLD call, and publishes the result. Every call
// through this path is itself the "settle-window batch evaluation" of
// §4.8.2's bypass (b), so it calls decide with isBatchEval set and the
// AI_CLOSE_THROTTLE_SEC check in decide is skipped.
func (e *Engine) runDecision(ctx context.Context, symbol string) {
	e.mu.Lock()
	w, ok := e.windows[symbol]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.windows, symbol)
	ring := w.ring
	e.mu.Unlock()

	if len(ring) == 0 {
		return
	}
	latest := ring[len(ring)-1]
	e.decide(ctx, symbol, latest, ring, true)
}

func (e *Engine) decide(ctx context.Context, symbol string, latest signal.Signal, recent []signal.Signal, isBatchEval bool) {
	cfg := e.deps.Config
	now := e.deps.Now()

	if !e.deps.Positions.HeartbeatFresh(now) && cfg.HeartbeatStaleMode == "freeze" {
		return
	}
	if e.deps.Positions.PositionsOpen(symbol) <= 0 {
		return
	}
	netSide := e.deps.Positions.NetSide(symbol)

	reversal := isReversalLike(latest, netSide)
	if !isBatchEval && !reversal {
		e.mu.Lock()
		last, seen := e.lastCloseSent[symbol]
		e.mu.Unlock()
		if seen && now.Sub(last) < time.Duration(cfg.AICloseThrottleSec)*time.Second {
			return
		}
	}

	snap := e.deps.Market.GetMarket(symbol)
	breakevenBand := math.Max(snap.Spread*cfg.BreakevenBandSpreadMult, snap.ATRM5*cfg.BreakevenBandATRMult)
	profitProtectThreshold := math.Max(snap.Spread*4.0, snap.ATRM5*0.9)

	holdingSec := e.deps.Positions.HoldingSeconds(symbol, now)
	pnlPoints := e.deps.Positions.OpenPnLPoints(symbol)
	nearBreakeven := math.Abs(pnlPoints) <= breakevenBand
	inProfitProtect := e.deps.Positions.InProfitProtect(symbol) || pnlPoints >= profitProtectThreshold
	ph := phase(holdingSec, nearBreakeven, inProfitProtect, int64(cfg.MaxDevelopmentSec))

	decision, code := e.callAI(ctx, symbol, latest, recent, snap, ph, holdingSec, breakevenBand, profitProtectThreshold, netSide)
	if code != "" {
		e.fallback(symbol, ph, code)
		return
	}

	isClose := decision.Confidence >= cfg.AICloseMinConfidence
	e.mu.Lock()
	e.lastCloseSent[symbol] = now
	e.mu.Unlock()
	e.deps.Metrics.RecordMgmtDecision(symbol, ph, decision.Confidence, isClose, decision.Reason, now)

	if isClose {
		e.deps.Bus.PublishClose(symbol, bus.CloseOrHoldMessage{Reason: decision.Reason, TrailMode: decision.TrailMode, TPMode: decision.TPMode})
	} else {
		e.deps.Bus.PublishHold(symbol, bus.CloseOrHoldMessage{Reason: decision.Reason, TrailMode: decision.TrailMode, TPMode: decision.TPMode})
	}
	e.deps.Metrics.RecordSendOK(symbol, now)
}

// callAI implements §4.8.2/§4.9: build the close_hold prompt, call the
// oracle, validate the schema. code is "" on success, otherwise an
// ai_validation_fail/ai_no_response marker for fallback().
func (e *Engine) callAI(ctx context.Context, symbol string, latest signal.Signal, recent []signal.Signal, snap market.Snapshot, ph string, holdingSec int64, breakevenBand, profitProtect float64, netSide signal.Side) (oracle.CloseHoldDecision, string) {
	now := e.deps.Now()
	input := oracle.ClosePromptInput{
		LatestSignal:  latest,
		RecentSignals: recent,
		Market:        snap,
		Phase:         ph,
		HoldingSec:    holdingSec,
		BreakevenBand: breakevenBand,
		ProfitProtect: profitProtect,
		NetSide:       sideAction(netSide),
		FreshnessSec:  now.Unix() - latest.ReceiveTime,
	}
	prompt, err := oracle.BuildClosePrompt(input)
	if err != nil {
		return oracle.CloseHoldDecision{}, "ai_no_response"
	}

	obj, err := e.deps.Oracle.CallJSON(ctx, prompt, oracle.KindCloseHold, symbol)
	if err != nil || obj == nil {
		return oracle.CloseHoldDecision{}, "ai_no_response"
	}
	decision, ok := oracle.ParseCloseHold(obj)
	if !ok {
		return oracle.CloseHoldDecision{}, "ai_validation_fail"
	}
	return decision, ""
}

func sideAction(s signal.Side) string {
	switch s {
	case signal.SideBuy:
		return "buy"
	case signal.SideSell:
		return "sell"
	default:
		return ""
	}
}

func (e *Engine) fallback(symbol, ph, reason string) {
	cfg := e.deps.Config
	now := e.deps.Now()
	if reason == "ai_validation_fail" {
		e.deps.Metrics.RecordAIValidationFail(symbol, now)
	}

	if cfg.AICloseFallbackPolicy != "default_close" {
		e.deps.Bus.PublishHold(symbol, bus.CloseOrHoldMessage{Reason: bus.ReasonAIFallbackHold, TrailMode: "NORMAL", TPMode: "NORMAL"})
		e.deps.Metrics.RecordMgmtDecision(symbol, ph, 0, false, reason, now)
		return
	}
	e.mu.Lock()
	e.lastCloseSent[symbol] = now
	e.mu.Unlock()
	e.deps.Bus.PublishClose(symbol, bus.CloseOrHoldMessage{Reason: "default_close", TrailMode: "NORMAL", TPMode: "NORMAL"})
	e.deps.Metrics.RecordMgmtDecision(symbol, ph, cfg.AICloseMinConfidence, true, "default_close", now)
}
