package entry

import (
	"context"
	"strings"
	"time"

	"github.com/goldbrain/engine/internal/signal"
)

// delayedReEvalEligibleSource is the source/signal-type allowlist of §4.7.5(b).
func delayedReEvalEligibleSource(s signal.Signal) bool {
	switch s.Source {
	case signal.SourceQTrend, signal.SourceQTrendStrong, signal.SourceZones, signal.SourceFVG, signal.SourceOSGFC:
		return true
	}
	switch s.SignalType {
	case signal.KindContext, signal.KindStructure, signal.KindTrendFilter:
		return true
	}
	return false
}

// requiresConfirmation is §4.7.5(d): zone/FVG touches and trend
// filters need strong confirmation before counting as supportive
// evidence for a delayed re-eval.
func requiresConfirmation(s signal.Signal) bool {
	if s.IsZoneTouchEvent() {
		return true
	}
	if s.Source == signal.SourceFVG && strings.Contains(s.Event, "touch") {
		return true
	}
	if s.SignalType == signal.KindTrendFilter {
		return true
	}
	return false
}

func confirmedEnough(s signal.Signal) bool {
	return s.Confirmed == signal.ConfirmedBarClose || s.Strength == signal.StrengthStrong
}

// TryDelayedReEval implements §4.7.5: an incoming non-trigger signal
// may resurrect a BLOCKED/DELAYED_PENDING symbol for one more
// evaluation attempt, subject to throttle and an attempts cap.
func (e *Engine) TryDelayedReEval(ctx context.Context, sig signal.Signal, positionsOpen int) bool {
	if !e.deps.Config.DelayedEntryEnabled {
		return false
	}
	if !delayedReEvalEligibleSource(sig) {
		return false
	}

	now := e.deps.Now()
	cfg := e.deps.Config

	e.mu.Lock()
	pe, ok := e.pending[sig.Symbol]
	if !ok {
		e.mu.Unlock()
		return false
	}
	if e.isProcessed(sig.Symbol, TriggerKey(pe.Trigger)) {
		e.mu.Unlock()
		return false
	}
	if sig.Side != signal.SideNone && sig.Side != pe.Trigger.Side {
		e.mu.Unlock()
		return false
	}
	if requiresConfirmation(sig) && !confirmedEnough(sig) {
		e.mu.Unlock()
		return false
	}
	if positionsOpen > 0 && pe.Trigger.EntryMode != "PYRAMID" {
		e.mu.Unlock()
		return false
	}
	minInterval := time.Duration(cfg.DelayedEntryMinRetryIntervalSec) * time.Second
	if !pe.LastAttemptAt.IsZero() && now.Sub(pe.LastAttemptAt) < minInterval {
		e.mu.Unlock()
		return false
	}
	if pe.Attempts >= cfg.DelayedEntryMaxAttempts {
		e.mu.Unlock()
		return false
	}

	// Atomic slot reservation: bump attempts/timestamps before
	// releasing the lock so a concurrent retry can't double-spend it.
	pe.Attempts++
	pe.LastAttemptAt = now
	pe.LastRetrySignal = sig
	pe.LastAttemptContext = string(sig.Source) + ":" + sig.Event

	if _, busy := e.locks[sig.Symbol]; busy {
		e.mu.Unlock()
		return false
	}
	e.aggregations[sig.Symbol] = &AggregationState{
		CreatedAt: now,
		DueAt:     now,
		MaxDueAt:  pe.ExpiresAt,
		Trigger:   pe.Trigger,
		running:   true,
	}
	e.state[sig.Symbol] = StateEvaluating
	symbol := sig.Symbol
	e.mu.Unlock()

	go e.runEvaluation(ctx, symbol)
	return true
}

// ConsiderPyramid implements §4.7.6: a same-direction Lorentzian
// trigger while positions are open and management is deferred may
// schedule a pyramid add-on entry if open P&L clears half the
// profit-protect threshold.
func (e *Engine) ConsiderPyramid(ctx context.Context, trig signal.Signal, openPnLPoints, profitProtectThresholdPoints float64) bool {
	if openPnLPoints < 0.5*profitProtectThresholdPoints {
		return false
	}
	trig.EntryMode = "PYRAMID"
	e.HandleTrigger(ctx, trig)
	return true
}
