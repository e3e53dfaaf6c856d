package entry

import (
	"context"
	"fmt"
	"time"

	"github.com/goldbrain/engine/internal/bus"
	"github.com/goldbrain/engine/internal/market"
	"github.com/goldbrain/engine/internal/oracle"
	"github.com/goldbrain/engine/internal/outcome"
	"github.com/goldbrain/engine/internal/signal"
)

// runEvaluation drives the EVALUATING state: acquires the processing
// lock, runs the §4.7.2 gate chain, and on a pass calls the AI gate
// and publishes an order. Runs on the deferred worker scheduled by
// HandleTrigger or TryDelayedReEval.
func (e *Engine) runEvaluation(ctx context.Context, symbol string) {
	e.mu.Lock()
	agg, hasAgg := e.aggregations[symbol]
	pe, hasPending := e.pending[symbol]
	if !hasAgg || !hasPending {
		e.mu.Unlock()
		return
	}
	delete(e.aggregations, symbol)
	e.state[symbol] = StateEvaluating
	e.locks[symbol] = &processingLock{acquiredAt: e.deps.Now(), context: "entry_eval"}
	trig := pe.Trigger
	bypassThrottle := pe.Attempts > 0
	e.mu.Unlock()
	_ = agg

	code, msg := e.evaluate(ctx, symbol, trig, bypassThrottle)
	e.finalize(symbol, code, msg, trig)
}

func (e *Engine) releaseLock(symbol string) {
	e.mu.Lock()
	delete(e.locks, symbol)
	e.mu.Unlock()
}

// finalize records the outcome, releases the processing lock, and
// clears or preserves PendingEntry depending on the result.
func (e *Engine) finalize(symbol string, code outcome.Code, msg string, trig signal.Signal) {
	now := e.deps.Now()
	if code == outcome.OK {
		e.deps.Metrics.RecordEntryAttempt(symbol, true, now)
		e.mu.Lock()
		delete(e.pending, symbol)
		e.state[symbol] = StatePlaced
		e.mu.Unlock()
	} else {
		e.deps.Metrics.RecordEntryAttempt(symbol, false, now)
		e.deps.Metrics.RecordBlocked(symbol, string(code), msg, now)
		e.mu.Lock()
		e.state[symbol] = StateBlocked
		if pe, ok := e.pending[symbol]; ok {
			if now.After(pe.ExpiresAt) {
				delete(e.pending, symbol)
			} else {
				e.state[symbol] = StateDelayedPending
			}
		}
		e.mu.Unlock()
	}
	e.releaseLock(symbol)
	e.deps.Log.Info().Str("symbol", symbol).Str("outcome", string(code)).Str("msg", msg).Msg("entry evaluation finished")
}

// evaluate runs gates 3-11, the AI gate, and publication. Gates 1-2
// (dedupe, processing lock) were already checked in HandleTrigger.
func (e *Engine) evaluate(ctx context.Context, symbol string, trig signal.Signal, bypassThrottle bool) (outcome.Code, string) {
	cfg := e.deps.Config
	now := e.deps.Now()

	if trig.Side != signal.SideBuy && trig.Side != signal.SideSell {
		return outcome.InvalidTrigger, "Invalid trigger"
	}

	if r := checkHeartbeat(e.deps.Positions.HeartbeatFresh(now)); r.blocked {
		if cfg.HeartbeatStaleMode == "freeze" {
			return outcome.FrozenByHeartbeat, "Frozen by heartbeat"
		}
		return r.code, r.message
	}

	positionsOpen := e.deps.Positions.PositionsOpen(symbol)
	netSide := e.deps.Positions.NetSide(symbol)

	guardRes, closeNeeded := checkMarketGuard(now, positionsOpen)
	if closeNeeded {
		e.publishClose(symbol, bus.ReasonMarketGuardClose, "NORMAL", "NORMAL")
		return outcome.BlockedMarketGuard, "Market guard: closing"
	}
	if guardRes.blocked {
		return guardRes.code, guardRes.message
	}

	e.mu.Lock()
	addon := e.addon[symbol]
	addonCount := 0
	if addon != nil && addon.side == trig.Side {
		addonCount = addon.count
	}
	e.mu.Unlock()

	posRes, isAddon := checkPositionsOpenPolicy(positionsOpen, netSide, trig.Side, addonCount, cfg.AddonSessionCap)
	if posRes.blocked {
		return posRes.code, posRes.message
	}

	snap := e.deps.Market.GetMarket(symbol)
	if r := checkMarketSanity(snap.Spread, cfg.SpreadHardCapPoints, snap.Point); r.blocked {
		return r.code, r.message
	}

	spreadPoints := snap.Spread / snap.Point
	atrPoints := snap.ATRM5 / snap.Point
	e.deps.Metrics.RecordGuard(symbol, "spread_points", spreadPoints, now)

	if r := checkSpreadVsATR(spreadPoints, atrPoints, e.spreadMaxATRRatio(), cfg.SpreadSoftMinAtrToSpread); r.blocked {
		return r.code, r.message
	}

	atrToSpread := 0.0
	spreadToATR := 0.0
	if spreadPoints > 0 {
		atrToSpread = atrPoints / spreadPoints
	}
	if atrPoints > 0 {
		spreadToATR = spreadPoints / atrPoints
	}
	lrrIn := lrrInputs{
		ATRToSpread:  atrToSpread,
		Spread:       snap.Spread,
		SpreadMedian: snap.SpreadMedian,
		Price:        trig.Price,
		SMA15:        snap.SMA15,
		ATRNow:       snap.ATRM5,
		ATR24h:       snap.ATR24hAvg,
	}
	lrrCfg := lrrConfig{
		EVHardMin:           cfg.LRREVHardMin,
		SpreadSpikeMultiple: cfg.SpreadSpikeMultiple,
		DistHardReject:      cfg.LRRDistHardReject,
		VolPanicRatio:       cfg.LRRVolPanicRatio,
	}
	if r := checkLRRHardGuards(lrrIn, lrrCfg); r.blocked {
		return r.code, r.message
	}

	e.mu.Lock()
	lastSent := e.lastOrderSent[symbol]
	e.mu.Unlock()
	if r := checkCooldown(now, lastSent, time.Duration(cfg.EntryCooldownSec)*time.Second); r.blocked {
		return r.code, r.message
	}

	atrEff := market.ATREffective(snap.ATRM5, snap.ATR24hAvg, cfg.ATRFloorMult, cfg.ATRSpikeCapMult)
	currentPrice := (snap.Bid + snap.Ask) / 2
	driftCfg := driftConfig{
		ATRMult:   e.driftLimitATRMult(),
		MinPoints: cfg.DriftMinPoints,
		MaxPoints: cfg.DriftMaxPoints,
		HardBlock: cfg.DriftHardBlock,
	}
	driftRes, limitPoints, driftPoints := checkDriftGuard(symbol, trig.Price, currentPrice, snap.Point, atrEff, driftCfg)
	e.deps.Metrics.RecordGuard(symbol, "drift_points", driftPoints, now)
	_ = limitPoints
	driftToATR := 0.0
	if atrPoints > 0 {
		driftToATR = driftPoints / atrPoints
	}
	e.deps.Samples.RecordSample(spreadToATR, driftToATR)
	if driftRes.blocked {
		return driftRes.code, driftRes.message
	}

	// Evidence assembly (§4.7.3).
	windowRes := e.Aggregate(symbol, trig.EffectiveTime(), trig.Side)
	qctx, qok := e.deps.QTrend.Get(symbol, trig.TF, now)
	confStats, confOk := e.ConfluenceFor(symbol)

	minScore := cfg.AIEntryMinScore
	if isAddon {
		minScore = cfg.AddonMinAIScore
	} else if qok && qctx.Strength == signal.StrengthStrong && qctx.Side == trig.Side {
		minScore = cfg.AIEntryMinScoreStrongAligned
	}

	score, code, msg := e.runAIGate(ctx, symbol, trig, windowRes, qctx, qok, confStats, confOk, atrEff, isAddon, minScore, bypassThrottle)
	if code != outcome.OK {
		return code, msg
	}

	return e.publishOrder(symbol, trig, snap, atrEff, score, isAddon)
}

// runAIGate implements §4.7.4.
func (e *Engine) runAIGate(ctx context.Context, symbol string, trig signal.Signal, win any, qctx any, qok bool, conf any, confOk bool, atrEff float64, isAddon bool, minScore int, bypassThrottle bool) (oracle.EntryScore, outcome.Code, string) {
	now := e.deps.Now()
	throttleKey := fmt.Sprintf("%s|%s|%s|%s|%d", symbol, sideAction(trig.Side), trig.Source, trig.Event, trig.SignalTime*1000)

	if !bypassThrottle {
		e.mu.Lock()
		last, ok := e.aiThrottle[throttleKey]
		e.mu.Unlock()
		if ok && now.Sub(last) < time.Duration(e.deps.Config.AIEntryThrottleSec)*time.Second {
			return oracle.EntryScore{}, outcome.AIThrottled, "AI throttled"
		}
	}
	e.mu.Lock()
	e.aiThrottle[throttleKey] = now
	e.mu.Unlock()

	input := oracle.EntryPromptInput{
		Trigger:         trig,
		QTrend:          qctxOrNil(qctx, qok),
		WindowSignals:   win,
		Market:          nil,
		Confluence:      confOrNil(conf, confOk),
		FreshnessSec:    now.Unix() - trig.ReceiveTime,
		HeuristicPoints: atrEff,
		IsAddon:         isAddon,
	}
	prompt, err := oracle.BuildEntryPrompt(input)
	if err != nil {
		return oracle.EntryScore{}, outcome.BlockedAINoScore, "AI prompt build failed"
	}

	obj, err := e.deps.Oracle.CallJSON(ctx, prompt, oracle.KindEntryScore, symbol)
	if err != nil || obj == nil {
		return oracle.EntryScore{}, outcome.BlockedAINoScore, "Blocked: AI no score"
	}
	score, ok := oracle.ParseEntryScore(obj)
	if !ok {
		return oracle.EntryScore{}, outcome.BlockedAINoScore, "Blocked: AI schema invalid"
	}
	e.deps.Metrics.RecordAIScore(symbol, score.ConfluenceScore, now)
	if score.ConfluenceScore < minScore {
		if isAddon {
			return score, outcome.BlockedAddonAI, "Blocked: add-on AI score"
		}
		return score, outcome.BlockedAIScore, "Blocked: AI score"
	}
	return score, outcome.OK, ""
}

func qctxOrNil(v any, ok bool) any {
	if !ok {
		return nil
	}
	return v
}

func confOrNil(v any, ok bool) any {
	if !ok {
		return nil
	}
	return v
}

func sideAction(s signal.Side) string {
	switch s {
	case signal.SideBuy:
		return "BUY"
	case signal.SideSell:
		return "SELL"
	default:
		return "NONE"
	}
}

// publishOrder implements §4.7.7: final pre-send heartbeat re-check,
// ORDER construction, dedupe/cooldown/add-on bookkeeping.
func (e *Engine) publishOrder(symbol string, trig signal.Signal, snap market.Snapshot, atrEff float64, score oracle.EntryScore, isAddon bool) (outcome.Code, string) {
	now := e.deps.Now()
	if !e.deps.Positions.HeartbeatFresh(now) && e.deps.Config.HeartbeatStaleMode == "freeze" {
		return outcome.FrozenByHeartbeat, "Frozen by heartbeat"
	}

	sweep := snap.SwingLowM5
	if trig.Side == signal.SideSell {
		sweep = snap.SwingHighM5
	}
	multiplier := clampf(score.LotMultiplier, 0.5, 2.0)

	msg := bus.OrderMessage{
		Action:       sideAction(trig.Side),
		Symbol:       symbol,
		ATR:          atrEff,
		SweepExtreme: sweep,
		Multiplier:   multiplier,
		Reason:       score.Reason,
		AIConfidence: score.ConfluenceScore,
		AIReason:     score.Reason,
	}
	e.deps.Bus.PublishOrder(msg)
	e.deps.Metrics.RecordSendOK(symbol, now)

	e.mu.Lock()
	e.markProcessed(symbol, TriggerKey(trig), now)
	e.lastOrderSent[symbol] = now
	a := e.addon[symbol]
	if a == nil || a.side != trig.Side {
		a = &addonSession{side: trig.Side}
		e.addon[symbol] = a
	}
	if isAddon {
		a.count++
	}
	a.updatedAt = now
	e.mu.Unlock()

	return outcome.OK, "Order sent"
}

func (e *Engine) publishClose(symbol, reason, trailMode, tpMode string) {
	e.deps.Bus.PublishClose(symbol, bus.CloseOrHoldMessage{Reason: reason, TrailMode: trailMode, TPMode: tpMode})
	e.deps.Metrics.RecordSendOK(symbol, e.deps.Now())
}
