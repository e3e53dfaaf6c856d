// Package outcome defines the error/result taxonomy of §7: string
// outcome codes surfaced in metrics, logs and HTTP bodies, never Go
// exceptions crossing a component boundary.
package outcome

// Code is a §7 outcome code.
type Code string

const (
	OK Code = "ok"

	InvalidTrigger Code = "invalid_trigger"
	InvalidData    Code = "invalid_data"

	BlockedNoSpread          Code = "blocked_no_spread"
	BlockedHeartbeat         Code = "blocked_heartbeat"
	BlockedMarketGuard       Code = "blocked_market_guard"
	EntryLocked              Code = "entry_locked"
	TriggerAlreadyProcessed  Code = "trigger_already_processed"

	BlockedSpread       Code = "blocked_spread"
	BlockedSpreadVsATR  Code = "blocked_spread_vs_atr"
	LRRBlockedEV        Code = "lrr_blocked_ev"
	LRRBlockedSpreadSpike Code = "lrr_blocked_spread_spike"
	LRRBlockedDist      Code = "lrr_blocked_dist"
	LRRBlockedPanicVol  Code = "lrr_blocked_panic_vol"
	BlockedCooldown     Code = "blocked_cooldown"
	BlockedPriceDrift   Code = "blocked_price_drift"

	SkipNetSideUnknown Code = "skip_net_side_unknown"
	SkipPositionOpen   Code = "skip_position_open"
	SkipAddonLimit     Code = "skip_addon_limit"
	AIThrottled        Code = "ai_throttled"

	BlockedAINoScore Code = "blocked_ai_no_score"
	BlockedAIScore   Code = "blocked_ai_score"
	BlockedAddonAI   Code = "blocked_addon_ai"

	OrderSendFailed Code = "order_send_failed"

	FrozenByHeartbeat Code = "frozen_by_heartbeat"
)

// HTTPStatus maps an outcome code to the HTTP status §6.1 specifies.
func (c Code) HTTPStatus() int {
	switch c {
	case OK:
		return 200
	case InvalidTrigger, InvalidData:
		return 400
	case BlockedHeartbeat, FrozenByHeartbeat:
		return 503
	case BlockedAINoScore:
		return 503
	case BlockedAIScore, BlockedAddonAI:
		return 403
	case AIThrottled:
		return 429
	default:
		return 200
	}
}

// Result pairs an outcome code with a human-readable response string,
// per §6.1's HTTP body contract.
type Result struct {
	Code    Code
	Message string
}

func (r Result) HTTPStatus() int { return r.Code.HTTPStatus() }
