package oracle

import (
	"encoding/json"
	"fmt"
)

// EntryPromptInput is the payload §4.7.3/§4.9 requires for an
// entry_score call.
type EntryPromptInput struct {
	Trigger          any `json:"trigger"`
	QTrend           any `json:"qtrend"`
	WindowSignals    any `json:"window_signals"`
	Market           any `json:"market"`
	Confluence       any `json:"confluence"`
	PriceDrift       any `json:"price_drift"`
	FreshnessSec     int64 `json:"freshness_sec"`
	HeuristicPoints  float64 `json:"heuristic_points"`
	IsAddon          bool `json:"is_addon"`
}

// ClosePromptInput is the payload §4.8.2/§4.9 requires for a
// close_hold call.
type ClosePromptInput struct {
	LatestSignal    any     `json:"latest_signal"`
	RecentSignals   any     `json:"recent_signals"`
	Market          any     `json:"market"`
	Phase           string  `json:"phase"`
	HoldingSec      int64   `json:"holding_sec"`
	BreakevenBand   float64 `json:"breakeven_band_points"`
	ProfitProtect   float64 `json:"profit_protect_threshold_points"`
	NetSide         string  `json:"net_side"`
	FreshnessSec    int64   `json:"freshness_sec"`
}

const jsonOnlyDirective = "Respond with strict JSON only, matching the schema implied by the fields below. No prose, no markdown fences."

// BuildEntryPrompt renders the deterministic entry_score prompt text.
func BuildEntryPrompt(in EntryPromptInput) (string, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal entry prompt payload: %w", err)
	}
	return fmt.Sprintf("%s\nSchema: {\"confluence_score\":1-100,\"lot_multiplier\":0.5-2.0,\"reason\":string}\nPayload: %s", jsonOnlyDirective, payload), nil
}

// BuildClosePrompt renders the deterministic close_hold prompt text.
func BuildClosePrompt(in ClosePromptInput) (string, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal close prompt payload: %w", err)
	}
	return fmt.Sprintf("%s\nSchema: {\"confidence\":0-100,\"reason\":string,\"trail_mode\":\"WIDE|NORMAL|TIGHT\",\"tp_mode\":\"WIDE|NORMAL|TIGHT\"}\nPayload: %s", jsonOnlyDirective, payload), nil
}
