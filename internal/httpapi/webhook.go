package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goldbrain/engine/internal/outcome"
	"github.com/goldbrain/engine/internal/signal"
)

// handleWebhook implements §6.1's POST /webhook: normalize, cache,
// feed the Q-Trend store, then hand off to the Dispatcher. TradingView
// and similar alert senders post loosely-typed JSON (numbers, strings,
// or missing fields interchangeably), so the body is decoded into a
// generic map rather than a fixed struct.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeOutcome(w, outcome.Result{Code: outcome.InvalidData, Message: string(outcome.InvalidData)})
		return
	}

	if err := s.checkBodyToken(r, body); err != nil {
		writeResult(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	raw := rawPayloadFromBody(body)
	now := s.deps.Now()
	sig, err := signal.Normalize(raw, now)
	if err != nil {
		writeOutcome(w, outcome.Result{Code: outcome.InvalidData, Message: string(outcome.InvalidData)})
		return
	}

	s.deps.Metrics.RecordWebhook(sig.Symbol, now)

	dedupeWindow := secondsOrDefault(s.deps.Config.DedupeWindowSec, 120)
	if !s.deps.Cache.Append(sig, dedupeWindow) {
		s.deps.Metrics.RecordDuplicate(sig.Symbol, now)
		writeResult(w, http.StatusOK, "Duplicate")
		return
	}

	s.deps.QTrend.UpdateFromSignal(sig)

	res := s.deps.Dispatcher.Handle(r.Context(), sig)
	writeOutcome(w, res)
}

// checkBodyToken re-validates the shared secret from the decoded body
// when the header-based check in tokenAuthMiddleware was skipped
// (header absent, body-token auth enabled). The token key is removed
// from the body after reading per §6.1 ("removed after auth").
func (s *Server) checkBodyToken(r *http.Request, body map[string]any) error {
	token := s.deps.Config.WebhookToken
	if token == "" || r.Header.Get("X-Webhook-Token") != "" {
		return nil
	}
	if !s.deps.Config.WebhookTokenEnabled {
		return nil
	}
	got, _ := body["token"].(string)
	delete(body, "token")
	if got != token {
		return errUnauthorized
	}
	return nil
}

var errUnauthorized = errors.New("unauthorized")

func rawPayloadFromBody(body map[string]any) signal.RawPayload {
	return signal.RawPayload{
		Symbol:     getString(body, "symbol"),
		Ticker:     getString(body, "ticker"),
		Instrument: getString(body, "instrument"),
		Market:     getString(body, "market"),
		Pair:       getString(body, "pair"),

		Source:     getString(body, "source"),
		Side:       getString(body, "side"),
		Action:     getString(body, "action"),
		TF:         getString(body, "tf"),
		Timeframe:  getString(body, "timeframe"),
		Interval:   getString(body, "interval"),
		Price:      getFloatPtr(body, "price"),
		Close:      getFloatPtr(body, "close"),
		C:          getFloatPtr(body, "c"),
		Strength:   getString(body, "strength"),
		SignalType: getString(body, "signal_type"),
		Event:      getString(body, "event"),
		Confirmed:  getString(body, "confirmed"),

		Time:      getString(body, "time"),
		TimeNow:   getString(body, "timenow"),
		Timestamp: getString(body, "timestamp"),

		EntryMode: getString(body, "entry_mode"),
	}
}

func getString(body map[string]any, key string) string {
	v, ok := body[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func getFloatPtr(body map[string]any, key string) *float64 {
	v, ok := body[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case float64:
		return &t
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return &f
		}
	}
	return nil
}

func secondsOrDefault(sec, fallback int) time.Duration {
	if sec <= 0 {
		sec = fallback
	}
	return time.Duration(sec) * time.Second
}
