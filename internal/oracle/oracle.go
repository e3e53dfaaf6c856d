// Package oracle implements the AI Oracle Adapter (§4.9): a JSON-only
// prompt/response contract around a scoring LLM, wrapped in a
// gobreaker circuit breaker and an x/time/rate limiter the way the
// teacher wraps its outbound providers.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rs/zerolog"
)

// Kind discriminates the two deterministic prompt shapes of §4.9.
type Kind string

const (
	KindEntryScore Kind = "entry_score"
	KindCloseHold  Kind = "close_hold"
)

// Caller is the transport the Adapter drives: a single JSON-mode chat
// completion. NewHTTPCaller in this package builds the OpenAI-compatible
// HTTP implementation; tests supply their own fakes.
type Caller interface {
	CallJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// EntryScore is the §4.7.4 schema.
type EntryScore struct {
	ConfluenceScore int     `json:"confluence_score"`
	LotMultiplier   float64 `json:"lot_multiplier"`
	Reason          string  `json:"reason"`
}

// Valid checks the §4.7.4 bounds.
func (s EntryScore) Valid() bool {
	return s.ConfluenceScore >= 1 && s.ConfluenceScore <= 100 &&
		s.LotMultiplier >= 0.5 && s.LotMultiplier <= 2.0
}

// CloseHoldDecision is the §4.8.2 schema.
type CloseHoldDecision struct {
	Confidence int    `json:"confidence"`
	Reason     string `json:"reason"`
	TrailMode  string `json:"trail_mode"`
	TPMode     string `json:"tp_mode"`
}

// Valid checks the §4.8.2 bounds/enums.
func (d CloseHoldDecision) Valid() bool {
	if d.Confidence < 0 || d.Confidence > 100 {
		return false
	}
	return isMode(d.TrailMode) && isMode(d.TPMode)
}

func isMode(m string) bool {
	switch m {
	case "WIDE", "NORMAL", "TIGHT":
		return true
	default:
		return false
	}
}

const systemPrompt = "You are a strict trading engine. Output ONLY JSON."

// Config bounds the Adapter's timeout/retry/rate behavior (§4.9).
type Config struct {
	Timeout         time.Duration
	RetryCount      int
	RetryWait       time.Duration
	RateLimitPerSec float64
	RateLimitBurst  int
}

// DefaultConfig mirrors the §4.9/§3 defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         20 * time.Second,
		RetryCount:      3,
		RetryWait:       2 * time.Second,
		RateLimitPerSec: 2,
		RateLimitBurst:  4,
	}
}

// Adapter is the Oracle's concrete, circuit-broken, rate-limited
// caller.
type Adapter struct {
	caller  Caller
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	log     zerolog.Logger
	metrics Recorder
}

// Recorder receives call/latency observations for §4.12 metrics.
type Recorder interface {
	RecordOracleCall(kind Kind, ok bool, latency time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordOracleCall(Kind, bool, time.Duration) {}

// New constructs an Adapter. caller performs the actual network call;
// recorder may be nil to disable metrics observation.
func New(caller Caller, cfg Config, log zerolog.Logger, recorder Recorder) *Adapter {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	settings := gobreaker.Settings{
		Name:        "oracle",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("oracle breaker state change")
		},
	}
	return &Adapter{
		caller:  caller,
		cfg:     cfg,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
		log:     log,
		metrics: recorder,
	}
}

// CallJSON implements the §4.9 contract: call_json(prompt, kind,
// symbol) -> JSON object or nil. Returns the raw decoded map (always
// containing "_oracle_id" and "_oracle_latency_ms" for audit), or nil
// and the last error on exhausted retries/breaker-open.
func (a *Adapter) CallJSON(ctx context.Context, prompt string, kind Kind, symbol string) (map[string]any, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("oracle rate limit wait: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= a.cfg.RetryCount; attempt++ {
		start := time.Now()
		raw, err := a.attempt(ctx, prompt)
		latency := time.Since(start)
		a.metrics.RecordOracleCall(kind, err == nil, latency)
		if err == nil {
			obj, perr := decode(raw)
			if perr != nil {
				lastErr = perr
			} else {
				obj["_oracle_id"] = fmt.Sprintf("%s-%s-%d", symbol, kind, start.UnixNano())
				obj["_oracle_latency_ms"] = latency.Milliseconds()
				return obj, nil
			}
		} else {
			lastErr = err
		}
		if attempt < a.cfg.RetryCount {
			select {
			case <-time.After(a.cfg.RetryWait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	a.log.Warn().Err(lastErr).Str("symbol", symbol).Str("kind", string(kind)).Msg("oracle call exhausted retries")
	return nil, lastErr
}

func (a *Adapter) attempt(ctx context.Context, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.caller.CallJSON(callCtx, systemPrompt, prompt)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// decode strips Markdown code fences (models routinely wrap JSON in
// ```json ... ``` despite the system prompt) and unmarshals.
func decode(raw string) (map[string]any, error) {
	cleaned := stripMarkdownFences(raw)
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(cleaned)))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode oracle response: %w", err)
	}
	return obj, nil
}

func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ParseEntryScore validates and converts a decoded response into an
// EntryScore, per §4.7.4's schema check.
func ParseEntryScore(obj map[string]any) (EntryScore, bool) {
	b, err := json.Marshal(obj)
	if err != nil {
		return EntryScore{}, false
	}
	var s EntryScore
	if err := json.Unmarshal(b, &s); err != nil {
		return EntryScore{}, false
	}
	return s, s.Valid()
}

// ParseCloseHold validates and converts a decoded response into a
// CloseHoldDecision, per §4.8.2's schema.
func ParseCloseHold(obj map[string]any) (CloseHoldDecision, bool) {
	b, err := json.Marshal(obj)
	if err != nil {
		return CloseHoldDecision{}, false
	}
	var d CloseHoldDecision
	if err := json.Unmarshal(b, &d); err != nil {
		return CloseHoldDecision{}, false
	}
	return d, d.Valid()
}
