// Package bus implements the Output Bus (C10) and Liveness Monitor
// (C11): a bidirectional websocket client publishing ORDER/CLOSE/HOLD
// messages and subscribing to HEARTBEAT/TICK/BAR frames from the
// execution process, adapted from the teacher's Kraken streaming
// client.
package bus

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/goldbrain/engine/internal/market"
	"github.com/goldbrain/engine/internal/signal"
)

// Message discriminators, per §6.2. TICK/BAR are this system's own
// extension of the inbound side: the engine has no broker connection
// of its own, so the execution process — already the bus's HEARTBEAT
// publisher — is also the only plausible source of the live bid/ask
// and closed-bar data §4.4's Market Snapshot Provider needs.
const (
	TypeOrder     = "ORDER"
	TypeClose     = "CLOSE"
	TypeHold      = "HOLD"
	TypeHeartbeat = "HEARTBEAT"
	TypeTick      = "TICK"
	TypeBar       = "BAR"
)

// TickMessage carries a live bid/ask quote for one symbol.
type TickMessage struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Point  float64 `json:"point"`
	TS     int64   `json:"ts"`
}

// BarMessage carries one newly closed M5 candle for one symbol.
type BarMessage struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	TS     int64   `json:"ts"`
}

// MarketFeed receives the ticks/bars ReadLoop decodes off the wire,
// satisfied by *market.Provider.
type MarketFeed interface {
	OnTick(symbol string, bid, ask, point float64, at time.Time)
	OnBarClose(symbol string, bar market.Bar)
}

// OrderMessage is the §6.2 ORDER payload.
type OrderMessage struct {
	Type         string  `json:"type"`
	Action       string  `json:"action"`
	Symbol       string  `json:"symbol"`
	ATR          float64 `json:"atr"`
	SweepExtreme float64 `json:"sweep_extreme"`
	Multiplier   float64 `json:"multiplier"`
	Reason       string  `json:"reason"`
	AIConfidence int     `json:"ai_confidence"`
	AIReason     string  `json:"ai_reason"`
}

// CloseOrHoldMessage is the shared shape of §6.2's CLOSE/HOLD payloads.
type CloseOrHoldMessage struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	TrailMode string `json:"trail_mode"`
	TPMode    string `json:"tp_mode"`
}

// Special CLOSE/HOLD reasons named in §6.2.
const (
	ReasonWeekendDiscretionaryClose = "weekend_discretionary_close"
	ReasonMarketGuardClose          = "market_guard_close"
	ReasonAIFallbackHold            = "ai_fallback_hold"
)

// HeartbeatPayload is the §6.3 allowlisted subset consumed by the
// core; unknown keys are dropped rather than rejected. The trailing
// position-state fields are beyond the literal allowlist named in
// §6.3 but fall under its "…" — the execution process is the only
// source of per-position holding time and P&L, so the heartbeat frame
// is where the management decision (§4.8.2) has to learn them.
type HeartbeatPayload struct {
	Type                string  `json:"type"`
	TS                  int64   `json:"ts"`
	TradeServerTS       int64   `json:"trade_server_ts"`
	GMTTS               int64   `json:"gmt_ts"`
	ServerGMTOffsetSec  int     `json:"server_gmt_offset_sec"`
	Symbol              string  `json:"symbol"`
	Login               string  `json:"login"`
	Equity              float64 `json:"equity"`
	Balance             float64 `json:"balance"`
	Positions           int     `json:"positions"`
	NetSide             string  `json:"net_side"`
	Halt                bool    `json:"halt"`
	Magic               int     `json:"magic"`
	HoldingSeconds      int64   `json:"holding_seconds"`
	OpenPnLPoints       float64 `json:"open_pnl_points"`
	InProfitProtect     bool    `json:"in_profit_protect"`
}

// SendFailureRecorder observes per (symbol,kind) publish failures for
// §4.12 metrics.
type SendFailureRecorder interface {
	RecordSendFailure(symbol, kind string)
}

type noopRecorder struct{}

func (noopRecorder) RecordSendFailure(string, string) {}

// AuditRecorder persists a supplemental decision-audit row independent
// of whether the wire publish itself succeeded — the postgres audit
// trail exists for after-the-fact review, not delivery confirmation.
// Satisfied by a small adapter over persistence.AuditRepo in
// internal/engine; nil disables auditing entirely.
type AuditRecorder interface {
	RecordDecision(symbol, kind, action, reason string, confidence int, at time.Time)
}

type noopAuditRecorder struct{}

func (noopAuditRecorder) RecordDecision(string, string, string, string, int, time.Time) {}

// Client is a best-effort websocket bus client that publishes
// ORDER/CLOSE/HOLD frames and, through ReadLoop, consumes inbound
// frames. A failed send is counted and dropped, never retried, since a retry
// could duplicate a side effect downstream (§4.10).
type Client struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	url      string
	log      zerolog.Logger
	recorder SendFailureRecorder

	heartbeatMu      sync.RWMutex
	lastAt           time.Time
	lastSummary      HeartbeatPayload
	heartbeatTimeout time.Duration

	market MarketFeed
	audit  AuditRecorder
}

// New constructs a Client bound to busURL (dialed lazily by Connect).
// heartbeatTimeout defaults to 10s, matching config.Default's
// HeartbeatTimeoutSec; SetHeartbeatTimeout overrides it once the real
// config is loaded.
func New(busURL string, log zerolog.Logger, recorder SendFailureRecorder) *Client {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Client{url: busURL, log: log, recorder: recorder, heartbeatTimeout: 10 * time.Second, audit: noopAuditRecorder{}}
}

// SetMarketFeed wires the Market Snapshot Provider TICK/BAR frames are
// dispatched to. Nil (the default) drops TICK/BAR frames silently.
func (c *Client) SetMarketFeed(feed MarketFeed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.market = feed
}

// SetAuditRecorder wires the supplemental decision-audit trail.
func (c *Client) SetAuditRecorder(rec AuditRecorder) {
	if rec == nil {
		rec = noopAuditRecorder{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audit = rec
}

// SetHeartbeatTimeout configures the window HeartbeatFresh uses.
func (c *Client) SetHeartbeatTimeout(d time.Duration) {
	c.heartbeatMu.Lock()
	defer c.heartbeatMu.Unlock()
	c.heartbeatTimeout = d
}

// Connect dials the bus websocket endpoint.
func (c *Client) Connect() error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("parse bus url: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial bus: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) publish(symbol, kind string, v any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.recorder.RecordSendFailure(symbol, kind)
		c.log.Warn().Str("symbol", symbol).Str("kind", kind).Msg("bus publish skipped: not connected")
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.recorder.RecordSendFailure(symbol, kind)
		c.log.Error().Err(err).Str("kind", kind).Msg("bus marshal failed")
		return
	}
	c.mu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if err != nil {
		c.recorder.RecordSendFailure(symbol, kind)
		c.log.Warn().Err(err).Str("symbol", symbol).Str("kind", kind).Msg("bus publish failed")
	}
}

// PublishOrder emits an ORDER message (§6.2).
func (c *Client) PublishOrder(msg OrderMessage) {
	msg.Type = TypeOrder
	c.publish(msg.Symbol, TypeOrder, msg)
	c.audit.RecordDecision(msg.Symbol, TypeOrder, msg.Action, msg.Reason, msg.AIConfidence, time.Now())
}

// PublishClose emits a CLOSE message. symbol is used only for metrics
// attribution since CLOSE carries no symbol field on the wire.
func (c *Client) PublishClose(symbol string, msg CloseOrHoldMessage) {
	msg.Type = TypeClose
	c.publish(symbol, TypeClose, msg)
	c.audit.RecordDecision(symbol, TypeClose, "", msg.Reason, 0, time.Now())
}

// PublishHold emits a HOLD message.
func (c *Client) PublishHold(symbol string, msg CloseOrHoldMessage) {
	msg.Type = TypeHold
	c.publish(symbol, TypeHold, msg)
	c.audit.RecordDecision(symbol, TypeHold, "", msg.Reason, 0, time.Now())
}

// OnHeartbeat records an inbound heartbeat frame, per §4.11.
func (c *Client) OnHeartbeat(p HeartbeatPayload, at time.Time) {
	c.heartbeatMu.Lock()
	defer c.heartbeatMu.Unlock()
	c.lastAt = at
	c.lastSummary = p
}

// IsFresh implements §4.11's heartbeat_is_fresh(now): fresh when
// monitoring is disabled, or the last heartbeat is within timeout.
func (c *Client) IsFresh(enabled bool, timeout time.Duration, now time.Time) bool {
	if !enabled {
		return true
	}
	c.heartbeatMu.RLock()
	defer c.heartbeatMu.RUnlock()
	if c.lastAt.IsZero() {
		return false
	}
	return now.Sub(c.lastAt) <= timeout
}

// LastHeartbeat returns the last recorded heartbeat summary and its
// receive time.
func (c *Client) LastHeartbeat() (HeartbeatPayload, time.Time) {
	c.heartbeatMu.RLock()
	defer c.heartbeatMu.RUnlock()
	return c.lastSummary, c.lastAt
}

// PositionsOpen, NetSide, HeartbeatFresh, HoldingSeconds, OpenPnLPoints
// and InProfitProtect together satisfy the entry/management/dispatch
// PositionsView interfaces directly off the last heartbeat frame, so
// the bus client doubles as the production position-state source —
// there is no separate position tracker in this system; the execution
// process is authoritative and the heartbeat is its only channel out.
// A heartbeat for a different symbol than asked about reports flat,
// since the single-instrument heartbeat frame carries no other
// symbol's state.

func (c *Client) summaryFor(symbol string) (HeartbeatPayload, bool) {
	c.heartbeatMu.RLock()
	defer c.heartbeatMu.RUnlock()
	if c.lastAt.IsZero() || c.lastSummary.Symbol != symbol {
		return HeartbeatPayload{}, false
	}
	return c.lastSummary, true
}

// PositionsOpen reports the open position count for symbol from the
// last heartbeat frame naming it.
func (c *Client) PositionsOpen(symbol string) int {
	p, ok := c.summaryFor(symbol)
	if !ok {
		return 0
	}
	return p.Positions
}

// NetSide reports the net open side for symbol from the last
// heartbeat frame naming it.
func (c *Client) NetSide(symbol string) signal.Side {
	p, ok := c.summaryFor(symbol)
	if !ok {
		return ""
	}
	return signal.Side(p.NetSide)
}

// HeartbeatFresh reports whether the last heartbeat (any symbol) is
// within the configured staleness window, per §4.11.
func (c *Client) HeartbeatFresh(now time.Time) bool {
	c.heartbeatMu.RLock()
	defer c.heartbeatMu.RUnlock()
	if c.lastAt.IsZero() {
		return false
	}
	return now.Sub(c.lastAt) <= c.heartbeatTimeout
}

// HoldingSeconds reports how long symbol's position has been held, per
// the last heartbeat naming it.
func (c *Client) HoldingSeconds(symbol string, now time.Time) int64 {
	p, ok := c.summaryFor(symbol)
	if !ok {
		return 0
	}
	return p.HoldingSeconds
}

// OpenPnLPoints reports symbol's open P&L in points, per the last
// heartbeat naming it.
func (c *Client) OpenPnLPoints(symbol string) float64 {
	p, ok := c.summaryFor(symbol)
	if !ok {
		return 0
	}
	return p.OpenPnLPoints
}

// InProfitProtect reports whether the execution process has already
// flagged symbol's position as profit-protected.
func (c *Client) InProfitProtect(symbol string) bool {
	p, ok := c.summaryFor(symbol)
	if !ok {
		return false
	}
	return p.InProfitProtect
}

// ReadLoop runs a blocking read loop dispatching HEARTBEAT frames to
// OnHeartbeat and TICK/BAR frames to the market feed; intended to run on its own goroutine per §5's "a single
// subscriber task drives heartbeat ingestion". Returns when the
// connection closes or an unrecoverable read error occurs.
func (c *Client) ReadLoop(now func() time.Time) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("bus read loop: not connected")
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("bus read: %w", err)
		}
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.log.Warn().Err(err).Msg("bus: malformed frame")
			continue
		}
		switch envelope.Type {
		case TypeHeartbeat:
			var hb HeartbeatPayload
			if err := json.Unmarshal(data, &hb); err != nil {
				c.log.Warn().Err(err).Msg("bus: malformed heartbeat")
				continue
			}
			c.OnHeartbeat(hb, now())
		case TypeTick:
			var tick TickMessage
			if err := json.Unmarshal(data, &tick); err != nil {
				c.log.Warn().Err(err).Msg("bus: malformed tick")
				continue
			}
			c.dispatchTick(tick, now())
		case TypeBar:
			var bar BarMessage
			if err := json.Unmarshal(data, &bar); err != nil {
				c.log.Warn().Err(err).Msg("bus: malformed bar")
				continue
			}
			c.dispatchBar(bar)
		}
	}
}

func (c *Client) dispatchTick(tick TickMessage, at time.Time) {
	c.mu.Lock()
	feed := c.market
	c.mu.Unlock()
	if feed == nil {
		return
	}
	feed.OnTick(tick.Symbol, tick.Bid, tick.Ask, tick.Point, at)
}

func (c *Client) dispatchBar(bar BarMessage) {
	c.mu.Lock()
	feed := c.market
	c.mu.Unlock()
	if feed == nil {
		return
	}
	feed.OnBarClose(bar.Symbol, market.Bar{Time: bar.TS, Open: bar.Open, High: bar.High, Low: bar.Low, Close: bar.Close})
}
