package signal

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AssumeActionIsQTrend is the legacy compatibility knob documented in
// SPEC_FULL.md open-question (b). When true, a payload with no `source`
// whose side (from `side`, or from `action` when side is missing) is
// buy/sell is inferred to be Q-Trend. Default off.
var AssumeActionIsQTrend = false

const maxSanitizedLen = 256

// sourceAliases maps lower-cased raw source strings to canonical names.
var sourceAliases = map[string]string{
	"q-trend":      SourceQTrend,
	"qtrend":       SourceQTrend,
	"qtrendnormal": SourceQTrend,
	"luxalgo_fvg":  SourceFVG,
	"fvg":          SourceFVG,
	"zonesdetector": SourceZones,
	"zones":        SourceZones,
	"osgfc":        SourceOSGFC,
	"lorentzian":   SourceLorentzian,
}

// RawPayload is the loosely-typed webhook body before normalization.
// All downstream code works with Signal, never with RawPayload.
type RawPayload struct {
	Symbol     string
	Ticker     string
	Instrument string
	Market     string
	Pair       string

	Source     string
	Side       string
	Action     string
	TF         string
	Timeframe  string
	Interval   string
	Price      *float64
	Close      *float64
	C          *float64
	Strength   string
	SignalType string
	Event      string
	Confirmed  string

	Time      string
	TimeNow   string
	Timestamp string

	EntryMode string
}

// symbolAliases maps an upper-cased symbol, after canonicalizeSymbol has
// stripped any broker prefix such as "OANDA:", to its canonical name,
// e.g. "GOLD" -> "XAUUSD".
var symbolAliases = map[string]string{
	"XAUUSD": "XAUUSD",
	"GOLD":   "XAUUSD",
}

// ErrInvalidPayload is returned when no symbol field could be resolved.
var ErrInvalidPayload = fmt.Errorf("invalid_data: no symbol field present")

// Normalize converts a RawPayload into a canonical Signal. It never
// mutates SignalTime after it has been derived once; callers must not
// call Normalize twice on the same logical event expecting a new time.
func Normalize(raw RawPayload, receiveTime time.Time) (Signal, error) {
	symbol := firstNonEmpty(raw.Symbol, raw.Ticker, raw.Instrument, raw.Market, raw.Pair)
	if symbol == "" {
		return Signal{}, ErrInvalidPayload
	}
	symbol = canonicalizeSymbol(symbol)

	sig := Signal{
		Symbol:      symbol,
		Source:      canonicalizeSource(raw.Source, raw.Strength),
		SignalType:  canonicalizeKind(raw.SignalType),
		Event:       sanitize(strings.ToLower(strings.TrimSpace(raw.Event))),
		Confirmed:   canonicalizeConfirmed(raw.Confirmed),
		Strength:    canonicalizeStrength(raw.Strength),
		TF:          normalizeTF(firstNonEmpty(raw.TF, raw.Timeframe, raw.Interval)),
		ReceiveTime: receiveTime.Unix(),
		EntryMode:   sanitize(raw.EntryMode),
	}

	sig.Side = resolveSide(raw.Side, raw.Action)
	if sig.Source == SourceUnknown && AssumeActionIsQTrend && sig.Side != SideNone {
		sig.Source = SourceQTrend
	}
	if sig.Strength == StrengthStrong && sig.Source == SourceQTrend {
		sig.Source = SourceQTrendStrong
	}

	if p := firstNonNilFloat(raw.Price, raw.Close, raw.C); p != nil {
		sig.Price = *p
		sig.HasPrice = true
	}

	sig.SignalTime = resolveSignalTime(firstNonEmpty(raw.Time, raw.TimeNow, raw.Timestamp), sig.ReceiveTime)

	return sig, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstNonNilFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// sanitize bounds length and strips control/injection bytes from
// untrusted strings that may end up in logs or LLM prompts.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		if r == '`' || r == '\\' {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= maxSanitizedLen {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

func canonicalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		s = s[idx+1:]
	}
	if alias, ok := symbolAliases[s]; ok {
		return alias
	}
	return s
}

func canonicalizeSource(rawSource, rawStrength string) string {
	s := strings.ToLower(strings.TrimSpace(rawSource))
	if s == "" {
		return SourceUnknown
	}
	if strings.Contains(s, "strong") || strings.ToLower(rawStrength) == "strong" {
		if canon, ok := sourceAliases[stripStrong(s)]; ok && canon == SourceQTrend {
			return SourceQTrendStrong
		}
		if strings.Contains(s, "qtrend") || strings.Contains(s, "q-trend") {
			return SourceQTrendStrong
		}
	}
	if canon, ok := sourceAliases[s]; ok {
		return canon
	}
	return sanitize(rawSource)
}

func stripStrong(s string) string {
	s = strings.ReplaceAll(s, "strong", "")
	return strings.TrimSpace(s)
}

func canonicalizeKind(raw string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindContext:
		return KindContext
	case KindEntryTrigger:
		return KindEntryTrigger
	case KindStructure:
		return KindStructure
	case KindTrendFilter:
		return KindTrendFilter
	default:
		return KindNone
	}
}

func canonicalizeConfirmed(raw string) Confirmed {
	switch Confirmed(strings.ToLower(strings.TrimSpace(raw))) {
	case ConfirmedBarClose:
		return ConfirmedBarClose
	case ConfirmedIntrabar:
		return ConfirmedIntrabar
	default:
		return ConfirmedNone
	}
}

func canonicalizeStrength(raw string) Strength {
	switch Strength(strings.ToLower(strings.TrimSpace(raw))) {
	case StrengthStrong:
		return StrengthStrong
	case StrengthNormal:
		return StrengthNormal
	default:
		return StrengthNone
	}
}

// resolveSide accepts `action` as a side alias only when side is missing.
func resolveSide(rawSide, rawAction string) Side {
	s := strings.ToLower(strings.TrimSpace(rawSide))
	switch Side(s) {
	case SideBuy, SideSell:
		return Side(s)
	}
	a := strings.ToLower(strings.TrimSpace(rawAction))
	switch Side(a) {
	case SideBuy, SideSell:
		return Side(a)
	}
	return SideNone
}

// normalizeTF maps minute counts and aliases to a canonical timeframe tag.
func normalizeTF(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return tfFromMinutes(n)
	}
	switch raw {
	case "m1", "m5", "m15", "m30", "h1", "h4", "d1":
		return raw
	}
	if strings.HasPrefix(raw, "m") || strings.HasPrefix(raw, "h") || strings.HasPrefix(raw, "d") {
		return raw
	}
	return raw
}

func tfFromMinutes(n int) string {
	switch n {
	case 60:
		return "h1"
	case 240:
		return "h4"
	case 1440:
		return "d1"
	default:
		return fmt.Sprintf("m%d", n)
	}
}

// resolveSignalTime implements §4.1's parse order: explicit number (ms
// if >= 1e12 else s) -> ISO-8601 (assume UTC when naive) -> receiveTime.
// SignalTime must be set exactly once; callers never overwrite it.
func resolveSignalTime(raw string, receiveTime int64) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return receiveTime
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		if n >= 1e12 {
			return int64(n / 1000)
		}
		return int64(n)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.Unix()
	}
	if t, err := time.Parse("2006-01-02T15:04:05", raw); err == nil {
		return t.UTC().Unix()
	}
	return receiveTime
}
