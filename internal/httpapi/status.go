package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goldbrain/engine/internal/config"
	"github.com/goldbrain/engine/internal/metrics"
)

type pingResponse struct {
	OK bool      `json:"ok"`
	TS time.Time `json:"ts"`
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pingResponse{OK: true, TS: s.deps.Now()})
}

type statusResponse struct {
	Timestamp        time.Time         `json:"timestamp"`
	Uptime           time.Duration     `json:"uptime"`
	HeartbeatFresh   bool              `json:"heartbeat_fresh"`
	LastHeartbeatAge *float64          `json:"last_heartbeat_age_sec,omitempty"`
	CacheSymbols     map[string]int    `json:"cache_symbols"`
	PendingEntry     map[string]string `json:"pending_entry"`
	PendingMgmt      []string          `json:"pending_mgmt"`
}

// handleStatus implements §6.1's GET /status runtime snapshot:
// heartbeat freshness, per-symbol cache size, and the pending
// entry/management state each engine exposes read-only.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.deps.Now()
	cfg := s.deps.Config

	resp := statusResponse{
		Timestamp:    now,
		Uptime:       now.Sub(s.deps.StartedAt),
		CacheSymbols: map[string]int{},
		PendingEntry: s.deps.Entry.PendingSnapshot(),
		PendingMgmt:  s.deps.Mgmt.PendingSnapshot(),
	}

	if s.deps.Bus != nil {
		timeout := time.Duration(cfg.HeartbeatTimeoutSec) * time.Second
		resp.HeartbeatFresh = s.deps.Bus.IsFresh(true, timeout, now)
		if _, at := s.deps.Bus.LastHeartbeat(); !at.IsZero() {
			age := now.Sub(at).Seconds()
			resp.LastHeartbeatAge = &age
		}
	}

	for _, symbol := range s.deps.Cache.AllSymbols() {
		resp.CacheSymbols[symbol] = len(s.deps.Cache.Snapshot(symbol))
	}

	writeJSON(w, http.StatusOK, resp)
}

type metricsResponse struct {
	Metrics  any                  `json:"metrics"`
	AutoTune metrics.AutoTuneState `json:"auto_tune"`
	Config   config.Config        `json:"config"`
}

// handleMetrics implements §6.1's GET /metrics: the rolling §3 metrics
// map plus a config echo, gated behind the same shared secret as the
// webhook itself since the config echo can reveal tunables. A scraper
// that asks for Prometheus exposition (?format=prometheus, or an
// Accept header naming the exposition content type, the way
// promhttp.Handler's own clients do) gets the registered counters and
// gauges instead of the JSON body, from the same route and handler.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if wantsPrometheusFormat(r) {
		if g := s.deps.Metrics.Gatherer(); g != nil {
			promhttp.HandlerFor(g, promhttp.HandlerOpts{}).ServeHTTP(w, r)
			return
		}
	}
	writeJSON(w, http.StatusOK, metricsResponse{
		Metrics:  s.deps.Metrics.Snapshot(),
		AutoTune: s.deps.Metrics.AutoTuneSnapshot(),
		Config:   s.deps.Config,
	})
}

func wantsPrometheusFormat(r *http.Request) bool {
	if r.URL.Query().Get("format") == "prometheus" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/plain")
}
