// Package engine wires the full decision pipeline (C1-C14) into one
// process per §9's "explicit initialization, no hidden singletons":
// every collaborator is constructed here and handed to its dependents
// by value, with no package-level state anywhere in the tree.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/goldbrain/engine/internal/autotune"
	"github.com/goldbrain/engine/internal/bus"
	"github.com/goldbrain/engine/internal/cache"
	"github.com/goldbrain/engine/internal/config"
	"github.com/goldbrain/engine/internal/dispatch"
	"github.com/goldbrain/engine/internal/entry"
	"github.com/goldbrain/engine/internal/httpapi"
	"github.com/goldbrain/engine/internal/management"
	"github.com/goldbrain/engine/internal/market"
	"github.com/goldbrain/engine/internal/metrics"
	"github.com/goldbrain/engine/internal/oracle"
	"github.com/goldbrain/engine/internal/persistence"
	"github.com/goldbrain/engine/internal/persistence/postgres"
	"github.com/goldbrain/engine/internal/qtrend"
)

// Engine owns every component's lifecycle: construction, the
// background flush/tune/audit loops, and graceful shutdown.
type Engine struct {
	cfg config.Config
	log zerolog.Logger

	cache   *cache.Cache
	qtrend  *qtrend.Store
	market  *market.Provider
	metrics *metrics.Store
	tunable *config.Tunable
	samples *autotune.Store
	tuner   *autotune.Tuner
	oracle  *oracle.Adapter
	bus     *bus.Client
	entry   *entry.Engine
	mgmt    *management.Engine
	dispatcher *dispatch.Dispatcher
	server  *httpapi.Server
	auditDB *persistence.AuditRepoCloser

	stopBackground chan struct{}
}

// New constructs every collaborator. It does not start any background
// loop or network connection; call Run for that.
func New(cfg config.Config, log zerolog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:            cfg,
		log:            log,
		stopBackground: make(chan struct{}),
	}

	e.cache = cache.New(cache.DefaultRetention(), log)
	e.qtrend = qtrend.New(time.Duration(cfg.QTrendMaxAgeSec)*time.Second, cfg.QTrendTFFallback)
	e.market = market.New()
	e.metrics = metrics.New(cfg.MetricsKeepDays, cfg.MetricsMaxExamples, prometheus.NewRegistry())
	e.tunable = config.NewTunable(cfg)
	e.samples = autotune.NewStore(cfg.AutoTuneMinSamples * 10)
	e.tuner = autotune.New(e.samples, e.tunable, cfg, cfg.EnvFilePath, e.metrics, log)

	caller := oracle.NewHTTPCaller(cfg.OracleBaseURL, cfg.OracleAPIKey, cfg.OracleModel, time.Duration(cfg.APITimeoutSec)*time.Second)
	oracleCfg := oracle.Config{
		Timeout:         time.Duration(cfg.APITimeoutSec) * time.Second,
		RetryCount:      cfg.APIRetryCount,
		RetryWait:       time.Duration(cfg.APIRetryWaitSec) * time.Second,
		RateLimitPerSec: cfg.OracleRateLimitPerSec,
		RateLimitBurst:  cfg.OracleRateLimitBurst,
	}
	e.oracle = oracle.New(caller, oracleCfg, log, e.metrics)

	e.bus = bus.New(cfg.BusURL, log, e.metrics)
	e.bus.SetHeartbeatTimeout(time.Duration(cfg.HeartbeatTimeoutSec) * time.Second)
	e.bus.SetMarketFeed(e.market)

	if repo, closer, err := buildAuditRepo(cfg); err != nil {
		return nil, fmt.Errorf("build audit repo: %w", err)
	} else if repo != nil {
		e.auditDB = closer
		e.bus.SetAuditRecorder(newAuditRecorder(repo, log))
	}

	e.entry = entry.New(entry.Dependencies{
		Cache:     e.cache,
		QTrend:    e.qtrend,
		Market:    e.market,
		Oracle:    e.oracle,
		Bus:       e.bus,
		Metrics:   e.metrics,
		Positions: e.bus,
		Config:    cfg,
		Tunable:   e.tunable,
		Samples:   e.samples,
		Log:       log,
	})

	e.mgmt = management.New(management.Dependencies{
		Market:    e.market,
		Oracle:    e.oracle,
		Bus:       e.bus,
		Metrics:   e.metrics,
		Positions: e.bus,
		Config:    cfg,
		Log:       log,
	})

	e.dispatcher = dispatch.New(dispatch.Dependencies{
		Entry:     e.entry,
		Mgmt:      e.mgmt,
		Market:    e.market,
		Positions: e.bus,
		Config:    cfg,
		Log:       log,
	})

	server, err := httpapi.NewServer(httpapi.Dependencies{
		Dispatcher: e.dispatcher,
		Entry:      e.entry,
		Mgmt:       e.mgmt,
		Cache:      e.cache,
		QTrend:     e.qtrend,
		Metrics:    e.metrics,
		Bus:        e.bus,
		Config:     cfg,
		Log:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("build http server: %w", err)
	}
	e.server = server

	return e, nil
}

// buildAuditRepo opens the optional Postgres audit trail. Returns
// (nil, nil, nil) when the database is disabled.
func buildAuditRepo(cfg config.Config) (persistence.AuditRepo, *persistence.AuditRepoCloser, error) {
	dbCfg := persistence.DefaultDBConfig()
	dbCfg.DSN = cfg.AuditDBDSN
	dbCfg.Enabled = cfg.AuditDBEnabled
	db, err := persistence.OpenDB(dbCfg)
	if err != nil {
		return nil, nil, err
	}
	if db == nil {
		return nil, nil, nil
	}
	timeout := time.Duration(cfg.AuditDBTimeoutSec) * time.Second
	return postgres.NewAuditRepo(db, timeout), &persistence.AuditRepoCloser{DB: db}, nil
}

// Run loads persisted state, starts every background loop and the
// bus/HTTP listeners, and blocks until ctx is cancelled. It always
// attempts a clean shutdown before returning.
func (e *Engine) Run(ctx context.Context) error {
	if err := persistence.LoadSignalCache(e.cache, e.cfg.CachePath, time.Duration(e.cfg.DedupeWindowSec)*time.Second, time.Now()); err != nil {
		e.log.Warn().Err(err).Msg("engine: signal cache restore failed")
	}
	if err := e.metrics.Load(e.cfg.MetricsPath); err != nil {
		e.log.Warn().Err(err).Msg("engine: metrics restore failed")
	}

	if err := e.bus.Connect(); err != nil {
		e.log.Warn().Err(err).Msg("engine: bus connect failed, will operate on stale heartbeat state")
	} else {
		go func() {
			if err := e.bus.ReadLoop(time.Now); err != nil {
				e.log.Warn().Err(err).Msg("engine: bus read loop exited")
			}
		}()
	}

	go e.tuner.RunLoop(e.stopBackground)
	go e.runCacheFlushLoop()
	go e.runMetricsFlushLoop()

	serverErr := make(chan error, 1)
	go func() {
		if err := e.server.Start(); err != nil {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		e.log.Info().Msg("engine: shutdown requested")
	case err := <-serverErr:
		e.shutdown()
		return fmt.Errorf("http server: %w", err)
	}

	e.shutdown()
	return nil
}

func (e *Engine) shutdown() {
	close(e.stopBackground)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.server.Shutdown(shutdownCtx); err != nil {
		e.log.Warn().Err(err).Msg("engine: http shutdown error")
	}

	if err := e.bus.Close(); err != nil {
		e.log.Warn().Err(err).Msg("engine: bus close error")
	}

	e.flushState()

	if e.auditDB != nil {
		if err := e.auditDB.Close(); err != nil {
			e.log.Warn().Err(err).Msg("engine: audit db close error")
		}
	}
}

func (e *Engine) flushState() {
	if err := persistence.FlushSignalCache(e.cache, e.cfg.CachePath); err != nil {
		e.log.Warn().Err(err).Msg("engine: signal cache flush failed")
	}
	if err := e.metrics.Flush(e.cfg.MetricsPath); err != nil {
		e.log.Warn().Err(err).Msg("engine: metrics flush failed")
	}
}

func (e *Engine) runCacheFlushLoop() {
	interval := time.Duration(e.cfg.CacheFlushIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.cache.Prune(time.Now())
			if err := persistence.FlushSignalCache(e.cache, e.cfg.CachePath); err != nil {
				e.log.Warn().Err(err).Msg("engine: signal cache flush failed")
			}
		case <-e.stopBackground:
			return
		}
	}
}

func (e *Engine) runMetricsFlushLoop() {
	interval := time.Duration(e.cfg.CacheFlushForceSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.metrics.Prune(time.Now())
			if err := e.metrics.Flush(e.cfg.MetricsPath); err != nil {
				e.log.Warn().Err(err).Msg("engine: metrics flush failed")
			}
		case <-e.stopBackground:
			return
		}
	}
}

// Status returns a small in-process snapshot (heartbeat freshness and
// the number of cached symbols). The status CLI subcommand does not
// call it; it queries a running instance's GET /status instead.
func (e *Engine) Status() (heartbeatFresh bool, cacheSymbols int) {
	return e.bus.IsFresh(true, time.Duration(e.cfg.HeartbeatTimeoutSec)*time.Second, time.Now()), len(e.cache.AllSymbols())
}
