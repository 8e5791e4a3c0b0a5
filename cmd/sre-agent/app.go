package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/iamkalio/sre-agent/internal/api"
	"github.com/iamkalio/sre-agent/internal/backends"
	"github.com/iamkalio/sre-agent/internal/cache"
	"github.com/iamkalio/sre-agent/internal/config"
	"github.com/iamkalio/sre-agent/internal/engine"
	"github.com/iamkalio/sre-agent/internal/enrichment"
	"github.com/iamkalio/sre-agent/internal/ingestion"
	"github.com/iamkalio/sre-agent/internal/metrics"
	"github.com/iamkalio/sre-agent/internal/models"
	"github.com/iamkalio/sre-agent/internal/queue"
	"github.com/iamkalio/sre-agent/internal/reasoning"
	"github.com/iamkalio/sre-agent/internal/repo"
	"github.com/iamkalio/sre-agent/internal/services"
)

// App owns every long-lived component of a running agent.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store     cache.Store
	knowledge *repo.KnowledgeRepo
	runbooks  *repo.RunbookLoader
	reports   *repo.ReportStore
	service   *services.InvestigationService
	pool      *queue.Pool

	grpc *api.Server
	http *api.HTTPServer
}

// newApp wires the components without starting any of them.
func newApp(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*App, error) {
	if reg != nil {
		if err := metrics.Register(reg); err != nil {
			return nil, err
		}
	}

	app := &App{cfg: cfg, logger: logger}
	app.store = openStore(cfg.Cache, logger)

	var (
		metricSource enrichment.MetricSource
		logSource    enrichment.LogSource
		traceSource  enrichment.TraceSource
		queriers     = make(map[string]backends.RangeQuerier)
	)
	if prom, err := backends.NewPrometheus(cfg.Backends.PrometheusURL, cfg.Backends.Timeout, nil); err != nil {
		logger.Warn("prometheus backend unavailable", slog.Any("error", err))
	} else {
		metricSource = prom
		queriers[models.ToolPrometheus] = prom
	}
	if cfg.Backends.LokiURL != "" {
		loki := backends.NewLoki(cfg.Backends.LokiURL, cfg.Backends.Timeout)
		logSource = loki
		queriers[models.ToolLoki] = loki
	}
	if cfg.Backends.TempoURL != "" {
		tempo := backends.NewTempo(cfg.Backends.TempoURL, cfg.Backends.Timeout)
		traceSource = tempo
		queriers[models.ToolTempo] = tempo
	}

	app.knowledge = repo.NewKnowledgeRepo(cfg.Knowledge.Endpoint, cfg.Knowledge.APIKey, cfg.Knowledge.Timeout, app.store, cfg.Cache.KnowledgeTTL, logger)
	if !app.knowledge.Enabled() {
		logger.Warn("knowledge endpoint not configured; runbook and incident search disabled")
	}
	app.runbooks = repo.NewRunbookLoader(cfg.Knowledge.Dir, app.knowledge, logger)

	var sink services.ReportSink
	if cfg.Reports.DSN != "" {
		reports, err := repo.NewReportStore(cfg.Reports.DSN, app.knowledge, logger)
		if err != nil {
			logger.Warn("report store unavailable; reports will only be logged", slog.Any("error", err))
		} else {
			app.reports = reports
			sink = reports
		}
	}

	chat, err := reasoning.NewClient(reasoning.ClientConfig{
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		Temperature:       cfg.LLM.Temperature,
		MaxTokens:         cfg.LLM.MaxTokens,
		Timeout:           cfg.LLM.Timeout,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	rules, err := engine.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	correlator := enrichment.NewCorrelator(metricSource, logSource, traceSource, enrichment.CorrelatorConfig{
		MetricQueries: cfg.Correlation.MetricQueries,
		ErrorLogQuery: cfg.Correlation.ErrorLogQuery,
		Lookback:      cfg.Correlation.Lookback,
		Lookahead:     cfg.Correlation.Lookahead,
		MetricStep:    cfg.Correlation.MetricStep,
		LogLimit:      cfg.Correlation.LogLimit,
		TraceLimit:    cfg.Correlation.TraceLimit,
		SampleSize:    cfg.Correlation.SampleSize,
	}, logger)
	builder := enrichment.NewBuilder(app.knowledge, correlator, logger)
	executor := engine.NewExecutor(queriers, engine.ExecutorConfig{
		Lookback:    cfg.Investigation.QueryLookback,
		Lookahead:   cfg.Investigation.QueryLookahead,
		Parallelism: cfg.Investigation.QueryParallelism,
	}, logger)
	machine := engine.NewMachine(builder, reasoning.NewReasoner(chat, logger), executor, rules, engine.MachineConfig{
		MaxIterations:       cfg.Investigation.MaxIterations,
		ConfidenceThreshold: cfg.Investigation.ConfidenceThreshold,
	}, logger)
	app.service = services.NewInvestigationService(logger, machine, sink)

	producer := queue.NewProducer(app.store, queue.ProducerConfig{
		StreamKey:   cfg.Queue.StreamKey,
		DedupPrefix: cfg.Queue.DedupPrefix,
		DedupWindow: cfg.Queue.DedupWindow,
	}, logger)
	app.pool = queue.NewPool(app.store, app.service, queue.PoolConfig{
		StreamKey:                   cfg.Queue.StreamKey,
		ConsumerGroup:               cfg.Queue.ConsumerGroup,
		ConsumerName:                cfg.Queue.ConsumerName,
		MaxConcurrentInvestigations: cfg.Queue.MaxConcurrentInvestigations,
		InvestigationTimeout:        cfg.Queue.InvestigationTimeout,
		PollTimeout:                 cfg.Queue.PollTimeout,
		PollErrorBackoff:            cfg.Queue.PollErrorBackoff,
	}, logger)

	var reader api.ReportReader
	if app.reports != nil {
		reader = app.reports
	}
	handler := api.NewHandler(producer, reader, ingestion.NewNormalizer(), api.Probes{
		KnowledgeLoaded: app.runbooks.Loaded,
		GraphReady:      app.service.Ready,
		WorkerRunning:   app.pool.Running,
		LatencyP95:      app.service.LatencyP95,
	}, logger)

	if app.grpc, err = api.NewServer(cfg.Server); err != nil {
		app.Close()
		return nil, err
	}
	if app.http, err = api.NewHTTPServer(cfg.Server, handler.Router()); err != nil {
		app.grpc.Shutdown(context.Background())
		app.Close()
		return nil, err
	}
	return app, nil
}

// openStore connects to Valkey when enabled and falls back to an in-process
// store otherwise. The in-process store does not survive restarts.
func openStore(cfg config.CacheConfig, logger *slog.Logger) cache.Store {
	if !cfg.Enabled {
		logger.Warn("valkey disabled; using in-process alert queue")
		return cache.NewMemoryProvider()
	}
	provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		TLS:          cfg.TLS,
	})
	if err != nil {
		logger.Warn("valkey unavailable; using in-process alert queue", slog.String("addr", cfg.Addr), slog.Any("error", err))
		return cache.NewMemoryProvider()
	}
	logger.Info("connected to valkey", slog.String("addr", cfg.Addr))
	return provider
}

// Run ingests runbooks, starts the worker pool and both listeners, and blocks
// until ctx is cancelled or a listener fails.
func (a *App) Run(ctx context.Context) error {
	if n, err := a.runbooks.IngestAll(ctx); err != nil {
		a.logger.Warn("runbook ingestion failed", slog.Any("error", err))
	} else {
		a.logger.Info("knowledge ready", slog.Int("chunks", n))
	}
	a.grpc.SetComponent(api.ComponentKnowledge, a.runbooks.Loaded())
	a.grpc.SetComponent(api.ComponentInvestigator, a.service.Ready())

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if a.cfg.Knowledge.Watch && a.runbooks.Loaded() {
		go func() {
			if err := a.runbooks.Watch(ctx); err != nil {
				a.logger.Warn("runbook watcher stopped", slog.Any("error", err))
			}
		}()
	}

	if err := a.pool.Start(ctx); err != nil {
		a.Close()
		return err
	}
	a.grpc.SetComponent(api.ComponentWorker, true)

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("grpc server listening", slog.String("address", a.grpc.Address()))
		if err := a.grpc.Start(); err != nil {
			errCh <- err
		}
	}()
	go func() {
		a.logger.Info("http server listening", slog.String("address", a.http.Address()))
		if err := a.http.Start(); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("listener exited", slog.Any("error", runErr))
	}
	stop()
	a.shutdown()
	return runErr
}

func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.GracefulTimeout)
	defer cancel()

	if err := a.http.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.logger.Warn("http server shutdown", slog.Any("error", err))
	}

	a.grpc.SetComponent(api.ComponentWorker, false)
	a.pool.Stop()
	done := make(chan struct{})
	go func() {
		a.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("investigations still running at shutdown", slog.Int("in_flight", a.pool.InFlight()))
	}

	a.grpc.Shutdown(shutdownCtx)
	a.Close()
	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
}

// Close releases storage handles.
func (a *App) Close() {
	if a.reports != nil {
		if err := a.reports.Close(); err != nil {
			a.logger.Warn("close report store", slog.Any("error", err))
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
