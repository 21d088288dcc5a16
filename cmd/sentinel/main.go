package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-sentinel/internal/analyze"
	"github.com/technosupport/ts-sentinel/internal/api"
	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/correlate"
	"github.com/technosupport/ts-sentinel/internal/cost"
	"github.com/technosupport/ts-sentinel/internal/event"
	"github.com/technosupport/ts-sentinel/internal/frames"
	"github.com/technosupport/ts-sentinel/internal/ingest"
	"github.com/technosupport/ts-sentinel/internal/pipeline"
	"github.com/technosupport/ts-sentinel/internal/policy"
	"github.com/technosupport/ts-sentinel/internal/sink"
	"github.com/technosupport/ts-sentinel/internal/source"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/default.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("[Sentinel] Config error: %v", err)
	}
	log.Printf("[Sentinel] Starting - HTTP: %s, NATS: %s, cost backend: %s",
		cfg.HTTP.Addr, cfg.NATS.URL, cfg.Cost.Backend)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// NATS is optional: without it the service still ingests over HTTP
	// polling and persists to Postgres
	var nc *nats.Conn
	if conn, err := nats.Connect(cfg.NATS.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second)); err != nil {
		log.Printf("[Sentinel] NATS connection failed: %v (push source and NATS sink disabled)", err)
	} else {
		nc = conn
		defer nc.Close()
		log.Printf("[Sentinel] NATS connected")
	}

	ledger := buildLedger(cfg)

	// Result sinks
	var sinks []sink.Sink
	var pgSink *sink.PostgresSink
	if cfg.Sinks.PostgresEnabled && cfg.Postgres.DSN != "" {
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("[Sentinel] Postgres open failed: %v", err)
		}
		defer db.Close()
		pingCtx, pingCancel := context.WithTimeout(rootCtx, 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			log.Printf("[Sentinel] Postgres ping failed: %v (sink kept, will retry per emit)", err)
		}
		pingCancel()
		pgSink = sink.NewPostgresSink(db)
		sinks = append(sinks, pgSink)
	}
	if cfg.Sinks.NATSEnabled && nc != nil {
		sinks = append(sinks, sink.NewNATSSink(nc, cfg.NATS.PublishRetryMax))
	}
	if len(sinks) == 0 {
		log.Printf("[Sentinel] No sinks configured, results will only be logged")
		sinks = append(sinks, logSink{})
	}
	out := sink.NewMultiSink(sinks...)

	// Policies with hot reload
	policies := policy.NewStore(cfg.Policy.Path)
	if err := policies.Load(); err != nil {
		log.Printf("[Sentinel] Policy load failed: %v (using defaults)", err)
	}
	policies.StartWatcher(rootCtx)

	// Source adapters and asset fetching
	registry := source.NewRegistry()
	for _, hc := range cfg.Sources.HTTP {
		registry.Register(source.NewHTTPCamAdapter(hc))
	}

	frameSvc := frames.NewService(frames.Config{
		MaxAttempts:      cfg.Frames.MaxAttempts,
		BackoffBase:      cfg.FramesBackoffBase(),
		FetchTimeout:     cfg.FramesFetchTimeout(),
		MinFrames:        cfg.Frames.MinFrames,
		MaxFrames:        cfg.Frames.MaxFrames,
		HistThreshold:    cfg.Frames.HistThreshold,
		SSIMThreshold:    cfg.Frames.SSIMThreshold,
		QualityThreshold: cfg.Frames.QualityThreshold,
	}, registry)

	providers := make([]analyze.Provider, 0, len(cfg.Analysis.Providers))
	for _, pc := range cfg.Analysis.Providers {
		providers = append(providers, analyze.NewOpenAIProvider(pc, nil))
	}
	if len(providers) == 0 {
		log.Printf("[Sentinel] No analysis providers configured, every event will finish unavailable")
	}
	orchestrator := analyze.NewOrchestrator(analyze.Config{
		CallTimeout: cfg.AnalysisCallTimeout(),
		Prompt:      cfg.Analysis.Prompt,
	}, ledger, providers...)

	runner := pipeline.NewRunner(pipeline.Config{
		Workers:     cfg.Pipeline.Workers,
		QueueSize:   cfg.Pipeline.QueueSize,
		TaskTimeout: cfg.PipelineTaskTimeout(),
	}, policies, frameSvc, orchestrator, out)
	runner.Start()

	engine := correlate.NewEngine(correlate.Config{
		Window:        cfg.CorrelationWindow(),
		ExtendBy:      cfg.CorrelationExtend(),
		MaxLifetime:   cfg.CorrelationMaxLifetime(),
		MaxCameras:    cfg.Correlation.MaxCameras,
		SweepInterval: cfg.CorrelationSweep(),
	}, func(group *event.CorrelationGroup, events []*event.CanonicalEvent) {
		runner.Submit(group, events)
	})
	engine.Start()

	gateway := ingest.NewGateway(ingest.Config{
		SuppressionWindow: cfg.SuppressionWindow(),
		DedupCacheSize:    cfg.Gateway.DedupCacheSize,
	}, engine)

	// Event sources
	var natsSource *source.NATSSource
	if cfg.Sources.NATSEnabled && nc != nil {
		natsSource = source.NewNATSSource(nc, gateway)
		if err := natsSource.Start(); err != nil {
			log.Printf("[ERROR] Sentinel: NATS source subscribe failed: %v", err)
			natsSource = nil
		}
	}
	poller := source.NewPoller(registry, gateway, cfg.Sources.Poll.Targets, source.PollerConfig{
		Enabled:          cfg.Sources.Poll.Enabled,
		PollInterval:     cfg.PollInterval(),
		MaxInflight:      cfg.Sources.Poll.MaxInflight,
		MaxEventsPerPoll: cfg.Sources.Poll.MaxEventsPerPoll,
		TimeBudget:       cfg.PollTimeBudget(),
		Backoff:          cfg.PollBackoff(),
		Lookback:         cfg.PollLookback(),
	})
	poller.Start()

	// Ops surface
	handler := api.NewHandler(api.Deps{
		Gateway:  gateway,
		Engine:   engine,
		Runner:   runner,
		Ledger:   ledger,
		Policies: policies,
		Results:  resultReader(pgSink),
	})
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		log.Printf("[Sentinel] HTTP listening on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Sentinel] HTTP server failed: %v", err)
		}
	}()

	// Graceful shutdown: sources first, then group closure, then workers
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("[Sentinel] Shutting down")

	poller.Stop()
	if natsSource != nil {
		natsSource.Stop()
	}
	engine.Stop()
	runner.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Sentinel] HTTP shutdown: %v", err)
	}
	log.Printf("[Sentinel] Stopped")
}

// buildLedger picks the cost backend, falling back to memory when Redis
// is unreachable so analysis keeps running with per-instance caps.
func buildLedger(cfg *config.Config) cost.Ledger {
	if cfg.Cost.Backend != "redis" {
		return cost.NewMemoryLedger(cfg.Cost.Caps)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("[Sentinel] Redis unreachable: %v (cost ledger degraded to memory)", err)
		return cost.NewMemoryLedger(cfg.Cost.Caps)
	}
	log.Printf("[Sentinel] Redis connected, shared cost ledger enabled")
	return cost.NewRedisLedger(client, cfg.Cost.Caps, cfg.Cost.KeyPrefix)
}

// resultReader avoids handing the API a typed-nil interface.
func resultReader(pg *sink.PostgresSink) api.ResultReader {
	if pg == nil {
		return nil
	}
	return pg
}

// logSink is the last-resort sink when neither NATS nor Postgres is
// configured.
type logSink struct{}

func (logSink) Name() string { return "log" }

func (logSink) Emit(ctx context.Context, res *event.AnalysisResult) error {
	log.Printf("[Result] event=%s camera=%s status=%s mode=%s provider=%s desc=%q",
		res.EventID, res.CameraID, res.Status, res.Mode, res.Provider, res.Description)
	return nil
}
