package main

import (
	"WardProtocol/internal/claim"
	"WardProtocol/internal/config"
	"WardProtocol/internal/core"
	"WardProtocol/internal/event"
	"WardProtocol/internal/ingestion"
	"WardProtocol/internal/ledger"
	"WardProtocol/internal/monitor"
	"WardProtocol/internal/observability"
	"WardProtocol/internal/persistence"
	"WardProtocol/internal/policy"
	"WardProtocol/internal/pool"
	"WardProtocol/internal/pricing"
	"WardProtocol/internal/server"
	"WardProtocol/internal/settlement"
	"WardProtocol/internal/state"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the default monitor, claim pipeline, settlement and call-in API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg config.Config) error {
	log.Println("INFO: wardd starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	level := observability.ParseLogLevel(cfg.LogLevel)
	newLogger := func(component string) zerolog.Logger {
		return observability.NewLoggerWithLevel(component, level)
	}

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := persistence.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Println("INFO: Postgres connected")

	migrator := persistence.NewMigrator(db.DB, cfg.MigrationsDir, newLogger("migrator"))
	applied, err := migrator.Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Printf("INFO: migrations applied (%d new)", applied)

	store := persistence.NewStore(db, cfg.Postgres.QueryTimeout)

	// --- Pools ---
	pools := pool.NewLedger(store, state.MinCoverageRatioBps, newLogger("pool"), metrics)
	if err := pools.Load(ctx); err != nil {
		return err
	}
	if err := seedPools(ctx, pools, cfg.Pools); err != nil {
		return err
	}
	log.Printf("INFO: %d pools loaded", len(pools.List()))

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}

	// --- Quote cache ---
	var cache pricing.Cache
	if cfg.Redis.Addr != "" {
		rdb, err := pricing.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("WARN: redis unavailable, quotes will not be cached: %v", err)
		} else {
			defer rdb.Close()
			cache = pricing.NewRedisQuoteCache(rdb)
			log.Println("INFO: Redis quote cache connected")
		}
	}

	// --- Ledger reader ---
	rpcCfg := ledger.DefaultRPCConfig(cfg.Ledger.RPCURL)
	rpcCfg.Timeout = cfg.Ledger.Timeout
	rpcCfg.RequestsPerSec = cfg.Ledger.RequestsPerSec
	rpcCfg.Burst = cfg.Ledger.Burst
	rpcCfg.MaxRetries = cfg.Ledger.MaxRetries
	reader := ledger.NewRPCClient(rpcCfg, &http.Client{}, newLogger("ledger"), metrics)

	// --- Lifecycle fan-out ---
	// Audit channel blocks (backpressure), publish channel drops.
	auditChan := make(chan event.Lifecycle, cfg.Pipeline.AuditChanSize)
	publishChan := make(chan event.Lifecycle, cfg.Pipeline.PublishChanSize)
	emitter := core.NewFanout(auditChan, publishChan, metrics)

	// --- Domain services ---
	quotes := pricing.NewEngine(reader, store, cache, cfg.Pricing.QuoteFreshness, newLogger("pricing"), metrics)
	registry := policy.NewRegistry(store, pools, reader, emitter, cfg.Policy.ActivationDelay, newLogger("policy"))
	validator := claim.NewValidator(store, pools, reader, emitter, newLogger("claim"), metrics)

	submitter := ingestion.NewNATSSubmitter(nc)
	submitter.SetTimeout(cfg.Settlement.SignerTimeout)
	settler := settlement.NewEngine(settlement.Config{
		Signers:             cfg.Settlement.Signers,
		Threshold:           cfg.Settlement.Threshold,
		LargeClaimBps:       cfg.Settlement.LargeClaimBps,
		DisputeWindow:       cfg.Settlement.DisputeWindow,
		CancelGrace:         cfg.Settlement.CancelGrace,
		MaxFinalizeAttempts: cfg.Settlement.MaxFinalizeAttempts,
		TickInterval:        cfg.Settlement.TickInterval,
	}, store, pools, registry, submitter, emitter, newLogger("settlement"), metrics)

	pipeline := core.NewPipeline(core.PipelineConfig{
		Workers:       cfg.Pipeline.Workers,
		SweepInterval: cfg.Pipeline.SweepInterval,
		SweepGrace:    cfg.Pipeline.SweepGrace,
	},
		store, registry, validator, settler, emitter, newLogger("pipeline"), metrics)

	// --- Default monitor ---
	var feed monitor.Feed
	switch cfg.Ledger.Feed {
	case config.FeedJetStream:
		feed = ingestion.NewJetStreamFeed(js, cfg.Pipeline.EventBuffer, newLogger("feed"))
	default:
		feed = ingestion.NewWebsocketFeed(ingestion.DefaultWebsocketConfig(cfg.Ledger.WSURL), newLogger("feed"))
	}
	dedupe := core.NewDeduper(cfg.Monitor.DedupeCapacity, store, newLogger("dedupe"), metrics)

	monCfg := monitor.DefaultConfig()
	monCfg.Accounts = cfg.Monitor.Accounts
	monCfg.Brokers = cfg.Monitor.Brokers
	monCfg.ReconnectBase = cfg.Monitor.ReconnectBase
	monCfg.ReconnectCap = cfg.Monitor.ReconnectCap
	monCfg.QueryTimeout = cfg.Monitor.QueryTimeout
	monCfg.QueryRetries = cfg.Monitor.QueryRetries
	monCfg.BufferSize = cfg.Pipeline.EventBuffer
	mon := monitor.New(monCfg, feed, reader, dedupe, store, newLogger("monitor"), metrics)

	// --- Call-in API ---
	grpcServer, err := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Quotes:        quotes,
		Policies:      registry,
		Validator:     validator,
		Claims:        store,
		Settlement:    settler,
		Pools:         pools,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        newLogger("api"),
	})
	if err != nil {
		return err
	}

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	var workers sync.WaitGroup
	goWorker := func(name string, run func() error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := run(); err != nil && ctx.Err() == nil {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// 1. Audit log writer
	auditWorker := persistence.NewAuditWorker(persistence.NewAuditWriter(db), auditChan,
		cfg.Pipeline.AuditBatchSize, cfg.Pipeline.AuditFlushTimeout, newLogger("audit"), metrics)
	goWorker("audit worker", func() error { return auditWorker.Run(ctx) })

	// 2. Outbound publisher
	publisher := ingestion.NewOutboundPublisher(js, publishChan, newLogger("publisher"))
	goWorker("outbound publisher", func() error { return publisher.Run(ctx) })

	// 3. Settlement scheduler
	goWorker("settlement", func() error { return settler.Run(ctx) })

	// 4. Claim pipeline, fed by the monitor
	goWorker("pipeline", func() error { return pipeline.Run(ctx, mon.Events()) })

	// 5. Default monitor
	goWorker("monitor", func() error { return mon.Run(ctx) })

	// 6. Policy expiry sweep
	goWorker("policy expiry", func() error { return runExpiry(ctx, registry, cfg.Policy.ExpiryInterval) })

	// 7. Sweep of recorded defaults left unevaluated
	goWorker("default sweep", func() error { return pipeline.RunSweeper(ctx) })

	// 8. Dependency checks for readiness
	go runDependencyChecks(ctx, healthChecker, store, nc)

	// 9. gRPC server
	go func() { errChan <- grpcServer.StartGRPC(ctx) }()

	// 10. HTTP call-in API
	go func() { errChan <- grpcServer.StartHTTPGateway(ctx) }()

	// 11. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Printf("INFO: Metrics server listening on %s/metrics", cfg.Server.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Printf("INFO: wardd ready (feed=%s, accounts=%d, grpc=%s, http=%s, metrics=%s)",
		cfg.Ledger.Feed, len(cfg.Monitor.Accounts), cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, cfg.Server.MetricsAddr)

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case runErr = <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", runErr)
	}

	healthChecker.SetReady(false)
	cancel()

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("INFO: workers drained")
	case <-time.After(30 * time.Second):
		log.Println("WARN: shutdown timed out waiting for workers")
	}

	log.Println("INFO: wardd shutdown complete")
	return runErr
}

// seedPools registers configured pools that do not exist yet.
func seedPools(ctx context.Context, pools *pool.Ledger, seeds []config.PoolConfig) error {
	for _, s := range seeds {
		if _, err := pools.Get(s.ID); err == nil {
			continue
		}
		if _, err := pools.Register(ctx, state.Pool{
			ID:           s.ID,
			Account:      s.Account,
			Asset:        s.Asset,
			TotalCapital: s.Capital,
		}); err != nil {
			return fmt.Errorf("seed pool %s: %w", s.ID, err)
		}
		log.Printf("INFO: pool %s registered with capital %d", s.ID, s.Capital)
	}
	return nil
}

func runExpiry(ctx context.Context, registry *policy.Registry, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := registry.ExpireDue(ctx, now)
			if err != nil {
				log.Printf("WARN: policy expiry sweep: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("INFO: expired %d policies", n)
			}
		}
	}
}

func runDependencyChecks(ctx context.Context, hc *observability.HealthChecker, store *persistence.Store, nc *nats.Conn) {
	check := func() {
		hc.SetDependency("postgres", store.Ping(ctx) == nil)
		hc.SetDependency("nats", nc.IsConnected())
	}
	check()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
