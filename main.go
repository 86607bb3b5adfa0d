package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"medcompress/api"
	"medcompress/config"
	"medcompress/flags"
	"medcompress/orchestrator"
	"medcompress/policy"
	"medcompress/recovery"
	"medcompress/telemetry"
	"medcompress/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Feature flag gate with optional remote source.
	var source flags.Source
	if cfg.FlagSourceURL != "" {
		source = flags.NewHTTPSource(cfg.FlagSourceURL)
	}
	gate := flags.NewGate(source, flags.DefaultFlags())
	if source != nil {
		if err := gate.Refresh(ctx); err != nil {
			log.Printf("Initial flag refresh failed, using defaults: %v", err)
		}
		go gate.RefreshLoop(ctx, cfg.FlagRefreshInterval)
	}

	resolver := policy.NewResolver(gate)
	resolver.Timeouts = policy.Timeouts{
		Default:   cfg.DefaultTimeout,
		Mobile:    cfg.MobileTimeout,
		Urgent:    cfg.UrgentTimeout,
		Emergency: cfg.EmergencyTimeout,
	}

	transport, err := worker.NewExecTransport(worker.ExecOptions{
		Command:          cfg.WorkerCommand,
		ThrottleCPU:      cfg.ThrottleCPU,
		ThrottleFreeMem:  cfg.ThrottleFreeMem,
		ThrottleFreeDisk: cfg.ThrottleFreeDisk,
		WorkDir:          cfg.WorkDir,
	})
	if err != nil {
		log.Fatalf("Failed to initialize worker transport: %v", err)
	}

	checker := policy.NewChecker(gate, resolver, transport)
	checker.MinSize = cfg.MinFileSize
	checker.MaxSize = cfg.MaxFileSize

	var store telemetry.RecordStore
	if cfg.TelemetryDB != "" {
		s, err := telemetry.OpenStore(cfg.TelemetryDB)
		if err != nil {
			log.Printf("Telemetry persistence unavailable, in-memory only: %v", err)
		} else {
			store = s
		}
	}
	sink := telemetry.NewSink(store)

	rec := recovery.NewPolicy()
	rec.RetryTimeout = cfg.RetryTimeout

	orch := orchestrator.New(gate, resolver, checker, transport, rec, sink,
		orchestrator.Options{MaxConcurrent: cfg.MaxConcurrency})

	if cfg.StaleJobAge > 0 {
		go orch.SweepLoop(ctx, cfg.StaleJobAge/4, cfg.StaleJobAge)
	}

	router := api.SetupRouter(orch, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	<-ctx.Done()
	stop()
	log.Println("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	if err := sink.Close(); err != nil {
		log.Printf("Failed to close telemetry store: %v", err)
	}

	log.Println("Server exiting")
}
