// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/services/forge/artifact"
	"github.com/AleutianAI/AleutianForge/services/forge/config"
	"github.com/AleutianAI/AleutianForge/services/forge/events"
	"github.com/AleutianAI/AleutianForge/services/forge/generate"
	"github.com/AleutianAI/AleutianForge/services/forge/handlers"
	"github.com/AleutianAI/AleutianForge/services/forge/observability"
	"github.com/AleutianAI/AleutianForge/services/forge/orchestrator"
	"github.com/AleutianAI/AleutianForge/services/forge/routes"
	"github.com/AleutianAI/AleutianForge/services/forge/run"
	"github.com/AleutianAI/AleutianForge/services/forge/store"
	"github.com/AleutianAI/AleutianForge/services/forge/telemetry"
	"github.com/AleutianAI/AleutianForge/services/forge/verify"
)

const shutdownGrace = 10 * time.Second

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if devMode {
		cfg.Dev = true
	}
	if debugMode {
		cfg.Log.Level = "debug"
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	logger := buildLogger(cfg)
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = Version
	if cfg.Telemetry.OTLPEndpoint != "" {
		obsCfg.TraceExporter = "otlp"
		obsCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	obsShutdown, err := observability.Init(ctx, obsCfg)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer obsShutdown(context.Background())

	meter := otel.Meter("forge")
	metrics, err := observability.NewMetrics(meter)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	// --- Run registry and event hub ---
	registry := run.NewRegistry()
	hub := events.NewHub(events.WithDropCallback(func(runID, subID string) {
		metrics.EventsDroppedTotal.Add(context.Background(), 1)
	}))

	activeReg, err := metrics.RegisterActiveRuns(meter, func() int64 {
		return int64(registry.Len())
	})
	if err != nil {
		log.Fatalf("Failed to register active-runs gauge: %v", err)
	}
	defer activeReg.Unregister()

	// --- Project store ---
	var st store.Store
	if cfg.Server.DataDir != "" {
		bcfg := store.DefaultBadgerConfig(filepath.Join(cfg.Server.DataDir, "projects"))
		bcfg.Logger = slog.Default()
		badger, err := store.OpenBadger(bcfg)
		if err != nil {
			log.Fatalf("Failed to open the project store: %v", err)
		}
		defer badger.Close()
		st = badger
	} else {
		slog.Warn("No data_dir configured, projects live in memory only")
		st = store.NewMemory()
	}

	// --- Generation backend ---
	client, err := buildClient(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize the generation backend: %v", err)
	}
	client = generate.NewRecordedClient(client, func(agent string, usage generate.Usage) {
		attrs := metric.WithAttributes(attribute.String("agent", agent))
		metrics.GenerationCallsTotal.Add(context.Background(), 1, attrs)
		metrics.TokensTotal.Add(context.Background(), int64(usage.PromptTokens), metric.WithAttributes(
			attribute.String("agent", agent), attribute.String("direction", "prompt")))
		metrics.TokensTotal.Add(context.Background(), int64(usage.CompletionTokens), metric.WithAttributes(
			attribute.String("agent", agent), attribute.String("direction", "completion")))
	})

	var verifier verify.Verifier = verify.Nop{}
	if cfg.Generation.Syntax {
		verifier = verify.NewSyntax()
	}

	// --- Run recorder ---
	recorders := []orchestrator.Recorder{&metricsRecorder{m: metrics}}
	if cfg.Telemetry.InfluxURL != "" {
		influx := telemetry.NewRecorder(telemetry.Config{
			URL:    cfg.Telemetry.InfluxURL,
			Token:  cfg.Telemetry.InfluxToken,
			Org:    cfg.Telemetry.InfluxOrg,
			Bucket: cfg.Telemetry.InfluxBucket,
		})
		defer influx.Close()
		recorders = append(recorders, influx)
	}

	// --- Artifact archiver ---
	var archiver artifact.Store
	switch {
	case cfg.Artifact.GCSBucket != "":
		gcs, err := artifact.NewGCS(ctx, cfg.Artifact.GCSBucket, cfg.Artifact.GCSKeyPath)
		if err != nil {
			log.Fatalf("Failed to initialize the GCS archiver: %v", err)
		}
		defer gcs.Close()
		archiver = gcs
	case cfg.Artifact.Dir != "":
		archiver = &artifact.Local{Dir: cfg.Artifact.Dir}
	}

	// --- Orchestrator and routes ---
	orchCfg := orchestrator.DefaultConfig()
	orchCfg.Dev = cfg.Dev
	orch, err := orchestrator.New(orchestrator.Deps{
		Registry: registry,
		Hub:      hub,
		Client:   client,
		Store:    st,
		Verifier: verifier,
		Recorder: multiRecorder(recorders),
		Archiver: archiver,
	}, orchCfg)
	if err != nil {
		log.Fatalf("Failed to build the orchestrator: %v", err)
	}

	h, err := handlers.New(registry, hub, orch, st)
	if err != nil {
		log.Fatalf("Failed to build handlers: %v", err)
	}

	if !cfg.Dev && !debugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if debugMode {
		router.Use(gin.Logger())
	}
	router.Use(otelgin.Middleware("forge"))
	routes.SetupRoutes(router, h, observability.MetricsHandler())

	// --- Config hot reload ---
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(next config.Config) {
			reloaded := buildLogger(next)
			slog.SetDefault(reloaded.Slog())
			slog.Info("Applied reloaded configuration", "log_level", next.Log.Level)
		})
		if err != nil {
			slog.Warn("Config hot reload disabled", "error", err)
		} else {
			defer watcher.Close()
			if err := watcher.Start(ctx); err != nil {
				slog.Warn("Config hot reload disabled", "error", err)
			}
		}
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		slog.Info("Starting the forge server",
			"port", cfg.Server.Port,
			"backend", cfg.Generation.Backend,
			"dev", cfg.Dev,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
}

// buildLogger maps the log section of the config onto pkg/logging. A
// non-terminal stderr always gets JSON so aggregators can parse it.
func buildLogger(cfg config.Config) *logging.Logger {
	useJSON := cfg.Log.JSON || !isatty.IsTerminal(os.Stderr.Fd())
	return logging.New(logging.Config{
		Level:   logLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "forge",
		JSON:    useJSON,
	})
}

func logLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// buildClient selects the generation backend.
func buildClient(cfg config.Config) (generate.Client, error) {
	if cfg.Dev {
		slog.Info("Dev mode, serving canned fixtures")
		return &generate.MockClient{}, nil
	}
	switch cfg.Generation.Backend {
	case "openai":
		slog.Info("Using OpenAI generation backend")
		return generate.NewOpenAIClient()
	case "ollama":
		slog.Info("Using Ollama generation backend")
		return generate.NewOllamaClient()
	case "mock":
		slog.Info("Using mock generation backend")
		return &generate.MockClient{}, nil
	default:
		return nil, fmt.Errorf("unknown generation backend %q", cfg.Generation.Backend)
	}
}

// multiRecorder fans a finished run out to every configured recorder.
type multiRecorder []orchestrator.Recorder

func (m multiRecorder) RecordRun(ctx context.Context, s *run.State) {
	for _, r := range m {
		r.RecordRun(ctx, s)
	}
}

// metricsRecorder folds a finished run into the OTel metrics.
type metricsRecorder struct {
	m *observability.Metrics
}

func (r *metricsRecorder) RecordRun(ctx context.Context, s *run.State) {
	if s == nil {
		return
	}
	outcome := "failed"
	if s.TestOK() {
		outcome = "passed"
	}
	mode := attribute.String("mode", string(s.Mode))

	r.m.RunsCompletedTotal.Add(ctx, 1, metric.WithAttributes(mode, attribute.String("outcome", outcome)))

	finishedAt := s.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}
	r.m.RunDuration.Record(ctx, finishedAt.Sub(s.CreatedAt).Seconds(), metric.WithAttributes(mode))

	if s.Counters.FixLoops > 0 {
		r.m.FixAttemptsTotal.Add(ctx, int64(s.Counters.FixLoops), metric.WithAttributes(mode))
	}

	for name, sm := range s.Metrics {
		if sm == nil || sm.StartMS == 0 || sm.EndMS == 0 {
			continue
		}
		stage := attribute.String("stage", name)
		status := "success"
		if sm.OK != nil && !*sm.OK {
			status = "failed"
		}
		r.m.StageExecutionsTotal.Add(ctx, 1, metric.WithAttributes(stage, attribute.String("status", status)))
		r.m.StageDuration.Record(ctx, float64(sm.EndMS-sm.StartMS)/1000, metric.WithAttributes(stage))
	}
}
