// Command swarmd wires every collaborator package into one running build:
// load configuration, construct the shared LLM transport, tool registry,
// and checkpoint store, then drive a build through internal/swarmapi.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codeswarm/swarm/internal/bus"
	"github.com/codeswarm/swarm/internal/checkpoint"
	"github.com/codeswarm/swarm/internal/config"
	"github.com/codeswarm/swarm/internal/convo"
	"github.com/codeswarm/swarm/internal/filelock"
	"github.com/codeswarm/swarm/internal/llm"
	"github.com/codeswarm/swarm/internal/logging"
	"github.com/codeswarm/swarm/internal/orchestrator"
	"github.com/codeswarm/swarm/internal/project"
	"github.com/codeswarm/swarm/internal/resilience"
	"github.com/codeswarm/swarm/internal/swarmapi"
	"github.com/codeswarm/swarm/internal/tokens"
	"github.com/codeswarm/swarm/internal/tools"
	"github.com/codeswarm/swarm/internal/tracing"
	"github.com/codeswarm/swarm/internal/worker"
)

func main() {
	var (
		configPath      = flag.String("config", "", "path to a swarm config file (defaults to ./swarm.yaml)")
		rootDir         = flag.String("root", ".", "project root directory the swarm builds against")
		taskDescription = flag.String("task", "", "task description for a fresh build")
		resume          = flag.Bool("resume", false, "resume a build from its checkpoint instead of planning fresh")
		changeRequest   = flag.String("continue", "", "change request for a finished build; not supported here (any value exits with an error), use swarmapi.Service.Continue")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logCfg := &logging.Config{
		Level:      logging.Level(cfg.App.LogLevel),
		JSONOutput: cfg.Observability.Logging.Format == "json",
		WithCaller: true,
	}
	logger := logging.New(logCfg)

	shutdownTracing, err := tracing.Init(context.Background(), cfg.Observability.Tracing)
	if err != nil {
		log.Fatalf("initializing tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracer shutdown failed", logging.Err(err))
		}
	}()

	b := bus.New()
	accountant := tokens.New(b)

	llmCfg := llmConfigSource{cfg: &cfg.LLM}
	sharedLimiter := resilience.NewShared(resilience.Config{
		MaxConcurrent:   cfg.RateLimit.MaxConcurrent,
		MaxCallsPerHour: cfg.RateLimit.MaxCallsPerHour,
	}, b)
	sharedTransport := llm.New(llmCfg, sharedLimiter, accountant, b, logger)

	convoManager := convo.New(sharedTransport, logger, convo.Manager{
		CharBudget:         90_000,
		SummarizeThreshold: 65_000,
		TranscriptCap:      40_000,
		PreserveLast:       8,
		Model:              cfg.LLM.Model,
	})

	store, err := newCheckpointStore(cfg.Checkpoint)
	if err != nil {
		log.Fatalf("constructing checkpoint store: %v", err)
	}

	registry := buildToolRegistry(*rootDir, cfg.Security)

	rateLimitCfg := resilience.Config{
		MaxConcurrent:   cfg.RateLimit.MaxConcurrent,
		MaxCallsPerHour: cfg.RateLimit.MaxCallsPerHour,
	}

	orchCfg := orchestrator.Config{
		RootDir:           *rootDir,
		TaskDescription:   *taskDescription,
		Model:             cfg.LLM.Model,
		MaxOrchIterations: cfg.Orchestrator.MaxOrchIterations,
		BatchSize:         cfg.Orchestrator.WorkerPoolSize,
		MaxAttempts:       cfg.Orchestrator.MaxAttempts,
		MaxToolLoops:      cfg.Orchestrator.MaxToolLoops,
		Transport:         sharedTransport,
		NewWorkerTransport: func(limiter *resilience.Limiter) worker.Transport {
			return llm.New(llmCfg, limiter, accountant, b, logger)
		},
		Convo:      convoManager,
		Tools:      registry,
		Bus:        b,
		Log:        logger,
		Checkpoint: store,
		Analyzer:   project.NoopAnalyzer{},
		Verifier:   project.DefaultGoVerifier(),
		RateLimit:  rateLimitCfg,
	}

	svc := swarmapi.New(b, logger)

	var metrics *swarmapi.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = startMetricsServer(b, cfg.Observability.Metrics, logger)
		defer metrics.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Info("received shutdown signal, cancelling build")
		cancel()
	}()

	buildID, err := startOrResumeOrContinue(ctx, svc, orchCfg, *resume, *changeRequest)
	if err != nil {
		log.Fatalf("starting build: %v", err)
	}

	logger.Info("build started", logging.String("build_id", buildID))
	waitForSettled(svc, buildID, logger)
}

func startOrResumeOrContinue(ctx context.Context, svc *swarmapi.Service, cfg orchestrator.Config, resume bool, changeRequest string) (string, error) {
	if changeRequest != "" {
		return "", fmt.Errorf("--continue requires an existing build id from a prior swarmd invocation; pass it via a future API call to Service.Continue")
	}
	if resume {
		return svc.Resume(ctx, cfg)
	}
	return svc.StartBuild(ctx, cfg)
}

// waitForSettled blocks on the build's done/error topics until the build
// reaches a terminal phase, then logs its final status.
func waitForSettled(svc *swarmapi.Service, buildID string, logger logging.Logger) {
	done := svc.Subscribe(bus.TopicProjectDone)
	failed := svc.Subscribe(bus.TopicProjectError)
	defer svc.Unsubscribe(bus.TopicProjectDone, done)
	defer svc.Unsubscribe(bus.TopicProjectError, failed)

	select {
	case <-done:
	case <-failed:
	}

	status, err := svc.Status(buildID)
	if err != nil {
		logger.Error("could not read final build status", logging.Err(err))
		return
	}
	logger.Info("build finished", logging.String("phase", string(status.Phase)), logging.String("summary", status.Summary))
}

func buildToolRegistry(rootDir string, sec config.SecurityConfig) *tools.Registry {
	registry := tools.NewRegistry()
	locker := filelock.New()

	register := func(t tools.Tool) {
		if err := registry.Register(t); err != nil {
			log.Fatalf("registering tool %s: %v", t.Name(), err)
		}
	}

	register(&tools.ReadFileTool{RootDir: rootDir})
	register(&tools.WriteFileTool{RootDir: rootDir, Locker: locker, Holder: "swarmd"})
	register(&tools.PatchFileTool{RootDir: rootDir, Locker: locker, Holder: "swarmd"})
	register(&tools.ListDirectoryTool{RootDir: rootDir})
	register(&tools.GlobFilesTool{RootDir: rootDir})
	register(&tools.SearchFilesTool{RootDir: rootDir})
	register(&tools.ExecuteCommandTool{RootDir: rootDir, AllowedCommands: sec.AllowedCommands})
	register(&tools.WebReaderTool{Client: &http.Client{Timeout: 20 * time.Second}})

	source := &tools.DatabaseSource{}
	register(&tools.InitDatabaseTool{Source: source})
	register(&tools.ExecuteSQLTool{Source: source})
	register(&tools.ListTablesTool{Source: source})

	return registry
}

func newCheckpointStore(cfg config.CheckpointConfig) (checkpoint.Store, error) {
	switch cfg.Backend {
	case "redis":
		return checkpoint.NewRedisStore(cfg.RedisURL, 0)
	default:
		return checkpoint.NewFileStore(), nil
	}
}

func startMetricsServer(b *bus.Bus, cfg config.MetricsConfig, logger logging.Logger) *swarmapi.Metrics {
	registry := prometheus.NewRegistry()
	metrics := swarmapi.NewMetrics(b, registry)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.Handler())

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Info("serving metrics", logging.String("addr", addr), logging.String("path", cfg.Path))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server stopped", logging.Err(err))
		}
	}()

	return metrics
}

// llmConfigSource reads the API key and base URL from the loaded config on
// every call. swarmd loads that config once at startup and does not reload
// it, so changing the config file takes effect only after a restart.
type llmConfigSource struct {
	cfg *config.LLMConfig
}

func (s llmConfigSource) APIKey() string  { return s.cfg.APIKey }
func (s llmConfigSource) BaseURL() string { return s.cfg.BaseURL }
