// Command legalease runs the research orchestration daemon and its CLI.
//
// Daemon mode hosts the workflow runner, the HTTP/WebSocket gateway, the
// retention janitor, and telemetry. Every other invocation is a thin HTTP
// client against a running daemon.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alliecatowo/legalease-ai/internal/agents"
	"github.com/alliecatowo/legalease-ai/internal/broadcast"
	"github.com/alliecatowo/legalease-ai/internal/bus"
	"github.com/alliecatowo/legalease-ai/internal/commands"
	"github.com/alliecatowo/legalease-ai/internal/config"
	"github.com/alliecatowo/legalease-ai/internal/gateway"
	"github.com/alliecatowo/legalease-ai/internal/inference"
	"github.com/alliecatowo/legalease-ai/internal/kgraph"
	otelPkg "github.com/alliecatowo/legalease-ai/internal/otel"
	"github.com/alliecatowo/legalease-ai/internal/persistence"
	"github.com/alliecatowo/legalease-ai/internal/retention"
	"github.com/alliecatowo/legalease-ai/internal/telemetry"
	"github.com/alliecatowo/legalease-ai/internal/workflow"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s -daemon                       Run the research engine daemon

SUBCOMMANDS (client, require a running daemon):
  %s start -case <id> -query <q>   Start a research run
                                   Options: -theory <secondary theory>
  %s pause <run_id>                Pause at the next node boundary
  %s resume <run_id>               Resume a paused run
  %s cancel [-reason <r>] <run_id> Cancel a run
  %s status <run_id>               Describe one run
  %s runs [-case id] [-status s]   List runs
  %s watch <run_id>                Live progress view
  %s health                        Daemon health (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  LEGALEASE_HOME          Data directory (default: ~/.legalease)
  LEGALEASE_AUTH_TOKEN    API bearer token (default: <home>/auth_token)
  ANTHROPIC_API_KEY       Enables live inference for the anthropic provider
  KGRAPH_ENDPOINT         Knowledge graph service URL (optional)
`)
}

func main() {
	loadDotEnv(".env")

	daemon := flag.Bool("daemon", false, "run the research engine daemon")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 && !*daemon {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "start":
			os.Exit(runStartCommand(ctx, args[1:]))
		case "pause", "resume", "cancel":
			os.Exit(runControlCommand(ctx, args[0], args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "runs":
			os.Exit(runRunsCommand(ctx, args[1:]))
		case "watch":
			os.Exit(runWatchCommand(ctx, args[1:]))
		case "health":
			os.Exit(runHealthCommand(ctx))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if !*daemon {
		printUsage()
		os.Exit(2)
	}
	runDaemon(ctx)
}

func runDaemon(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"fingerprint", cfg.Fingerprint(), "version", Version)

	if cfg.AuthToken == "" {
		cfg.AuthToken, err = loadOrCreateAuthToken(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN", err)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	eventBus := bus.New()
	recorder := otelPkg.NewRecorder(eventBus, metrics)
	defer recorder.Stop()

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	generator := inference.NewGenkitGenerator(ctx, inference.Config{
		Provider:                 cfg.LLM.Provider,
		Model:                    cfg.LLM.Model,
		APIKey:                   cfg.LLM.APIKey,
		MaxRetries:               cfg.LLM.MaxRetries,
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
	}, logger)
	if !generator.LLMOn() {
		logger.Warn("no inference API key configured; runs use deterministic fallbacks")
	}
	graph := kgraph.NewClient(cfg.Graph.Endpoint, cfg.Graph.APIKey)
	if !graph.Available() {
		logger.Info("no knowledge graph endpoint configured; correlation is local only")
	}

	nodes := agents.Nodes(agents.Deps{
		Evidence:  agents.NewFileSource(cfg.EvidenceRoot),
		Generator: generator,
		Graph:     graph,
		Logger:    logger,
	})
	runner, err := workflow.NewRunner(store, workflow.Config{
		Nodes:      nodes,
		RunTimeout: cfg.RunTimeout(),
		Bus:        eventBus,
		Logger:     logger,
	})
	if err != nil {
		fatalStartup(logger, "E_RUNNER_INIT", err)
	}

	// Relaunch interrupted runs before the gateway accepts new work.
	recovered, err := runner.Recover(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "recovered", recovered)

	cmds := commands.New(runner, store, logger)
	broadcaster := broadcast.New(runner, broadcast.Config{
		PollInterval:       time.Duration(cfg.Broadcast.PollIntervalSeconds) * time.Second,
		PausedPollInterval: time.Duration(cfg.Broadcast.PausedPollIntervalSeconds) * time.Second,
		ProgressThreshold:  cfg.Broadcast.ProgressThreshold,
		Logger:             logger,
	})

	janitor, err := retention.NewJanitor(retention.Config{
		Store:    store,
		Schedule: cfg.Retention.Schedule,
		Window:   cfg.RetentionWindow(),
		Logger:   logger,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	janitor.Start(ctx)
	defer janitor.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				if fresh, err := config.Load(); err == nil {
					logger.Info("config reloaded", "fingerprint", fresh.Fingerprint())
				} else {
					logger.Error("config reload failed", "error", err)
				}
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Commands:     cmds,
		Runner:       runner,
		Store:        store,
		Broadcaster:  broadcaster,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: cfg.AllowOrigins,
		Logger:       logger,
	})
	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws/research")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		fatalStartup(logger, "E_GATEWAY_SERVE", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown: draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	// Interrupted runs keep their RUNNING mirror rows and recover next start.
	runner.Shutdown(10 * time.Second)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadOrCreateAuthToken persists a generated bearer token under the home
// directory so client subcommands on the same host can authenticate.
func loadOrCreateAuthToken(homeDir string) (string, error) {
	path := filepath.Join(homeDir, "auth_token")
	if b, err := os.ReadFile(path); err == nil {
		if token := strings.TrimSpace(string(b)); token != "" {
			return token, nil
		}
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	token := hex.EncodeToString(raw)
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	return token, nil
}

// loadDotEnv loads KEY=VALUE lines from a local .env file without
// overriding variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
