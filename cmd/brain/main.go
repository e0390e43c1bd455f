// Brain is a single-user chat service for a local inference backend.
//
// It serializes conversation turns per conversation, admits all
// inference calls through a single-concurrency queue (one model call
// at a time keeps a constrained box responsive), routes prompts to
// local-only or web-augmented answering, and enriches conversations in
// the background with titles, topics, memory summaries, and polished
// answers. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	brain serve              Start the API server
//	brain ask <question>     Ask a single question (for testing)
//	brain version            Print version and build information
//	brain -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/weixian95/brain-at-home/internal/api"
	"github.com/weixian95/brain-at-home/internal/buildinfo"
	"github.com/weixian95/brain-at-home/internal/config"
	"github.com/weixian95/brain-at-home/internal/enrich"
	"github.com/weixian95/brain-at-home/internal/events"
	"github.com/weixian95/brain-at-home/internal/keylock"
	"github.com/weixian95/brain-at-home/internal/llm"
	"github.com/weixian95/brain-at-home/internal/prompts"
	"github.com/weixian95/brain-at-home/internal/queue"
	"github.com/weixian95/brain-at-home/internal/routing"
	"github.com/weixian95/brain-at-home/internal/store"
	"github.com/weixian95/brain-at-home/internal/turn"
	"github.com/weixian95/brain-at-home/internal/usage"
	"github.com/weixian95/brain-at-home/internal/webagent"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit and os.Args out of the application logic so the lifecycle
// can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which interferes with
// calling run concurrently from tests, and the surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: brain ask <question>")
		}
		return runAsk(ctx, stdout, configPath, strings.Join(cmdArgs, " "))
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, `brain - single-user chat service for a local inference backend

Usage:
  brain serve              Start the API server
  brain ask <question>     Ask a single question (for testing)
  brain version            Print version and build information

Flags:
  -config <path>           Explicit config file path
  -o, --output <format>    Output format for version: text or json`)
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// components is everything runServe wires together, so runAsk can
// reuse the same construction for a one-shot turn.
type components struct {
	store        *store.FileStore
	queued       *queue.Client
	orchestrator *turn.Orchestrator
	enricher     *enrich.Pipeline
	usage        *usage.Store
	bus          *events.Bus
}

func buildComponents(cfg *config.Config, bus *events.Bus, logger *slog.Logger) (*components, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	st, err := store.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}

	var ledger *usage.Store
	var recorder queue.Recorder
	if cfg.UsageDB != "" {
		ledger, err = usage.NewStore(cfg.UsageDB)
		if err != nil {
			return nil, fmt.Errorf("open usage ledger: %w", err)
		}
		recorder = ledger
	}

	ollama := llm.NewOllamaClient(cfg.Inference.BaseURL)
	queued := queue.New(ollama, recorder, bus, logger)

	router := routing.NewEngine(queued, cfg.Inference.ClassifierModel, logger)

	var searcher turn.Searcher
	if cfg.WebAgent.URL != "" {
		searcher = webagent.New(cfg.WebAgent.URL, time.Duration(cfg.WebAgent.TimeoutSec)*time.Second)
	}

	locks := keylock.NewTable()
	orch := turn.New(locks, st, queued, router, searcher, bus, logger, turn.Config{
		Model:           cfg.Inference.Model,
		ClassifierModel: cfg.Inference.ClassifierModel,
		Budgets: prompts.Budgets{
			Summary:     cfg.Memory.SummaryTokens,
			Facts:       cfg.Memory.FactsTokens,
			Recent:      cfg.Memory.RecentTokens,
			RecentTurns: cfg.Memory.RecentTurns,
		},
		ResultCount:   cfg.WebAgent.ResultCount,
		AnswerTimeout: time.Duration(cfg.Inference.TimeoutSec) * time.Second,
	})

	enricher := enrich.New(st, queued, cfg.Inference.Model, bus, logger, enrich.Config{
		SummaryEveryTurns:     cfg.Enrichment.SummaryEveryTurns,
		SummaryTokenThreshold: cfg.Enrichment.SummaryTokenThreshold,
		PolishMinChars:        cfg.Enrichment.PolishMinChars,
		Timeout:               time.Duration(cfg.Enrichment.TimeoutSec) * time.Second,
	})
	orch.AfterTurn = enricher.Run

	return &components{
		store:        st,
		queued:       queued,
		orchestrator: orch,
		enricher:     enricher,
		usage:        ledger,
		bus:          bus,
	}, nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting brain",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the desired level is known; the Info-level
	// logger above only covers the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("config %s: %w", cfgPath, err)
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"listen", listenAddr(cfg),
		"model", cfg.Inference.Model,
		"inference_url", cfg.Inference.BaseURL,
	)

	bus := events.New()
	comps, err := buildComponents(cfg, bus, logger)
	if err != nil {
		return err
	}
	if comps.usage != nil {
		defer comps.usage.Close()
	}

	// A failed ping is worth a warning, not a refusal to start: the
	// backend may simply still be loading.
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := comps.queued.Ping(pingCtx); err != nil {
		logger.Warn("inference backend not reachable yet", "url", cfg.Inference.BaseURL, "error", err)
	}
	pingCancel()

	server := api.NewServer(listenAddr(cfg), comps.orchestrator, comps.store, comps.usage, comps.queued, bus, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if err := comps.enricher.Drain(shutdownCtx); err != nil {
		logger.Warn("enrichment did not drain before deadline", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// runAsk runs one non-streaming turn from the command line, under a
// fixed owner and conversation. Useful for smoke-testing a deployment.
func runAsk(ctx context.Context, stdout io.Writer, configPath, question string) error {
	logger := newLogger(io.Discard, slog.LevelInfo)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	comps, err := buildComponents(cfg, nil, logger)
	if err != nil {
		return err
	}
	if comps.usage != nil {
		defer comps.usage.Close()
	}

	useWeb := false
	resp, err := comps.orchestrator.Run(ctx, turn.Request{
		Owner:           "local",
		ConversationID:  "cli",
		Prompt:          question,
		ClientMessageID: fmt.Sprintf("cli-%d", time.Now().UnixNano()),
		UseWeb:          &useWeb,
	}, nil)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, resp.Answer)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	_ = comps.enricher.Drain(drainCtx)
	return nil
}

func listenAddr(cfg *config.Config) string {
	return fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
}

// newLogger builds the process logger. All log output goes through
// slog; this helper standardizes handler configuration across
// subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
