// bbmcp: mutation control plane for shared 3D model projects
//
// An MCP server that serializes edits to model projects behind per-project
// locks and revision checks, authorizes them against workspace roles and
// folder ACLs, and runs exports as background jobs.
//
// Usage:
//
//	bbmcp serve    # Start MCP server and in-process job workers
//	bbmcp worker   # Run job workers only
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/sigee-min/bbmcp/internal/config"
	"github.com/sigee-min/bbmcp/internal/logging"
	bbserver "github.com/sigee-min/bbmcp/internal/server"
	"github.com/sigee-min/bbmcp/internal/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := run(serve); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "worker":
		if err := run(work); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "--help", "-h", "help":
		printUsage()
		os.Exit(0)
	case "--version", "-v", "version":
		fmt.Printf("bbmcp v%s\n", bbserver.Version)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// run loads configuration, builds the runtime and calls fn until an
// interrupt or fn returns.
func run(fn func(ctx context.Context, cfg config.Config, rt *bbserver.Runtime) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}

	// Graceful shutdown on interrupt.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, cfg.OTelEndpoint, "bbmcp", bbserver.Version)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer flush(logger, shutdown)

	rt, err := bbserver.Build(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating runtime: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing store")
		}
	}()

	if cfg.BootstrapFile != "" {
		b, err := config.LoadBootstrap(cfg.BootstrapFile)
		if err != nil {
			return err
		}
		if err := rt.Seed(ctx, b); err != nil {
			return err
		}
	}

	return fn(ctx, cfg, rt)
}

func serve(ctx context.Context, _ config.Config, rt *bbserver.Runtime) error {
	return rt.Serve(ctx)
}

func work(ctx context.Context, cfg config.Config, rt *bbserver.Runtime) error {
	if cfg.Store == config.StoreMemory {
		return fmt.Errorf("bbmcp worker needs a shared store; BBMCP_STORE=memory only works with serve")
	}
	n := cfg.JobWorkers
	if n <= 0 {
		n = 1
	}
	return rt.RunWorkers(ctx, n)
}

func flush(logger zerolog.Logger, shutdown func(context.Context) error) {
	if err := shutdown(context.WithoutCancel(context.Background())); err != nil {
		logger.Warn().Err(err).Msg("flushing telemetry")
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `bbmcp v%s: mutation control plane MCP server

Usage:
  bbmcp serve    Start the MCP server (stdio or streamable HTTP) and job workers
  bbmcp worker   Run job workers against the shared SQLite store
  bbmcp version  Print the version

Configuration is read from BBMCP_* environment variables:
  BBMCP_TRANSPORT      stdio (default) or http
  BBMCP_HTTP_ADDR      listen address for http (default :8787)
  BBMCP_STORE          sqlite (default) or memory
  BBMCP_DATA_DIR       database and export blobs (default ~/.bbmcp)
  BBMCP_LOCK_POLICY    hold (default) or release the lock after a mutation
  BBMCP_JOB_WORKERS    in-process workers for serve (default 2, 0 disables)
  BBMCP_BOOTSTRAP_FILE YAML file seeding workspaces, roles and folders
  BBMCP_ACCOUNT_ID     stdio caller account (default local)
  BBMCP_WORKSPACE_ID   stdio caller workspace
  BBMCP_LOG_LEVEL      debug, info (default), warn, error
  BBMCP_OTEL_ENDPOINT  OTLP/HTTP trace endpoint; tracing is off when empty

Add to your AI tool's MCP config:

  {
    "mcpServers": {
      "bbmcp": {
        "command": "bbmcp",
        "args": ["serve"]
      }
    }
  }
`, bbserver.Version)
}
