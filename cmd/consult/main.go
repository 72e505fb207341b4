package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/consult/internal/config"
	"github.com/hpungsan/consult/internal/db"
	"github.com/hpungsan/consult/internal/logger"
	"github.com/hpungsan/consult/internal/mcp"
	"github.com/hpungsan/consult/internal/metrics"
	"github.com/hpungsan/consult/internal/ops"
	"github.com/hpungsan/consult/internal/web"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"start": true, "message": true, "review": true, "stage": true,
	"symptoms": true, "timeout": true, "end": true, "show": true,
	"purge": true, "cache": true, "pattern": true, "serve": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false // No args → MCP server
	}
	arg := os.Args[1]
	if cliCommands[arg] {
		return true
	}
	if arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" {
		return true
	}
	return false
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
    ___ ___  _ __  ___ _   _| | |_
   / __/ _ \| '_ \/ __| | | | | __|
  | (_| (_) | | | \__ \ |_| | | |_
   \___\___/|_| |_|___/\__,_|_|\__|

  Consultation orchestration core

  Usage: consult <command> [options]
         consult --help

  MCP server mode requires piped input.`)
}

func main() {
	// No args + interactive terminal → show banner and exit
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Handle --help/--version before DB init (no DB needed)
	if isHelpOrVersion() {
		app := newCLIApp(nil)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: could not determine home directory: %v\n", err)
		os.Exit(1)
	}

	baseDir := filepath.Join(homeDir, ".consult")

	database, err := db.Init(baseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	cfg, err := config.LoadWithRepo(baseDir, cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load config: %v\n", err)
		os.Exit(1)
	}
	db.ConfigurePool(database, cfg)

	cliMode := isCLIMode()

	// Unknown argument + terminal → show error (don't start MCP server)
	if !cliMode && len(os.Args) >= 2 && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'consult --help' for usage.\n")
		os.Exit(1)
	}

	// CLI output goes to stdout as JSON, so the console logger only runs
	// in server mode where it can use stderr.
	var log logger.Logger
	if cliMode && os.Args[1] != "serve" {
		log = logger.New(logger.Options{FilePath: cfg.LogFilePath, Level: cfg.LogLevel})
	} else {
		log = logger.NewStderr(cfg.LogFilePath, cfg.LogLevel)
	}
	defer func() { _ = log.Sync() }()

	m := metrics.New()
	core, err := ops.NewCore(database, ops.Options{
		BaseDir: baseDir,
		Config:  cfg,
		Logger:  log,
		Metrics: m,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if cliMode {
		app := newCLIApp(core)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// MCP server mode (default)
	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		log.Warn("main", "unknown tools in disabled_tools", map[string]any{"tools": unknown})
	}
	if unknown := mcp.ValidateDisabledTypes(cfg.DisabledTypes); len(unknown) > 0 {
		log.Warn("main", "unknown types in disabled_types", map[string]any{"types": unknown})
	}

	if cfg.MetricsAddr != "" {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		srv := web.NewServer(core, m, Version, cfg.MetricsAddr)
		go func() {
			if err := web.Serve(ctx, srv, log); err != nil {
				log.Error("main", "status server stopped", map[string]any{"error": err.Error()})
			}
		}()
	}

	if err := mcp.Run(core, cfg, Version); err != nil {
		log.Error("main", "mcp server stopped", map[string]any{"error": err.Error()})
		_ = log.Sync()
		os.Exit(1)
	}
}
