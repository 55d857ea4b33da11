// Package cmd provides the quern CLI commands.
//
// Commands:
//   - serve: HTTP API server (query, ingest, session reset)
//   - ingest: index files and directories from the command line
//   - sessions: inspect and clear conversation memory
//
// Signal handling and graceful shutdown are implemented for all
// long-running commands via context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/quern-ai/quern/internal/config"
	"github.com/quern-ai/quern/internal/log"
)

// Execute is the main entry point for the quern CLI.
func Execute() error {
	// Bootstrap logger from the environment alone. Commands that load full
	// configuration swap in the configured logger via loadConfig.
	logger, err := log.New(log.Config{
		Level:  os.Getenv("QUERN_LOG_LEVEL"),
		Format: os.Getenv("QUERN_LOG_FORMAT"),
	})
	if err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}
	slog.SetDefault(logger)

	command := "help"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "serve":
		return runServe()
	case "ingest":
		return runIngest()
	case "sessions":
		return runSessions()
	case "version", "--version", "-v":
		runVersion()
	case "help", "--help", "-h":
		runHelp()
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
	return nil
}

// loadConfig loads configuration and replaces the bootstrap logger with the
// configured one.
func loadConfig() (*config.Config, log.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := log.New(log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, nil, fmt.Errorf("configuring logger: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("Quern - Retrieval-augmented conversation service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  quern serve [addr]           Start the HTTP API server (default: 127.0.0.1:3400)")
	fmt.Println("  quern ingest <path>...       Index files or directories")
	fmt.Println("  quern sessions list          List conversation sessions")
	fmt.Println("  quern sessions clear <id>    Clear a session's history")
	fmt.Println("  quern sessions delete <id>   Delete a session entirely")
	fmt.Println("  quern --version              Show version information")
	fmt.Println("  quern --help                 Show this help")
	fmt.Println()
	fmt.Println("Ingest flags (after the paths):")
	fmt.Println("  -ext .md,.txt                File extensions to collect")
	fmt.Println("  -deny <dir>                  Directories to refuse even inside the root")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY               API key for the gemini provider")
	fmt.Println("  OPENAI_API_KEY               API key for the openai provider")
	fmt.Println("  QUERN_PROVIDER               Provider: gemini, openai or ollama")
	fmt.Println("  QUERN_DATABASE_URL           Postgres connection URL")
	fmt.Println("  QUERN_LOG_LEVEL              debug, info, warn or error")
	fmt.Println()
	fmt.Println("Learn more: https://github.com/quern-ai/quern")
}
