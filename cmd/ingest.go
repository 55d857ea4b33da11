package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quern-ai/quern/internal/app"
	"github.com/quern-ai/quern/internal/config"
	"github.com/quern-ai/quern/internal/knowledge"
	"github.com/quern-ai/quern/internal/security"
)

// runIngest collects files from the given paths and indexes them.
func runIngest() error {
	paths, flags, err := parseIngestArgs(os.Args[2:])
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return errors.New("usage: quern ingest <path>... [-ext .md,.txt] [-deny <dir>]")
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Index.Backend == config.IndexBackendInMem && cfg.Index.SnapshotPath == "" {
		logger.Warn("in-memory index without snapshot_path; ingested data will not survive exit")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	validator, err := security.NewPath(paths, flags.deny)
	if err != nil {
		return fmt.Errorf("configuring path validation: %w", err)
	}
	walker := knowledge.NewWalker(validator, flags.extensions, logger)

	start := time.Now()
	var inputs []knowledge.Input
	var stats knowledge.WalkStats
	for _, p := range paths {
		ins, s, err := walker.Walk(p)
		if err != nil {
			return fmt.Errorf("collecting %s: %w", p, err)
		}
		inputs = append(inputs, ins...)
		stats.Collected += s.Collected
		stats.Skipped += s.Skipped
		stats.Failed += s.Failed
		stats.TotalBytes += s.TotalBytes
	}

	if len(inputs) == 0 {
		fmt.Println("Nothing to ingest.")
		return nil
	}

	report := a.Pipeline.Ingest(ctx, inputs...)

	chunks := 0
	for _, res := range report.Results {
		if res.Err == nil {
			chunks += res.Chunks
		}
	}
	fmt.Printf("Ingested %d documents (%d chunks, %s) in %s\n",
		report.Succeeded(), chunks, formatBytes(stats.TotalBytes),
		time.Since(start).Round(time.Millisecond))
	if stats.Skipped > 0 {
		fmt.Printf("Skipped %d files\n", stats.Skipped)
	}
	if stats.Failed > 0 {
		fmt.Printf("Unreadable: %d files\n", stats.Failed)
	}
	for _, res := range report.Results {
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "  failed %s: %v\n", res.SourceURI, res.Err)
		}
	}
	return report.Err()
}

// ingestFlags holds the parsed ingest command flags.
type ingestFlags struct {
	extensions []string
	deny       []string
}

// parseIngestArgs splits [paths..., flags...] so paths can come first, the
// natural way to type the command.
func parseIngestArgs(args []string) ([]string, ingestFlags, error) {
	var paths []string
	for len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		paths = append(paths, args[0])
		args = args[1:]
	}

	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	ext := fs.String("ext", "", "comma-separated file extensions to collect (default .txt,.md)")
	deny := fs.String("deny", "", "comma-separated directories to refuse even inside the root")
	if err := fs.Parse(args); err != nil {
		return nil, ingestFlags{}, fmt.Errorf("parsing ingest flags: %w", err)
	}
	paths = append(paths, fs.Args()...)

	return paths, ingestFlags{extensions: splitList(*ext), deny: splitList(*deny)}, nil
}

// splitList parses a comma-separated flag value, dropping empty elements.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// formatBytes renders a byte count in a human-readable unit.
func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
