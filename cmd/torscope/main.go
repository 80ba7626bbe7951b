// Package main provides the entry point for the torscope measurement tool.
// torscope measures onion-service and exit performance on the live network:
// it orchestrates measurement sessions, monitors control-channel events,
// and reduces the resulting logs into statistics artifacts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/torscope/torscope/internal/analyze"
	"github.com/torscope/torscope/internal/config"
	"github.com/torscope/torscope/internal/fileutil"
	"github.com/torscope/torscope/internal/filter"
	"github.com/torscope/torscope/internal/logging"
	"github.com/torscope/torscope/internal/measure"
	"github.com/torscope/torscope/internal/monitor"
	"github.com/torscope/torscope/internal/reprocess"
)

const generatedBy = "torscope/0.1.0"

// defaultHeartbeat is the monitor liveness line interval when the
// configuration does not choose one.
const defaultHeartbeat = time.Minute

func main() {
	logging.SetupFromEnv()

	cfgPath := os.Getenv("TORSCOPE_CONFIG")
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	if cfgPath == "" {
		fmt.Fprintln(os.Stderr, "usage: torscope <config.json>")
		os.Exit(2)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("torscope failed", "mode", cfg.Mode, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	switch cfg.Mode {
	case config.ModeMonitor:
		return runMonitor(ctx, cfg)
	case config.ModeMeasure:
		return measure.NewSession(cfg.Measure, cfg.Nickname, cfg.DataDir).Run(ctx)
	case config.ModeAnalyze:
		return runAnalyze(ctx, cfg)
	case config.ModeFilter:
		return runFilter(cfg)
	case config.ModeVisualize:
		return runVisualize(cfg)
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

// runMonitor attaches one event monitor to an already-running daemon and
// streams events to the configured log until interrupted.
func runMonitor(ctx context.Context, cfg *config.Config) error {
	mc := cfg.Monitor

	heartbeat := defaultHeartbeat
	if mc.HeartbeatSeconds > 0 {
		heartbeat = time.Duration(mc.HeartbeatSeconds) * time.Second
	} else if mc.HeartbeatSeconds < 0 {
		heartbeat = 0
	}

	f, err := os.OpenFile(mc.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = f.Close() }()

	m := monitor.New(monitor.Options{
		ControlAddress: mc.ControlAddress,
		Password:       mc.Password,
		Events:         mc.EventSet(),
		Heartbeat:      heartbeat,
	}, f)
	return m.Run(ctx)
}

func analyzeOptions(cfg *config.Config) analyze.Options {
	a := cfg.Analyze
	return analyze.Options{
		Window:      time.Duration(a.WindowSeconds) * time.Second,
		Granularity: time.Duration(a.BucketSeconds) * time.Second,
		Date:        a.Date,
		Detail:      a.Detail,
		Nickname:    cfg.Nickname,
		GeneratedBy: generatedBy,
	}
}

// runAnalyze processes either a single log pair or two directory trees
// paired by date.
func runAnalyze(ctx context.Context, cfg *config.Config) error {
	a := cfg.Analyze
	outDir := a.OutputDir
	if outDir == "" {
		outDir = "."
	}
	ext := fileutil.Codec(a.Compression).Ext()

	if a.TGenLog != "" {
		result, err := analyze.Run(a.TGenLog, a.TorctlLog, analyzeOptions(cfg))
		if err != nil {
			return err
		}
		out := filepath.Join(outDir, fmt.Sprintf("%s.torscope.json%s", cfg.Nickname, ext))
		return result.Save(out)
	}

	pairs, err := reprocess.DiscoverPairs(a.TGenDir, a.TorctlDir, a.Date)
	if err != nil {
		return err
	}
	runner := &reprocess.Runner{
		Workers:     a.Workers,
		OutputDir:   outDir,
		Compression: ext,
		Options:     analyzeOptions(cfg),
	}
	_, err = runner.Run(ctx, pairs)
	return err
}

// runFilter reduces an artifact's detail records by fingerprint and
// build-timeout predicates. A malformed fingerprint file is fatal to this
// invocation.
func runFilter(cfg *config.Config) error {
	fc := cfg.Filter

	var criteria filter.Criteria
	var err error
	if fc.IncludeFile != "" {
		if criteria.Include, err = filter.LoadFingerprints(fc.IncludeFile); err != nil {
			return err
		}
	}
	if fc.ExcludeFile != "" {
		if criteria.Exclude, err = filter.LoadFingerprints(fc.ExcludeFile); err != nil {
			return err
		}
	}
	criteria.RequireBuildTimeoutKnown = fc.RequireBuildTimeout

	return filter.Run(fc.Input, fc.Output, criteria)
}

// runVisualize merges the input artifacts and prints the bucketed summary
// as a table. Plot rendering stays with downstream consumers.
func runVisualize(cfg *config.Config) error {
	var merged *analyze.Result
	for _, path := range cfg.Visualize.Inputs {
		r, err := analyze.Load(path)
		if err != nil {
			return err
		}
		if merged == nil {
			merged = r
			continue
		}
		if err := merged.Merge(r); err != nil {
			return err
		}
	}
	return analyze.WriteSummaryTable(os.Stdout, merged)
}
