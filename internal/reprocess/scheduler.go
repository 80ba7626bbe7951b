package reprocess

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/torscope/torscope/internal/analyze"
)

// Runner processes discovered pairs with the correlation engine, one
// dated artifact per pair, up to Workers pairs in parallel.
type Runner struct {
	// Workers bounds parallel jobs; values below 1 mean serial.
	Workers int
	// OutputDir receives one artifact per pair.
	OutputDir string
	// Compression is the artifact codec extension with leading dot
	// (".gz", ".xz"), empty for plain JSON.
	Compression string
	// Options seeds each job's engine options; Date is set per pair.
	Options analyze.Options
}

// OutputPath names the artifact for one pair; the label keeps sibling
// variants of one date apart.
func (r *Runner) OutputPath(pair Pair) string {
	stem := pair.Date
	if pair.Label != "" {
		stem += "." + pair.Label
	}
	return filepath.Join(r.OutputDir, fmt.Sprintf("%s.torscope.json%s", stem, r.Compression))
}

// Run processes every pair. A failing pair is logged and skipped, never
// cancelling its siblings; only context cancellation stops the batch.
// Returns the number of artifacts written.
func (r *Runner) Run(ctx context.Context, pairs []Pair) (int, error) {
	workers := r.Workers
	if workers < 1 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var written atomic.Int64
	for _, pair := range pairs {
		pair := pair
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.process(pair); err != nil {
				slog.Error("Reprocessing pair failed", "date", pair.Date, "error", err)
				return nil
			}
			written.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(written.Load()), err
	}
	slog.Info("Reprocessing complete", "pairs", len(pairs), "written", written.Load())
	return int(written.Load()), nil
}

func (r *Runner) process(pair Pair) error {
	opts := r.Options
	opts.Date = pair.Date

	result, err := analyze.Run(pair.TGenPath, pair.TorctlPath, opts)
	if err != nil {
		return err
	}
	return result.Save(r.OutputPath(pair))
}
