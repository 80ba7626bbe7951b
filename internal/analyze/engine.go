package analyze

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/torscope/torscope/internal/fileutil"
	"github.com/torscope/torscope/internal/tgen"
	"github.com/torscope/torscope/internal/torctl"
)

// Options configures one correlation/aggregation run.
type Options struct {
	// Window bounds the transfer/stream correlation; 0 uses DefaultWindow.
	Window time.Duration
	// Granularity is the summary bucket size; 0 uses one day.
	Granularity time.Duration
	// Date restricts the run to transfers starting on one UTC date
	// (YYYY-MM-DD); empty processes everything.
	Date string
	// Detail includes per-transfer records in the artifact.
	Detail bool

	Nickname    string
	Address     string
	GeneratedBy string
}

// Run parses one transfer-log/control-log pair and reduces it to an
// artifact. Directory scanning and pairing stay outside this engine; it is
// handed concrete paths.
func Run(tgenPath, torctlPath string, opts Options) (*Result, error) {
	tp, err := tgen.Open(tgenPath)
	if err != nil {
		return nil, fmt.Errorf("open transfer log: %w", err)
	}
	defer func() { _ = tp.Close() }()

	transfers, err := tp.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse transfer log: %w", err)
	}

	cp, err := torctl.Open(torctlPath)
	if err != nil {
		return nil, fmt.Errorf("open control log: %w", err)
	}
	defer func() { _ = cp.Close() }()

	ctl, err := cp.ReadLog()
	if err != nil {
		return nil, fmt.Errorf("parse control log: %w", err)
	}

	result := FromRecords(transfers, ctl, opts)
	result.Anomalies.TGenSkipped = tp.Skipped
	result.Anomalies.Unfinished = tp.Unfinished
	result.Anomalies.TorctlSkipped = ctl.Skipped

	slog.Info("Analysis complete",
		"transfers", len(result.TransferIDs),
		"circuit_unknown", result.Anomalies.CircuitUnknown,
		"skipped", tp.Skipped+ctl.Skipped)
	return result, nil
}

// FromRecords correlates already-parsed records and reduces them. Exposed
// separately so the engine is testable without files.
func FromRecords(transfers []tgen.TransferRecord, ctl *torctl.Log, opts Options) *Result {
	correlated := Correlate(transfers, ctl, opts.Window)
	return NewResult(correlated, opts.Granularity, opts.Date, opts.Detail,
		opts.Nickname, opts.Address, opts.GeneratedBy)
}

// Save writes the artifact to path atomically, compressed per the path's
// extension.
func (r *Result) Save(path string) error {
	data, err := r.marshal()
	if err != nil {
		return fmt.Errorf("encode analysis artifact: %w", err)
	}
	w, err := fileutil.CreateAtomic(path, 0644)
	if err != nil {
		return fmt.Errorf("create analysis artifact: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write analysis artifact: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize analysis artifact: %w", err)
	}
	return nil
}

// Load reads an artifact from path, transparently decompressing.
func Load(path string) (*Result, error) {
	f, err := fileutil.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open analysis artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read analysis artifact: %w", err)
	}
	return unmarshalResult(data)
}
