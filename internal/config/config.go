// Package config manages run configuration for all session modes.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/torscope/torscope/internal/fileutil"
)

// Mode selects what a run does. The set is closed: each mode wires a fixed
// pipeline from explicit configuration.
type Mode string

const (
	// ModeMonitor attaches an event monitor to an already-running tor.
	ModeMonitor Mode = "monitor"
	// ModeMeasure runs a full measurement session: processes, monitors, transfers.
	ModeMeasure Mode = "measure"
	// ModeAnalyze correlates transfer and control logs into an analysis artifact.
	ModeAnalyze Mode = "analyze"
	// ModeFilter removes transfer records from an artifact by fingerprint criteria.
	ModeFilter Mode = "filter"
	// ModeVisualize loads artifacts and emits their bucket summaries for downstream tools.
	ModeVisualize Mode = "visualize"
)

// DefaultEvents is the control-channel event set subscribed by default.
// Custom event names configured by the operator are passed through
// unvalidated; tor rejects ones it does not know.
var DefaultEvents = []string{"CIRC", "STREAM", "BW", "BUILDTIMEOUT_SET"}

// Config is the top-level run configuration. It is treated as immutable once
// handed to a session: components receive the values they need at
// construction and never consult shared mutable state.
type Config struct {
	Mode     Mode   `json:"mode"`
	Nickname string `json:"nickname"`
	DataDir  string `json:"data_dir"`

	Monitor   MonitorConfig   `json:"monitor"`
	Measure   MeasureConfig   `json:"measure"`
	Analyze   AnalyzeConfig   `json:"analyze"`
	Filter    FilterConfig    `json:"filter"`
	Visualize VisualizeConfig `json:"visualize"`
}

// MonitorConfig configures the live event monitor.
type MonitorConfig struct {
	// ControlAddress is the tor control port, host:port.
	ControlAddress string `json:"control_address"`
	// Password authenticates the control connection. Empty selects cookie
	// authentication via the cookie file advertised by PROTOCOLINFO.
	Password string `json:"password,omitempty"`
	// Events is the subscribed event set. Empty means DefaultEvents.
	Events []string `json:"events,omitempty"`
	// LogPath is the event log destination. Compression is selected by
	// extension (.gz, .xz, .snappy).
	LogPath string `json:"log_path"`
	// HeartbeatSeconds is the interval between liveness log lines; 0 uses
	// the default, negative disables.
	HeartbeatSeconds int `json:"heartbeat_seconds,omitempty"`
}

// MeasureConfig configures a measurement session.
type MeasureConfig struct {
	TorPath  string `json:"tor_path"`
	TGenPath string `json:"tgen_path"`

	// Onion drives transfers through a same-host ephemeral onion service.
	Onion bool `json:"onion"`
	// Inet drives transfers to the server's public endpoint.
	Inet bool `json:"inet"`
	// ServerHost is the address the client reaches the transfer server at in
	// inet mode.
	ServerHost string `json:"server_host,omitempty"`

	// Transfer model driven by the client transfer generator.
	TransferBytes       int64 `json:"transfer_bytes"`
	TransferCount       int   `json:"transfer_count"`        // 0 = unbounded
	InitialPauseSeconds int   `json:"initial_pause_seconds"` // before the first transfer
	PauseSeconds        int   `json:"pause_seconds"`         // between transfers

	// GuardDropSeconds is the interval after which the client tor is
	// restarted to force new guard and circuit selection. 0 disables
	// rotation and disables build-timeout based discarding downstream.
	GuardDropSeconds int `json:"guard_drop_seconds"`

	// GraceSeconds is how long processes get to exit after SIGTERM before
	// they are killed.
	GraceSeconds int `json:"grace_seconds,omitempty"`

	// Events overrides the monitored event set for both tor instances.
	Events []string `json:"events,omitempty"`
}

// AnalyzeConfig configures log correlation and aggregation. Either a single
// log pair (TGenLog+TorctlLog) or a directory pair (TGenDir+TorctlDir, with
// date-based pairing) is given.
type AnalyzeConfig struct {
	TGenLog   string `json:"tgen_log,omitempty"`
	TorctlLog string `json:"torctl_log,omitempty"`

	TGenDir   string `json:"tgen_dir,omitempty"`
	TorctlDir string `json:"torctl_dir,omitempty"`
	Workers   int    `json:"workers,omitempty"`

	OutputDir string `json:"output_dir"`
	// Detail includes per-transfer records in the artifact.
	Detail bool `json:"detail"`
	// BucketSeconds is the summary bucket granularity. 0 uses one day.
	BucketSeconds int `json:"bucket_seconds,omitempty"`
	// Date restricts processing to a single YYYY-MM-DD date.
	Date string `json:"date,omitempty"`
	// WindowSeconds bounds the transfer/stream correlation window. 0 uses
	// the default.
	WindowSeconds int `json:"window_seconds,omitempty"`
	// Compression selects the artifact container: "", "gzip", "xz", "snappy".
	Compression string `json:"compression,omitempty"`
}

// FilterConfig configures artifact filtering.
type FilterConfig struct {
	Input  string `json:"input"`
	Output string `json:"output"`
	// IncludeFile lists fingerprints a transfer's circuit path must be a
	// subset of. ExcludeFile lists fingerprints that disqualify a path.
	IncludeFile string `json:"include_file,omitempty"`
	ExcludeFile string `json:"exclude_file,omitempty"`
	// RequireBuildTimeout drops transfers whose circuit build timeout was
	// unknown at launch.
	RequireBuildTimeout bool `json:"require_build_timeout"`
}

// VisualizeConfig configures artifact summary output.
type VisualizeConfig struct {
	Inputs []string `json:"inputs"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode:     ModeMeasure,
		Nickname: defaultNickname(),
		DataDir:  ".",
		Monitor: MonitorConfig{
			ControlAddress:   "127.0.0.1:9051",
			HeartbeatSeconds: 60,
		},
		Measure: MeasureConfig{
			TorPath:             "tor",
			TGenPath:            "tgen",
			Onion:               true,
			Inet:                true,
			TransferBytes:       51200,
			TransferCount:       0,
			InitialPauseSeconds: 5,
			PauseSeconds:        60,
			GuardDropSeconds:    0,
			GraceSeconds:        5,
		},
		Analyze: AnalyzeConfig{
			Workers:       4,
			OutputDir:     ".",
			BucketSeconds: 86400,
			WindowSeconds: 60,
		},
	}
}

func defaultNickname() string {
	host, err := os.Hostname()
	if err != nil {
		return "torscope"
	}
	return host
}

// Load reads the configuration from disk. A missing file yields defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to disk atomically.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := fileutil.AtomicWrite(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for the selected mode.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeMonitor:
		if c.Monitor.ControlAddress == "" {
			return fmt.Errorf("monitor: control address must not be empty")
		}
		if c.Monitor.LogPath == "" {
			return fmt.Errorf("monitor: log path must not be empty")
		}
	case ModeMeasure:
		m := c.Measure
		if m.TorPath == "" || m.TGenPath == "" {
			return fmt.Errorf("measure: tor and tgen paths must not be empty")
		}
		if !m.Onion && !m.Inet {
			return fmt.Errorf("measure: at least one of onion and inet modes must be enabled")
		}
		if m.TransferBytes <= 0 {
			return fmt.Errorf("measure: transfer size must be positive")
		}
		if m.TransferCount < 0 || m.InitialPauseSeconds < 0 || m.PauseSeconds < 0 || m.GuardDropSeconds < 0 {
			return fmt.Errorf("measure: pauses, counts and intervals must be non-negative")
		}
	case ModeAnalyze:
		a := c.Analyze
		single := a.TGenLog != "" && a.TorctlLog != ""
		batch := a.TGenDir != "" && a.TorctlDir != ""
		if !single && !batch {
			return fmt.Errorf("analyze: either a log pair or a directory pair must be given")
		}
		if a.Workers < 0 {
			return fmt.Errorf("analyze: workers must be non-negative")
		}
		if a.BucketSeconds < 0 || a.WindowSeconds < 0 {
			return fmt.Errorf("analyze: bucket and window must be non-negative")
		}
	case ModeFilter:
		if c.Filter.Input == "" || c.Filter.Output == "" {
			return fmt.Errorf("filter: input and output paths must not be empty")
		}
	case ModeVisualize:
		if len(c.Visualize.Inputs) == 0 {
			return fmt.Errorf("visualize: at least one input artifact must be given")
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	return nil
}

// EventSet returns the configured event set for the monitor, falling back to
// DefaultEvents. The returned slice is a copy.
func (m *MonitorConfig) EventSet() []string {
	src := m.Events
	if len(src) == 0 {
		src = DefaultEvents
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}
