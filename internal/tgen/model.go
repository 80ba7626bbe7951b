// Package tgen integrates with the external transfer-generator binary: it
// renders the client transfer model into the generator's command-line
// contract and parses the generator's event log.
package tgen

import (
	"fmt"
	"time"
)

// TransferModel describes the synthetic transfer schedule driven by the
// client generator.
type TransferModel struct {
	// InitialPause delays the first transfer.
	InitialPause time.Duration
	// Pause separates consecutive transfers.
	Pause time.Duration
	// Size is the number of bytes fetched per transfer.
	Size int64
	// Count is the number of transfers; 0 means unbounded.
	Count int
}

// ClientArgs renders the generator's client invocation. target is the
// server endpoint (host:port or onionaddress:port); socksPort, when
// non-zero, routes transfers through the local tor socks proxy.
func (m TransferModel) ClientArgs(target string, socksPort int, logPath string) []string {
	args := []string{
		"--client",
		"--server", target,
		"--size", fmt.Sprintf("%d", m.Size),
		"--count", fmt.Sprintf("%d", m.Count),
		"--initial-pause", fmt.Sprintf("%d", int(m.InitialPause.Seconds())),
		"--pause", fmt.Sprintf("%d", int(m.Pause.Seconds())),
	}
	if socksPort != 0 {
		args = append(args, "--socks", fmt.Sprintf("127.0.0.1:%d", socksPort))
	}
	args = append(args, "--log", logPath)
	return args
}

// ServerArgs renders the generator's server invocation listening on port.
func ServerArgs(port int, logPath string) []string {
	return []string{
		"--server-mode",
		"--listen", fmt.Sprintf(":%d", port),
		"--log", logPath,
	}
}

// TransferRecord is one logged transfer attempt, immutable once parsed.
type TransferRecord struct {
	// ID is the generator's transfer identifier, unique within an epoch.
	ID string
	// Epoch distinguishes restarts of the generator within one log file.
	Epoch int

	Start time.Time
	// Milestones maps cumulative byte counts to the time they were reached.
	Milestones map[int64]time.Time
	// End is the time of the terminal success or error line.
	End time.Time

	// Port is the client's local source port for the transfer connection.
	Port int
	// Endpoint is the remote address the transfer targeted.
	Endpoint string

	BytesRequested int64
	BytesSent      int64
	BytesReceived  int64

	// ErrorCode is empty on success.
	ErrorCode string
}

// Succeeded reports whether the transfer completed without error.
func (r *TransferRecord) Succeeded() bool {
	return r.ErrorCode == ""
}

// Duration is the elapsed time from start to the terminal line.
func (r *TransferRecord) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Key identifies the transfer across merged analysis results.
func (r *TransferRecord) Key() string {
	return fmt.Sprintf("%d:%s", r.Epoch, r.ID)
}
