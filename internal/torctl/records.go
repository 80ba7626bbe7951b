// Package torctl parses protocol-control event logs written by the monitor
// into circuit and stream records.
package torctl

import (
	"fmt"
	"time"
)

// CircuitRecord is the lifecycle of one circuit, immutable once finalized.
type CircuitRecord struct {
	ID    int
	Epoch int

	Launched      time.Time
	GuardSelected time.Time
	Built         time.Time
	Closed        time.Time

	// Path is the ordered relay fingerprint list; empty means unknown.
	Path []string

	// BuildTimeoutKnown reports whether the adaptive circuit build timeout
	// had been computed when the circuit was launched.
	BuildTimeoutKnown bool

	Failed     bool
	FailReason string
}

// BuildDuration is the launch-to-built time, zero when never built.
func (c *CircuitRecord) BuildDuration() time.Duration {
	if c.Built.IsZero() || c.Launched.IsZero() {
		return 0
	}
	return c.Built.Sub(c.Launched)
}

// Key identifies the circuit within a log.
func (c *CircuitRecord) Key() string {
	return fmt.Sprintf("%d:%d", c.Epoch, c.ID)
}

// StreamRecord is the lifecycle of one stream joined to its owning circuit.
type StreamRecord struct {
	ID    int
	Epoch int

	// CircuitID is the owning circuit; 0 when the stream never attached.
	CircuitID int

	// SourcePort is the local source port of the stream's client
	// connection, the correlation key against transfer records.
	SourcePort int

	Target string

	Opened time.Time
	Closed time.Time

	Failed bool
}

// Log is the result of one parsing pass: finalized circuit and stream
// records plus recoverable-anomaly counters surfaced in analysis output.
type Log struct {
	Circuits []CircuitRecord
	Streams  []StreamRecord

	// Skipped counts malformed or undecodable event lines.
	Skipped int
	// BytesRead and BytesWritten accumulate BW event totals.
	BytesRead    int64
	BytesWritten int64

	circuitIndex map[string]int
}

// CircuitForStream resolves a stream's owning circuit, or nil when unknown.
func (l *Log) CircuitForStream(s *StreamRecord) *CircuitRecord {
	if s.CircuitID == 0 {
		return nil
	}
	if l.circuitIndex == nil {
		l.circuitIndex = make(map[string]int, len(l.Circuits))
		for i := range l.Circuits {
			l.circuitIndex[l.Circuits[i].Key()] = i
		}
	}
	key := fmt.Sprintf("%d:%d", s.Epoch, s.CircuitID)
	i, ok := l.circuitIndex[key]
	if !ok {
		return nil
	}
	return &l.Circuits[i]
}
