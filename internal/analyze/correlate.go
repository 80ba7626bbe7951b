// Package analyze merges parsed transfer events with control events into
// per-transfer records and reduces them into bucketed statistics.
package analyze

import (
	"sort"
	"time"

	"github.com/torscope/torscope/internal/tgen"
	"github.com/torscope/torscope/internal/torctl"
)

// DefaultWindow bounds how far a stream's open time may sit from the
// transfer start and still correlate. Deployments with coarse generator
// clocks can widen it.
const DefaultWindow = 60 * time.Second

// CorrelatedTransfer joins a transfer with at most one stream and its
// owning circuit. A nil Stream means the circuit is unknown; the transfer
// is retained regardless.
type CorrelatedTransfer struct {
	Transfer tgen.TransferRecord
	Stream   *torctl.StreamRecord
	Circuit  *torctl.CircuitRecord
}

// CircuitKnown reports whether the transfer was matched to a stream.
func (ct *CorrelatedTransfer) CircuitKnown() bool {
	return ct.Stream != nil
}

// Correlate assigns each transfer the stream with the same local source
// port whose open time falls within the window of the transfer start,
// preferring the closest open time and breaking ties toward the earlier
// stream. Assignment is deterministic: identical inputs yield identical
// output on every run. Each stream matches at most one transfer.
func Correlate(transfers []tgen.TransferRecord, log *torctl.Log, window time.Duration) []CorrelatedTransfer {
	if window <= 0 {
		window = DefaultWindow
	}

	// Process transfers in a fixed order so stream consumption is stable.
	ordered := make([]tgen.TransferRecord, len(transfers))
	copy(ordered, transfers)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].Start.Equal(ordered[j].Start) {
			return ordered[i].Start.Before(ordered[j].Start)
		}
		return ordered[i].Key() < ordered[j].Key()
	})

	byPort := make(map[int][]*torctl.StreamRecord)
	for i := range log.Streams {
		s := &log.Streams[i]
		if s.SourcePort != 0 {
			byPort[s.SourcePort] = append(byPort[s.SourcePort], s)
		}
	}
	for _, streams := range byPort {
		sort.Slice(streams, func(i, j int) bool {
			if !streams[i].Opened.Equal(streams[j].Opened) {
				return streams[i].Opened.Before(streams[j].Opened)
			}
			return streams[i].ID < streams[j].ID
		})
	}

	used := make(map[*torctl.StreamRecord]bool)
	out := make([]CorrelatedTransfer, 0, len(ordered))

	for _, tr := range ordered {
		ct := CorrelatedTransfer{Transfer: tr}

		var best *torctl.StreamRecord
		var bestDist time.Duration
		for _, s := range byPort[tr.Port] {
			if used[s] {
				continue
			}
			dist := s.Opened.Sub(tr.Start)
			if dist < 0 {
				dist = -dist
			}
			if dist > window {
				continue
			}
			// Strict < keeps the earlier stream on a tie, since candidates
			// arrive in open-time order.
			if best == nil || dist < bestDist {
				best, bestDist = s, dist
			}
		}

		if best != nil {
			used[best] = true
			ct.Stream = best
			ct.Circuit = log.CircuitForStream(best)
		}
		out = append(out, ct)
	}
	return out
}
