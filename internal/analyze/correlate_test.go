package analyze

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torscope/torscope/internal/tgen"
	"github.com/torscope/torscope/internal/torctl"
)

func transferAt(id string, start time.Time, port int) tgen.TransferRecord {
	return tgen.TransferRecord{
		ID:            id,
		Start:         start,
		End:           start.Add(2 * time.Second),
		Port:          port,
		BytesReceived: 51200,
	}
}

func TestCorrelate_PortAndWindowMatch(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	log := &torctl.Log{
		Circuits: []torctl.CircuitRecord{
			{ID: 7, Launched: base.Add(-time.Minute), Built: base.Add(-time.Minute + 1500*time.Millisecond)},
		},
		Streams: []torctl.StreamRecord{
			{ID: 1, CircuitID: 7, SourcePort: 9001, Opened: base.Add(time.Second)},
		},
	}

	out := Correlate([]tgen.TransferRecord{
		transferAt("1", base, 9001),
		transferAt("2", base, 9002),
	}, log, 0)
	require.Len(t, out, 2)

	byID := make(map[string]CorrelatedTransfer, len(out))
	for _, ct := range out {
		byID[ct.Transfer.ID] = ct
	}

	matched := byID["1"]
	require.True(t, matched.CircuitKnown())
	require.NotNil(t, matched.Circuit)
	assert.Equal(t, 7, matched.Circuit.ID)

	// No stream on port 9002: the transfer is retained with the circuit
	// marked unknown, never dropped.
	unmatched := byID["2"]
	assert.False(t, unmatched.CircuitKnown())
	assert.Nil(t, unmatched.Circuit)
}

func TestCorrelate_OutsideWindowLeftUnmatched(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	log := &torctl.Log{
		Streams: []torctl.StreamRecord{
			{ID: 1, SourcePort: 9001, Opened: base.Add(2 * time.Minute)},
		},
	}

	out := Correlate([]tgen.TransferRecord{transferAt("1", base, 9001)}, log, time.Minute)
	require.Len(t, out, 1)
	assert.False(t, out[0].CircuitKnown())
}

func TestCorrelate_ClosestStreamWins(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	log := &torctl.Log{
		Streams: []torctl.StreamRecord{
			{ID: 1, SourcePort: 9001, Opened: base.Add(30 * time.Second)},
			{ID: 2, SourcePort: 9001, Opened: base.Add(2 * time.Second)},
		},
	}

	out := Correlate([]tgen.TransferRecord{transferAt("1", base, 9001)}, log, 0)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Stream)
	assert.Equal(t, 2, out[0].Stream.ID)
}

func TestCorrelate_TieBreaksTowardEarlierStream(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// Streams equidistant from the transfer start: 5s before and 5s after.
	log := &torctl.Log{
		Streams: []torctl.StreamRecord{
			{ID: 2, SourcePort: 9001, Opened: base.Add(5 * time.Second)},
			{ID: 1, SourcePort: 9001, Opened: base.Add(-5 * time.Second)},
		},
	}

	out := Correlate([]tgen.TransferRecord{transferAt("1", base, 9001)}, log, 0)
	require.NotNil(t, out[0].Stream)
	assert.Equal(t, 1, out[0].Stream.ID)
}

func TestCorrelate_StreamConsumedOnce(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	log := &torctl.Log{
		Streams: []torctl.StreamRecord{
			{ID: 1, SourcePort: 9001, Opened: base},
		},
	}

	out := Correlate([]tgen.TransferRecord{
		transferAt("1", base, 9001),
		transferAt("2", base.Add(time.Second), 9001),
	}, log, 0)
	require.Len(t, out, 2)

	matched := 0
	for _, ct := range out {
		if ct.CircuitKnown() {
			matched++
			assert.Equal(t, "1", ct.Transfer.ID)
		}
	}
	assert.Equal(t, 1, matched)
}

func TestCorrelate_Deterministic(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	transfers := []tgen.TransferRecord{
		transferAt("3", base.Add(4*time.Second), 9001),
		transferAt("1", base, 9001),
		transferAt("2", base.Add(2*time.Second), 9001),
	}
	log := &torctl.Log{
		Streams: []torctl.StreamRecord{
			{ID: 3, SourcePort: 9001, Opened: base.Add(5 * time.Second)},
			{ID: 1, SourcePort: 9001, Opened: base.Add(time.Second)},
			{ID: 2, SourcePort: 9001, Opened: base.Add(3 * time.Second)},
		},
	}

	assignment := func() map[string]int {
		out := Correlate(transfers, log, 0)
		m := make(map[string]int)
		for _, ct := range out {
			if ct.Stream != nil {
				m[ct.Transfer.ID] = ct.Stream.ID
			}
		}
		return m
	}

	first := assignment()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, assignment())
	}
}
