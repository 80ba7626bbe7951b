package torctl

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fpA = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
const fpB = "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
const fpC = "CCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC"

func circuitLog() string {
	return strings.Join([]string{
		"1756500000.000000 650 BUILDTIMEOUT_SET COMPUTED TOTAL_TIMES=100 TIMEOUT_MS=1500",
		"1756500001.000000 650 CIRC 4 LAUNCHED PURPOSE=GENERAL",
		"1756500001.500000 650 CIRC 4 EXTENDED $" + fpA + "~guard PURPOSE=GENERAL",
		"1756500002.000000 650 CIRC 4 EXTENDED $" + fpA + "~guard,$" + fpB + "~middle PURPOSE=GENERAL",
		"1756500002.500000 650 CIRC 4 BUILT $" + fpA + "~guard,$" + fpB + "~middle,$" + fpC + "~exit PURPOSE=GENERAL",
		"1756500003.000000 650 STREAM 7 NEW 0 example.com:443 SOURCE_ADDR=127.0.0.1:40001 PURPOSE=USER",
		"1756500003.100000 650 STREAM 7 SENTCONNECT 4 example.com:443",
		"1756500003.400000 650 STREAM 7 SUCCEEDED 4 example.com:443",
		"1756500009.000000 650 STREAM 7 CLOSED 4 example.com:443 REASON=DONE",
		"1756500010.000000 650 CIRC 4 CLOSED $" + fpA + "~guard,$" + fpB + "~middle,$" + fpC + "~exit REASON=FINISHED",
		"1756500011.000000 650 BW 2048 1024",
	}, "\n") + "\n"
}

func TestReadLog_CircuitLifecycle(t *testing.T) {
	p := NewParser(strings.NewReader(circuitLog()))
	log, err := p.ReadLog()
	require.NoError(t, err)

	require.Len(t, log.Circuits, 1)
	c := log.Circuits[0]
	assert.Equal(t, 4, c.ID)
	assert.Equal(t, time.Unix(1756500001, 0), c.Launched)
	assert.Equal(t, time.Unix(1756500001, 500000000), c.GuardSelected)
	assert.Equal(t, time.Unix(1756500002, 500000000), c.Built)
	assert.Equal(t, time.Unix(1756500010, 0), c.Closed)
	assert.Equal(t, []string{fpA, fpB, fpC}, c.Path)
	assert.True(t, c.BuildTimeoutKnown)
	assert.False(t, c.Failed)
	assert.Equal(t, 1500*time.Millisecond, c.BuildDuration())
}

func TestReadLog_StreamJoinedToCircuit(t *testing.T) {
	p := NewParser(strings.NewReader(circuitLog()))
	log, err := p.ReadLog()
	require.NoError(t, err)

	require.Len(t, log.Streams, 1)
	s := log.Streams[0]
	assert.Equal(t, 7, s.ID)
	assert.Equal(t, 4, s.CircuitID)
	assert.Equal(t, 40001, s.SourcePort)
	assert.Equal(t, "example.com:443", s.Target)
	assert.Equal(t, time.Unix(1756500003, 0), s.Opened)
	assert.False(t, s.Failed)

	c := log.CircuitForStream(&s)
	require.NotNil(t, c)
	assert.Equal(t, 4, c.ID)
}

func TestReadLog_BandwidthTotals(t *testing.T) {
	p := NewParser(strings.NewReader(circuitLog()))
	log, err := p.ReadLog()
	require.NoError(t, err)

	assert.Equal(t, int64(2048), log.BytesRead)
	assert.Equal(t, int64(1024), log.BytesWritten)
}

func TestReadLog_BuildTimeoutUnknownBeforeComputed(t *testing.T) {
	log := `1756500001.000000 650 CIRC 1 LAUNCHED
1756500002.000000 650 CIRC 1 BUILT $` + fpA + `~g
1756500003.000000 650 BUILDTIMEOUT_SET COMPUTED TIMEOUT_MS=1500
1756500004.000000 650 CIRC 2 LAUNCHED
1756500005.000000 650 CIRC 1 CLOSED REASON=FINISHED
1756500006.000000 650 CIRC 2 CLOSED REASON=FINISHED
`
	p := NewParser(strings.NewReader(log))
	parsed, err := p.ReadLog()
	require.NoError(t, err)

	require.Len(t, parsed.Circuits, 2)
	assert.False(t, parsed.Circuits[0].BuildTimeoutKnown)
	assert.True(t, parsed.Circuits[1].BuildTimeoutKnown)
}

func TestReadLog_FailedCircuitKeepsReason(t *testing.T) {
	log := `1756500001.000000 650 CIRC 9 LAUNCHED
1756500002.000000 650 CIRC 9 FAILED REASON=TIMEOUT
`
	p := NewParser(strings.NewReader(log))
	parsed, err := p.ReadLog()
	require.NoError(t, err)

	require.Len(t, parsed.Circuits, 1)
	assert.True(t, parsed.Circuits[0].Failed)
	assert.Equal(t, "TIMEOUT", parsed.Circuits[0].FailReason)
}

func TestReadLog_OpenRecordsRetainedAtEOF(t *testing.T) {
	log := `1756500001.000000 650 CIRC 3 LAUNCHED
1756500002.000000 650 STREAM 5 NEW 0 example.com:80 SOURCE_ADDR=127.0.0.1:40002
`
	p := NewParser(strings.NewReader(log))
	parsed, err := p.ReadLog()
	require.NoError(t, err)

	require.Len(t, parsed.Circuits, 1)
	assert.True(t, parsed.Circuits[0].Closed.IsZero())
	require.Len(t, parsed.Streams, 1)
	assert.True(t, parsed.Streams[0].Closed.IsZero())
	assert.Equal(t, 40002, parsed.Streams[0].SourcePort)
}

func TestReadLog_MalformedLinesSkipped(t *testing.T) {
	log := `this is not an event
1756500001.000000 999 CIRC 1 LAUNCHED
1756500001.000000 650 CIRC 1 LAUNCHED
1756500002.000000 650 CIRC 1 CLOSED
`
	p := NewParser(strings.NewReader(log))
	parsed, err := p.ReadLog()
	require.NoError(t, err)

	assert.Equal(t, 2, parsed.Skipped)
	assert.Len(t, parsed.Circuits, 1)
}

func TestReadLog_BackwardJumpStartsNewEpoch(t *testing.T) {
	log := `1756500000.000000 650 CIRC 1 LAUNCHED
1756500001.000000 650 CIRC 1 CLOSED
1756490000.000000 650 CIRC 1 LAUNCHED
1756490001.000000 650 CIRC 1 CLOSED
1756490002.000000 650 CIRC 2 LAUNCHED
1756490003.000000 650 CIRC 2 CLOSED
`
	p := NewParser(strings.NewReader(log))
	parsed, err := p.ReadLog()
	require.NoError(t, err)

	// The jump starts exactly one new epoch; later events stay in it and
	// each circuit's lifecycle remains one record.
	require.Len(t, parsed.Circuits, 3)
	assert.Equal(t, 0, parsed.Circuits[0].Epoch)
	assert.Equal(t, 1, parsed.Circuits[1].Epoch)
	assert.Equal(t, 1, parsed.Circuits[2].Epoch)
	assert.False(t, parsed.Circuits[1].Closed.IsZero())
	assert.NotEqual(t, parsed.Circuits[0].Key(), parsed.Circuits[1].Key())
}

func TestNext_LazyDecodedSequence(t *testing.T) {
	p := NewParser(strings.NewReader(circuitLog()))

	ev, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "BUILDTIMEOUT_SET", ev.Name)

	var count int
	for {
		_, err := p.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 10, count)
}
