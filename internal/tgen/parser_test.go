package tgen

import (
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torscope/torscope/internal/fileutil"
)

const sampleLog = `1756500000.000000 transfer-start id=1 port=40001 endpoint=93.184.216.34:443 size=51200
1756500000.500000 transfer-progress id=1 bytes=10240
1756500001.000000 transfer-progress id=1 bytes=25600
1756500002.000000 transfer-complete id=1 sent=120 recv=51200
1756500010.000000 transfer-start id=2 port=40002 endpoint=93.184.216.34:443 size=51200
1756500012.000000 transfer-error id=2 code=PROXY sent=60 recv=0
`

func TestParser_CompleteAndErrorRecords(t *testing.T) {
	p := NewParser(strings.NewReader(sampleLog))

	records, err := p.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Zero(t, p.Skipped)
	assert.Zero(t, p.Unfinished)

	first := records[0]
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, 40001, first.Port)
	assert.Equal(t, "93.184.216.34:443", first.Endpoint)
	assert.Equal(t, int64(51200), first.BytesRequested)
	assert.Equal(t, int64(51200), first.BytesReceived)
	assert.True(t, first.Succeeded())
	assert.Equal(t, 2*time.Second, first.Duration())
	require.Len(t, first.Milestones, 2)
	assert.Equal(t, time.Unix(1756500000, 500000000), first.Milestones[10240])

	second := records[1]
	assert.Equal(t, "PROXY", second.ErrorCode)
	assert.False(t, second.Succeeded())
	assert.Equal(t, int64(0), second.BytesReceived)
}

func TestParser_EveryTerminalLineYieldsExactlyOneRecord(t *testing.T) {
	p := NewParser(strings.NewReader(sampleLog))

	var count int
	for {
		_, err := p.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestParser_MalformedLinesSkippedAndCounted(t *testing.T) {
	log := `garbage line
1756500000.000000 transfer-start id=1 port=40001 endpoint=host:443 size=1024
not-a-timestamp transfer-complete id=1 sent=0 recv=1024
1756500001.000000 transfer-progress id=99 bytes=512
1756500002.000000 transfer-complete id=1 sent=0 recv=1024
1756500003.000000 transfer-wat id=7
`
	p := NewParser(strings.NewReader(log))

	records, err := p.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 4, p.Skipped)
}

func TestParser_UnfinishedTransfersNotEmitted(t *testing.T) {
	log := `1756500000.000000 transfer-start id=1 port=40001 endpoint=host:443 size=1024
`
	p := NewParser(strings.NewReader(log))

	records, err := p.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 1, p.Unfinished)
}

func TestParser_BackwardJumpStartsNewEpoch(t *testing.T) {
	// The second start reuses id=1 after a two-hour backward jump; prior
	// results are unaffected and the new epoch keeps the records distinct.
	log := `1756500000.000000 transfer-start id=1 port=40001 endpoint=host:443 size=1024
1756500001.000000 transfer-complete id=1 sent=0 recv=1024
1756492800.000000 transfer-start id=1 port=40002 endpoint=host:443 size=1024
1756492801.000000 transfer-complete id=1 sent=0 recv=1024
1756492802.000000 transfer-start id=2 port=40003 endpoint=host:443 size=1024
1756492803.000000 transfer-complete id=2 sent=0 recv=1024
`
	p := NewParser(strings.NewReader(log))

	records, err := p.ReadAll()
	require.NoError(t, err)
	// The jump starts exactly one new epoch; every transfer after it is
	// kept, none re-triggers the jump check.
	require.Len(t, records, 3)
	assert.Equal(t, 0, records[0].Epoch)
	assert.Equal(t, 1, records[1].Epoch)
	assert.Equal(t, 1, records[2].Epoch)
	assert.Zero(t, p.Unfinished)
	assert.NotEqual(t, records[0].Key(), records[1].Key())
}

func TestParser_SmallJitterDoesNotStartEpoch(t *testing.T) {
	log := `1756500010.000000 transfer-start id=1 port=40001 endpoint=host:443 size=1024
1756500009.500000 transfer-complete id=1 sent=0 recv=1024
`
	p := NewParser(strings.NewReader(log))

	records, err := p.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].Epoch)
}

func TestOpen_CompressedLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfers.log.gz")
	w, err := fileutil.CreateAtomic(path, 0600)
	require.NoError(t, err)
	_, err = io.WriteString(w, sampleLog)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	p, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	records, err := p.ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestTransferModel_ClientArgs(t *testing.T) {
	m := TransferModel{
		InitialPause: 5 * time.Second,
		Pause:        60 * time.Second,
		Size:         51200,
		Count:        10,
	}

	args := m.ClientArgs("abcdef.onion:80", 9050, "/tmp/t.log")
	assert.Equal(t, []string{
		"--client",
		"--server", "abcdef.onion:80",
		"--size", "51200",
		"--count", "10",
		"--initial-pause", "5",
		"--pause", "60",
		"--socks", "127.0.0.1:9050",
		"--log", "/tmp/t.log",
	}, args)

	// Without a socks port (direct inet measurement from the server side).
	args = m.ClientArgs("example.com:80", 0, "/tmp/t.log")
	assert.NotContains(t, args, "--socks")
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("1756500000.250000")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1756500000, 250000000), ts)

	_, err = ParseTimestamp("yesterday")
	assert.Error(t, err)
}
