package tgen

import (
	"bufio"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/torscope/torscope/internal/fileutil"
)

// epochThreshold is the backward timestamp jump that starts a new file
// epoch. Smaller regressions are treated as clock jitter.
const epochThreshold = time.Hour

// Parser consumes a transfer-generator event log as a lazy, skip-tolerant
// sequence of transfer records. Malformed lines are counted and skipped,
// never fatal. The input stream is read incrementally, so compressed logs
// are never materialized in full.
//
// The generator's event-line contract, one event per line:
//
//	<unix-ts> transfer-start id=<n> port=<p> endpoint=<host:port> size=<bytes>
//	<unix-ts> transfer-progress id=<n> bytes=<cumulative>
//	<unix-ts> transfer-complete id=<n> sent=<bytes> recv=<bytes>
//	<unix-ts> transfer-error id=<n> code=<CODE> sent=<bytes> recv=<bytes>
type Parser struct {
	scanner *bufio.Scanner
	closer  io.Closer

	pending map[string]*TransferRecord
	epoch   int
	lastTS  time.Time

	// Skipped counts malformed lines.
	Skipped int
	// Unfinished counts transfers still pending when the log ended.
	Unfinished int
}

// NewParser reads from r.
func NewParser(r io.Reader) *Parser {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Parser{
		scanner: scanner,
		pending: make(map[string]*TransferRecord),
	}
}

// Open opens the log at path, transparently decompressing by extension.
func Open(path string) (*Parser, error) {
	r, err := fileutil.Open(path)
	if err != nil {
		return nil, err
	}
	p := NewParser(r)
	p.closer = r
	return p, nil
}

// Close releases the underlying stream, if any.
func (p *Parser) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

// Next returns the next completed transfer record, or io.EOF when the log
// is exhausted. Transfers without a terminal line by then are counted as
// unfinished and not emitted.
func (p *Parser) Next() (*TransferRecord, error) {
	for p.scanner.Scan() {
		if rec := p.consumeLine(p.scanner.Text()); rec != nil {
			return rec, nil
		}
	}
	if err := p.scanner.Err(); err != nil {
		return nil, err
	}
	if p.pending != nil {
		p.Unfinished += len(p.pending)
		p.pending = nil
	}
	return nil, io.EOF
}

// ReadAll drains the parser.
func (p *Parser) ReadAll() ([]TransferRecord, error) {
	var out []TransferRecord
	for {
		rec, err := p.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, *rec)
	}
}

// consumeLine folds one line into the in-progress table, returning a record
// when the line is terminal.
func (p *Parser) consumeLine(line string) *TransferRecord {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		p.skip(line, "too few fields")
		return nil
	}

	ts, err := ParseTimestamp(fields[0])
	if err != nil {
		p.skip(line, "bad timestamp")
		return nil
	}
	p.observeTime(ts)

	verb := fields[1]
	kv := parsePairs(fields[2:])
	id, ok := kv["id"]
	if !ok {
		p.skip(line, "missing transfer id")
		return nil
	}

	switch verb {
	case "transfer-start":
		port, portErr := strconv.Atoi(kv["port"])
		size, sizeErr := strconv.ParseInt(kv["size"], 10, 64)
		if portErr != nil || sizeErr != nil {
			p.skip(line, "bad start fields")
			return nil
		}
		p.pending[id] = &TransferRecord{
			ID:             id,
			Epoch:          p.epoch,
			Start:          ts,
			Port:           port,
			Endpoint:       kv["endpoint"],
			BytesRequested: size,
			Milestones:     make(map[int64]time.Time),
		}

	case "transfer-progress":
		rec, ok := p.pending[id]
		if !ok {
			p.skip(line, "progress for unknown transfer")
			return nil
		}
		bytes, err := strconv.ParseInt(kv["bytes"], 10, 64)
		if err != nil {
			p.skip(line, "bad progress bytes")
			return nil
		}
		if _, seen := rec.Milestones[bytes]; !seen {
			rec.Milestones[bytes] = ts
		}

	case "transfer-complete", "transfer-error":
		rec, ok := p.pending[id]
		if !ok {
			p.skip(line, "terminal line for unknown transfer")
			return nil
		}
		delete(p.pending, id)
		rec.End = ts
		rec.BytesSent, _ = strconv.ParseInt(kv["sent"], 10, 64)
		rec.BytesReceived, _ = strconv.ParseInt(kv["recv"], 10, 64)
		if verb == "transfer-error" {
			code := kv["code"]
			if code == "" {
				code = "UNKNOWN"
			}
			rec.ErrorCode = code
		}
		return rec

	default:
		p.skip(line, "unknown verb")
	}
	return nil
}

// observeTime tracks timestamp monotonicity. A large backward jump means
// the generator restarted mid-file: a new epoch starts and in-progress
// transfers from the old epoch are abandoned without touching records
// already emitted.
func (p *Parser) observeTime(ts time.Time) {
	if !p.lastTS.IsZero() && p.lastTS.Sub(ts) > epochThreshold {
		p.Unfinished += len(p.pending)
		p.pending = make(map[string]*TransferRecord)
		p.epoch++
		// The jump target is the new epoch's clock baseline; without the
		// reset every later line would re-trigger the jump check.
		p.lastTS = ts
		slog.Debug("Transfer log timestamp jumped backward, starting new epoch", "epoch", p.epoch)
	}
	if ts.After(p.lastTS) {
		p.lastTS = ts
	}
}

func (p *Parser) skip(line, reason string) {
	p.Skipped++
	slog.Warn("Skipping malformed transfer log line", "reason", reason, "line", truncate(line, 120))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// parsePairs decodes key=value fields, ignoring ones without a separator.
func parsePairs(fields []string) map[string]string {
	kv := make(map[string]string, len(fields))
	for _, f := range fields {
		if i := strings.IndexByte(f, '='); i > 0 {
			kv[f[:i]] = f[i+1:]
		}
	}
	return kv
}

// ParseTimestamp decodes a decimal unix timestamp with optional fractional
// seconds.
func ParseTimestamp(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec), nil
}
