package torctl

import (
	"bufio"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/torscope/torscope/internal/fileutil"
	"github.com/torscope/torscope/internal/tgen"
)

// epochThreshold matches the transfer parser: a backward jump this large
// starts a new file epoch.
const epochThreshold = time.Hour

// Event is one decoded control-log event in arrival order.
type Event struct {
	Time    time.Time
	Name    string
	Payload string
}

// Parser consumes a protocol-control event log as a lazy, skip-tolerant
// sequence of decoded events. The log line contract is what the monitor
// writes: `<unix-ts> 650 <NAME> <payload>`, one event per line.
type Parser struct {
	scanner *bufio.Scanner
	closer  io.Closer

	// Skipped counts malformed lines.
	Skipped int
}

// NewParser reads from r.
func NewParser(r io.Reader) *Parser {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Parser{scanner: scanner}
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

// Next returns the next decoded event, or io.EOF at end of log.
func (p *Parser) Next() (*Event, error) {
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "" {
			continue
		}
		ev, ok := p.decodeLine(line)
		if !ok {
			p.Skipped++
			slog.Warn("Skipping malformed control log line", "line", truncate(line, 120))
			continue
		}
		return ev, nil
	}
	if err := p.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (p *Parser) decodeLine(line string) (*Event, bool) {
	// <ts> 650 NAME [payload]
	parts := strings.SplitN(line, " ", 4)
	if len(parts) < 3 || parts[1] != "650" {
		return nil, false
	}
	ts, err := tgen.ParseTimestamp(parts[0])
	if err != nil {
		return nil, false
	}
	ev := &Event{Time: ts, Name: parts[2]}
	if len(parts) == 4 {
		ev.Payload = parts[3]
	}
	return ev, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ReadLog drains the parser, folding events into finalized circuit and
// stream records. Circuits close on CLOSED/FAILED; records still open at
// end of log are retained with a zero close time rather than dropped.
func (p *Parser) ReadLog() (*Log, error) {
	b := newLogBuilder()
	for {
		ev, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		b.apply(ev)
	}
	log := b.finish()
	log.Skipped = p.Skipped
	return log, nil
}

// logBuilder owns the in-progress circuit/stream tables for one parsing
// pass. Nothing else touches them.
type logBuilder struct {
	out *Log

	circuits map[int]*CircuitRecord
	streams  map[int]*StreamRecord

	epoch             int
	lastTS            time.Time
	buildTimeoutKnown bool
}

func newLogBuilder() *logBuilder {
	return &logBuilder{
		out:      &Log{},
		circuits: make(map[int]*CircuitRecord),
		streams:  make(map[int]*StreamRecord),
	}
}

func (b *logBuilder) apply(ev *Event) {
	b.observeTime(ev.Time)

	switch ev.Name {
	case "CIRC":
		b.applyCirc(ev)
	case "STREAM":
		b.applyStream(ev)
	case "BW":
		b.applyBandwidth(ev)
	case "BUILDTIMEOUT_SET":
		b.applyBuildTimeout(ev)
	}
	// Other subscribed event names are decodable but carry nothing the
	// correlation engine consumes.
}

// observeTime starts a new epoch on a large backward jump: open records
// are flushed as-is and the tables reset, leaving prior results intact.
func (b *logBuilder) observeTime(ts time.Time) {
	if !b.lastTS.IsZero() && b.lastTS.Sub(ts) > epochThreshold {
		b.flushOpen()
		b.epoch++
		b.buildTimeoutKnown = false
		// The jump target is the new epoch's clock baseline; without the
		// reset every later line would re-trigger the jump check.
		b.lastTS = ts
		slog.Debug("Control log timestamp jumped backward, starting new epoch", "epoch", b.epoch)
	}
	if ts.After(b.lastTS) {
		b.lastTS = ts
	}
}

func (b *logBuilder) applyCirc(ev *Event) {
	fields := strings.Fields(ev.Payload)
	if len(fields) < 2 {
		return
	}
	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return
	}
	status := fields[1]

	c, ok := b.circuits[id]
	if !ok {
		c = &CircuitRecord{ID: id, Epoch: b.epoch}
		b.circuits[id] = c
	}

	if path := extractPath(fields); path != nil {
		c.Path = path
	}

	switch status {
	case "LAUNCHED":
		c.Launched = ev.Time
		c.BuildTimeoutKnown = b.buildTimeoutKnown
	case "EXTENDED":
		if len(c.Path) == 1 && c.GuardSelected.IsZero() {
			c.GuardSelected = ev.Time
		}
	case "BUILT":
		c.Built = ev.Time
	case "CLOSED", "FAILED":
		c.Closed = ev.Time
		if status == "FAILED" {
			c.Failed = true
			c.FailReason = keyValue(fields, "REASON")
		}
		delete(b.circuits, id)
		b.out.Circuits = append(b.out.Circuits, *c)
	}
}

func (b *logBuilder) applyStream(ev *Event) {
	fields := strings.Fields(ev.Payload)
	if len(fields) < 3 {
		return
	}
	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return
	}
	status := fields[1]
	circID, _ := strconv.Atoi(fields[2])

	s, ok := b.streams[id]
	if !ok {
		s = &StreamRecord{ID: id, Epoch: b.epoch, Opened: ev.Time}
		b.streams[id] = s
	}
	if circID != 0 {
		s.CircuitID = circID
	}
	if len(fields) > 3 && s.Target == "" {
		s.Target = fields[3]
	}
	if addr := keyValue(fields, "SOURCE_ADDR"); addr != "" {
		if i := strings.LastIndexByte(addr, ':'); i >= 0 {
			if port, err := strconv.Atoi(addr[i+1:]); err == nil {
				s.SourcePort = port
			}
		}
	}

	switch status {
	case "CLOSED", "FAILED":
		s.Closed = ev.Time
		s.Failed = status == "FAILED"
		delete(b.streams, id)
		b.out.Streams = append(b.out.Streams, *s)
	}
}

func (b *logBuilder) applyBandwidth(ev *Event) {
	fields := strings.Fields(ev.Payload)
	if len(fields) < 2 {
		return
	}
	read, err1 := strconv.ParseInt(fields[0], 10, 64)
	written, err2 := strconv.ParseInt(fields[1], 10, 64)
	if err1 != nil || err2 != nil {
		return
	}
	b.out.BytesRead += read
	b.out.BytesWritten += written
}

func (b *logBuilder) applyBuildTimeout(ev *Event) {
	fields := strings.Fields(ev.Payload)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "COMPUTED", "SET":
		b.buildTimeoutKnown = true
	case "RESET":
		b.buildTimeoutKnown = false
	}
}

// flushOpen moves still-open records out of the tables.
func (b *logBuilder) flushOpen() {
	for _, c := range b.circuits {
		b.out.Circuits = append(b.out.Circuits, *c)
	}
	for _, s := range b.streams {
		b.out.Streams = append(b.out.Streams, *s)
	}
	b.circuits = make(map[int]*CircuitRecord)
	b.streams = make(map[int]*StreamRecord)
}

// finish flushes open records and orders output deterministically.
func (b *logBuilder) finish() *Log {
	b.flushOpen()
	sort.Slice(b.out.Circuits, func(i, j int) bool {
		a, c := b.out.Circuits[i], b.out.Circuits[j]
		if a.Epoch != c.Epoch {
			return a.Epoch < c.Epoch
		}
		return a.ID < c.ID
	})
	sort.Slice(b.out.Streams, func(i, j int) bool {
		a, s := b.out.Streams[i], b.out.Streams[j]
		if a.Epoch != s.Epoch {
			return a.Epoch < s.Epoch
		}
		return a.ID < s.ID
	})
	return b.out
}

// extractPath finds the relay path field ($FP~nick,$FP2~nick2,...) and
// returns the bare fingerprints in order.
func extractPath(fields []string) []string {
	for _, f := range fields {
		if !strings.HasPrefix(f, "$") {
			continue
		}
		parts := strings.Split(f, ",")
		path := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimPrefix(part, "$")
			if i := strings.IndexAny(part, "~="); i >= 0 {
				part = part[:i]
			}
			if part != "" {
				path = append(path, part)
			}
		}
		if len(path) > 0 {
			return path
		}
	}
	return nil
}

// keyValue finds KEY=value among the fields.
func keyValue(fields []string, key string) string {
	prefix := key + "="
	for _, f := range fields {
		if strings.HasPrefix(f, prefix) {
			return f[len(prefix):]
		}
	}
	return ""
}
