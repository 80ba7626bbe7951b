// Package control implements the client side of the tor control channel:
// a line-oriented request/reply protocol over a local TCP port that also
// carries asynchronous event lines once subscribed.
package control

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Event is one asynchronous control-channel event, timestamped at receipt.
type Event struct {
	Received time.Time
	Name     string
	Payload  string
}

// Conn is a control-channel connection. It is not safe for concurrent use:
// one session owns the connection exclusively (the monitor is its sole
// consumer).
type Conn struct {
	c net.Conn
	r *bufio.Reader
}

// Dial connects to the control port at addr (host:port).
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial control port %s: %w", addr, err)
	}
	return NewConn(c), nil
}

// NewConn wraps an established transport. Used directly in tests.
func NewConn(c net.Conn) *Conn {
	return &Conn{c: c, r: bufio.NewReader(c)}
}

// Close closes the underlying transport. Any ephemeral onion services
// published on this connection disappear with it.
func (c *Conn) Close() error {
	return c.c.Close()
}

// SetDeadline bounds the next read or write on the transport.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.c.SetDeadline(t)
}

func (c *Conn) sendLine(line string) error {
	if _, err := c.c.Write([]byte(line + "\r\n")); err != nil {
		return fmt.Errorf("send %q: %w", firstWord(line), err)
	}
	return nil
}

// reply is one complete synchronous reply.
type reply struct {
	code  int
	lines []string
}

// readLine returns the next protocol line without its CRLF.
func (c *Conn) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readReply collects reply lines until the final (space-separated) status
// line. Data blocks ("+" lines) are folded into a single reply line with
// their content joined by newlines.
func (c *Conn) readReply() (*reply, error) {
	var r reply
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, fmt.Errorf("read reply: %w", err)
		}
		if len(line) < 4 {
			return nil, fmt.Errorf("malformed reply line %q", line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return nil, fmt.Errorf("malformed reply code in %q", line)
		}
		sep, rest := line[3], line[4:]

		switch sep {
		case '+':
			body := []string{rest}
			for {
				data, err := c.readLine()
				if err != nil {
					return nil, fmt.Errorf("read data block: %w", err)
				}
				if data == "." {
					break
				}
				body = append(body, data)
			}
			r.lines = append(r.lines, strings.Join(body, "\n"))
		case '-':
			r.lines = append(r.lines, rest)
		case ' ':
			r.code = code
			r.lines = append(r.lines, rest)
			return &r, nil
		default:
			return nil, fmt.Errorf("malformed reply separator in %q", line)
		}
	}
}

// request sends a command and waits for its reply, failing on any status
// other than 250.
func (c *Conn) request(cmd string) (*reply, error) {
	if err := c.sendLine(cmd); err != nil {
		return nil, err
	}
	r, err := c.readReply()
	if err != nil {
		return nil, err
	}
	if r.code != 250 {
		return nil, fmt.Errorf("%s: control error %d %s", firstWord(cmd), r.code, strings.Join(r.lines, "; "))
	}
	return r, nil
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

// ReadEvent blocks until the next asynchronous (650) event line arrives.
// Multi-line events are folded into a single payload with continuation
// lines joined by spaces, so the durable log stays one event per line.
// Non-event lines in the stream are skipped.
func (c *Conn) ReadEvent() (*Event, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) < 4 || line[:3] != "650" {
			continue
		}
		received := time.Now()
		sep, rest := line[3], line[4:]

		if sep == '+' {
			var parts []string
			parts = append(parts, rest)
			for {
				data, err := c.readLine()
				if err != nil {
					return nil, err
				}
				if data == "." {
					break
				}
				parts = append(parts, data)
			}
			rest = strings.Join(parts, " ")
		}

		name, payload := rest, ""
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			name, payload = rest[:i], rest[i+1:]
		}
		if name == "" {
			continue
		}
		return &Event{Received: received, Name: name, Payload: payload}, nil
	}
}

// AuthMethods describes what PROTOCOLINFO advertised.
type AuthMethods struct {
	Null           bool
	HashedPassword bool
	Cookie         bool
	CookieFile     string
}

// ProtocolInfo queries the authentication methods the daemon accepts.
func (c *Conn) ProtocolInfo() (*AuthMethods, error) {
	r, err := c.request("PROTOCOLINFO 1")
	if err != nil {
		return nil, err
	}

	var m AuthMethods
	for _, line := range r.lines {
		if !strings.HasPrefix(line, "AUTH ") {
			continue
		}
		for _, field := range strings.Fields(line[len("AUTH "):]) {
			switch {
			case strings.HasPrefix(field, "METHODS="):
				for _, method := range strings.Split(field[len("METHODS="):], ",") {
					switch method {
					case "NULL":
						m.Null = true
					case "HASHEDPASSWORD":
						m.HashedPassword = true
					case "COOKIE", "SAFECOOKIE":
						m.Cookie = true
					}
				}
			case strings.HasPrefix(field, "COOKIEFILE="):
				m.CookieFile = strings.Trim(field[len("COOKIEFILE="):], `"`)
			}
		}
	}
	return &m, nil
}

// Authenticate negotiates authentication. A non-empty password selects
// password auth; otherwise the cookie file advertised by PROTOCOLINFO is
// read, falling back to null auth when the daemon allows it.
func (c *Conn) Authenticate(password string) error {
	m, err := c.ProtocolInfo()
	if err != nil {
		return err
	}

	switch {
	case password != "" && m.HashedPassword:
		_, err = c.request("AUTHENTICATE " + quoted(password))
	case m.Cookie && m.CookieFile != "":
		cookie, readErr := os.ReadFile(m.CookieFile) // #nosec G304 -- path advertised by the local daemon
		if readErr != nil {
			return fmt.Errorf("read auth cookie: %w", readErr)
		}
		_, err = c.request("AUTHENTICATE " + hex.EncodeToString(cookie))
	case m.Null:
		_, err = c.request("AUTHENTICATE")
	default:
		return fmt.Errorf("no usable authentication method (advertised: null=%v password=%v cookie=%v)",
			m.Null, m.HashedPassword, m.Cookie)
	}
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	return nil
}

// quoted renders a QuotedString per the control spec.
func quoted(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// Subscribe registers the event set with SETEVENTS. Names are passed
// through unvalidated: the daemon rejects ones it does not support.
func (c *Conn) Subscribe(events []string) error {
	if len(events) == 0 {
		return fmt.Errorf("subscribe: empty event set")
	}
	if _, err := c.request("SETEVENTS " + strings.Join(events, " ")); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// GetInfo fetches a single GETINFO value.
func (c *Conn) GetInfo(key string) (string, error) {
	r, err := c.request("GETINFO " + key)
	if err != nil {
		return "", err
	}
	prefix := key + "="
	for _, line := range r.lines {
		if strings.HasPrefix(line, prefix) {
			return line[len(prefix):], nil
		}
	}
	return "", fmt.Errorf("getinfo %s: value missing from reply", key)
}

// AddOnion publishes an ephemeral hidden service mapping virtPort to a local
// target port, returning the service id (the .onion address without suffix).
// The service lives only as long as this control connection.
func (c *Conn) AddOnion(virtPort, targetPort int) (string, error) {
	cmd := fmt.Sprintf("ADD_ONION NEW:BEST Flags=DiscardPK Port=%d,127.0.0.1:%d", virtPort, targetPort)
	r, err := c.request(cmd)
	if err != nil {
		return "", fmt.Errorf("add onion: %w", err)
	}
	for _, line := range r.lines {
		if strings.HasPrefix(line, "ServiceID=") {
			return line[len("ServiceID="):], nil
		}
	}
	return "", fmt.Errorf("add onion: ServiceID missing from reply")
}

// DelOnion removes a previously published ephemeral hidden service.
func (c *Conn) DelOnion(serviceID string) error {
	if _, err := c.request("DEL_ONION " + serviceID); err != nil {
		return fmt.Errorf("del onion: %w", err)
	}
	return nil
}
