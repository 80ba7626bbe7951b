package measure

import (
	"context"
	"fmt"
	"time"

	"github.com/torscope/torscope/internal/control"
)

// torArgs renders the protocol-daemon command line for one instance. Each
// instance gets its own data directory so client and server state never
// mix.
func torArgs(dataDir string, socksPort, controlPort int) []string {
	return []string{
		"--SocksPort", fmt.Sprintf("127.0.0.1:%d", socksPort),
		"--ControlPort", fmt.Sprintf("127.0.0.1:%d", controlPort),
		"--DataDirectory", dataDir,
		"--CookieAuthentication", "1",
		"--Log", "notice stdout",
	}
}

// waitForControl polls the control port until it accepts a connection or
// the deadline passes. The daemon opens the port early in bootstrap, so
// this bounds only process startup, not network readiness.
func waitForControl(ctx context.Context, addr string, deadline time.Duration) error {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := control.Dial(addr, time.Second)
		if err == nil {
			return conn.Close()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("control port %s not ready after %s: %w", addr, deadline, err)
		case <-ticker.C:
		}
	}
}
