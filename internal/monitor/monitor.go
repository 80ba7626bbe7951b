package monitor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/channels"

	"github.com/torscope/torscope/internal/control"
	"github.com/torscope/torscope/internal/logging"
)

// DefaultDialTimeout bounds the initial control-port connection.
const DefaultDialTimeout = 10 * time.Second

// Options is the immutable monitor configuration, fixed at construction.
type Options struct {
	// ControlAddress is the control port, host:port.
	ControlAddress string
	// Password selects password authentication; empty uses the cookie file.
	Password string
	// Events is the subscribed event set, custom names included.
	Events []string
	// Heartbeat is the interval between liveness log lines; 0 disables.
	Heartbeat time.Duration
	// DialTimeout bounds the control-port connection; 0 uses the default.
	DialTimeout time.Duration
	// Prepare, when set, runs on the authenticated connection before the
	// event subscription. The orchestrator uses it to publish an ephemeral
	// onion service on the channel the monitor then owns exclusively.
	Prepare func(*control.Conn) error
}

// Monitor holds one control-channel subscription and appends each inbound
// event, timestamped at receipt, to its log writer. It is the sole consumer
// of the control channel for the session.
type Monitor struct {
	opts   Options
	log    *bufio.Writer
	sync   func() error
	logger *slog.Logger

	mu      sync.RWMutex
	state   State
	events  uint64
	onState func(old, new State)
}

// New creates a monitor writing its event log to w. If w implements
// interface{ Sync() error } (an *os.File does), each event is also synced
// so partial logs stay readable after a crash.
func New(opts Options, w io.Writer) *Monitor {
	m := &Monitor{
		opts:   opts,
		log:    bufio.NewWriter(w),
		state:  StateDisconnected,
		logger: logging.Component("monitor"),
	}
	if s, ok := w.(interface{ Sync() error }); ok {
		m.sync = s.Sync
	}
	return m
}

// GetState returns the current monitor state.
func (m *Monitor) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// EventCount returns the number of events logged so far.
func (m *Monitor) EventCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events
}

// OnStateChange registers a callback for state changes.
func (m *Monitor) OnStateChange(callback func(old, new State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = callback
}

// setState transitions to a new state if the transition is valid. The
// callback is invoked outside the lock to prevent deadlocks.
func (m *Monitor) setState(newState State) error {
	m.mu.Lock()
	if !IsValidTransition(m.state, newState) {
		m.mu.Unlock()
		return fmt.Errorf("invalid state transition from %s to %s", m.state, newState)
	}
	oldState := m.state
	m.state = newState
	callback := m.onState
	m.mu.Unlock()

	if callback != nil {
		callback(oldState, newState)
	}
	return nil
}

// Run connects, authenticates, subscribes, and streams events until ctx is
// cancelled or the transport fails. Once cancellation is observed, events
// already queued are still flushed before Run returns; events in flight when
// the transport is force-closed are not guaranteed logged.
func (m *Monitor) Run(ctx context.Context) error {
	defer func() {
		if err := m.setState(StateClosed); err != nil {
			m.logger.Warn("Monitor close transition failed", "error", err)
		}
	}()

	dialTimeout := m.opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}

	conn, err := control.Dial(m.opts.ControlAddress, dialTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if err := conn.Authenticate(m.opts.Password); err != nil {
		return err
	}
	if err := m.setState(StateConnected); err != nil {
		return err
	}

	if m.opts.Prepare != nil {
		if err := m.opts.Prepare(conn); err != nil {
			return fmt.Errorf("prepare control channel: %w", err)
		}
	}

	if err := conn.Subscribe(m.opts.Events); err != nil {
		return err
	}
	if err := m.setState(StateSubscribed); err != nil {
		return err
	}

	return m.stream(ctx, conn)
}

// stream is the push-driven receive loop: a dedicated goroutine blocks on
// the control channel and publishes decoded events onto a single-consumer
// queue; this goroutine drains the queue into the log, preserving arrival
// order without shared mutable state.
func (m *Monitor) stream(ctx context.Context, conn *control.Conn) error {
	if err := m.setState(StateStreaming); err != nil {
		return err
	}
	m.logger.Info("Monitor streaming", "address", m.opts.ControlAddress, "events", m.opts.Events)

	queue := channels.NewInfiniteChannel()
	recvErr := make(chan error, 1)

	go func() {
		defer queue.Close()
		for {
			ev, err := conn.ReadEvent()
			if err != nil {
				recvErr <- err
				return
			}
			queue.In() <- ev
		}
	}()

	// Closing the transport unblocks the receiver once the stop signal is
	// observed.
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stopWatch:
		}
	}()
	defer close(stopWatch)

	var heartbeat <-chan time.Time
	if m.opts.Heartbeat > 0 {
		ticker := time.NewTicker(m.opts.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case raw, ok := <-queue.Out():
			if !ok {
				// Receiver finished; everything queued has been flushed.
				err := <-recvErr
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("control channel closed: %w", err)
			}
			if err := m.writeEvent(raw.(*control.Event)); err != nil {
				return err
			}
		case <-heartbeat:
			m.logger.Info("Monitor heartbeat", "address", m.opts.ControlAddress, "events", m.EventCount())
		}
	}
}

// writeEvent appends one event line and flushes, so the log is readable
// while the session is still running.
func (m *Monitor) writeEvent(ev *control.Event) error {
	if _, err := m.log.WriteString(FormatEventLine(ev)); err != nil {
		return fmt.Errorf("write event log: %w", err)
	}
	if err := m.log.Flush(); err != nil {
		return fmt.Errorf("flush event log: %w", err)
	}
	if m.sync != nil {
		_ = m.sync()
	}
	m.mu.Lock()
	m.events++
	m.mu.Unlock()
	return nil
}

// FormatEventLine renders the durable log line for one event: a decimal
// unix timestamp of receipt, the asynchronous status code, the event name,
// and the raw payload.
func FormatEventLine(ev *control.Event) string {
	ts := float64(ev.Received.UnixNano()) / 1e9
	if ev.Payload == "" {
		return fmt.Sprintf("%.6f 650 %s\n", ts, ev.Name)
	}
	return fmt.Sprintf("%.6f 650 %s %s\n", ts, ev.Name, ev.Payload)
}
