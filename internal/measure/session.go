// Package measure orchestrates one measurement session: a server-side
// transfer generator behind an ephemeral onion service and/or a public
// endpoint, a client-side generator driving transfers through tor, and one
// event monitor per protocol-daemon instance.
package measure

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/torscope/torscope/internal/config"
	"github.com/torscope/torscope/internal/control"
	"github.com/torscope/torscope/internal/logging"
	"github.com/torscope/torscope/internal/monitor"
	"github.com/torscope/torscope/internal/process"
	"github.com/torscope/torscope/internal/tgen"
)

const (
	// onionVirtPort is the virtual port the ephemeral service is published
	// on; the service maps it to the local transfer-generator port.
	onionVirtPort = 80

	// controlWait bounds how long a freshly spawned daemon gets to open
	// its control port.
	controlWait = 90 * time.Second

	defaultGrace = 5 * time.Second
)

// Session is one measurement run. Construct with NewSession, drive with
// Run; the session owns its processes, ports, and monitors and releases
// them all when Run returns.
type Session struct {
	cfg      config.MeasureConfig
	nickname string
	dataDir  string

	sup    *process.Supervisor
	id     string
	date   string
	dir    string
	grace  time.Duration
	events []string

	logger *slog.Logger

	clientTorArgs []string
	clientControl string
	clientSocks   int
	clientTorctl  *os.File
	clientOut     string
	onionReady    chan struct{}

	mu            sync.Mutex
	onionAddress  string
	clientTor     *process.Handle
	clientMonStop context.CancelFunc
	clientMonDone chan struct{}
	monCtx        context.Context

	monitors sync.WaitGroup
}

// NewSession creates a session using the real process executor.
func NewSession(cfg config.MeasureConfig, nickname, dataDir string) *Session {
	return NewSessionWithSupervisor(cfg, nickname, dataDir, process.NewSupervisor())
}

// NewSessionWithSupervisor creates a session with a custom supervisor.
// This is primarily used for testing.
func NewSessionWithSupervisor(cfg config.MeasureConfig, nickname, dataDir string, sup *process.Supervisor) *Session {
	grace := time.Duration(cfg.GraceSeconds) * time.Second
	if grace <= 0 {
		grace = defaultGrace
	}
	events := cfg.Events
	if len(events) == 0 {
		events = config.DefaultEvents
	}
	return &Session{
		cfg:        cfg,
		nickname:   nickname,
		dataDir:    dataDir,
		sup:        sup,
		id:         uuid.New().String()[:8],
		logger:     logging.Component("measure"),
		grace:      grace,
		events:     events,
		onionReady: make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// OnionAddress returns the published service id, empty until publication.
func (s *Session) OnionAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onionAddress
}

// logPath names a dated artifact inside the session directory. The date
// token is what the reprocessing scheduler later pairs on.
func (s *Session) logPath(suffix string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.%s", s.nickname, s.date, suffix))
}

// Run executes the session until the transfer count is exhausted or ctx is
// cancelled. Any spawn failure aborts the session and tears down what was
// started.
func (s *Session) Run(ctx context.Context) error {
	s.date = time.Now().UTC().Format("2006-01-02")
	s.dir = filepath.Join(s.dataDir, fmt.Sprintf("%s_%s_%s", s.nickname, s.date, s.id))
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	s.logger.Info("Measurement session starting",
		"id", s.id,
		"dir", s.dir,
		"transfer_size", humanize.Bytes(uint64(s.cfg.TransferBytes)),
		"onion", s.cfg.Onion,
		"inet", s.cfg.Inet)

	sctx, cancelSession := context.WithCancel(ctx)
	monCtx, stopMonitors := context.WithCancel(context.Background())
	s.monCtx = monCtx
	var logFiles []*os.File
	var rotatorDone chan struct{}
	defer func() {
		cancelSession()
		if rotatorDone != nil {
			<-rotatorDone
		}
		stopMonitors()
		s.monitors.Wait()
		s.sup.StopAll(s.grace)
		for _, f := range logFiles {
			_ = f.Close()
		}
	}()

	serverTGenPort, err := process.AllocatePort()
	if err != nil {
		return err
	}

	// Server-side transfer generator first: both modes point at it.
	if _, err := s.sup.Spawn(sctx, process.Spec{
		Name:    "tgen-server",
		Path:    s.cfg.TGenPath,
		Args:    tgen.ServerArgs(serverTGenPort, s.logPath("server.tgen.log")),
		Dir:     s.dir,
		LogPath: filepath.Join(s.dir, "tgen-server.out"),
	}); err != nil {
		return err
	}

	if s.cfg.Onion {
		if err := s.startServerTor(sctx, serverTGenPort, &logFiles); err != nil {
			return err
		}
	}

	if err := s.prepareClientTor(); err != nil {
		return err
	}
	f, err := os.OpenFile(s.logPath("torctl.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("create client event log: %w", err)
	}
	logFiles = append(logFiles, f)
	s.clientTorctl = f
	if err := s.launchClientTor(sctx); err != nil {
		return err
	}

	clients, err := s.startClients(sctx, serverTGenPort)
	if err != nil {
		return err
	}

	if s.cfg.GuardDropSeconds > 0 {
		rot := process.NewRotator(time.Duration(s.cfg.GuardDropSeconds)*time.Second, s.restartClientTor)
		rotatorDone = make(chan struct{})
		go func() {
			defer close(rotatorDone)
			rot.Run(sctx)
		}()
	}

	finished := make(chan struct{})
	go func() {
		for _, h := range clients {
			<-h.Done()
		}
		close(finished)
	}()

	select {
	case <-sctx.Done():
		s.logger.Info("Measurement session interrupted", "id", s.id)
	case <-finished:
		s.logger.Info("Transfer count exhausted, session complete", "id", s.id)
	}
	return nil
}

// startServerTor spawns the server-side daemon and its monitor. The
// monitor's prepare hook publishes the ephemeral onion service on the
// authenticated control connection it then owns for the session.
func (s *Session) startServerTor(ctx context.Context, serverTGenPort int, logFiles *[]*os.File) error {
	controlPort, err := process.AllocatePort()
	if err != nil {
		return err
	}
	socksPort, err := process.AllocatePort()
	if err != nil {
		return err
	}

	torDir := filepath.Join(s.dir, "tor-server")
	if _, err := s.sup.Spawn(ctx, process.Spec{
		Name:    "tor-server",
		Path:    s.cfg.TorPath,
		Args:    torArgs(torDir, socksPort, controlPort),
		Dir:     s.dir,
		LogPath: filepath.Join(s.dir, "tor-server.out"),
	}); err != nil {
		return err
	}

	controlAddr := fmt.Sprintf("127.0.0.1:%d", controlPort)
	if err := waitForControl(ctx, controlAddr, controlWait); err != nil {
		return err
	}

	f, err := os.OpenFile(s.logPath("server.torctl.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("create server event log: %w", err)
	}
	*logFiles = append(*logFiles, f)

	s.startMonitor("tor-server", controlAddr, f, func(c *control.Conn) error {
		serviceID, err := c.AddOnion(onionVirtPort, serverTGenPort)
		if err != nil {
			return fmt.Errorf("publish onion service: %w", err)
		}
		s.mu.Lock()
		s.onionAddress = serviceID
		s.mu.Unlock()
		close(s.onionReady)
		s.logger.Info("Ephemeral onion service published", "address", serviceID+".onion")
		return nil
	})

	// The service must be up before the client generator targets it.
	select {
	case <-s.onionReady:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(controlWait):
		return fmt.Errorf("onion service not published within %s", controlWait)
	}
}

// prepareClientTor allocates the client daemon's ports and fixes its
// argument list, which guard-drop restarts reuse verbatim.
func (s *Session) prepareClientTor() error {
	controlPort, err := process.AllocatePort()
	if err != nil {
		return err
	}
	socksPort, err := process.AllocatePort()
	if err != nil {
		return err
	}
	s.clientControl = fmt.Sprintf("127.0.0.1:%d", controlPort)
	s.clientSocks = socksPort
	s.clientTorArgs = torArgs(filepath.Join(s.dir, "tor-client"), socksPort, controlPort)
	s.clientOut = filepath.Join(s.dir, "tor-client.out")
	return nil
}

// launchClientTor spawns the client daemon and attaches its monitor,
// recording both for guard-drop rotation. The event log stays open across
// restarts so one file covers the whole session.
func (s *Session) launchClientTor(ctx context.Context) error {
	h, err := s.sup.Spawn(ctx, process.Spec{
		Name:    "tor-client",
		Path:    s.cfg.TorPath,
		Args:    s.clientTorArgs,
		Dir:     s.dir,
		LogPath: s.clientOut,
	})
	if err != nil {
		return err
	}
	if err := waitForControl(ctx, s.clientControl, controlWait); err != nil {
		return err
	}

	stop, done := s.startMonitor("tor-client", s.clientControl, s.clientTorctl, nil)

	s.mu.Lock()
	s.clientTor = h
	s.clientMonStop = stop
	s.clientMonDone = done
	s.mu.Unlock()
	return nil
}

// startMonitor runs one monitor until its context is cancelled or the
// transport fails. A monitor failure loses live events but does not abort
// the session; the processes keep running.
func (s *Session) startMonitor(name, controlAddr string, f *os.File, prepare func(*control.Conn) error) (context.CancelFunc, chan struct{}) {
	mctx, cancel := context.WithCancel(s.monCtx)
	m := monitor.New(monitor.Options{
		ControlAddress: controlAddr,
		Events:         s.events,
		Heartbeat:      time.Minute,
		Prepare:        prepare,
	}, f)

	done := make(chan struct{})
	s.monitors.Add(1)
	go func() {
		defer s.monitors.Done()
		defer close(done)
		if err := m.Run(mctx); err != nil {
			s.logger.Error("Monitor stopped", "name", name, "error", err)
		}
	}()
	return cancel, done
}

// restartClientTor is the guard-drop rotation step: stop the client
// daemon's monitor, replace the daemon, reattach a monitor. New guard and
// circuit selection follows from the daemon's fresh state.
func (s *Session) restartClientTor(ctx context.Context) error {
	s.mu.Lock()
	h := s.clientTor
	stop := s.clientMonStop
	done := s.clientMonDone
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if h != nil {
		if err := h.Stop(s.grace); err != nil {
			return err
		}
	}
	return s.launchClientTor(ctx)
}

// startClients spawns one client transfer generator per enabled mode, both
// driving transfers through the client daemon's socks port.
func (s *Session) startClients(ctx context.Context, serverTGenPort int) ([]*process.Handle, error) {
	model := tgen.TransferModel{
		InitialPause: time.Duration(s.cfg.InitialPauseSeconds) * time.Second,
		Pause:        time.Duration(s.cfg.PauseSeconds) * time.Second,
		Size:         s.cfg.TransferBytes,
		Count:        s.cfg.TransferCount,
	}

	var clients []*process.Handle
	if s.cfg.Onion {
		target := fmt.Sprintf("%s.onion:%d", s.OnionAddress(), onionVirtPort)
		h, err := s.sup.Spawn(ctx, process.Spec{
			Name:    "tgen-client-onion",
			Path:    s.cfg.TGenPath,
			Args:    model.ClientArgs(target, s.clientSocks, s.logPath("onion.tgen.log")),
			Dir:     s.dir,
			LogPath: filepath.Join(s.dir, "tgen-client-onion.out"),
		})
		if err != nil {
			return nil, err
		}
		clients = append(clients, h)
	}
	if s.cfg.Inet {
		host := s.cfg.ServerHost
		if host == "" {
			host = "127.0.0.1"
		}
		target := fmt.Sprintf("%s:%d", host, serverTGenPort)
		h, err := s.sup.Spawn(ctx, process.Spec{
			Name:    "tgen-client-inet",
			Path:    s.cfg.TGenPath,
			Args:    model.ClientArgs(target, s.clientSocks, s.logPath("inet.tgen.log")),
			Dir:     s.dir,
			LogPath: filepath.Join(s.dir, "tgen-client-inet.out"),
		})
		if err != nil {
			return nil, err
		}
		clients = append(clients, h)
	}
	return clients, nil
}
