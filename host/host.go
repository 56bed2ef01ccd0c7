// Package host runs the NotNet chat host: it accepts TCP connections,
// admits clients through the hello handshake, and drives one read loop per
// session until the client leaves, misbehaves or the host stops.
package host

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/cyberinferno/notnet/command"
	"github.com/cyberinferno/notnet/dispatcher"
	"github.com/cyberinferno/notnet/frame"
	"github.com/cyberinferno/notnet/idgenerator"
	"github.com/cyberinferno/notnet/logger"
	"github.com/cyberinferno/notnet/metrics"
	"github.com/cyberinferno/notnet/registry"
	"github.com/cyberinferno/notnet/session"
)

// acceptBackoff is how long the accept loop pauses after a failed Accept.
const acceptBackoff = 50 * time.Millisecond

// SessionInfo describes one registered session for operators.
type SessionInfo struct {
	Name        string
	RemoteAddr  string
	ConnectedAt time.Time
}

// Host accepts connections on Config.Addr and hosts one chat room. Stop is
// safe to call at any time.
type Host struct {
	Logger   logger.Logger
	Config   Config
	Listener net.Listener
	Running  atomic.Bool

	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	commands   *command.Interpreter
	metrics    *metrics.Metrics
	bans       *banList
	guests     *idgenerator.IdGenerator
	startedAt  time.Time

	wg          sync.WaitGroup
	lifecycleMu sync.Mutex
	pendingMu   sync.Mutex
	pending     map[*session.Session]struct{}
}

// New builds a Host. Zero fields in cfg take their defaults.
//
// Parameters:
//   - cfg: Host configuration
//   - log: Parent logger
//   - m: Metrics sink; may be nil
//
// Returns:
//   - A *Host ready for Start
func New(cfg Config, log logger.Logger, m *metrics.Metrics) *Host {
	cfg = cfg.withDefaults()
	log = log.With(logger.Field{Key: "component", Value: "host"})
	reg := registry.New()

	return &Host{
		Logger:     log,
		Config:     cfg,
		registry:   reg,
		dispatcher: dispatcher.New(reg, log, m),
		commands:   command.NewInterpreter(),
		metrics:    m,
		bans:       newBanList(cfg.KickBanDuration),
		guests:     idgenerator.NewIdGenerator(0),
		pending:    make(map[*session.Session]struct{}),
	}
}

// Start binds Config.Addr and runs the accept loop in a goroutine.
//
// Returns:
//   - An error if the host is already running or the address cannot be bound
func (h *Host) Start() error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if h.Running.Load() {
		return fmt.Errorf("host %s already running", h.Config.HostName)
	}

	ln, err := net.Listen("tcp", h.Config.Addr)
	if err != nil {
		h.Logger.Error("host failed to start", logger.Err(err), logger.Field{Key: "addr", Value: h.Config.Addr})
		return fmt.Errorf("host %s failed to listen on %s: %w", h.Config.HostName, h.Config.Addr, err)
	}

	h.Listener = ln
	h.startedAt = time.Now()
	h.Running.Store(true)

	h.Logger.Info(fmt.Sprintf("%s host started", h.Config.HostName), logger.Field{Key: "addr", Value: ln.Addr().String()})

	h.wg.Add(1)
	go h.AcceptLoop()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (h *Host) Addr() net.Addr {
	if h.Listener == nil {
		return nil
	}

	return h.Listener.Addr()
}

// AcceptLoop accepts connections until the host stops. Each connection is
// served in its own goroutine. A failed Accept is logged and retried after a
// short pause.
func (h *Host) AcceptLoop() {
	defer h.wg.Done()

	for h.Running.Load() {
		conn, err := h.Listener.Accept()
		if err != nil {
			if !h.Running.Load() {
				return
			}

			h.Logger.Error("accept failed", logger.Err(err))
			h.metrics.AcceptFailed()
			time.Sleep(acceptBackoff)
			continue
		}

		h.wg.Add(1)
		go h.serve(conn)
	}
}

// Stop closes the listener, tells every client the host is closing, closes
// every transport and waits for all sessions to finish their teardown. Stop
// on a host that is not running does nothing; a stopped host can be started
// again.
func (h *Host) Stop() {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if !h.Running.Load() {
		return
	}

	h.pendingMu.Lock()
	h.Running.Store(false)
	for s := range h.pending {
		s.Abort()
	}
	h.pendingMu.Unlock()

	if h.Listener != nil {
		_ = h.Listener.Close()
	}

	var closing sync.WaitGroup
	for _, s := range h.registry.Snapshot() {
		closing.Add(1)
		go func(s *session.Session) {
			defer closing.Done()
			_ = h.dispatcher.Unicast(s, frame.Error(frame.CodeServerClosed))
			s.Close()
		}(s)
	}
	closing.Wait()

	h.wg.Wait()
	h.Logger.Info(fmt.Sprintf("%s host stopped", h.Config.HostName))
}

// Kick disconnects the session registered under name with a kicked notice
// and bans its address for Config.KickBanDuration.
//
// Returns:
//   - false if no session has that name
func (h *Host) Kick(name string) bool {
	s, ok := h.registry.Lookup(name)
	if !ok {
		return false
	}

	_ = h.dispatcher.Unicast(s, frame.Error(frame.CodeKicked))
	h.bans.Add(s.RemoteAddr())
	h.teardown(s, metrics.ReasonKicked)
	return true
}

// Unban lifts a ban on the address of remote ("ip" or "ip:port").
func (h *Host) Unban(remote string) {
	h.bans.Lift(remote)
}

// Announce sends text to every client as a chat from the host.
func (h *Host) Announce(text string) dispatcher.Report {
	return h.dispatcher.Announce(text)
}

// Roster returns registered names in join order.
func (h *Host) Roster() []string {
	return h.registry.Names()
}

// SessionCount returns the number of registered sessions.
func (h *Host) SessionCount() int {
	return h.registry.Len()
}

// Sessions describes every registered session in join order.
func (h *Host) Sessions() []SessionInfo {
	return lo.Map(h.registry.Snapshot(), func(s *session.Session, _ int) SessionInfo {
		return SessionInfo{Name: s.Name(), RemoteAddr: s.RemoteAddr(), ConnectedAt: s.ConnectedAt()}
	})
}

// Uptime returns how long the host has been running.
func (h *Host) Uptime() time.Duration {
	if h.startedAt.IsZero() {
		return 0
	}

	return time.Since(h.startedAt)
}

// track records a handshaking session so Stop can abort it. It reports false
// once the host is stopping.
func (h *Host) track(s *session.Session) bool {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()

	if !h.Running.Load() {
		return false
	}

	h.pending[s] = struct{}{}
	return true
}

func (h *Host) untrack(s *session.Session) {
	h.pendingMu.Lock()
	delete(h.pending, s)
	h.pendingMu.Unlock()
}
