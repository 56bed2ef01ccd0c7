// Package session models one connected client on the host: its transport,
// display identity, lifecycle state and isolated outbound write path.
//
// A Session owns exactly one writer goroutine, started with Start, that
// drains a bounded queue onto the transport. Send never blocks: a full queue
// means the peer is not keeping up and is reported as ErrSlowConsumer so the
// caller can drop it without stalling anyone else.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cyberinferno/notnet/frame"
	"github.com/cyberinferno/notnet/logger"
)

// State is a Session's lifecycle position. Transitions only move forward:
// Connecting → Active → Closing → Closed, with Connecting → Closing for
// sessions that never finish the handshake.
type State int32

const (
	Connecting State = iota // Accepted, identity not yet registered
	Active                  // Registered; receives broadcasts
	Closing                 // Teardown claimed; no longer registered
	Closed                  // Transport closed, writer stopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Active:
		return "Active"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var (
	// ErrSessionClosed is returned by Send once the session is closing.
	ErrSessionClosed = errors.New("session: closed")

	// ErrSlowConsumer is returned by Send when the outbound queue is full.
	ErrSlowConsumer = errors.New("session: outbound queue full")

	// ErrNotConnecting is returned when an operation that is only legal
	// during the handshake is attempted later.
	ErrNotConnecting = errors.New("session: not connecting")
)

const (
	DefaultQueueSize    = 64
	DefaultWriteTimeout = 5 * time.Second
)

// Config tunes a Session's transport behavior.
type Config struct {
	// QueueSize bounds the number of encoded frames waiting for the writer.
	QueueSize int
	// WriteTimeout bounds each individual transport write.
	WriteTimeout time.Duration
	// MaxFrameSize is the largest inbound frame body accepted.
	MaxFrameSize int
}

// Session is the host's live representation of one connected client.
//
// The name may only change while Connecting, from the goroutine running the
// handshake; registration publishes it to other goroutines under the
// registry lock.
type Session struct {
	id          string
	name        string
	remote      string
	conn        net.Conn
	reader      *frame.Reader
	connectedAt time.Time
	cfg         Config
	log         logger.Logger

	state         atomic.Int32
	queue         chan []byte
	closing       chan struct{}
	writerDone    chan struct{}
	writerStarted atomic.Bool
	closeOnce     sync.Once
	connOnce      sync.Once
}

// New wraps an accepted connection in a Session in the Connecting state.
//
// Parameters:
//   - conn: The accepted transport; the Session takes ownership of closing it
//   - cfg: Queue and timeout settings; zero values select the defaults
//   - log: Parent logger; the session derives one with its id and remote address
//
// Returns:
//   - The new *Session
func New(conn net.Conn, cfg Config, log logger.Logger) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	id := uuid.NewString()
	remote := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	return &Session{
		id:          id,
		remote:      remote,
		conn:        conn,
		reader:      frame.NewReader(conn, cfg.MaxFrameSize),
		connectedAt: time.Now(),
		cfg:         cfg,
		log:         log.With(logger.Field{Key: "session", Value: id}, logger.Field{Key: "remote", Value: remote}),
		queue:       make(chan []byte, cfg.QueueSize),
		closing:     make(chan struct{}),
		writerDone:  make(chan struct{}),
	}
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Name() string           { return s.name }
func (s *Session) RemoteAddr() string     { return s.remote }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }
func (s *Session) State() State           { return State(s.state.Load()) }

// Rename sets the display identity. It fails once the session has left
// Connecting.
func (s *Session) Rename(name string) error {
	if s.State() != Connecting {
		return fmt.Errorf("rename %q: %w", name, ErrNotConnecting)
	}

	s.name = name
	return nil
}

// Activate moves Connecting → Active. Only the registry calls it, under its
// lock, so that presence in the registry and the Active state coincide.
func (s *Session) Activate() bool {
	return s.state.CompareAndSwap(int32(Connecting), int32(Active))
}

// BeginClose claims teardown. It returns true for exactly one caller: the
// first trigger to move the session from Connecting or Active to Closing.
func (s *Session) BeginClose() bool {
	for {
		current := State(s.state.Load())
		if current != Connecting && current != Active {
			return false
		}

		if s.state.CompareAndSwap(int32(current), int32(Closing)) {
			return true
		}
	}
}

// Finish moves Closing → Closed after the transport is released.
func (s *Session) Finish() bool {
	return s.state.CompareAndSwap(int32(Closing), int32(Closed))
}

// Start launches the writer goroutine. Calling it more than once is a no-op.
func (s *Session) Start() {
	if !s.writerStarted.CompareAndSwap(false, true) {
		return
	}

	go s.writeLoop()
}

// Send queues pre-encoded frame bytes for delivery without blocking.
//
// Parameters:
//   - data: An encoded frame; it must not be modified afterwards, since the
//     same slice is shared by every recipient of a broadcast
//
// Returns:
//   - nil once queued
//   - ErrSessionClosed if the session is not Active or is shutting down
//   - ErrSlowConsumer if the outbound queue is full
func (s *Session) Send(data []byte) error {
	if s.State() != Active {
		return ErrSessionClosed
	}

	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}

	select {
	case s.queue <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// SendFrame encodes f and queues it; see Send.
func (s *Session) SendFrame(f frame.Frame) error {
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}

	return s.Send(data)
}

// Reject writes f synchronously and closes the transport. It is meant for
// refusing a connection during the handshake, before Start.
func (s *Session) Reject(f frame.Frame) error {
	if s.writerStarted.Load() {
		return fmt.Errorf("reject: %w", ErrNotConnecting)
	}

	data, err := frame.Encode(f)
	if err == nil {
		err = s.write(data)
	}

	s.Close()
	return err
}

// ReadFrame blocks for the next inbound frame. A positive timeout bounds the
// wait; zero waits indefinitely.
func (s *Session) ReadFrame(timeout time.Duration) (frame.Frame, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return frame.Frame{}, err
	}

	return s.reader.ReadFrame()
}

// Close stops the writer after flushing what is already queued, then closes
// the transport, which unblocks the session's read loop. It is idempotent and
// safe to call from any goroutine; the first call waits for the writer to
// finish.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		if s.writerStarted.Load() {
			<-s.writerDone
			return
		}

		s.closeConn()
	})
}

// Abort closes the transport immediately, discarding queued frames. The
// dispatcher uses it on peers that stopped reading.
func (s *Session) Abort() {
	s.closeConn()
	s.Close()
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)

	for {
		select {
		case data := <-s.queue:
			if err := s.write(data); err != nil {
				s.log.Debug("session write failed", logger.Err(err))
				s.closeConn()
				return
			}
		case <-s.closing:
			s.flush()
			s.closeConn()
			return
		}
	}
}

func (s *Session) flush() {
	for {
		select {
		case data := <-s.queue:
			if err := s.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}

	_, err := s.conn.Write(data)
	return err
}

func (s *Session) closeConn() {
	s.connOnce.Do(func() {
		_ = s.conn.Close()
	})
}
