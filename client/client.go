// Package client provides an event-driven NotNet chat client. It performs the
// hello handshake, then reports every frame from the host and every
// connection state change through registered handlers.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/notnet/command"
	"github.com/cyberinferno/notnet/frame"
	"github.com/cyberinferno/notnet/logger"
)

// ConnectionState represents the current state of the connection to a host.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected
	Connecting                          // Dialing or waiting for the Welcome
	Connected                           // Admitted by the host
	Closed                              // Client has been closed and cannot connect again
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var (
	// ErrNotConnected is returned by Send when the client is not Connected.
	ErrNotConnected = errors.New("client: not connected")

	// ErrClientClosed is returned by Connect after Close.
	ErrClientClosed = errors.New("client: closed")

	// ErrAlreadyConnected is returned by Connect while connecting or connected.
	ErrAlreadyConnected = errors.New("client: already connected or connecting")

	// ErrConnectionLost is reported when the host hangs up without a reason.
	ErrConnectionLost = errors.New("client: connection lost")

	// ErrUnexpectedReply is returned by Connect when the host answers the
	// hello with something other than Welcome or Error.
	ErrUnexpectedReply = errors.New("client: unexpected handshake reply")
)

// HostError carries an error code sent by the host: a handshake rejection
// returned from Connect, or the reason attached to a Disconnected event
// (kicked, server_closed, malformed_frame).
type HostError struct {
	Code string
}

func (e *HostError) Error() string {
	return "host: " + e.Code
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The host address
	Timestamp time.Time       // When the state change occurred
	Error     error           // Why the connection ended, if known
}

// FrameEvent is emitted for every frame received after the Welcome.
type FrameEvent struct {
	Frame     frame.Frame
	Timestamp time.Time
}

// ErrorEvent is emitted when a read or write fails unexpectedly.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

// Handlers are called on the client's read goroutine, one at a time and in
// arrival order. A slow handler delays the next frame; it must not call
// Close or Logout.
type (
	ConnectionStateHandler func(event ConnectionStateEvent)
	FrameHandler           func(event FrameEvent)
	ErrorHandler           func(event ErrorEvent)
)

// Config holds client settings.
type Config struct {
	// Address is the host "ip:port".
	Address string
	// Name is the requested display name; empty asks the host for a guest name.
	Name string
	// ConnectionTimeout bounds the dial.
	ConnectionTimeout time.Duration
	// HandshakeTimeout bounds the wait for the Welcome, and for the host to
	// hang up after Logout.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each write; 0 means no timeout.
	WriteTimeout time.Duration
	// MaxFrameSize is the largest inbound frame body accepted.
	MaxFrameSize int
}

// DefaultConfig returns a Config with defaults for address and name.
//
// Parameters:
//   - address: The host "ip:port"
//   - name: The requested display name
//
// Returns:
//   - A Config with ConnectionTimeout 10s, HandshakeTimeout 10s, WriteTimeout
//     10s and the default frame size limit
func DefaultConfig(address, name string) Config {
	return Config{
		Address:           address,
		Name:              name,
		ConnectionTimeout: 10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxFrameSize:      frame.DefaultMaxFrameSize,
	}
}

// Client is a NotNet chat client. Register handlers, then call Connect. It is
// safe for concurrent use.
type Client struct {
	config Config
	log    logger.Logger

	mu       sync.RWMutex
	writeMu  sync.Mutex
	conn     net.Conn
	state    ConnectionState
	name     string
	hostName string
	reason   error
	done     chan struct{}
	closed   bool
	wg       sync.WaitGroup

	onConnectionState ConnectionStateHandler
	onFrame           FrameHandler
	onError           ErrorHandler
}

// New creates a Client in the Disconnected state.
func New(config Config, log logger.Logger) *Client {
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = frame.DefaultMaxFrameSize
	}

	return &Client{
		config: config,
		log:    log.With(logger.Field{Key: "component", Value: "client"}, logger.Field{Key: "addr", Value: config.Address}),
		state:  Disconnected,
	}
}

// OnConnectionState registers the state change handler, replacing any
// previous one. Pass nil to clear it.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnFrame registers the frame handler, replacing any previous one.
func (c *Client) OnFrame(handler FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = handler
}

// OnError registers the error handler, replacing any previous one.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect dials the host and performs the hello handshake.
//
// Returns:
//   - nil once the host has admitted the client
//   - A *HostError if the host refused the hello
//   - ErrClientClosed, ErrAlreadyConnected, or a dial or I/O error otherwise
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}

	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	c.setState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.Dial("tcp", c.config.Address)
	if err != nil {
		c.setState(Disconnected, err)
		return fmt.Errorf("dial %s: %w", c.config.Address, err)
	}

	reader := frame.NewReader(conn, c.config.MaxFrameSize)
	welcome, err := c.handshake(conn, reader)
	if err != nil {
		_ = conn.Close()
		c.setState(Disconnected, err)
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.name = welcome.Sender
	c.hostName = welcome.Text
	c.reason = nil
	c.done = done
	c.mu.Unlock()

	c.log.Info("joined", logger.Field{Key: "name", Value: welcome.Sender}, logger.Field{Key: "host", Value: welcome.Text})
	c.setState(Connected, nil)

	c.wg.Add(1)
	go c.readLoop(conn, reader, done)

	return nil
}

func (c *Client) handshake(conn net.Conn, reader *frame.Reader) (frame.Frame, error) {
	if err := c.write(conn, frame.Hello(c.config.Name)); err != nil {
		return frame.Frame{}, fmt.Errorf("send hello: %w", err)
	}

	if c.config.HandshakeTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout)); err != nil {
			return frame.Frame{}, err
		}
	}

	reply, err := reader.ReadFrame()
	if err != nil {
		return frame.Frame{}, fmt.Errorf("await welcome: %w", err)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return frame.Frame{}, err
	}

	switch reply.Kind {
	case frame.KindWelcome:
		return reply, nil
	case frame.KindError:
		return frame.Frame{}, &HostError{Code: reply.Text}
	default:
		return frame.Frame{}, fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Kind)
	}
}

// Send writes f to the host.
//
// Returns:
//   - ErrNotConnected unless Connected
//   - The write error otherwise, after reporting it to the error handler
func (c *Client) Send(f frame.Frame) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	if err := c.write(conn, f); err != nil {
		c.emitError(err)
		return err
	}

	return nil
}

// SendText sends a line typed by the user: commands start with "/", "//"
// escapes a leading slash, and blank lines are ignored.
func (c *Client) SendText(line string) error {
	f, ok := command.ParseInput(line)
	if !ok {
		return nil
	}

	return c.Send(f)
}

// Logout asks the host to end the session and waits for it to hang up, at
// most HandshakeTimeout, before closing the client.
func (c *Client) Logout() error {
	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()

	err := c.Send(frame.Control("/logout"))
	if err == nil && done != nil {
		wait := c.config.HandshakeTimeout
		if wait <= 0 {
			wait = 10 * time.Second
		}

		select {
		case <-done:
		case <-time.After(wait):
		}
	}

	_ = c.Close()
	return err
}

// Close shuts the client down and waits for the read goroutine. It is
// idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.setState(Closed, nil)

	return nil
}

// Done returns a channel closed when the current connection ends, or nil
// before the first successful Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// GetState returns the current connection state.
func (c *Client) GetState() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Name returns the display name the host assigned, which may differ from the
// requested one.
func (c *Client) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// HostName returns the name the host announced in its Welcome.
func (c *Client) HostName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hostName
}

// Reason returns why the last connection ended, or nil.
func (c *Client) Reason() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

func (c *Client) readLoop(conn net.Conn, reader *frame.Reader, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	var hostErr *HostError
	for {
		f, err := reader.ReadFrame()
		if err != nil {
			c.finish(conn, hostErr, err)
			return
		}

		if f.Kind == frame.KindError {
			switch f.Text {
			case frame.CodeKicked, frame.CodeServerClosed, frame.CodeMalformedFrame:
				hostErr = &HostError{Code: f.Text}
			}
		}

		c.emitFrame(f)
	}
}

func (c *Client) finish(conn net.Conn, hostErr *HostError, readErr error) {
	c.mu.Lock()
	closing := c.closed
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()

	if closing {
		return
	}

	var reason error
	switch {
	case hostErr != nil:
		reason = hostErr
	case errors.Is(readErr, io.EOF):
		reason = ErrConnectionLost
	default:
		reason = fmt.Errorf("%w: %w", ErrConnectionLost, readErr)
		c.emitError(readErr)
	}

	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()

	c.log.Info("disconnected", logger.Err(reason))
	c.setState(Disconnected, reason)
}

func (c *Client) write(conn net.Conn, f frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}

	return frame.Write(conn, f)
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	handler := c.onConnectionState
	c.mu.Unlock()

	if handler != nil {
		handler(ConnectionStateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}

func (c *Client) emitFrame(f frame.Frame) {
	c.mu.RLock()
	handler := c.onFrame
	c.mu.RUnlock()

	if handler != nil {
		handler(FrameEvent{Frame: f, Timestamp: time.Now()})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		handler(ErrorEvent{Error: err, Timestamp: time.Now()})
	}
}
