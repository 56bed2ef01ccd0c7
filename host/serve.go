package host

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cyberinferno/notnet/command"
	"github.com/cyberinferno/notnet/frame"
	"github.com/cyberinferno/notnet/logger"
	"github.com/cyberinferno/notnet/metrics"
	"github.com/cyberinferno/notnet/registry"
	"github.com/cyberinferno/notnet/session"
)

// rejection is a handshake failure that is answered with an Error frame.
type rejection struct {
	code string
}

func (r *rejection) Error() string { return "handshake rejected: " + r.code }

func (h *Host) serve(conn net.Conn) {
	defer h.wg.Done()

	s := session.New(conn, h.Config.sessionConfig(), h.Logger)
	if !h.track(s) {
		s.Abort()
		return
	}

	admitted := h.admit(s)
	h.untrack(s)
	if !admitted {
		return
	}

	// Stop may have taken its snapshot before this session registered.
	if !h.Running.Load() {
		_ = h.dispatcher.Unicast(s, frame.Error(frame.CodeServerClosed))
		h.teardown(s, metrics.ReasonShutdown)
		return
	}

	h.readLoop(s)
}

// admit runs the handshake and registers s. On failure the connection is
// already answered and closed.
func (h *Host) admit(s *session.Session) bool {
	if h.bans.Banned(s.RemoteAddr()) {
		h.reject(s, frame.CodeBanned)
		return false
	}

	requested, err := h.handshake(s)
	if err != nil {
		var rej *rejection
		if errors.As(err, &rej) {
			h.reject(s, rej.code)
		} else {
			h.Logger.Debug("handshake aborted", logger.Err(err), logger.Field{Key: "remote", Value: s.RemoteAddr()})
			s.Abort()
		}

		return false
	}

	name := requested
	for attempt := 1; ; attempt++ {
		if err := s.Rename(name); err != nil {
			s.Abort()
			return false
		}

		err := h.registry.RegisterThen(s, func() {
			_ = s.SendFrame(frame.Welcome(name, h.Config.HostName))
		})
		if err == nil {
			break
		}

		if !errors.Is(err, registry.ErrDuplicateIdentity) {
			s.Abort()
			return false
		}

		if h.Config.DuplicatePolicy == RejectOnDuplicate || attempt >= h.Config.MaxRenameAttempts {
			h.reject(s, frame.CodeUsernameTaken)
			return false
		}

		name = candidateName(requested, attempt+1)
	}

	s.Start()
	h.metrics.SessionAdmitted()
	h.Logger.Info("client joined",
		logger.Field{Key: "name", Value: name},
		logger.Field{Key: "requested", Value: requested},
		logger.Field{Key: "remote", Value: s.RemoteAddr()})

	h.dispatcher.Joined(name)
	h.dispatcher.Roster()
	return true
}

// handshake reads the Hello frame and returns the name to register.
func (h *Host) handshake(s *session.Session) (string, error) {
	f, err := s.ReadFrame(h.Config.HandshakeTimeout)
	if err != nil {
		if errors.Is(err, frame.ErrMalformedFrame) {
			return "", &rejection{code: frame.CodeMalformedFrame}
		}

		return "", err
	}

	if f.Kind != frame.KindHello {
		return "", &rejection{code: frame.CodeBadHello}
	}

	if f.Text != frame.ProtocolVersion {
		return "", &rejection{code: frame.CodeProtocolMismatch}
	}

	name := strings.TrimSpace(f.Sender)
	if name == "" {
		return fmt.Sprintf("guest-%d", h.guests.Id()), nil
	}

	if code := checkName(name); code != "" {
		return "", &rejection{code: code}
	}

	return name, nil
}

// checkName returns the error code for an unacceptable display name, or "".
func checkName(name string) string {
	if utf8.RuneCountInString(name) > MaxNameLength {
		return frame.CodeUsernameInvalid
	}

	if strings.ContainsFunc(name, unicode.IsControl) {
		return frame.CodeUsernameInvalid
	}

	if registry.Key(name) == registry.Key(frame.ReservedName) {
		return frame.CodeUsernameReserved
	}

	return ""
}

// candidateName returns base with a "-n" suffix, cutting base short so the
// result still fits MaxNameLength.
func candidateName(base string, n int) string {
	suffix := fmt.Sprintf("-%d", n)
	keep := MaxNameLength - utf8.RuneCountInString(suffix)
	if runes := []rune(base); len(runes) > keep {
		base = string(runes[:keep])
	}

	return base + suffix
}

func (h *Host) reject(s *session.Session, code string) {
	h.metrics.SessionRejected(code)
	h.Logger.Info("client rejected", logger.Field{Key: "code", Value: code}, logger.Field{Key: "remote", Value: s.RemoteAddr()})
	if err := s.Reject(frame.Error(code)); err != nil {
		h.Logger.Debug("reject notice not delivered", logger.Err(err))
	}
}

func (h *Host) readLoop(s *session.Session) {
	for {
		f, err := s.ReadFrame(h.Config.IdleTimeout)
		if err != nil {
			h.teardown(s, h.readFailure(s, err))
			return
		}

		h.metrics.FrameReceived(f.Kind.String())

		switch f.Kind {
		case frame.KindChat:
			if strings.TrimSpace(f.Text) == "" {
				continue
			}

			// The sender is always the registered identity, whatever the
			// client put in the frame.
			h.dispatcher.Broadcast(s.Name(), frame.Chat(s.Name(), f.Text))

		case frame.KindControl:
			if h.control(s, f) {
				h.teardown(s, metrics.ReasonLogout)
				return
			}

		default:
			_ = h.dispatcher.Unicast(s, frame.Error(frame.CodeUnexpectedFrame))
		}
	}
}

// control handles a control frame and reports whether the session should end.
func (h *Host) control(s *session.Session, f frame.Frame) bool {
	action, err := h.commands.Interpret(f)
	if err != nil {
		h.Logger.Debug("unrecognized command", logger.Err(err), logger.Field{Key: "name", Value: s.Name()})
		_ = h.dispatcher.Unicast(s, frame.Error(frame.CodeUnknownCommand))
		return false
	}

	switch action {
	case command.Logout:
		return true
	case command.Who:
		_ = h.dispatcher.Unicast(s, frame.Roster(h.registry.Names()))
	case command.Help:
		_ = h.dispatcher.Unicast(s, frame.System(h.commands.Help()))
	}

	return false
}

// readFailure classifies why a read loop ended and answers the client when
// the cause is its own.
func (h *Host) readFailure(s *session.Session, err error) string {
	var ne net.Error
	switch {
	case !h.Running.Load():
		return metrics.ReasonShutdown
	case errors.Is(err, frame.ErrMalformedFrame):
		h.Logger.Warn("malformed frame", logger.Err(err), logger.Field{Key: "name", Value: s.Name()})
		_ = h.dispatcher.Unicast(s, frame.Error(frame.CodeMalformedFrame))
		return metrics.ReasonMalformed
	case errors.As(err, &ne) && ne.Timeout():
		return metrics.ReasonIdle
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return metrics.ReasonHangup
	default:
		h.Logger.Debug("read failed", logger.Err(err), logger.Field{Key: "name", Value: s.Name()})
		return metrics.ReasonError
	}
}

// teardown ends a registered session. Only the first caller for a session
// does anything: it unregisters, flushes and closes the transport, and tells
// everyone left.
func (h *Host) teardown(s *session.Session, reason string) {
	if !h.registry.Retire(s) {
		return
	}

	s.Close()
	s.Finish()

	h.metrics.SessionClosed(reason)
	h.Logger.Info("client left",
		logger.Field{Key: "name", Value: s.Name()},
		logger.Field{Key: "reason", Value: reason})

	h.dispatcher.Left(s.Name())
	h.dispatcher.Roster()
}
