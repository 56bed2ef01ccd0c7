// Package dispatcher fans frames out to the sessions in a registry.
//
// A broadcast encodes the frame once, takes a registry snapshot and queues the
// same bytes on every recipient. A recipient that cannot accept the frame is
// dropped on its own; delivery to the rest continues.
package dispatcher

import (
	"errors"

	"github.com/samber/lo"

	"github.com/cyberinferno/notnet/frame"
	"github.com/cyberinferno/notnet/logger"
	"github.com/cyberinferno/notnet/metrics"
	"github.com/cyberinferno/notnet/registry"
	"github.com/cyberinferno/notnet/session"
)

// Report summarizes one broadcast.
type Report struct {
	Recipients int
	Delivered  int
	Failed     int
}

// Dispatcher delivers frames to registered sessions.
type Dispatcher struct {
	registry *registry.Registry
	log      logger.Logger
	metrics  *metrics.Metrics
}

// New returns a Dispatcher over reg. m may be nil.
func New(reg *registry.Registry, log logger.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		log:      log.With(logger.Field{Key: "component", Value: "dispatcher"}),
		metrics:  m,
	}
}

// Broadcast queues f on every registered session except the one named
// origin.
//
// Parameters:
//   - origin: Display name of the originating session; compared by folded
//     identity. Pass "" to include everyone
//   - f: The frame to deliver
//
// Returns:
//   - A Report of recipients and per-recipient outcomes. Failures never
//     propagate to the caller
func (d *Dispatcher) Broadcast(origin string, f frame.Frame) Report {
	data, err := frame.Encode(f)
	if err != nil {
		d.log.Error("broadcast encode failed", logger.Err(err), logger.Field{Key: "kind", Value: f.Kind.String()})
		return Report{}
	}

	recipients := d.registry.Snapshot()
	if origin != "" {
		key := registry.Key(origin)
		recipients = lo.Filter(recipients, func(s *session.Session, _ int) bool {
			return registry.Key(s.Name()) != key
		})
	}

	report := Report{Recipients: len(recipients)}
	for _, s := range recipients {
		if d.deliver(s, data) {
			report.Delivered++
		} else {
			report.Failed++
		}
	}

	d.metrics.Broadcast(f.Kind.String())
	d.metrics.Delivered(metrics.DeliveryOK, report.Delivered)
	return report
}

// Unicast queues f on s alone.
func (d *Dispatcher) Unicast(s *session.Session, f frame.Frame) error {
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}

	if !d.deliver(s, data) {
		return session.ErrSessionClosed
	}

	d.metrics.Delivered(metrics.DeliveryOK, 1)
	return nil
}

// Joined tells everyone but name that name joined.
func (d *Dispatcher) Joined(name string) Report {
	return d.Broadcast(name, frame.System(name+" joined"))
}

// Left tells everyone still registered that name left. Call it after name
// has been removed from the registry.
func (d *Dispatcher) Left(name string) Report {
	return d.Broadcast("", frame.System(name+" left"))
}

// Roster sends the current roster to every registered session.
func (d *Dispatcher) Roster() Report {
	return d.Broadcast("", frame.Roster(d.registry.Names()))
}

// Announce sends text as a chat from the host itself.
func (d *Dispatcher) Announce(text string) Report {
	return d.Broadcast("", frame.Chat(frame.ReservedName, text))
}

func (d *Dispatcher) deliver(s *session.Session, data []byte) bool {
	err := s.Send(data)
	switch {
	case err == nil:
		return true
	case errors.Is(err, session.ErrSlowConsumer):
		d.log.Warn("dropping slow consumer",
			logger.Field{Key: "name", Value: s.Name()},
			logger.Field{Key: "session", Value: s.ID()})
		d.metrics.Delivered(metrics.DeliverySlowConsumer, 1)
		// Closing the transport makes the peer's read loop run its teardown.
		s.Abort()
	case errors.Is(err, session.ErrSessionClosed):
		d.log.Debug("skipping closed session", logger.Field{Key: "name", Value: s.Name()})
		d.metrics.Delivered(metrics.DeliveryClosed, 1)
	default:
		d.log.Warn("delivery failed", logger.Err(err), logger.Field{Key: "name", Value: s.Name()})
		d.metrics.Delivered(metrics.DeliveryError, 1)
		s.Abort()
	}

	return false
}
