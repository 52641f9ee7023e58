package eventlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/annex-server/annex/internal/models"
)

// NATS subject hierarchy for committed public events. Subjects follow the
// pattern annex.events.<DOMAIN>, so a subscriber can watch one domain or
// wildcard across all of them.
const subjectPrefix = "annex.events."

// SubjectForDomain returns the NATS subject committed events of a domain are
// published to.
func SubjectForDomain(d Domain) string {
	return subjectPrefix + string(d)
}

// subscriberBuffer is the per-subscriber frame queue depth. A subscriber
// that falls further behind than this starts losing frames and is told so
// with a lagged sentinel.
const subscriberBuffer = 64

// Fanout publishes committed events to NATS and hands out per-subscriber
// buffered streams for the SSE endpoint.
type Fanout struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewFanout connects to the NATS server at the given URL.
func NewFanout(natsURL string, logger *slog.Logger) (*Fanout, error) {
	opts := []nats.Option{
		nats.Name("annexd"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: connecting to NATS at %s: %w", natsURL, err)
	}

	logger.Info("NATS connection established", slog.String("url", nc.ConnectedUrl()))
	return &Fanout{conn: nc, logger: logger}, nil
}

// Publish sends a committed event to its domain subject.
func (f *Fanout) Publish(ev models.PublicEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventlog: marshaling event for fanout: %w", err)
	}
	if err := f.conn.Publish(subjectPrefix+ev.Domain, data); err != nil {
		return fmt.Errorf("eventlog: publishing to %s: %w", subjectPrefix+ev.Domain, err)
	}
	return nil
}

// HealthCheck verifies the NATS connection is alive.
func (f *Fanout) HealthCheck() error {
	if !f.conn.IsConnected() {
		return fmt.Errorf("eventlog: NATS connection is not active (status: %s)", f.conn.Status())
	}
	return nil
}

// Close drains pending messages and closes the NATS connection.
func (f *Fanout) Close() {
	f.logger.Info("closing NATS connection")
	f.conn.Drain()
}

// Conn exposes the underlying NATS connection for components (presence
// broadcast) that publish on their own subjects.
func (f *Fanout) Conn() *nats.Conn { return f.conn }

// StreamFrame is one frame delivered to a stream subscriber: either a
// committed event or a lagged sentinel telling the client how many events it
// missed, so it can re-fetch from the query endpoint using its last seq.
type StreamFrame struct {
	Type         string              `json:"type"`
	Event        *models.PublicEvent `json:"event,omitempty"`
	MissedEvents int64               `json:"missed_events,omitempty"`
}

// Subscription is a bounded live stream of committed events.
type Subscription struct {
	frames chan StreamFrame
	sub    *nats.Subscription
	missed int64
}

// C returns the subscriber's frame channel.
func (s *Subscription) C() <-chan StreamFrame { return s.frames }

// Unsubscribe detaches from NATS. The frame channel is left open — an
// in-flight callback may still be sending on it — and is collected with
// the subscription.
func (s *Subscription) Unsubscribe() {
	s.sub.Unsubscribe()
}

// Subscribe attaches a bounded subscriber to one domain's subject, or to all
// domains when domain is empty. Frame delivery never blocks the NATS
// callback: a full buffer increments the missed counter, and the next frame
// that fits is preceded by a lagged sentinel carrying the count.
func (f *Fanout) Subscribe(domain string) (*Subscription, error) {
	subject := subjectPrefix + ">"
	if domain != "" {
		d, err := ParseDomain(domain)
		if err != nil {
			return nil, err
		}
		subject = SubjectForDomain(d)
	}

	s := &Subscription{frames: make(chan StreamFrame, subscriberBuffer)}
	sub, err := f.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev models.PublicEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			f.logger.Error("failed to unmarshal fanout event",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()))
			return
		}

		if s.missed > 0 {
			// Needs two free slots: the sentinel plus the event itself.
			if len(s.frames) <= subscriberBuffer-2 {
				s.frames <- StreamFrame{Type: "lagged", MissedEvents: s.missed}
				s.missed = 0
			} else {
				s.missed++
				return
			}
		}

		select {
		case s.frames <- StreamFrame{Type: "event", Event: &ev}:
		default:
			s.missed++
			f.logger.Warn("stream subscriber lagging; dropping event",
				slog.String("subject", msg.Subject),
				slog.Int64("seq", ev.Seq))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("eventlog: subscribing to %s: %w", subject, err)
	}
	s.sub = sub
	return s, nil
}
