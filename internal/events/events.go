// Package events publishes best-effort audit and lifecycle events — bans
// applied/lifted, connections rejected, zombies reaped — onto NATS. It
// repurposes the teacher's nats.go dependency, never imported by the
// teacher itself, inverted from a consumer into a fire-and-forget
// publisher.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Kind names the category of event published.
type Kind string

const (
	KindBanApplied        Kind = "ban_applied"
	KindBanLifted         Kind = "ban_lifted"
	KindConnectionRejected Kind = "connection_rejected"
	KindZombieReaped       Kind = "zombie_reaped"
)

// Event is the JSON payload published for every audit/lifecycle event.
type Event struct {
	Kind      Kind      `json:"kind"`
	IP        string    `json:"ip,omitempty"`
	FD        int32     `json:"fd,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the fire-and-forget NATS event publisher.
//
// Publish never blocks the caller (typically the reactor goroutine or a
// worker) on a NATS outage: a nil/disconnected connection or a publish
// error is logged and dropped, never retried inline and never returned
// as an error the caller must handle. This mirrors spec.md's treatment
// of audit output as a side channel, not something the hot path can
// depend on.
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// Connect dials url and returns a Publisher bound to subject. Connection
// failures at startup are returned to the caller so the operator can
// decide whether a missing audit sink is fatal; once connected, runtime
// failures never propagate past Publish.
func Connect(url, subject string, logger zerolog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1), // retry forever in the background; Publish degrades gracefully meanwhile
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("events: disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("events: reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn().Err(err).Msg("events: NATS error")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, subject: subject, logger: logger}, nil
}

// Noop returns a Publisher with no backing connection; every Publish
// call is a silent no-op. Used when no NATS URL is configured.
func Noop() *Publisher {
	return &Publisher{}
}

// Publish best-effort publishes ev. Never blocks and never returns an
// error to the caller — failures are logged and the event is dropped.
func (p *Publisher) Publish(ev Event) {
	if p == nil || p.conn == nil {
		return
	}
	if !p.conn.IsConnected() {
		p.logger.Debug().Str("kind", string(ev.Kind)).Msg("events: dropped, NATS not connected")
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn().Err(err).Msg("events: marshal failed")
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.logger.Warn().Err(err).Msg("events: publish failed")
	}
}

// BanApplied publishes a ban-applied event for ip.
func (p *Publisher) BanApplied(ip, reason string, now time.Time) {
	p.Publish(Event{Kind: KindBanApplied, IP: ip, Reason: reason, Timestamp: now})
}

// BanLifted publishes a ban-lifted event for ip.
func (p *Publisher) BanLifted(ip string, now time.Time) {
	p.Publish(Event{Kind: KindBanLifted, IP: ip, Timestamp: now})
}

// ConnectionRejected publishes a connection-rejected event.
func (p *Publisher) ConnectionRejected(ip, reason string, now time.Time) {
	p.Publish(Event{Kind: KindConnectionRejected, IP: ip, Reason: reason, Timestamp: now})
}

// ZombieReaped publishes a zombie-connection-reaped event for fd.
func (p *Publisher) ZombieReaped(fd int32, ip string, now time.Time) {
	p.Publish(Event{Kind: KindZombieReaped, FD: fd, IP: ip, Timestamp: now})
}

// Close drains and closes the underlying NATS connection, if any.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}
