// Package events publishes VM lifecycle events to NATS.
//
// A Publisher is a callback.Listener the daemon attaches to every VM it
// creates. Each event is a JSON document published on
// "<subject>.<kind>", for example "kiln.vm.events.died".
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/callback"
	"github.com/jbweber/kiln/internal/logging"
)

// Event kinds, used as the last subject token.
const (
	KindPayloadStarted  = "payload_started"
	KindPayloadReady    = "payload_ready"
	KindPayloadFinished = "payload_finished"
	KindError           = "error"
	KindDied            = "died"
	KindRamdump         = "ramdump"
	KindStdio           = "stdio"
)

// Event is the published document.
type Event struct {
	CID          uint32         `json:"cid"`
	Kind         string         `json:"kind"`
	Time         time.Time      `json:"time"`
	ExitCode     *int32         `json:"exit_code,omitempty"`
	ErrorCode    v1.ErrorCode   `json:"error_code,omitempty"`
	Message      string         `json:"message,omitempty"`
	Reason       v1.DeathReason `json:"reason,omitempty"`
	RamdumpBytes int64          `json:"ramdump_bytes,omitempty"`
}

// Conn is the part of a NATS connection the publisher needs.
//
// In production, this is satisfied by *nats.Conn.
// In tests, this can be satisfied by a mock.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher sends VM events to NATS.
type Publisher struct {
	conn    Conn
	subject string
	now     func() time.Time
	logger  *slog.Logger
}

var _ callback.Listener = (*Publisher)(nil)

// NewPublisher returns a publisher sending on subject.
func NewPublisher(conn Conn, subject string, logger *slog.Logger) *Publisher {
	return &Publisher{conn: conn, subject: subject, now: time.Now, logger: logging.Ensure(logger)}
}

// Connect dials the NATS server at url, reconnecting forever.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	logger = logging.Ensure(logger)
	opts := []nats.Option{
		nats.Name("kilnd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

func (p *Publisher) publish(ev Event) error {
	ev.Time = p.now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Kind, err)
	}
	subject := p.subject + "." + ev.Kind
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	p.logger.Debug("Published event", "subject", subject, "cid", ev.CID)
	return nil
}

func (p *Publisher) OnPayloadStarted(cid uint32) error {
	return p.publish(Event{CID: cid, Kind: KindPayloadStarted})
}

func (p *Publisher) OnPayloadReady(cid uint32) error {
	return p.publish(Event{CID: cid, Kind: KindPayloadReady})
}

func (p *Publisher) OnPayloadFinished(cid uint32, exitCode int32) error {
	return p.publish(Event{CID: cid, Kind: KindPayloadFinished, ExitCode: &exitCode})
}

func (p *Publisher) OnError(cid uint32, code v1.ErrorCode, message string) error {
	return p.publish(Event{CID: cid, Kind: KindError, ErrorCode: code, Message: message})
}

func (p *Publisher) OnDied(cid uint32, reason v1.DeathReason) error {
	return p.publish(Event{CID: cid, Kind: KindDied, Reason: reason})
}

// OnRamdump publishes the size of the dump, not its contents.
func (p *Publisher) OnRamdump(cid uint32, ramdump io.Reader) error {
	n, err := io.Copy(io.Discard, ramdump)
	if err != nil {
		return fmt.Errorf("failed to read ramdump: %w", err)
	}
	return p.publish(Event{CID: cid, Kind: KindRamdump, RamdumpBytes: n})
}

// OnStdio only announces the stream.
func (p *Publisher) OnStdio(cid uint32, _ io.ReadWriteCloser) error {
	return p.publish(Event{CID: cid, Kind: KindStdio})
}
