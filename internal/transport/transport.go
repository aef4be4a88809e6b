// Package transport moves typed messages between agents. A Channel is one
// agent's endpoint: Send makes a single best-effort attempt, and Listen
// delivers inbound messages to a handler one at a time, after dropping
// redelivered ids and ordering each batch by message priority.
//
// Three media are provided: Poller over a shared Mailbox (sqlite or memory),
// the in-process bus Hub, and WSChannel to a websocket relay.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/go-swarm/internal/message"
	"github.com/basket/go-swarm/internal/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrClosed       = errors.New("transport closed")
	ErrNotConnected = errors.New("transport not connected")
	ErrDropped      = errors.New("transport dropped message: recipient buffer full")
)

// Handler receives one delivered message. Calls are sequential per Channel.
type Handler func(ctx context.Context, m message.Message)

// Channel is an agent's connection to the message fabric.
type Channel interface {
	AgentID() string
	// Send makes one attempt to deliver body to recipientID.
	Send(ctx context.Context, recipientID string, body message.Body) error
	// Listen delivers inbound messages to h until ctx is done or the
	// channel is closed.
	Listen(ctx context.Context, h Handler) error
	Close() error
}

// Mailbox is a shared store of undelivered messages keyed by recipient.
// Fetch hides returned messages until they are acknowledged or their claim
// expires; redelivered messages keep their id.
type Mailbox interface {
	Post(ctx context.Context, m message.Message) (message.Message, error)
	Fetch(ctx context.Context, agentID string, limit int) ([]message.Message, error)
	Ack(ctx context.Context, agentID string, ids []string) error
}

// Options carries the ambient dependencies shared by all channel kinds.
type Options struct {
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
	DedupSize int
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = otel.NoopMetrics()
	}
	if o.Tracer == nil {
		o.Tracer = otel.NoopTracer()
	}
	if o.DedupSize <= 0 {
		o.DedupSize = DefaultDedupSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func envelope(from, to string, body message.Body, now time.Time) message.Message {
	return message.Message{
		SenderID:    from,
		RecipientID: to,
		Timestamp:   now.UTC(),
		Body:        body,
	}
}

func validateOutbound(recipientID string, body message.Body) error {
	if recipientID == "" {
		return errors.New("send: empty recipient")
	}
	if body == nil {
		return errors.New("send: nil body")
	}
	return body.Validate()
}
