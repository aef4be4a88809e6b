package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/basket/go-swarm/internal/bus"
	"github.com/basket/go-swarm/internal/message"
	"github.com/basket/go-swarm/internal/otel"
)

// Hub is the in-process push medium: agents in one process exchange messages
// over the event bus. The hub assigns delivery ids. Delivery is at most once;
// a send to an absent or full recipient fails instead of blocking.
type Hub struct {
	bus *bus.Bus
	seq atomic.Int64
}

func NewHub(b *bus.Bus) *Hub {
	if b == nil {
		b = bus.New()
	}
	return &Hub{bus: b}
}

// Publish assigns an id when m has none and hands m to its recipient's
// subscription. It returns ErrNotConnected when the recipient is not
// connected and ErrDropped when its buffer is full.
func (h *Hub) Publish(m message.Message) (message.Message, error) {
	if m.ID == "" {
		m.ID = strconv.FormatInt(h.seq.Add(1), 10)
	}
	switch err := h.bus.Send(bus.AgentMessageTopic(m.RecipientID), m); {
	case errors.Is(err, bus.ErrNoSubscriber):
		return m, ErrNotConnected
	case errors.Is(err, bus.ErrBufferFull):
		return m, ErrDropped
	case err != nil:
		return m, err
	}
	return m, nil
}

// Connect subscribes agentID immediately, so messages sent before Listen
// starts are buffered.
func (h *Hub) Connect(agentID string, opts Options) *PushChannel {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.With("component", "transport", "transport", "push", "agent_id", agentID)
	return &PushChannel{
		hub:     h,
		agentID: agentID,
		sub:     h.bus.Subscribe(bus.AgentMessageTopic(agentID)),
		inbox:   newInbox(agentID, "push", opts),
		opts:    opts,
		closed:  make(chan struct{}),
	}
}

// PushChannel is one agent's endpoint on a Hub.
type PushChannel struct {
	hub     *Hub
	agentID string
	sub     *bus.Subscription
	inbox   *inbox
	opts    Options

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *PushChannel) AgentID() string { return c.agentID }

func (c *PushChannel) Send(ctx context.Context, recipientID string, body message.Body) error {
	if err := validateOutbound(recipientID, body); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	ctx, span := otel.StartProducerSpan(ctx, c.opts.Tracer, "transport.send",
		otel.AttrAgentID.String(c.agentID),
		otel.AttrRecipientID.String(recipientID),
		otel.AttrMessageType.String(string(body.Type())),
	)
	defer span.End()
	m, err := c.hub.Publish(envelope(c.agentID, recipientID, body, c.opts.Now()))
	recordSend(ctx, c.opts, c.agentID, m, err)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("send %s to %s: %w", body.Type(), recipientID, err)
	}
	return nil
}

// Listen delivers messages as they arrive. Whatever is already buffered when
// a message arrives is delivered with it as one priority-sorted batch.
func (c *PushChannel) Listen(ctx context.Context, h Handler) error {
	for {
		var batch []message.Message
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return ErrClosed
		case ev, ok := <-c.sub.Ch():
			if !ok {
				return ErrClosed
			}
			batch = c.accept(batch, ev)
		}
	drain:
		for {
			select {
			case ev, ok := <-c.sub.Ch():
				if !ok {
					break drain
				}
				batch = c.accept(batch, ev)
			default:
				break drain
			}
		}
		c.inbox.deliver(ctx, batch, h)
	}
}

// accept filters out events for agents whose id merely shares our prefix.
func (c *PushChannel) accept(batch []message.Message, ev bus.Event) []message.Message {
	m, ok := ev.Payload.(message.Message)
	if !ok || m.RecipientID != c.agentID {
		return batch
	}
	return append(batch, m)
}

func (c *PushChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.hub.bus.Unsubscribe(c.sub)
	})
	return nil
}
