package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/go-swarm/internal/bus"
	"github.com/basket/go-swarm/internal/message"
	"github.com/basket/go-swarm/internal/otel"
	"go.opentelemetry.io/otel/metric"
)

// Poller is the polling Channel over a shared Mailbox. Fetched messages are
// acknowledged after the handler returns, so a crash mid-batch leads to
// redelivery rather than loss.
type Poller struct {
	agentID string
	mailbox Mailbox
	backoff *Backoff
	batch   int
	inbox   *inbox
	opts    Options

	// wake, when set, shortcuts the poll wait when a local sender posts.
	wake *bus.Subscription
	bus  *bus.Bus

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPoller creates a polling channel for agentID. When eventBus is non-nil
// the poller also wakes early on mailbox-posted hints for its agent.
func NewPoller(agentID string, mb Mailbox, cfg PollConfig, eventBus *bus.Bus, opts Options) *Poller {
	opts = opts.withDefaults()
	cfg = cfg.normalized()
	opts.Logger = opts.Logger.With("component", "transport", "transport", "poll", "agent_id", agentID)
	p := &Poller{
		agentID: agentID,
		mailbox: mb,
		backoff: NewBackoff(cfg),
		batch:   cfg.BatchSize,
		inbox:   newInbox(agentID, "poll", opts),
		opts:    opts,
		bus:     eventBus,
		closed:  make(chan struct{}),
	}
	if eventBus != nil {
		p.wake = eventBus.Subscribe(bus.MailboxPostedTopic(agentID))
	}
	return p
}

func (p *Poller) AgentID() string { return p.agentID }

// Backoff exposes the adaptive interval, for hot reload of poll bounds.
func (p *Poller) Backoff() *Backoff { return p.backoff }

func (p *Poller) Send(ctx context.Context, recipientID string, body message.Body) error {
	if err := validateOutbound(recipientID, body); err != nil {
		return err
	}
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	m := envelope(p.agentID, recipientID, body, p.opts.Now())
	ctx, span := otel.StartProducerSpan(ctx, p.opts.Tracer, "transport.send",
		otel.AttrAgentID.String(p.agentID),
		otel.AttrRecipientID.String(recipientID),
		otel.AttrMessageType.String(string(body.Type())),
	)
	defer span.End()

	_, err := p.mailbox.Post(ctx, m)
	recordSend(ctx, p.opts, p.agentID, m, err)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("send %s to %s: %w", body.Type(), recipientID, err)
	}
	return nil
}

// Listen polls until ctx is done or Close is called.
func (p *Poller) Listen(ctx context.Context, h Handler) error {
	var wake <-chan bus.Event
	if p.wake != nil {
		wake = p.wake.Ch()
	}
	for {
		got := p.PollOnce(ctx, h)
		wait := p.backoff.Next(got > 0)
		p.opts.Metrics.PollInterval.Record(ctx, wait.Seconds(), metric.WithAttributes(otel.AttrAgentID.String(p.agentID)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-p.closed:
			timer.Stop()
			return ErrClosed
		case _, ok := <-wake:
			timer.Stop()
			if !ok {
				wake = nil
				continue
			}
			p.backoff.Reset()
		case <-timer.C:
		}
	}
}

// PollOnce fetches one batch, delivers it and acknowledges every fetched id,
// duplicates included. It returns the number of messages fetched.
func (p *Poller) PollOnce(ctx context.Context, h Handler) int {
	msgs, err := p.mailbox.Fetch(ctx, p.agentID, p.batch)
	if err != nil {
		if ctx.Err() == nil {
			p.opts.Logger.Warn("mailbox fetch failed", "error", err)
		}
		return 0
	}
	if len(msgs) == 0 {
		return 0
	}
	p.inbox.deliver(ctx, msgs, h)

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	// Canceled mid-batch: leave the claim to expire so the rest comes back.
	if ctx.Err() != nil {
		return len(msgs)
	}
	if err := p.mailbox.Ack(ctx, p.agentID, ids); err != nil {
		p.opts.Logger.Warn("mailbox ack failed", "error", err, "count", len(ids))
	}
	return len(msgs)
}

func (p *Poller) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		if p.bus != nil && p.wake != nil {
			p.bus.Unsubscribe(p.wake)
		}
	})
	return nil
}
