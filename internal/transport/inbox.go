package transport

import (
	"context"
	"log/slog"
	"sort"

	"github.com/basket/go-swarm/internal/message"
	"github.com/basket/go-swarm/internal/otel"
	"go.opentelemetry.io/otel/metric"
)

// inbox is the delivery path shared by every Channel: dedup, priority sort,
// sequential handler calls.
type inbox struct {
	agentID   string
	transport string
	seen      *RecentSet
	logger    *slog.Logger
	opts      Options
}

func newInbox(agentID, transport string, opts Options) *inbox {
	return &inbox{
		agentID:   agentID,
		transport: transport,
		seen:      NewRecentSet(opts.DedupSize),
		logger:    opts.Logger,
		opts:      opts,
	}
}

// deliver hands the new messages in batch to h, highest priority first, and
// returns how many were delivered.
func (in *inbox) deliver(ctx context.Context, batch []message.Message, h Handler) int {
	fresh := make([]message.Message, 0, len(batch))
	for _, m := range batch {
		if !in.seen.Add(m.ID) {
			in.opts.Metrics.DuplicatesDropped.Add(ctx, 1, metric.WithAttributes(
				otel.AttrAgentID.String(in.agentID),
				otel.AttrMessageType.String(string(m.Type())),
			))
			in.logger.Debug("duplicate message dropped", "message_id", m.ID, "type", m.Type())
			continue
		}
		fresh = append(fresh, m)
	}
	SortByPriority(fresh)
	for _, m := range fresh {
		if ctx.Err() != nil {
			return 0
		}
		in.call(ctx, m, h)
	}
	return len(fresh)
}

func (in *inbox) call(ctx context.Context, m message.Message, h Handler) {
	ctx, span := otel.StartConsumerSpan(ctx, in.opts.Tracer, "transport.deliver",
		otel.AttrAgentID.String(in.agentID),
		otel.AttrMessageType.String(string(m.Type())),
		otel.AttrTransport.String(in.transport),
	)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("message handler panicked", "message_id", m.ID, "type", m.Type(), "panic", r)
		}
	}()
	in.opts.Metrics.MessagesDelivered.Add(ctx, 1, metric.WithAttributes(
		otel.AttrAgentID.String(in.agentID),
		otel.AttrMessageType.String(string(m.Type())),
	))
	h(ctx, m)
}

// SortByPriority orders messages control first, status next, directives
// last, keeping arrival order within a class.
func SortByPriority(msgs []message.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return message.Priority(msgs[i].Type()) < message.Priority(msgs[j].Type())
	})
}

func recordSend(ctx context.Context, opts Options, agentID string, m message.Message, err error) {
	attrs := metric.WithAttributes(
		otel.AttrAgentID.String(agentID),
		otel.AttrMessageType.String(string(m.Type())),
	)
	if err != nil {
		opts.Metrics.SendErrors.Add(ctx, 1, attrs)
		return
	}
	opts.Metrics.MessagesSent.Add(ctx, 1, attrs)
}
