package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-swarm/internal/message"
	"github.com/basket/go-swarm/internal/otel"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Relay frame operations.
const (
	FrameSend    = "send"
	FrameDeliver = "deliver"
	FrameAck     = "ack"
	FrameError   = "error"
)

// Frame is the unit exchanged with the websocket relay. Agents send "send"
// and "ack" frames; the relay sends "deliver" and "error" frames.
type Frame struct {
	Op       string            `json:"op"`
	Message  *message.Message  `json:"message,omitempty"`
	Messages []message.Message `json:"messages,omitempty"`
	IDs      []string          `json:"ids,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// MaxFrameBytes bounds a single relay frame.
const MaxFrameBytes = 4 << 20

// AgentPath is the relay endpoint for agentID.
func AgentPath(agentID string) string {
	return "/agents/" + url.PathEscape(agentID)
}

// WSConfig locates the relay.
type WSConfig struct {
	URL   string // ws:// or wss:// base
	Token string
	// ReconnectMin and ReconnectMax bound the wait between dial attempts.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// WSChannel is the push Channel backed by a websocket relay. The relay
// assigns ids and redelivers unacknowledged messages after a reconnect.
type WSChannel struct {
	agentID string
	cfg     WSConfig
	inbox   *inbox
	opts    Options
	backoff *Backoff

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func NewWSChannel(agentID string, cfg WSConfig, opts Options) *WSChannel {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.With("component", "transport", "transport", "ws", "agent_id", agentID)
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 200 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 5 * time.Second
	}
	return &WSChannel{
		agentID: agentID,
		cfg:     cfg,
		inbox:   newInbox(agentID, "ws", opts),
		opts:    opts,
		backoff: NewBackoff(PollConfig{Min: cfg.ReconnectMin, Max: cfg.ReconnectMax, Factor: 2, EmptyThreshold: 1}),
		closed:  make(chan struct{}),
	}
}

func (c *WSChannel) AgentID() string { return c.agentID }

// Connect dials the relay if not already connected.
func (c *WSChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	dialOpts := &websocket.DialOptions{}
	if c.cfg.Token != "" {
		dialOpts.HTTPHeader = http.Header{
			"Authorization": []string{"Bearer " + c.cfg.Token},
		}
	}
	target := strings.TrimRight(c.cfg.URL, "/") + AgentPath(c.agentID)
	conn, _, err := websocket.Dial(ctx, target, dialOpts)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(MaxFrameBytes)
	c.conn = conn
	c.opts.Logger.Info("relay connected", "url", c.cfg.URL)
	return nil
}

func (c *WSChannel) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *WSChannel) drop(conn *websocket.Conn, reason string) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, reason)
}

func (c *WSChannel) write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, conn, f)
}

// Send fails with ErrNotConnected while the relay link is down.
func (c *WSChannel) Send(ctx context.Context, recipientID string, body message.Body) error {
	if err := validateOutbound(recipientID, body); err != nil {
		return err
	}
	conn := c.current()
	if conn == nil {
		return fmt.Errorf("send %s to %s: %w", body.Type(), recipientID, ErrNotConnected)
	}
	ctx, span := otel.StartProducerSpan(ctx, c.opts.Tracer, "transport.send",
		otel.AttrAgentID.String(c.agentID),
		otel.AttrRecipientID.String(recipientID),
		otel.AttrMessageType.String(string(body.Type())),
	)
	defer span.End()

	m := envelope(c.agentID, recipientID, body, c.opts.Now())
	err := c.write(ctx, conn, Frame{Op: FrameSend, Message: &m})
	recordSend(ctx, c.opts, c.agentID, m, err)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("send %s to %s: %w", body.Type(), recipientID, err)
	}
	return nil
}

// Listen keeps a relay connection open, reconnecting with backoff, and
// delivers every "deliver" frame as one priority-sorted batch.
func (c *WSChannel) Listen(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return ErrClosed
		default:
		}

		if err := c.Connect(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			wait := c.backoff.Next(false)
			c.opts.Logger.Warn("relay dial failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.closed:
				return ErrClosed
			case <-time.After(wait):
			}
			continue
		}
		c.backoff.Reset()

		conn := c.current()
		if conn == nil {
			continue
		}
		err := c.readLoop(ctx, conn, h)
		c.drop(conn, "reconnect")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.opts.Logger.Warn("relay connection lost", "error", err)
	}
}

func (c *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn, h Handler) error {
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		switch f.Op {
		case FrameDeliver:
			if len(f.Messages) == 0 {
				continue
			}
			c.inbox.deliver(ctx, f.Messages, h)
			ids := make([]string, 0, len(f.Messages))
			for _, m := range f.Messages {
				ids = append(ids, m.ID)
			}
			if err := c.write(ctx, conn, Frame{Op: FrameAck, IDs: ids}); err != nil {
				return fmt.Errorf("ack: %w", err)
			}
		case FrameError:
			c.opts.Logger.Warn("relay reported error", "error", f.Error)
		default:
			c.opts.Logger.Debug("ignoring relay frame", "op", f.Op)
		}
	}
}

func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if conn := c.current(); conn != nil {
			c.drop(conn, "bye")
		}
	})
	return nil
}
