package transport

import (
	"context"
	"time"

	"github.com/basket/go-swarm/internal/message"
	"github.com/basket/go-swarm/internal/persistence"
)

// StoreMailbox is the durable Mailbox backed by the sqlite store. Several
// processes may share one database file.
type StoreMailbox struct {
	Store      *persistence.Store
	Visibility time.Duration
	// Touch, when set, refreshes the agent's last_seen_at on every fetch.
	Touch bool
}

func (s StoreMailbox) Post(ctx context.Context, m message.Message) (message.Message, error) {
	return s.Store.PostMessage(ctx, m)
}

func (s StoreMailbox) Fetch(ctx context.Context, agentID string, limit int) ([]message.Message, error) {
	if s.Touch {
		// Best effort; unregistered agents simply have no row to update.
		_ = s.Store.TouchAgent(ctx, agentID)
	}
	return s.Store.ClaimMessages(ctx, agentID, limit, s.Visibility)
}

func (s StoreMailbox) Ack(ctx context.Context, agentID string, ids []string) error {
	_, err := s.Store.AckMessages(ctx, agentID, ids)
	return err
}
