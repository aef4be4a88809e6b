package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/basket/go-swarm/internal/message"
)

// MemoryMailbox is an in-process Mailbox. Fetch moves messages in flight and
// Ack forgets them; Requeue puts unacknowledged messages back, which is how
// tests exercise redelivery.
type MemoryMailbox struct {
	mu       sync.Mutex
	seq      int64
	pending  map[string][]message.Message
	inFlight map[string]map[string]message.Message
}

func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{
		pending:  make(map[string][]message.Message),
		inFlight: make(map[string]map[string]message.Message),
	}
}

// Post stores m for its recipient. An empty id is assigned from a counter;
// a preset id is kept, so callers can simulate redelivery.
func (mb *MemoryMailbox) Post(_ context.Context, m message.Message) (message.Message, error) {
	if m.RecipientID == "" {
		return message.Message{}, fmt.Errorf("post message: empty recipient")
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if m.ID == "" {
		mb.seq++
		m.ID = strconv.FormatInt(mb.seq, 10)
	}
	mb.pending[m.RecipientID] = append(mb.pending[m.RecipientID], m)
	return m, nil
}

func (mb *MemoryMailbox) Fetch(_ context.Context, agentID string, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	q := mb.pending[agentID]
	if len(q) == 0 {
		return nil, nil
	}
	if limit > len(q) {
		limit = len(q)
	}
	out := make([]message.Message, limit)
	copy(out, q[:limit])
	mb.pending[agentID] = q[limit:]

	flight := mb.inFlight[agentID]
	if flight == nil {
		flight = make(map[string]message.Message)
		mb.inFlight[agentID] = flight
	}
	for _, m := range out {
		flight[m.ID] = m
	}
	return out, nil
}

func (mb *MemoryMailbox) Ack(_ context.Context, agentID string, ids []string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for _, id := range ids {
		delete(mb.inFlight[agentID], id)
	}
	return nil
}

// Requeue returns agentID's unacknowledged messages to the pending list.
func (mb *MemoryMailbox) Requeue(agentID string) int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	flight := mb.inFlight[agentID]
	for _, m := range flight {
		mb.pending[agentID] = append(mb.pending[agentID], m)
	}
	n := len(flight)
	delete(mb.inFlight, agentID)
	return n
}

// Pending counts messages waiting for agentID.
func (mb *MemoryMailbox) Pending(agentID string) int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.pending[agentID])
}
