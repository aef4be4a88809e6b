// Package bus is the in-process event fabric of a swarm process. It carries
// graph and worker-task events to observers and, through Send, the directed
// agent messages of the push transport.
package bus

import (
	"errors"
	"strings"
	"sync"
)

const defaultBufferSize = 100

var (
	// ErrNoSubscriber means nobody is subscribed to a directed topic.
	ErrNoSubscriber = errors.New("bus: no subscriber for topic")
	// ErrBufferFull means every subscriber of a directed topic was full.
	ErrBufferFull = errors.New("bus: subscriber buffer full")
)

// Event is one published item.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives events whose topic starts with its prefix.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus fans events out by topic prefix.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers for topics starting with prefix; "" matches all. Each
// subscription buffers defaultBufferSize events.
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: prefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish broadcasts an observation to every matching subscriber. It never
// blocks: a full subscriber misses the event.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// Send delivers a directed event to the subscriptions registered for exactly
// topic. It never blocks and reports whether anyone took the event:
// ErrNoSubscriber when nobody is registered, ErrBufferFull when every
// registered subscription was full.
func (b *Bus) Send(topic string, payload any) error {
	ev := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	matched, delivered := 0, 0
	for _, sub := range b.subs {
		if sub.prefix != topic {
			continue
		}
		matched++
		select {
		case sub.ch <- ev:
			delivered++
		default:
		}
	}
	switch {
	case matched == 0:
		return ErrNoSubscriber
	case delivered == 0:
		return ErrBufferFull
	}
	return nil
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
