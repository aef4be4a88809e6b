package queue

import (
	"sync/atomic"

	"github.com/basket/go-swarm/internal/bus"
)

// ChannelListener buffers events on a channel. Events are dropped when the
// buffer is full; Dropped counts them.
type ChannelListener struct {
	ch      chan Event
	dropped atomic.Int64
}

func NewChannelListener(size int) *ChannelListener {
	if size <= 0 {
		size = 64
	}
	return &ChannelListener{ch: make(chan Event, size)}
}

func (l *ChannelListener) OnTransition(e Event) {
	select {
	case l.ch <- e:
	default:
		l.dropped.Add(1)
	}
}

// C returns the receive side of the buffer.
func (l *ChannelListener) C() <-chan Event { return l.ch }

func (l *ChannelListener) Dropped() int64 { return l.dropped.Load() }

// BusListener republishes transitions on the event bus.
type BusListener struct {
	Bus *bus.Bus
}

func (l BusListener) OnTransition(e Event) {
	if l.Bus == nil {
		return
	}
	graphTask, subtask, _ := e.Task.Collaborative()
	l.Bus.Publish(bus.WorkerTaskTopic(string(e.To)), bus.WorkerTaskEvent{
		AgentID:   e.AgentID,
		TaskID:    e.Task.ID,
		OldStatus: string(e.From),
		NewStatus: string(e.To),
		GraphTask: graphTask,
		Subtask:   subtask,
	})
}
