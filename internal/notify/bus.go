// Package notify carries status events from workers to interested callers.
// A subscription is scoped to one operation id: the channel is handed out at
// subscribe time and closed by the bus after a terminal event, so there is no
// listener registry to clean up by hand.
package notify

import (
	"sync"

	"github.com/openmir/prearchive/internal/model"
)

// Event is one status change observed by a worker.
type Event struct {
	OpID    string
	Key     model.SessionKey
	Status  model.SessionStatus
	Message string
	// Location is set on successful archive events.
	Location string
	// Terminal marks the last event for this operation; the channel is
	// closed right after it is delivered.
	Terminal bool
}

// Bus is an in-process publisher. Cross-process observers poll the store
// instead; the bus exists for the synchronous direct-archive wait in
// standalone deployments.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a buffered channel of events for the operation. The bus
// closes it after the terminal event or on Cancel.
func (b *Bus) Subscribe(opID string) <-chan Event {
	ch := make(chan Event, 8)
	b.mu.Lock()
	b.subs[opID] = append(b.subs[opID], ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers the event to all subscribers of its operation id. Slow
// subscribers lose events rather than blocking the worker.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	chans := b.subs[ev.OpID]
	if ev.Terminal {
		delete(b.subs, ev.OpID)
	}
	b.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
		if ev.Terminal {
			close(ch)
		}
	}
}

// Cancel drops all subscriptions for the operation, closing their channels.
func (b *Bus) Cancel(opID string) {
	b.mu.Lock()
	chans := b.subs[opID]
	delete(b.subs, opID)
	b.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}
