package control

import (
	"sync"
)

// Event names streamed on /events
const (
	EventCheckCompleted = "check-completed"
	EventApplyProgress  = "apply-progress"
	EventApplyCompleted = "apply-completed"
)

// Event is one server-sent notification
type Event struct {
	Name string
	Data any
}

// subscriberBuffer bounds how far a slow /events client may lag before
// events are dropped for it
const subscriberBuffer = 32

// broker fans events out to every connected /events client
type broker struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[chan Event]struct{})}
}

func (b *broker) subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *broker) unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// publish never blocks the workflow goroutine delivering the event
func (b *broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
