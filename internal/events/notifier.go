// Package events fans build progress out to live subscribers. Delivery
// is best-effort: subscribers that are not connected at emission time
// receive nothing and fall back to polling the build record store.
package events

import (
	"sync"

	"github.com/thesara-space/appbuild/pkg/schema"
)

// Event is either a stage transition or the final outcome of a build.
// Exactly one of State/Final is set.
type Event struct {
	State *schema.StateEvent
	Final *schema.FinalEvent
}

// Notifier is a channel-based per-build pub/sub hub.
type Notifier struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // build id -> subscriber channels
	allSubs []chan Event
	closed  bool
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[string][]chan Event)}
}

// Subscribe registers a listener for one build id and returns the event
// channel plus an unsubscribe function. Unsubscribing closes the
// channel; both are safe to call after the build finished (the channel
// simply stays quiet).
func (n *Notifier) Subscribe(buildID string, bufSize int) (<-chan Event, func()) {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan Event, bufSize)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	n.subs[buildID] = append(n.subs[buildID], ch)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			channels := n.subs[buildID]
			for i, c := range channels {
				if c == ch {
					n.subs[buildID] = append(channels[:i], channels[i+1:]...)
					break
				}
			}
			if len(n.subs[buildID]) == 0 {
				delete(n.subs, buildID)
			}
			if !n.closed {
				close(ch)
			}
		})
	}
	return ch, unsubscribe
}

// SubscribeAll registers a listener for every build. Used by the NATS
// relay and the SSE firehose endpoint.
func (n *Notifier) SubscribeAll(bufSize int) (<-chan Event, func()) {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	n.allSubs = append(n.allSubs, ch)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			for i, c := range n.allSubs {
				if c == ch {
					n.allSubs = append(n.allSubs[:i], n.allSubs[i+1:]...)
					break
				}
			}
			if !n.closed {
				close(ch)
			}
		})
	}
	return ch, unsubscribe
}

// PublishState emits a stage transition. Non-blocking: a subscriber
// whose channel is full loses the event.
func (n *Notifier) PublishState(ev schema.StateEvent) {
	n.publish(ev.BuildID, Event{State: &ev})
}

// PublishFinal emits the terminal outcome for a build.
func (n *Notifier) PublishFinal(ev schema.FinalEvent) {
	n.publish(ev.BuildID, Event{Final: &ev})
}

func (n *Notifier) publish(buildID string, ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	for _, ch := range n.subs[buildID] {
		select {
		case ch <- ev:
		default:
			// Subscriber is slow; drop rather than block the pipeline.
		}
	}
	for _, ch := range n.allSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts the notifier down and closes every subscriber channel.
// Idempotent.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for _, channels := range n.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range n.allSubs {
		close(ch)
	}
	n.subs = make(map[string][]chan Event)
	n.allSubs = nil
}
