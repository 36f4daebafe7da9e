// Package bus provides the in-process event bus that carries call and
// campaign lifecycle events between the engine components and any
// observers (control API, metrics, logs).
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the engine.
const (
	TopicCallInitiated    = "call.initiated"
	TopicCallRinging      = "call.ringing"
	TopicCallAnswered     = "call.answered"
	TopicCallAMD          = "call.amd"
	TopicCallIVRProgress  = "call.ivr.progress"
	TopicCallEnded        = "call.ended"
	TopicCampaignProgress = "campaign.progress"
	TopicSIPStatus        = "sip.status"
)

// Event is a single published message. Payload contents are topic-specific.
type Event struct {
	Topic     string
	Timestamp time.Time
	Payload   map[string]any
}

// Bus is a topic-based publish/subscribe fan-out. Delivery is best effort:
// publishing never blocks, and events to a subscriber whose buffer is full
// are dropped and counted.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]*Subscription
	nextID int

	dropped atomic.Uint64
}

// Subscription is a registered subscriber channel for one or more topics.
type Subscription struct {
	id     int
	topics map[string]bool
	ch     chan Event
}

// Events returns the channel events are delivered on.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger.With("subsystem", "bus"),
		subs:   make(map[string][]*Subscription),
	}
}

// Subscribe registers a subscriber for the given topics with the given
// channel buffer size. An empty topic list subscribes to every topic.
func (b *Bus) Subscribe(buffer int, topics ...string) *Subscription {
	if buffer < 1 {
		buffer = 16
	}
	sub := &Subscription{
		topics: make(map[string]bool, len(topics)),
		ch:     make(chan Event, buffer),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = b.nextID
	if len(topics) == 0 {
		b.subs["*"] = append(b.subs["*"], sub)
		return sub
	}
	for _, t := range topics {
		sub.topics[t] = true
		b.subs[t] = append(b.subs[t], sub)
	}
	return sub
}

// Unsubscribe removes the subscription and closes its channel. The close
// happens under the write lock, so it cannot race a Publish sending under
// the read lock.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, list := range b.subs {
		for i, s := range list {
			if s.id == sub.id {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	close(sub.ch)
}

// Publish delivers the event to all subscribers of its topic. Slow
// subscribers do not block the publisher; overflowed events are dropped.
// The read lock is held across the sends: they never block, and holding
// it keeps Unsubscribe from closing a channel mid-delivery.
func (b *Bus) Publish(topic string, payload map[string]any) {
	ev := Event{Topic: topic, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[topic] {
		b.deliver(sub, ev)
	}
	for _, sub := range b.subs["*"] {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
	default:
		b.dropped.Add(1)
		b.logger.Debug("dropped event for slow subscriber", "topic", ev.Topic)
	}
}

// Dropped returns the number of events dropped due to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
