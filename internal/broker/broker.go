// Package broker provides the in-process pub/sub bus connecting the core's
// collaborators: perception events, alerts, and decision notifications fan
// out over dot-separated topics. Patterns may use "+" to match exactly one
// topic segment, so "percept.+" matches "percept.vision" but not
// "percept.vision.raw".
package broker

import (
	"strings"
	"sync"

	"cortex/internal/logging"
)

// Message is one published item.
type Message struct {
	Topic   string
	Payload any
}

// Subscription is a live topic subscription. Receive on C; call Cancel when
// done.
type Subscription struct {
	C       <-chan Message
	pattern []string
	ch      chan Message
	cancel  func()
	once    sync.Once
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Broker fans messages out to pattern subscribers. Delivery is best-effort:
// a subscriber that stops draining its buffer loses messages rather than
// blocking publishers.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

// New creates a broker with the given per-subscriber buffer.
func New(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe registers interest in every topic matching pattern.
func (b *Broker) Subscribe(pattern string) *Subscription {
	ch := make(chan Message, b.buffer)
	sub := &Subscription{
		C:       ch,
		ch:      ch,
		pattern: strings.Split(pattern, "."),
	}
	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		close(ch)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish fans a message out to every matching subscriber without
// blocking. Full subscribers drop the message.
func (b *Broker) Publish(topic string, payload any) {
	segments := strings.Split(topic, ".")
	msg := Message{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !match(sub.pattern, segments) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			logging.S(logging.CategoryBroker).Debugw("slow subscriber, dropping message",
				"topic", topic, "pattern", strings.Join(sub.pattern, "."))
		}
	}
}

// Close cancels every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

// match reports whether a pattern covers a topic. Both are segment slices;
// "+" in the pattern matches exactly one segment.
func match(pattern, topic []string) bool {
	if len(pattern) != len(topic) {
		return false
	}
	for i, p := range pattern {
		if p == "+" {
			continue
		}
		if p != topic[i] {
			return false
		}
	}
	return true
}
