// Package broadcast fans coordination notifications out to in-process
// subscribers, optional webhooks, and an optional Kafka topic.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"
)

// Topics carried by the bus.
const (
	TopicAgentCreated = "agent:created"
	TopicAgentUpdated = "agent:updated"
	TopicAgentRemoved = "agent:removed"
	TopicNegotiation  = "negotiation"
)

// Notification is one fan-out message. Entity holds the serialized entity
// snapshot when the producer has one.
type Notification struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	AgentID string          `json:"agent_id,omitempty"`
	TS      time.Time       `json:"ts"`
	Entity  json.RawMessage `json:"entity,omitempty"`
}

type subscriber struct {
	topics map[string]struct{}
	ch     chan Notification
}

func (s *subscriber) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Bus decouples the coordinator from notification consumers. Publish never
// blocks: a subscriber that stops draining its channel loses messages
// instead of stalling writers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	bufSize int
	closed  bool
}

func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{subs: make(map[int]*subscriber), bufSize: bufSize}
}

// Subscribe registers interest in the given topics (all topics when none
// are named). The returned cancel func must be called to release the
// subscription; the channel is closed by cancel or by Close.
func (b *Bus) Subscribe(topics ...string) (<-chan Notification, func()) {
	sub := &subscriber{ch: make(chan Notification, b.bufSize)}
	if len(topics) > 0 {
		sub.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers n to every matching subscriber, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(n Notification) {
	if n.TS.IsZero() {
		n.TS = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(n.Topic) {
			continue
		}
		select {
		case sub.ch <- n:
		default:
		}
	}
}

// Close closes every subscriber channel and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
