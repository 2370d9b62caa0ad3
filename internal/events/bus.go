/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventStyleChanged   EventType = "style.changed"
	EventSessionState   EventType = "session.state"
	EventSessionError   EventType = "session.error"
	EventPlayerAttached EventType = "player.attached"
	EventPlayerDetached EventType = "player.detached"

	// Catalog changes, also used for snapshot and cache invalidation.
	EventRulesChanged  EventType = "rules.changed"
	EventStylesChanged EventType = "styles.changed"
	EventStoresChanged EventType = "stores.changed"
)

// OriginKey marks payloads that arrived from another node.
const OriginKey = "origin"

// Payload generic event payload.
type Payload map[string]any

// Remote reports whether the payload was relayed from another node.
func (p Payload) Remote() bool {
	origin, _ := p[OriginKey].(string)
	return origin != ""
}

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 16)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Slow subscribers miss events.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	b.subs[eventType] = subs
}
