/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendsincode/storeplay/internal/events"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu      sync.Mutex
	out     []published
	handler nats.MsgHandler
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, published{subject: subject, data: data})
	return nil
}

func (f *fakeConn) Subscribe(_ string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	f.handler = cb
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeConn) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.out...)
}

func (f *fakeConn) deliver(data []byte) {
	f.mu.Lock()
	cb := f.handler
	f.mu.Unlock()
	cb(&nats.Msg{Data: data})
}

func startBridge(t *testing.T, nc *fakeConn, bus *events.Bus, types ...events.EventType) *Bridge {
	t.Helper()
	b := NewBridge(nc, bus, NATSConfig{SubjectPrefix: "storeplay.events.", NodeID: "node-a"}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, types...) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	require.Eventually(t, func() bool {
		nc.mu.Lock()
		defer nc.mu.Unlock()
		return nc.handler != nil
	}, time.Second, 5*time.Millisecond)
	return b
}

func TestBridgeForwardsLocalEvents(t *testing.T) {
	nc := &fakeConn{}
	bus := events.NewBus()
	b := startBridge(t, nc, bus, events.EventRulesChanged)
	assert.Equal(t, "storeplay.events.rules.changed", b.Subject(events.EventRulesChanged))

	// Give the forwarder time to subscribe before publishing.
	require.Eventually(t, func() bool {
		bus.Publish(events.EventRulesChanged, events.Payload{"store_id": "store1"})
		return len(nc.sent()) > 0
	}, time.Second, 10*time.Millisecond)

	out := nc.sent()[0]
	assert.Equal(t, "storeplay.events.rules.changed", out.subject)
	var msg message
	require.NoError(t, json.Unmarshal(out.data, &msg))
	assert.Equal(t, "node-a", msg.NodeID)
	assert.Equal(t, events.EventRulesChanged, msg.EventType)
	assert.Equal(t, "store1", msg.Payload["store_id"])
	assert.NotEmpty(t, msg.MessageID)
}

func TestBridgeRepublishesRemoteEventsWithOrigin(t *testing.T) {
	nc := &fakeConn{}
	bus := events.NewBus()
	local := bus.Subscribe(events.EventStylesChanged)
	startBridge(t, nc, bus, events.EventStylesChanged)

	data, err := json.Marshal(message{EventType: events.EventStylesChanged, NodeID: "node-b", Payload: events.Payload{"style_id": "jazz"}})
	require.NoError(t, err)
	nc.deliver(data)

	select {
	case payload := <-local:
		assert.True(t, payload.Remote())
		assert.Equal(t, "node-b", payload[events.OriginKey])
		assert.Equal(t, "jazz", payload["style_id"])
	case <-time.After(time.Second):
		t.Fatal("remote event not republished")
	}

	// Relayed events are not sent back out.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, nc.sent())
}

func TestBridgeDropsOwnAndInvalidMessages(t *testing.T) {
	nc := &fakeConn{}
	bus := events.NewBus()
	local := bus.Subscribe(events.EventRulesChanged)
	startBridge(t, nc, bus)

	own, err := json.Marshal(message{EventType: events.EventRulesChanged, NodeID: "node-a"})
	require.NoError(t, err)
	nc.deliver(own)
	nc.deliver([]byte("not json"))
	nc.deliver([]byte(`{"node_id":"node-b"}`))

	select {
	case payload := <-local:
		t.Fatalf("unexpected event %v", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewBridgeDefaults(t *testing.T) {
	b := NewBridge(&fakeConn{}, events.NewBus(), NATSConfig{}, zerolog.Nop())
	assert.NotEmpty(t, b.NodeID())
	assert.Equal(t, "storeplay.events.session.state", b.Subject(events.EventSessionState))
}
