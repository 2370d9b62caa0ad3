/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/storeplay/internal/playback"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient implements the parts of mqtt.Client the sink uses.
type fakeClient struct {
	mqtt.Client

	mu         sync.Mutex
	msgs       []published
	publishErr error
	connected  bool
}

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}
	c.msgs = append(c.msgs, published{topic: topic, retained: retained, payload: data})
	return newFakeToken(c.publishErr)
}

func (c *fakeClient) commands(t *testing.T) []playback.Command {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []playback.Command
	for _, m := range c.msgs {
		var cmd playback.Command
		require.NoError(t, json.Unmarshal(m.payload, &cmd))
		out = append(out, cmd)
	}
	return out
}

type fakeAttacher struct {
	mu       sync.Mutex
	attached map[string]playback.Sink
	fail     error
}

func (a *fakeAttacher) Attach(_ context.Context, storeID string, s playback.Sink) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return a.fail
	}
	a.attached[storeID] = s
	return nil
}

func (a *fakeAttacher) Detach(storeID string, s playback.Sink) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.attached[storeID] != s {
		return false
	}
	delete(a.attached, storeID)
	return true
}

func (a *fakeAttacher) get(storeID string) playback.Sink {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attached[storeID]
}

func TestParsePlayerTopic(t *testing.T) {
	tests := []struct {
		topic string
		store string
		kind  string
		ok    bool
	}{
		{"storeplay/players/s1/events", "s1", "events", true},
		{"storeplay/players/s1/status", "s1", "status", true},
		{"storeplay/players//events", "", "", false},
		{"storeplay/players/s1", "", "", false},
		{"other/players/s1/events", "", "", false},
		{"storeplay/players/s1/events/extra", "", "", false},
	}
	for _, tt := range tests {
		store, kind, ok := parsePlayerTopic("storeplay", tt.topic)
		assert.Equal(t, tt.ok, ok, tt.topic)
		assert.Equal(t, tt.store, store, tt.topic)
		assert.Equal(t, tt.kind, kind, tt.topic)
	}
	assert.Equal(t, "p/players/s1/commands", CommandTopic("p", "s1"))
}

func TestTrackerFollowsLoadedSource(t *testing.T) {
	tr := newTracker()
	tr.loading(1, "https://a")
	tr.loading(2, "https://b")

	require.True(t, tr.deliver(playback.Notification{Kind: playback.NotifyLoaded, Generation: 2}))
	n := <-tr.notes
	assert.Equal(t, "https://b", n.Source)
	assert.Equal(t, "https://b", tr.current())

	tr.deliver(playback.Notification{Kind: playback.NotifyUnloaded, Generation: 2})
	assert.Equal(t, "", tr.current())

	tr.close()
	assert.False(t, tr.deliver(playback.Notification{Kind: playback.NotifyPlay}))
}

func TestCommandFailuresCarryLoadGeneration(t *testing.T) {
	tr := newTracker()
	assert.Equal(t, uint64(0), tr.commandGeneration(playback.Command{Cmd: playback.CmdPlay}))

	tr.loading(7, "https://a")
	assert.Equal(t, uint64(7), tr.commandGeneration(playback.Command{Cmd: playback.CmdPlay}))
	assert.Equal(t, uint64(7), tr.commandGeneration(playback.Command{Cmd: playback.CmdSeek, Seconds: 12}))
	assert.Equal(t, uint64(8), tr.commandGeneration(playback.Command{Cmd: playback.CmdLoad, Generation: 8}))
}

func TestMQTTSinkPlayFailureUsesCurrentGeneration(t *testing.T) {
	client := &fakeClient{connected: true}
	s := NewMQTTSink(client, "storeplay", "s1", zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, s.Load(ctx, playback.LoadRequest{URL: "https://cdn/jazz.mp3", Generation: 5, Loop: true}))
	client.mu.Lock()
	client.publishErr = errors.New("broker refused")
	client.mu.Unlock()

	require.NoError(t, s.Play(ctx))
	select {
	case n := <-s.Notifications():
		assert.Equal(t, playback.NotifyError, n.Kind)
		assert.Equal(t, uint64(5), n.Generation)
	case <-time.After(time.Second):
		t.Fatal("no error notification")
	}
}

func TestDecodeNotificationRejectsUnknownEvents(t *testing.T) {
	_, err := decodeNotification([]byte(`{"event":"explode","gen":1}`))
	require.Error(t, err)

	n, err := decodeNotification([]byte(`{"event":"position","gen":3,"seconds":12.5}`))
	require.NoError(t, err)
	assert.Equal(t, playback.NotifyPosition, n.Kind)
	assert.Equal(t, uint64(3), n.Generation)
	assert.Equal(t, 12.5, n.Seconds)
}

func TestMQTTSinkPublishesCommands(t *testing.T) {
	client := &fakeClient{connected: true}
	s := NewMQTTSink(client, "storeplay", "s1", zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, s.Load(ctx, playback.LoadRequest{URL: "https://cdn/jazz.mp3", Generation: 4, Loop: true}))
	require.NoError(t, s.Seek(ctx, 0))
	require.NoError(t, s.SetVolume(ctx, 0))

	cmds := client.commands(t)
	require.Len(t, cmds, 3)
	assert.Equal(t, playback.Command{Cmd: "load", Generation: 4, URL: "https://cdn/jazz.mp3", Loop: true}, cmds[0])
	assert.Equal(t, "seek", cmds[1].Cmd)
	assert.Equal(t, "volume", cmds[2].Cmd)

	client.mu.Lock()
	assert.Equal(t, "storeplay/players/s1/commands", client.msgs[0].topic)
	assert.Contains(t, string(client.msgs[1].payload), `"seconds":0`)
	client.mu.Unlock()

	s.dispatch([]byte(`{"event":"loaded","gen":4}`))
	n := <-s.Notifications()
	assert.Equal(t, playback.NotifyLoaded, n.Kind)
	assert.Equal(t, "https://cdn/jazz.mp3", s.Source())
}

func TestMQTTSinkReportsPublishFailures(t *testing.T) {
	client := &fakeClient{connected: true, publishErr: errors.New("broker refused")}
	s := NewMQTTSink(client, "storeplay", "s1", zerolog.Nop())

	require.NoError(t, s.Load(context.Background(), playback.LoadRequest{URL: "u", Generation: 9}))
	select {
	case n := <-s.Notifications():
		assert.Equal(t, playback.NotifyError, n.Kind)
		assert.Equal(t, uint64(9), n.Generation)
		assert.Contains(t, n.Error, "broker refused")
	case <-time.After(time.Second):
		t.Fatal("no error notification")
	}

	client.mu.Lock()
	client.connected = false
	client.mu.Unlock()
	err := s.Play(context.Background())
	require.ErrorIs(t, err, playback.ErrSinkUnavailable)
}

func TestGatewayAttachesOnlinePlayers(t *testing.T) {
	attacher := &fakeAttacher{attached: make(map[string]playback.Sink)}
	g := NewMQTTGateway(MQTTConfig{TopicPrefix: "storeplay"}, attacher, zerolog.Nop())
	g.client = &fakeClient{connected: true}

	g.route("storeplay/players/s1/status", []byte(StatusOnline))
	s := attacher.get("s1")
	require.NotNil(t, s)
	assert.Equal(t, []string{"s1"}, g.Players())

	// Duplicate online is ignored.
	g.route("storeplay/players/s1/status", []byte(StatusOnline))
	assert.Same(t, s, attacher.get("s1"))

	g.route("storeplay/players/s1/events", []byte(`{"event":"play","gen":1}`))
	n := <-s.Notifications()
	assert.Equal(t, playback.NotifyPlay, n.Kind)

	g.route("storeplay/players/s1/status", []byte(StatusOffline))
	assert.Nil(t, attacher.get("s1"))
	_, open := <-s.Notifications()
	assert.False(t, open, "sink should be closed when the player goes offline")

	// Events for unknown players are dropped quietly.
	g.route("storeplay/players/s2/events", []byte(`{"event":"play","gen":1}`))
}

func TestGatewayAttachFailure(t *testing.T) {
	attacher := &fakeAttacher{attached: make(map[string]playback.Sink), fail: errors.New("unknown store")}
	g := NewMQTTGateway(MQTTConfig{}, attacher, zerolog.Nop())
	g.client = &fakeClient{connected: true}

	g.route("storeplay/players/ghost/status", []byte(StatusOnline))
	assert.Empty(t, g.Players())
}

func TestWSSinkRoundTrip(t *testing.T) {
	sinks := make(chan *WSSink, 1)
	runDone := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, nil)
		if err != nil {
			return
		}
		s := NewWSSink("s1", conn, zerolog.Nop())
		sinks <- s
		runDone <- s.Run(r.Context())
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.CloseNow()

	s := <-sinks
	require.NoError(t, s.Load(ctx, playback.LoadRequest{URL: "https://cdn/pop.mp3", Generation: 2, Loop: true}))

	_, data, err := client.Read(ctx)
	require.NoError(t, err)
	var cmd playback.Command
	require.NoError(t, json.Unmarshal(data, &cmd))
	assert.Equal(t, "load", cmd.Cmd)
	assert.Equal(t, uint64(2), cmd.Generation)
	assert.True(t, cmd.Loop)

	// Keep reading so the close handshake completes.
	go func() {
		for {
			if _, _, err := client.Read(ctx); err != nil {
				return
			}
		}
	}()

	require.NoError(t, client.Write(ctx, ws.MessageText, []byte(`{"event":"loaded","gen":2}`)))
	select {
	case n := <-s.Notifications():
		assert.Equal(t, playback.NotifyLoaded, n.Kind)
		assert.Equal(t, "https://cdn/pop.mp3", s.Source())
	case <-ctx.Done():
		t.Fatal("no loaded notification")
	}

	require.NoError(t, s.Close())
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Run did not return after Close")
	}
	_, open := <-s.Notifications()
	assert.False(t, open)
	require.ErrorIs(t, s.Play(ctx), playback.ErrSinkUnavailable)
}
