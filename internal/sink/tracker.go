/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sink connects remote players to the session engine. Players speak
// a small JSON protocol over WebSocket or MQTT.
package sink

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/friendsincode/storeplay/internal/playback"
)

// notificationBuffer is the depth of each sink's notification channel.
const notificationBuffer = 64

// tracker remembers which source the device holds and owns the
// notification channel shared by all transports.
type tracker struct {
	mu      sync.Mutex
	source  string
	gen     uint64
	pending map[uint64]string
	notes   chan playback.Notification
	closed  bool
}

func newTracker() *tracker {
	return &tracker{
		pending: make(map[uint64]string),
		notes:   make(chan playback.Notification, notificationBuffer),
	}
}

func (t *tracker) loading(gen uint64, url string) {
	t.mu.Lock()
	t.pending[gen] = url
	t.gen = gen
	t.mu.Unlock()
}

// generation returns the generation of the latest load. Commands other than
// load carry none, so failures are reported against this one.
func (t *tracker) generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// commandGeneration is the generation a command failure belongs to.
func (t *tracker) commandGeneration(cmd playback.Command) uint64 {
	if cmd.Generation != 0 {
		return cmd.Generation
	}
	return t.generation()
}

func (t *tracker) detached() {
	t.mu.Lock()
	t.source = ""
	t.pending = make(map[uint64]string)
	t.mu.Unlock()
}

func (t *tracker) current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.source
}

// observe updates the tracked source from a device event.
func (t *tracker) observe(n *playback.Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch n.Kind {
	case playback.NotifyLoaded:
		src := n.Source
		if src == "" {
			src = t.pending[n.Generation]
			n.Source = src
		}
		t.source = src
		for gen := range t.pending {
			if gen <= n.Generation {
				delete(t.pending, gen)
			}
		}
	case playback.NotifyUnloaded:
		t.source = ""
	}
}

// deliver hands n to the consumer. It drops the event when the buffer is
// full and reports whether it was delivered.
func (t *tracker) deliver(n playback.Notification) bool {
	t.observe(&n)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	select {
	case t.notes <- n:
		return true
	default:
		return false
	}
}

func (t *tracker) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.notes)
	}
}

func (t *tracker) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func encodeCommand(cmd playback.Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s command: %w", cmd.Cmd, err)
	}
	return data, nil
}

func decodeNotification(data []byte) (playback.Notification, error) {
	var n playback.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return n, fmt.Errorf("decode notification: %w", err)
	}
	switch n.Kind {
	case playback.NotifyLoaded, playback.NotifyPlay, playback.NotifyPause,
		playback.NotifyPosition, playback.NotifyUnloaded, playback.NotifyError:
		return n, nil
	default:
		return n, fmt.Errorf("unknown event %q", n.Kind)
	}
}

func loadCommand(req playback.LoadRequest) playback.Command {
	return playback.Command{Cmd: playback.CmdLoad, Generation: req.Generation, URL: req.URL, Loop: req.Loop}
}
