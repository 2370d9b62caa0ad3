/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playbacktest provides an in-memory playback.Sink for tests.
package playbacktest

import (
	"context"
	"sync"

	"github.com/friendsincode/storeplay/internal/playback"
)

// Call is one request received by the Recorder.
type Call struct {
	Op         string
	URL        string
	Generation uint64
	Seconds    float64
	Volume     float64
}

// Recorder records every sink request. The device side is driven by the
// test through Confirm and Emit.
type Recorder struct {
	mu      sync.Mutex
	calls   []Call
	source  string
	lastURL string
	lastGen uint64
	fail    map[string]error
	notes   chan playback.Notification
	closed  bool
}

// NewRecorder creates a recorder with a buffered notification channel.
func NewRecorder() *Recorder {
	return &Recorder{
		fail:  make(map[string]error),
		notes: make(chan playback.Notification, 64),
	}
}

func (r *Recorder) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[c.Op]; err != nil {
		return err
	}
	r.calls = append(r.calls, c)
	return nil
}

// Load records a load request.
func (r *Recorder) Load(_ context.Context, req playback.LoadRequest) error {
	if err := r.record(Call{Op: playback.CmdLoad, URL: req.URL, Generation: req.Generation}); err != nil {
		return err
	}
	r.mu.Lock()
	r.lastURL, r.lastGen = req.URL, req.Generation
	r.mu.Unlock()
	return nil
}

// Play records a play request.
func (r *Recorder) Play(context.Context) error { return r.record(Call{Op: playback.CmdPlay}) }

// Pause records a pause request.
func (r *Recorder) Pause(context.Context) error { return r.record(Call{Op: playback.CmdPause}) }

// Seek records a seek request.
func (r *Recorder) Seek(_ context.Context, seconds float64) error {
	return r.record(Call{Op: playback.CmdSeek, Seconds: seconds})
}

// SetVolume records a volume request.
func (r *Recorder) SetVolume(_ context.Context, v float64) error {
	return r.record(Call{Op: playback.CmdVolume, Volume: v})
}

// Detach records a detach and clears the device source.
func (r *Recorder) Detach(context.Context) error {
	if err := r.record(Call{Op: playback.CmdDetach}); err != nil {
		return err
	}
	r.mu.Lock()
	r.source = ""
	r.mu.Unlock()
	return nil
}

// Source returns the source the fake device holds.
func (r *Recorder) Source() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source
}

// Notifications returns the channel fed by Emit and Confirm.
func (r *Recorder) Notifications() <-chan playback.Notification { return r.notes }

// Close closes the notification channel.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.notes)
	}
	return nil
}

// FailOn makes every future call of op return err. A nil err clears it.
func (r *Recorder) FailOn(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, op)
		return
	}
	r.fail[op] = err
}

// SetSource simulates the device switching to another source on its own.
func (r *Recorder) SetSource(url string) {
	r.mu.Lock()
	r.source = url
	r.mu.Unlock()
}

// Confirm marks the last load as done and returns the matching notification
// without emitting it.
func (r *Recorder) Confirm() playback.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source = r.lastURL
	return playback.Notification{Kind: playback.NotifyLoaded, Generation: r.lastGen, Source: r.lastURL}
}

// Emit pushes a notification to the consumer.
func (r *Recorder) Emit(n playback.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.notes <- n
}

// LastGeneration returns the generation of the last load.
func (r *Recorder) LastGeneration() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastGen
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Ops returns the recorded operation names in order.
func (r *Recorder) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make([]string, len(r.calls))
	for i, c := range r.calls {
		ops[i] = c.Op
	}
	return ops
}

// Last returns the most recent call of op.
func (r *Recorder) Last(op string) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.calls) - 1; i >= 0; i-- {
		if r.calls[i].Op == op {
			return r.calls[i], true
		}
	}
	return Call{}, false
}

// Reset forgets recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

var _ playback.Sink = (*Recorder)(nil)
