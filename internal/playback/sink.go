/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playback defines the boundary between the session engine and the
// audio device that actually renders a mix.
package playback

import "context"

// LoadRequest binds a source to the sink. Generation is echoed back on every
// notification produced for this load.
type LoadRequest struct {
	URL        string
	Generation uint64
	Loop       bool
}

// Sink is a remote or local audio output. All calls are requests: they return
// once the command is accepted and report completion through Notifications.
type Sink interface {
	Load(ctx context.Context, req LoadRequest) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Seek(ctx context.Context, seconds float64) error
	SetVolume(ctx context.Context, volume float64) error
	Detach(ctx context.Context) error

	// Source returns the source the device last reported as loaded, or ""
	// when the device has been reset.
	Source() string

	Notifications() <-chan Notification
	Close() error
}

// NotificationKind enumerates device events.
type NotificationKind string

const (
	NotifyLoaded   NotificationKind = "loaded"
	NotifyPlay     NotificationKind = "play"
	NotifyPause    NotificationKind = "pause"
	NotifyPosition NotificationKind = "position"
	NotifyUnloaded NotificationKind = "unloaded"
	NotifyError    NotificationKind = "error"
)

// Notification is one event emitted by a sink.
type Notification struct {
	Kind       NotificationKind `json:"event"`
	Generation uint64           `json:"gen"`
	Seconds    float64          `json:"seconds,omitempty"`
	Source     string           `json:"source,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Command is the wire form of a sink request shared by the device transports.
type Command struct {
	Cmd        string  `json:"cmd"`
	Generation uint64  `json:"gen,omitempty"`
	URL        string  `json:"url,omitempty"`
	Loop       bool    `json:"loop,omitempty"`
	Seconds    float64 `json:"seconds"`
	Volume     float64 `json:"volume"`
}

// Command names.
const (
	CmdLoad   = "load"
	CmdPlay   = "play"
	CmdPause  = "pause"
	CmdSeek   = "seek"
	CmdVolume = "volume"
	CmdDetach = "detach"
)
