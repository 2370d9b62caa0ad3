/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/friendsincode/storeplay/internal/playback"
	"github.com/friendsincode/storeplay/internal/playback/playbacktest"
)

const jazzURL = "https://cdn.example.com/jazz.mp3"

func newTestSession(t *testing.T) (*Session, *playbacktest.Recorder) {
	t.Helper()
	rec := playbacktest.NewRecorder()
	t.Cleanup(func() { _ = rec.Close() })
	return New("store1", rec, zerolog.Nop()), rec
}

func TestNewSessionDefaults(t *testing.T) {
	s, _ := newTestSession(t)
	want := View{StoreID: "store1", State: "idle", Volume: DefaultVolume}
	if diff := cmp.Diff(want, s.Snapshot()); diff != "" {
		t.Fatalf("defaults (-want +got):\n%s", diff)
	}
}

func TestInitPlayerWithoutSourceStaysIdle(t *testing.T) {
	s, rec := newTestSession(t)
	err := s.InitPlayer(context.Background(), "", 30, 0.5)
	if !errors.Is(err, playback.ErrConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
	if s.State() != Idle {
		t.Fatalf("state = %s", s.State())
	}
	if len(rec.Calls()) != 0 {
		t.Fatalf("sink touched: %v", rec.Ops())
	}
}

func TestInitPlayerDefersSeekUntilLoaded(t *testing.T) {
	s, rec := newTestSession(t)
	ctx := context.Background()

	if err := s.InitPlayer(ctx, jazzURL, 120.7, 0.4); err != nil {
		t.Fatalf("init: %v", err)
	}
	if s.State() != Loaded || s.Progress() != 120 {
		t.Fatalf("state=%s progress=%v", s.State(), s.Progress())
	}
	load, ok := rec.Last(playback.CmdLoad)
	if !ok || load.URL != jazzURL || load.Generation != s.Generation() {
		t.Fatalf("load call = %+v", load)
	}
	if _, seeked := rec.Last(playback.CmdSeek); seeked {
		t.Fatal("seek issued before the source loaded")
	}

	if err := s.Handle(ctx, rec.Confirm()); err != nil {
		t.Fatalf("handle loaded: %v", err)
	}
	seek, ok := rec.Last(playback.CmdSeek)
	if !ok || seek.Seconds != 120 {
		t.Fatalf("seek = %+v ok=%v", seek, ok)
	}
	if s.IsPlaying() {
		t.Fatal("InitPlayer must not start playback")
	}
}

func TestInitPlayerAtZeroSkipsSeek(t *testing.T) {
	s, rec := newTestSession(t)
	ctx := context.Background()
	_ = s.InitPlayer(ctx, jazzURL, 0, 0.7)
	_ = s.Handle(ctx, rec.Confirm())
	if _, seeked := rec.Last(playback.CmdSeek); seeked {
		t.Fatal("seek to 0 should not be sent")
	}
}

func TestNewLoadCancelsPendingSeek(t *testing.T) {
	s, rec := newTestSession(t)
	ctx := context.Background()

	_ = s.InitPlayer(ctx, jazzURL, 300, 0.7)
	staleGen := s.Generation()
	_ = s.InitPlayer(ctx, "https://cdn.example.com/pop.mp3", 0, 0.7)

	err := s.Handle(ctx, playback.Notification{Kind: playback.NotifyLoaded, Generation: staleGen})
	if !errors.Is(err, playback.ErrStaleNotification) {
		t.Fatalf("stale loaded: %v", err)
	}
	if err := s.Handle(ctx, rec.Confirm()); err != nil {
		t.Fatalf("loaded: %v", err)
	}
	if _, seeked := rec.Last(playback.CmdSeek); seeked {
		t.Fatal("the cancelled seek to 300 was applied")
	}
}

func TestTogglePlay(t *testing.T) {
	s, rec := newTestSession(t)
	ctx := context.Background()

	if err := s.TogglePlay(ctx); err != nil || len(rec.Calls()) != 0 {
		t.Fatalf("toggle without source: err=%v calls=%v", err, rec.Ops())
	}

	_ = s.InitPlayer(ctx, jazzURL, 0, 0.7)
	_ = s.Handle(ctx, rec.Confirm())

	if err := s.TogglePlay(ctx); err != nil {
		t.Fatalf("play: %v", err)
	}
	if s.State() != Playing {
		t.Fatalf("state = %s", s.State())
	}
	if err := s.TogglePlay(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if s.State() != Paused {
		t.Fatalf("state = %s", s.State())
	}
}

func TestTogglePlayWhileLoadingPlaysAfterSeek(t *testing.T) {
	s, rec := newTestSession(t)
	ctx := context.Background()

	_ = s.InitPlayer(ctx, jazzURL, 60, 0.7)
	if err := s.TogglePlay(ctx); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if _, played := rec.Last(playback.CmdPlay); played {
		t.Fatal("played before load completed")
	}

	rec.Reset()
	_ = s.Handle(ctx, rec.Confirm())
	if diff := cmp.Diff([]string{playback.CmdSeek, playback.CmdPlay}, rec.Ops()); diff != "" {
		t.Fatalf("ops after load (-want +got):\n%s", diff)
	}
	if !s.IsPlaying() {
		t.Fatal("not playing after load")
	}
}

func TestTogglePlaySelfHealsFromLastProgress(t *testing.T) {
	s, rec := newTestSession(t)
	ctx := context.Background()

	_ = s.InitPlayer(ctx, jazzURL, 0, 0.7)
	_ = s.Handle(ctx, rec.Confirm())
	_ = s.TogglePlay(ctx)
	_ = s.Handle(ctx, playback.Notification{Kind: playback.NotifyPosition, Generation: s.Generation(), Seconds: 87.9})
	_ = s.TogglePlay(ctx) // pause

	// The device lost its source behind our back.
	rec.SetSource("")
	rec.Reset()

	if err := s.TogglePlay(ctx); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	load, ok := rec.Last(playback.CmdLoad)
	if !ok || load.URL != jazzURL {
		t.Fatalf("no rebind: %v", rec.Ops())
	}
	if _, played := rec.Last(playback.CmdPlay); played {
		t.Fatal("play issued before the resume seek")
	}

	rec.Reset()
	_ = s.Handle(ctx, rec.Confirm())
	calls := rec.Calls()
	if len(calls) != 2 || calls[0].Op != playback.CmdSeek || calls[0].Seconds != 87 || calls[1].Op != playback.CmdPlay {
		t.Fatalf("calls after rebind = %+v", calls)
	}
	if !s.IsPlaying() || s.Progress() != 87 {
		t.Fatalf("state=%s progress=%v", s.State(), s.Progress())
	}
}

func TestSetVolumeClamps(t *testing.T) {
	s, rec := newTestSession(t)
	ctx := context.Background()
	_ = s.InitPlayer(ctx, jazzURL, 0, 0.7)

	tests := []struct{ in, want float64 }{
		{1.7, 1},
		{-0.2, 0},
		{0.35, 0.35},
	}
	for _, tt := range tests {
		if got := s.SetVolume(ctx, tt.in); got != tt.want {
			t.Errorf("SetVolume(%v) = %v", tt.in, got)
		}
		if call, _ := rec.Last(playback.CmdVolume); call.Volume != tt.want {
			t.Errorf("device volume = %v, want %v", call.Volume, tt.want)
		}
	}

	rec.FailOn(playback.CmdVolume, errors.New("offline"))
	if got := s.SetVolume(ctx, 0.9); got != 0.9 || s.Volume() != 0.9 {
		t.Fatalf("volume with failing device = %v", got)
	}
}

func TestInitPlayerClampsVolume(t *testing.T) {
	s, _ := newTestSession(t)
	_ = s.InitPlayer(context.Background(), jazzURL, 0, 4)
	if s.Volume() != 1 {
		t.Fatalf("volume = %v", s.Volume())
	}
}

func TestSeekUpdatesProgressAndDevice(t *testing.T) {
	s, rec := newTestSession(t)
	ctx := context.Background()
	_ = s.InitPlayer(ctx, jazzURL, 0, 0.7)
	_ = s.Handle(ctx, rec.Confirm())

	if err := s.Seek(ctx, 42.8); err != nil {
		t.Fatalf("seek: %v", err)
	}
	call, _ := rec.Last(playback.CmdSeek)
	if call.Seconds != 42 || s.Progress() != 42 {
		t.Fatalf("device=%v session=%v", call.Seconds, s.Progress())
	}
}

func TestPositionNotificationsLastWriteWins(t *testing.T) {
	s, rec := newTestSession(t)
	ctx := context.Background()
	_ = s.InitPlayer(ctx, jazzURL, 10, 0.7)

	// Ignored until the source is loaded.
	_ = s.Handle(ctx, playback.Notification{Kind: playback.NotifyPosition, Generation: s.Generation(), Seconds: 0})
	if s.Progress() != 10 {
		t.Fatalf("progress rewound before load: %v", s.Progress())
	}
	_ = s.Handle(ctx, rec.Confirm())
	for _, sec := range []float64{11, 15.5, 13} {
		_ = s.Handle(ctx, playback.Notification{Kind: playback.NotifyPosition, Generation: s.Generation(), Seconds: sec})
	}
	if s.Progress() != 13 {
		t.Fatalf("progress = %v", s.Progress())
	}
}

func TestStopResetsButKeepsStyle(t *testing.T) {
	s, rec := newTestSession(t)
	ctx := context.Background()

	s.SetStyle("jazz", jazzURL)
	_ = s.InitPlayer(ctx, jazzURL, 50, 0.7)
	_ = s.Handle(ctx, rec.Confirm())
	_ = s.TogglePlay(ctx)
	gen := s.Generation()

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.State() != Idle || s.Progress() != 0 || s.StyleID() != "jazz" || s.MixURL() != jazzURL {
		t.Fatalf("after stop: %+v", s.Snapshot())
	}
	if s.Generation() == gen {
		t.Fatal("stop must invalidate in-flight notifications")
	}
	ops := rec.Ops()
	if ops[len(ops)-2] != playback.CmdPause || ops[len(ops)-1] != playback.CmdDetach {
		t.Fatalf("ops = %v", ops)
	}

	// A late position from the old binding is ignored.
	err := s.Handle(ctx, playback.Notification{Kind: playback.NotifyPosition, Generation: gen, Seconds: 99})
	if !errors.Is(err, playback.ErrStaleNotification) || s.Progress() != 0 {
		t.Fatalf("stale position applied: err=%v progress=%v", err, s.Progress())
	}

	// Toggling again binds the kept source.
	rec.Reset()
	if err := s.TogglePlay(ctx); err != nil {
		t.Fatalf("toggle after stop: %v", err)
	}
	if load, ok := rec.Last(playback.CmdLoad); !ok || load.URL != jazzURL {
		t.Fatalf("no rebind after stop: %v", rec.Ops())
	}
}

func TestSinkFailureFallsBackToLoaded(t *testing.T) {
	s, rec := newTestSession(t)
	ctx := context.Background()
	_ = s.InitPlayer(ctx, jazzURL, 0, 0.7)
	_ = s.Handle(ctx, rec.Confirm())

	rec.FailOn(playback.CmdPlay, errors.New("speaker unplugged"))
	err := s.TogglePlay(ctx)
	if !errors.Is(err, playback.ErrSinkUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if s.State() != Loaded {
		t.Fatalf("state = %s, want loaded", s.State())
	}

	// A device error notification also lands in Loaded.
	rec.FailOn(playback.CmdPlay, nil)
	_ = s.TogglePlay(ctx)
	err = s.Handle(ctx, playback.Notification{Kind: playback.NotifyError, Generation: s.Generation(), Error: "decoder crashed"})
	if !errors.Is(err, playback.ErrSinkUnavailable) || s.State() != Loaded {
		t.Fatalf("err=%v state=%s", err, s.State())
	}
}

func TestSinkFailureOnLoad(t *testing.T) {
	s, rec := newTestSession(t)
	rec.FailOn(playback.CmdLoad, errors.New("unreachable"))

	err := s.InitPlayer(context.Background(), jazzURL, 0, 0.7)
	if !errors.Is(err, playback.ErrSinkUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if s.State() != Loaded {
		t.Fatalf("state = %s", s.State())
	}
}

func TestDeviceButtonsUpdateState(t *testing.T) {
	s, rec := newTestSession(t)
	ctx := context.Background()
	_ = s.InitPlayer(ctx, jazzURL, 0, 0.7)
	_ = s.Handle(ctx, rec.Confirm())

	_ = s.Handle(ctx, playback.Notification{Kind: playback.NotifyPlay, Generation: s.Generation()})
	if s.State() != Playing {
		t.Fatalf("state = %s", s.State())
	}
	_ = s.Handle(ctx, playback.Notification{Kind: playback.NotifyPause, Generation: s.Generation()})
	if s.State() != Paused {
		t.Fatalf("state = %s", s.State())
	}
	_ = s.Handle(ctx, playback.Notification{Kind: playback.NotifyUnloaded, Generation: s.Generation()})
	if s.State() != Loaded {
		t.Fatalf("state = %s", s.State())
	}
}

func TestTransitionsTable(t *testing.T) {
	if canTransition(Idle, Playing) {
		t.Error("idle -> playing allowed")
	}
	if !canTransition(Paused, Playing) || !canTransition(Playing, Playing) {
		t.Error("expected transitions rejected")
	}
	s, _ := newTestSession(t)
	if err := s.setState(Paused); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v", err)
	}
}

func TestAutoModeAndStyleIdentity(t *testing.T) {
	s, rec := newTestSession(t)
	s.SetAutoMode(true)
	s.SetStyle("pop", "https://cdn.example.com/pop.mp3")
	if !s.AutoMode() || s.StyleID() != "pop" || s.State() != Idle {
		t.Fatalf("snapshot = %+v", s.Snapshot())
	}
	if len(rec.Calls()) != 0 {
		t.Fatal("SetStyle touched the device")
	}
	s.SetProgress(-3)
	if s.Progress() != 0 {
		t.Fatal("negative progress accepted")
	}
}

func TestBoundStyleFollowsLoads(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	s.SetStyle("jazz", jazzURL)
	if err := s.InitPlayer(ctx, jazzURL, 0, 0.5); err != nil {
		t.Fatalf("init: %v", err)
	}
	s.SetStyle("pop", "https://cdn.example.com/pop.mp3")
	if s.BoundStyleID() != "jazz" {
		t.Fatalf("bound = %q after staging, want jazz", s.BoundStyleID())
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.BoundStyleID() != "" {
		t.Fatalf("bound = %q after stop", s.BoundStyleID())
	}
}
