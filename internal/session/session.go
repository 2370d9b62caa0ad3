/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package session holds the playback state of one attached player.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/friendsincode/storeplay/internal/playback"
	"github.com/friendsincode/storeplay/internal/telemetry"
)

// DefaultVolume is applied to new sessions.
const DefaultVolume = 0.7

// ErrInvalidTransition is returned for a state change the machine does not allow.
var ErrInvalidTransition = errors.New("invalid session transition")

// State is the playback state of a session.
type State int

const (
	Idle State = iota
	Loaded
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loaded:
		return "loaded"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	Idle:    {Loaded},
	Loaded:  {Idle, Playing},
	Playing: {Idle, Loaded, Paused},
	Paused:  {Idle, Loaded, Playing},
}

func canTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// View is a copy of the session state for callers outside the control loop.
type View struct {
	StoreID    string  `json:"store_id"`
	StyleID    string  `json:"style_id,omitempty"`
	MixURL     string  `json:"mix_url,omitempty"`
	State      string  `json:"state"`
	IsPlaying  bool    `json:"is_playing"`
	Volume     float64 `json:"volume"`
	Progress   float64 `json:"progress"`
	AutoMode   bool    `json:"auto_mode"`
	Generation uint64  `json:"generation"`
}

// Session is the state machine for one player. It is owned by a single
// control loop and is not safe for concurrent use.
type Session struct {
	storeID string
	sink    playback.Sink
	logger  zerolog.Logger

	state    State
	styleID  string
	mixURL   string
	volume   float64
	progress float64
	autoMode bool

	// generation identifies the current binding. Notifications carrying
	// another value belong to a superseded load.
	generation uint64
	// boundStyleID is the style whose mix the device holds. SetStyle may
	// stage another identity without rebinding.
	boundStyleID string
	loading    bool
	// seekTo is applied once the device confirms the load.
	seekTo        float64
	playWhenReady bool
}

// New creates an idle session bound to sink.
func New(storeID string, sink playback.Sink, logger zerolog.Logger) *Session {
	return &Session{
		storeID: storeID,
		sink:    sink,
		logger:  logger.With().Str("component", "session").Str("store_id", storeID).Logger(),
		state:   Idle,
		volume:  DefaultVolume,
	}
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// StyleID returns the style the session is bound to.
func (s *Session) StyleID() string { return s.styleID }

// MixURL returns the source the session is bound to.
func (s *Session) MixURL() string { return s.mixURL }

// IsPlaying reports whether playback is running.
func (s *Session) IsPlaying() bool { return s.state == Playing }

// Volume returns the current volume in [0, 1].
func (s *Session) Volume() float64 { return s.volume }

// Progress returns the last known position in whole seconds.
func (s *Session) Progress() float64 { return s.progress }

// AutoMode reports whether the schedule drives style changes.
func (s *Session) AutoMode() bool { return s.autoMode }

// BoundStyleID returns the style of the current binding, empty when nothing
// is bound.
func (s *Session) BoundStyleID() string { return s.boundStyleID }

// Generation returns the current binding generation.
func (s *Session) Generation() uint64 { return s.generation }

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() View {
	return View{
		StoreID:    s.storeID,
		StyleID:    s.styleID,
		MixURL:     s.mixURL,
		State:      s.state.String(),
		IsPlaying:  s.state == Playing,
		Volume:     s.volume,
		Progress:   s.progress,
		AutoMode:   s.autoMode,
		Generation: s.generation,
	}
}

func (s *Session) setState(to State) error {
	from := s.state
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from != to {
		s.state = to
		telemetry.SessionTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
		s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("session state changed")
	}
	return nil
}

// InitPlayer binds the player to mixURL with looping enabled and applies the
// volume. The seek to startPosition is deferred until the device reports the
// source loaded. Any previous binding is torn down first.
func (s *Session) InitPlayer(ctx context.Context, mixURL string, startPosition, volume float64) error {
	s.teardown(ctx)

	if mixURL == "" {
		s.mixURL = ""
		return playback.Misconfigured("mix_url", "style has no mix source")
	}

	s.mixURL = mixURL
	s.volume = clamp(volume)
	s.progress = floorSeconds(startPosition)
	return s.bind(ctx, s.progress, false)
}

// bind issues a load for the current mixURL under a new generation.
func (s *Session) bind(ctx context.Context, seekTo float64, playWhenReady bool) error {
	s.generation++
	s.boundStyleID = s.styleID
	s.loading = true
	s.seekTo = seekTo
	s.playWhenReady = playWhenReady

	req := playback.LoadRequest{URL: s.mixURL, Generation: s.generation, Loop: true}
	if err := s.sink.Load(ctx, req); err != nil {
		return s.sinkFailed("load", err)
	}
	if err := s.sink.SetVolume(ctx, s.volume); err != nil {
		s.logger.Warn().Err(err).Msg("set volume after load failed")
	}
	return s.setState(Loaded)
}

// teardown drops the current binding. Notifications for it become stale.
func (s *Session) teardown(ctx context.Context) {
	if s.state == Idle && !s.loading {
		return
	}
	if s.state == Playing {
		if err := s.sink.Pause(ctx); err != nil {
			s.logger.Debug().Err(err).Msg("pause before teardown failed")
		}
	}
	if err := s.sink.Detach(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("detach failed")
	}
	s.generation++
	s.boundStyleID = ""
	s.loading = false
	s.seekTo = 0
	s.playWhenReady = false
	s.state = Idle
}

// TogglePlay flips between playing and paused. Without a mix source it does
// nothing. When the device holds a different source than the session it is
// re-bound and resumed from the last known progress.
func (s *Session) TogglePlay(ctx context.Context) error {
	if s.mixURL == "" {
		return nil
	}

	if s.loading {
		s.playWhenReady = !s.playWhenReady
		return nil
	}

	if s.state == Idle || s.sink.Source() != s.mixURL {
		s.logger.Info().
			Str("device_source", s.sink.Source()).
			Float64("resume_at", s.progress).
			Msg("player source out of sync, rebinding")
		return s.bind(ctx, s.progress, true)
	}

	if s.state == Playing {
		if err := s.sink.Pause(ctx); err != nil {
			return s.sinkFailed("pause", err)
		}
		return s.setState(Paused)
	}
	if err := s.sink.Play(ctx); err != nil {
		return s.sinkFailed("play", err)
	}
	return s.setState(Playing)
}

// Play starts playback if it is not already running.
func (s *Session) Play(ctx context.Context) error {
	if s.state == Playing || (s.loading && s.playWhenReady) {
		return nil
	}
	return s.TogglePlay(ctx)
}

// SetVolume clamps v to [0, 1] and applies it. It never fails; device errors
// are logged.
func (s *Session) SetVolume(ctx context.Context, v float64) float64 {
	s.volume = clamp(v)
	if s.state != Idle || s.loading {
		if err := s.sink.SetVolume(ctx, s.volume); err != nil {
			telemetry.SinkErrorsTotal.WithLabelValues("volume").Inc()
			s.logger.Warn().Err(err).Msg("set volume failed")
		}
	}
	return s.volume
}

// SetStyle records the style identity without touching playback.
func (s *Session) SetStyle(styleID, mixURL string) {
	s.styleID = styleID
	s.mixURL = mixURL
}

// SetAutoMode toggles schedule-driven style changes.
func (s *Session) SetAutoMode(enabled bool) {
	s.autoMode = enabled
}

// SetProgress overrides the known position.
func (s *Session) SetProgress(seconds float64) {
	s.progress = floorSeconds(seconds)
}

// Seek moves the device and the session progress together. While a load is
// in flight the seek replaces the pending one.
func (s *Session) Seek(ctx context.Context, seconds float64) error {
	if s.mixURL == "" {
		return nil
	}
	target := floorSeconds(seconds)
	if s.loading || s.state == Idle {
		s.seekTo = target
		s.progress = target
		return nil
	}
	if err := s.sink.Seek(ctx, target); err != nil {
		return s.sinkFailed("seek", err)
	}
	s.progress = target
	return nil
}

// Stop pauses, detaches the source and resets progress. The style identity
// is kept so a later TogglePlay can bind it again.
func (s *Session) Stop(ctx context.Context) error {
	if s.state == Idle && !s.loading {
		s.progress = 0
		return nil
	}
	s.teardown(ctx)
	s.progress = 0
	return nil
}

// Handle applies a device notification. Notifications from a superseded
// binding return playback.ErrStaleNotification and change nothing.
func (s *Session) Handle(ctx context.Context, n playback.Notification) error {
	if n.Generation != s.generation {
		telemetry.StaleNotificationsTotal.Inc()
		return playback.ErrStaleNotification
	}

	switch n.Kind {
	case playback.NotifyLoaded:
		if !s.loading {
			return nil
		}
		s.loading = false
		if s.seekTo > 0 {
			if err := s.sink.Seek(ctx, s.seekTo); err != nil {
				return s.sinkFailed("seek", err)
			}
			s.progress = s.seekTo
		}
		s.seekTo = 0
		if s.playWhenReady {
			s.playWhenReady = false
			if err := s.sink.Play(ctx); err != nil {
				return s.sinkFailed("play", err)
			}
			return s.setState(Playing)
		}
		return nil

	case playback.NotifyPlay:
		if s.state == Idle || s.loading {
			return nil
		}
		return s.setState(Playing)

	case playback.NotifyPause:
		if s.state != Playing {
			return nil
		}
		return s.setState(Paused)

	case playback.NotifyPosition:
		// Positions reported before the seek lands would rewind progress.
		if s.loading {
			return nil
		}
		s.progress = floorSeconds(n.Seconds)
		return nil

	case playback.NotifyUnloaded:
		if s.state == Idle {
			return nil
		}
		s.loading = false
		return s.setState(Loaded)

	case playback.NotifyError:
		msg := n.Error
		if msg == "" {
			msg = "device reported an error"
		}
		return s.sinkFailed("device", errors.New(msg))
	}
	return nil
}

// sinkFailed moves the session back to a stable state and reports the
// failure. Nothing is retried.
func (s *Session) sinkFailed(op string, err error) error {
	telemetry.SinkErrorsTotal.WithLabelValues(op).Inc()
	s.loading = false
	s.playWhenReady = false
	s.seekTo = 0

	to := Idle
	if s.mixURL != "" {
		to = Loaded
	}
	if s.state != to {
		telemetry.SessionTransitionsTotal.WithLabelValues(s.state.String(), to.String()).Inc()
		s.state = to
	}
	s.logger.Warn().Err(err).Str("op", op).Msg("sink failure")

	if errors.Is(err, playback.ErrSinkUnavailable) {
		return err
	}
	return playback.SinkFailure(op, err)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func floorSeconds(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Floor(v)
}
