/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playout runs one control loop per attached store player.
package playout

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/storeplay/internal/events"
	"github.com/friendsincode/storeplay/internal/models"
	"github.com/friendsincode/storeplay/internal/playback"
	"github.com/friendsincode/storeplay/internal/session"
	"github.com/friendsincode/storeplay/internal/telemetry"
)

// ErrDetached is returned by calls on a controller whose loop has ended.
var ErrDetached = errors.New("player detached")

// Scheduler resolves the active style from the in-memory snapshot.
type Scheduler interface {
	ResolveAt(storeID string, at time.Time) (string, bool)
	Style(styleID string) (models.Style, bool)
}

// Ledger records and serves playback progress.
type Ledger interface {
	RecordProgress(storeID, styleID string, position float64)
	GetResumePosition(ctx context.Context, storeID, styleID string) float64
	Preload(ctx context.Context, storeID string) error
	Deactivate(storeID, styleID string, position float64)
	Forget(storeID string)
}

// Catalog is the persistent store of styles, stores and play sessions.
type Catalog interface {
	GetStore(ctx context.Context, id string) (*models.Store, error)
	GetStyle(ctx context.Context, id string) (*models.Style, error)
	SetCurrentStyle(ctx context.Context, storeID, styleID string) error
	OpenPlaySession(ctx context.Context, storeID, styleID string) (*models.PlaySession, error)
	ClosePlaySession(ctx context.Context, id string, endedAt time.Time, seconds float64) error
}

// SourceResolver turns a stored mix reference into a playable URL.
type SourceResolver interface {
	Resolve(ctx context.Context, raw string) (string, error)
}

// Options tune controller behavior.
type Options struct {
	TickInterval  time.Duration
	DefaultVolume float64
	// AutoMode enables schedule-driven switching when a player attaches.
	AutoMode bool
	// Autoplay starts playback once the attach-time style is loaded.
	Autoplay bool
}

// Deps are the collaborators shared by all controllers.
type Deps struct {
	Schedule Scheduler
	Ledger   Ledger
	Catalog  Catalog
	Sources  SourceResolver
	Bus      *events.Bus
	Options  Options
	Logger   zerolog.Logger
	Now      func() time.Time
}

type command struct {
	fn    func(ctx context.Context) error
	reply chan error
}

// Controller owns the session of one store. Ticks, player notifications and
// API calls are all handled on its single goroutine.
type Controller struct {
	storeID string
	sink    playback.Sink
	deps    Deps
	logger  zerolog.Logger

	sess *session.Session
	cmds chan command
	done chan struct{}
	view atomic.Pointer[session.View]

	persist     chan func(context.Context)
	persistDone chan struct{}
	playSession *models.PlaySession
	psStarted   time.Time
}

func newController(storeID string, sink playback.Sink, deps Deps) *Controller {
	logger := deps.Logger.With().Str("component", "playout").Str("store_id", storeID).Logger()
	c := &Controller{
		storeID:     storeID,
		sink:        sink,
		deps:        deps,
		logger:      logger,
		sess:        session.New(storeID, sink, deps.Logger),
		cmds:        make(chan command),
		done:        make(chan struct{}),
		persist:     make(chan func(context.Context), 32),
		persistDone: make(chan struct{}),
	}
	if deps.Options.DefaultVolume > 0 {
		c.sess.SetVolume(context.Background(), deps.Options.DefaultVolume)
	}
	c.sess.SetAutoMode(deps.Options.AutoMode)
	v := c.sess.Snapshot()
	c.view.Store(&v)
	return c
}

// StoreID returns the store this controller drives.
func (c *Controller) StoreID() string { return c.storeID }

// Done is closed when the loop has ended.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Snapshot returns the latest published session state. Safe from any goroutine.
func (c *Controller) Snapshot() session.View {
	return *c.view.Load()
}

func (c *Controller) now() time.Time {
	if c.deps.Now != nil {
		return c.deps.Now()
	}
	return time.Now()
}

// Run drives the loop until ctx is cancelled or the player's notification
// stream ends.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	go c.persistLoop()
	defer c.shutdown()

	telemetry.SessionsActive.Inc()
	defer telemetry.SessionsActive.Dec()

	c.attach(ctx)

	interval := c.deps.Options.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	notes := c.sink.Notifications()
	c.logger.Info().Dur("tick", interval).Msg("control loop started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("control loop stopped")
			return nil

		case n, ok := <-notes:
			if !ok {
				c.logger.Info().Msg("player notification stream closed")
				return nil
			}
			c.handle(ctx, n)

		case <-ticker.C:
			c.tick(ctx)

		case cmd := <-c.cmds:
			err := cmd.fn(ctx)
			c.publishView()
			cmd.reply <- err
			continue
		}
		c.publishView()
	}
}

// Do runs fn on the control loop and waits for its result.
func (c *Controller) Do(ctx context.Context, fn func(s *session.Session) error) error {
	return c.exec(ctx, func(loopCtx context.Context) error {
		return fn(c.sess)
	})
}

func (c *Controller) exec(ctx context.Context, fn func(loopCtx context.Context) error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrDetached
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		return ErrDetached
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SelectStyle switches to styleID manually and turns auto mode off.
func (c *Controller) SelectStyle(ctx context.Context, styleID string) error {
	return c.exec(ctx, func(loopCtx context.Context) error {
		c.sess.SetAutoMode(false)
		return c.activate(loopCtx, styleID, "manual", false)
	})
}

// SetAutoMode toggles schedule-driven switching. Enabling it applies the
// schedule immediately.
func (c *Controller) SetAutoMode(ctx context.Context, enabled bool) error {
	return c.exec(ctx, func(loopCtx context.Context) error {
		c.sess.SetAutoMode(enabled)
		if enabled {
			c.tick(loopCtx)
		}
		return nil
	})
}

// InitStyle binds styleID at an explicit position without changing auto mode.
func (c *Controller) InitStyle(ctx context.Context, styleID string, start float64, volume float64) error {
	return c.exec(ctx, func(loopCtx context.Context) error {
		style, err := c.lookupStyle(loopCtx, styleID)
		if err != nil {
			return err
		}
		mixURL, err := c.deps.Sources.Resolve(loopCtx, style.MixURL)
		if err != nil {
			return err
		}
		c.switchBookkeeping(styleID)
		c.sess.SetStyle(styleID, mixURL)
		return c.sess.InitPlayer(loopCtx, mixURL, start, volume)
	})
}

// StageStyle records styleID as the session style without touching
// playback. An empty mixURL falls back to the style's own source.
func (c *Controller) StageStyle(ctx context.Context, styleID, mixURL string) error {
	return c.exec(ctx, func(loopCtx context.Context) error {
		style, err := c.lookupStyle(loopCtx, styleID)
		if err != nil {
			return err
		}
		if mixURL == "" {
			mixURL = style.MixURL
		}
		resolved, err := c.deps.Sources.Resolve(loopCtx, mixURL)
		if err != nil {
			return err
		}
		c.sess.SetStyle(styleID, resolved)
		return nil
	})
}

func (c *Controller) attach(ctx context.Context) {
	c.publish(events.EventPlayerAttached, events.Payload{"store_id": c.storeID})

	if err := c.deps.Ledger.Preload(ctx, c.storeID); err != nil {
		c.logger.Warn().Err(err).Msg("progress preload failed")
	}

	store, err := c.deps.Catalog.GetStore(ctx, c.storeID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("load store failed")
	} else if store.CurrentStyleID != nil && *store.CurrentStyleID != "" {
		if err := c.activate(ctx, *store.CurrentStyleID, "restore", c.deps.Options.Autoplay); err != nil {
			c.logger.Warn().Err(err).Str("style_id", *store.CurrentStyleID).Msg("restore last style failed")
		}
	}

	if c.sess.AutoMode() {
		c.tick(ctx)
		if c.deps.Options.Autoplay && !c.sess.IsPlaying() && c.sess.MixURL() != "" {
			if err := c.sess.Play(ctx); err != nil {
				c.reportSinkError(err)
			}
		}
	}
	c.publishView()
}

func (c *Controller) tick(ctx context.Context) {
	telemetry.ControlLoopTicksTotal.Inc()
	if !c.sess.AutoMode() {
		return
	}
	styleID, ok := c.deps.Schedule.ResolveAt(c.storeID, c.now())
	if !ok || styleID == c.sess.StyleID() {
		return
	}

	ctx, span := telemetry.StartStoreSpan(ctx, "playout.switch", c.storeID)
	defer span.End()
	if err := c.activate(ctx, styleID, "schedule", false); err != nil {
		telemetry.RecordError(span, err)
		c.logger.Warn().Err(err).Str("style_id", styleID).Msg("scheduled switch failed")
	}
}

func (c *Controller) lookupStyle(ctx context.Context, styleID string) (models.Style, error) {
	if style, ok := c.deps.Schedule.Style(styleID); ok {
		return style, nil
	}
	style, err := c.deps.Catalog.GetStyle(ctx, styleID)
	if err != nil {
		return models.Style{}, fmt.Errorf("style %s: %w", styleID, err)
	}
	return *style, nil
}

// activate binds styleID, resuming from its recorded position. Playback
// continues if the previous style was playing. When the style cannot be
// played the session is left untouched, so a scheduled switch is retried on
// the next tick.
func (c *Controller) activate(ctx context.Context, styleID, reason string, play bool) error {
	previous := c.sess.StyleID()
	wasPlaying := c.sess.IsPlaying()
	if previous == styleID && c.sess.BoundStyleID() == styleID && c.sess.State() != session.Idle {
		return nil
	}

	style, err := c.lookupStyle(ctx, styleID)
	if err != nil {
		return err
	}
	// The current binding keeps playing until the new source is usable.
	mixURL, err := c.deps.Sources.Resolve(ctx, style.MixURL)
	if err != nil {
		return err
	}

	c.switchBookkeeping(styleID)

	resume := c.deps.Ledger.GetResumePosition(ctx, c.storeID, styleID)
	c.sess.SetStyle(styleID, mixURL)
	if err := c.sess.InitPlayer(ctx, mixURL, resume, c.sess.Volume()); err != nil {
		c.reportSinkError(err)
		return err
	}
	if wasPlaying || play {
		if err := c.sess.Play(ctx); err != nil {
			c.reportSinkError(err)
			return err
		}
	}

	telemetry.StyleSwitchesTotal.WithLabelValues(reason).Inc()
	c.logger.Info().
		Str("style_id", styleID).
		Str("previous", previous).
		Str("reason", reason).
		Float64("resume_at", resume).
		Msg("style activated")
	c.publish(events.EventStyleChanged, events.Payload{
		"store_id":  c.storeID,
		"style_id":  styleID,
		"previous":  previous,
		"reason":    reason,
		"resume_at": resume,
	})
	return nil
}

// switchBookkeeping saves the position of the mix about to be replaced,
// closes the previous style's run and records the new one.
func (c *Controller) switchBookkeeping(styleID string) {
	if bound := c.sess.BoundStyleID(); bound != "" {
		c.deps.Ledger.Deactivate(c.storeID, bound, c.sess.Progress())
	}
	if c.sess.StyleID() == styleID {
		return
	}
	at := c.now()
	c.enqueue(func(ctx context.Context) {
		c.closePlaySession(ctx, at)
		if err := c.deps.Catalog.SetCurrentStyle(ctx, c.storeID, styleID); err != nil {
			c.logger.Warn().Err(err).Msg("persist current style failed")
		}
		ps, err := c.deps.Catalog.OpenPlaySession(ctx, c.storeID, styleID)
		if err != nil {
			c.logger.Warn().Err(err).Msg("open play session failed")
			return
		}
		c.playSession, c.psStarted = ps, at
	})
}

// closePlaySession runs on the persist goroutine only.
func (c *Controller) closePlaySession(ctx context.Context, at time.Time) {
	if c.playSession == nil {
		return
	}
	seconds := at.Sub(c.psStarted).Seconds()
	if seconds < 0 {
		seconds = 0
	}
	if err := c.deps.Catalog.ClosePlaySession(ctx, c.playSession.ID, at, seconds); err != nil {
		c.logger.Warn().Err(err).Msg("close play session failed")
	}
	c.playSession = nil
}

func (c *Controller) handle(ctx context.Context, n playback.Notification) {
	err := c.sess.Handle(ctx, n)
	switch {
	case errors.Is(err, playback.ErrStaleNotification):
		c.logger.Debug().Str("event", string(n.Kind)).Uint64("gen", n.Generation).Msg("stale notification ignored")
		return
	case err != nil:
		c.reportSinkError(err)
		return
	}
	if n.Kind == playback.NotifyPosition && c.sess.IsPlaying() {
		c.deps.Ledger.RecordProgress(c.storeID, c.sess.BoundStyleID(), c.sess.Progress())
	}
}

func (c *Controller) reportSinkError(err error) {
	if !errors.Is(err, playback.ErrSinkUnavailable) {
		return
	}
	c.publish(events.EventSessionError, events.Payload{
		"store_id": c.storeID,
		"style_id": c.sess.StyleID(),
		"error":    err.Error(),
	})
}

func (c *Controller) publishView() {
	v := c.sess.Snapshot()
	prev := c.view.Swap(&v)
	if prev != nil && prev.State == v.State && prev.StyleID == v.StyleID &&
		prev.Volume == v.Volume && prev.AutoMode == v.AutoMode {
		return
	}
	c.publish(events.EventSessionState, events.Payload{
		"store_id":   c.storeID,
		"style_id":   v.StyleID,
		"state":      v.State,
		"is_playing": v.IsPlaying,
		"volume":     v.Volume,
		"auto_mode":  v.AutoMode,
		"progress":   v.Progress,
	})
}

func (c *Controller) publish(eventType events.EventType, payload events.Payload) {
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(eventType, payload)
	}
}

// enqueue hands fn to the persist goroutine. Storage never blocks the loop;
// when the queue is full the write is dropped.
func (c *Controller) enqueue(fn func(context.Context)) {
	select {
	case c.persist <- fn:
	default:
		c.logger.Warn().Msg("persist queue full, dropping write")
	}
}

func (c *Controller) persistLoop() {
	defer close(c.persistDone)
	for fn := range c.persist {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		fn(ctx)
		cancel()
	}
}

func (c *Controller) shutdown() {
	if bound := c.sess.BoundStyleID(); bound != "" {
		c.deps.Ledger.Deactivate(c.storeID, bound, c.sess.Progress())
	}
	at := c.now()
	c.enqueue(func(ctx context.Context) { c.closePlaySession(ctx, at) })
	close(c.persist)
	<-c.persistDone

	if err := c.sink.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("close sink failed")
	}
	c.publish(events.EventPlayerDetached, events.Payload{"store_id": c.storeID})
}
