/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/storeplay/internal/playback"
	"github.com/friendsincode/storeplay/internal/telemetry"
)

const (
	wsQueueSize    = 32
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 15 * time.Second
)

var errQueueFull = errors.New("command queue full")

// WSSink drives a player connected over WebSocket. Commands are queued and
// written by Run; events are read by Run and exposed on Notifications.
type WSSink struct {
	conn    *ws.Conn
	storeID string
	logger  zerolog.Logger
	tracker *tracker

	out       chan playback.Command
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSSink wraps an accepted connection.
func NewWSSink(storeID string, conn *ws.Conn, logger zerolog.Logger) *WSSink {
	return &WSSink{
		conn:    conn,
		storeID: storeID,
		logger:  logger.With().Str("component", "ws_sink").Str("store_id", storeID).Logger(),
		tracker: newTracker(),
		out:     make(chan playback.Command, wsQueueSize),
		done:    make(chan struct{}),
	}
}

func (s *WSSink) send(op string, cmd playback.Command) error {
	select {
	case <-s.done:
		return playback.SinkFailure(op, errors.New("connection closed"))
	default:
	}
	select {
	case s.out <- cmd:
		return nil
	default:
		return playback.SinkFailure(op, errQueueFull)
	}
}

// Load queues a load command.
func (s *WSSink) Load(_ context.Context, req playback.LoadRequest) error {
	s.tracker.loading(req.Generation, req.URL)
	return s.send(playback.CmdLoad, loadCommand(req))
}

// Play queues a play command.
func (s *WSSink) Play(context.Context) error {
	return s.send(playback.CmdPlay, playback.Command{Cmd: playback.CmdPlay})
}

// Pause queues a pause command.
func (s *WSSink) Pause(context.Context) error {
	return s.send(playback.CmdPause, playback.Command{Cmd: playback.CmdPause})
}

// Seek queues a seek command.
func (s *WSSink) Seek(_ context.Context, seconds float64) error {
	return s.send(playback.CmdSeek, playback.Command{Cmd: playback.CmdSeek, Seconds: seconds})
}

// SetVolume queues a volume command.
func (s *WSSink) SetVolume(_ context.Context, volume float64) error {
	return s.send(playback.CmdVolume, playback.Command{Cmd: playback.CmdVolume, Volume: volume})
}

// Detach queues a detach command and forgets the device source.
func (s *WSSink) Detach(context.Context) error {
	s.tracker.detached()
	return s.send(playback.CmdDetach, playback.Command{Cmd: playback.CmdDetach})
}

// Source returns the source last reported loaded by the player.
func (s *WSSink) Source() string { return s.tracker.current() }

// Notifications returns the player's events. It is closed when Run returns.
func (s *WSSink) Notifications() <-chan playback.Notification { return s.tracker.notes }

// Close ends the connection. Run returns shortly after.
func (s *WSSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

// Run pumps commands and events until ctx ends, Close is called or the
// connection fails.
func (s *WSSink) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	telemetry.PlayerConnections.WithLabelValues("websocket").Inc()
	defer telemetry.PlayerConnections.WithLabelValues("websocket").Dec()

	var wg sync.WaitGroup
	readErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		readErr <- s.readLoop(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
		s.tracker.close()
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	s.logger.Info().Msg("player connected")
	for {
		select {
		case <-ctx.Done():
			s.conn.Close(ws.StatusGoingAway, "server shutting down")
			return ctx.Err()

		case <-s.done:
			s.conn.Close(ws.StatusNormalClosure, "detached")
			return nil

		case err := <-readErr:
			if ws.CloseStatus(err) == ws.StatusNormalClosure || ws.CloseStatus(err) == ws.StatusGoingAway {
				s.logger.Info().Msg("player disconnected")
				return nil
			}
			s.logger.Debug().Err(err).Msg("player read failed")
			s.conn.Close(ws.StatusInternalError, "read failed")
			return err

		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := s.conn.Ping(pctx)
			pcancel()
			if err != nil {
				s.logger.Warn().Err(err).Msg("player ping failed")
				s.conn.Close(ws.StatusInternalError, "ping failed")
				return err
			}

		case cmd := <-s.out:
			if err := s.write(ctx, cmd); err != nil {
				s.logger.Warn().Err(err).Str("cmd", cmd.Cmd).Msg("player write failed")
				s.tracker.deliver(playback.Notification{
					Kind:       playback.NotifyError,
					Generation: s.tracker.commandGeneration(cmd),
					Error:      err.Error(),
				})
				s.conn.Close(ws.StatusInternalError, "write failed")
				return err
			}
		}
	}
}

func (s *WSSink) write(ctx context.Context, cmd playback.Command) error {
	data, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return s.conn.Write(wctx, ws.MessageText, data)
}

func (s *WSSink) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		n, err := decodeNotification(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("invalid player message")
			continue
		}
		if !s.tracker.deliver(n) {
			s.logger.Warn().Str("event", string(n.Kind)).Msg("notification buffer full, dropping event")
		}
	}
}

var _ playback.Sink = (*WSSink)(nil)
