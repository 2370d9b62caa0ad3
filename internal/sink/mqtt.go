/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/friendsincode/storeplay/internal/playback"
)

// Topic layout under the configured prefix.
const (
	topicPlayers  = "players"
	topicCommands = "commands"
	topicEvents   = "events"
	topicStatus   = "status"

	commandQoS = 1
)

// Player status payloads, published retained by players and as their LWT.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// CommandTopic returns the topic a store's player listens on.
func CommandTopic(prefix, storeID string) string {
	return strings.Join([]string{prefix, topicPlayers, storeID, topicCommands}, "/")
}

// EventTopic returns the topic a store's player reports on.
func EventTopic(prefix, storeID string) string {
	return strings.Join([]string{prefix, topicPlayers, storeID, topicEvents}, "/")
}

// StatusTopic returns the retained presence topic of a store's player.
func StatusTopic(prefix, storeID string) string {
	return strings.Join([]string{prefix, topicPlayers, storeID, topicStatus}, "/")
}

// parsePlayerTopic splits "<prefix>/players/<store>/<kind>".
func parsePlayerTopic(prefix, topic string) (storeID, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/"+topicPlayers+"/")
	if !found {
		return "", "", false
	}
	storeID, kind, found = strings.Cut(rest, "/")
	if !found || storeID == "" || strings.Contains(kind, "/") {
		return "", "", false
	}
	return storeID, kind, true
}

// MQTTSink drives one player through the broker. Publishing never waits for
// the broker; delivery failures come back as error notifications.
type MQTTSink struct {
	client  mqtt.Client
	topic   string
	storeID string
	logger  zerolog.Logger
	tracker *tracker
}

// NewMQTTSink creates a sink for storeID on an already connected client.
func NewMQTTSink(client mqtt.Client, prefix, storeID string, logger zerolog.Logger) *MQTTSink {
	return &MQTTSink{
		client:  client,
		topic:   CommandTopic(prefix, storeID),
		storeID: storeID,
		logger:  logger.With().Str("component", "mqtt_sink").Str("store_id", storeID).Logger(),
		tracker: newTracker(),
	}
}

func (s *MQTTSink) publish(op string, cmd playback.Command) error {
	if s.tracker.isClosed() {
		return playback.SinkFailure(op, errors.New("sink closed"))
	}
	if !s.client.IsConnectionOpen() {
		return playback.SinkFailure(op, errors.New("broker not connected"))
	}
	payload, err := encodeCommand(cmd)
	if err != nil {
		return playback.SinkFailure(op, err)
	}

	gen := s.tracker.commandGeneration(cmd)
	token := s.client.Publish(s.topic, commandQoS, false, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			s.logger.Warn().Err(err).Str("cmd", op).Msg("command publish failed")
			s.tracker.deliver(playback.Notification{
				Kind:       playback.NotifyError,
				Generation: gen,
				Error:      fmt.Sprintf("%s: %v", op, err),
			})
		}
	}()
	return nil
}

// Load publishes a load command.
func (s *MQTTSink) Load(_ context.Context, req playback.LoadRequest) error {
	s.tracker.loading(req.Generation, req.URL)
	return s.publish(playback.CmdLoad, loadCommand(req))
}

// Play publishes a play command.
func (s *MQTTSink) Play(context.Context) error {
	return s.publish(playback.CmdPlay, playback.Command{Cmd: playback.CmdPlay})
}

// Pause publishes a pause command.
func (s *MQTTSink) Pause(context.Context) error {
	return s.publish(playback.CmdPause, playback.Command{Cmd: playback.CmdPause})
}

// Seek publishes a seek command.
func (s *MQTTSink) Seek(_ context.Context, seconds float64) error {
	return s.publish(playback.CmdSeek, playback.Command{Cmd: playback.CmdSeek, Seconds: seconds})
}

// SetVolume publishes a volume command.
func (s *MQTTSink) SetVolume(_ context.Context, volume float64) error {
	return s.publish(playback.CmdVolume, playback.Command{Cmd: playback.CmdVolume, Volume: volume})
}

// Detach publishes a detach command and forgets the device source.
func (s *MQTTSink) Detach(context.Context) error {
	s.tracker.detached()
	return s.publish(playback.CmdDetach, playback.Command{Cmd: playback.CmdDetach})
}

// Source returns the source last reported loaded by the player.
func (s *MQTTSink) Source() string { return s.tracker.current() }

// Notifications returns events routed to this player by the gateway.
func (s *MQTTSink) Notifications() <-chan playback.Notification { return s.tracker.notes }

// Close stops delivering notifications. The shared client stays connected.
func (s *MQTTSink) Close() error {
	s.tracker.close()
	return nil
}

// dispatch is called by the gateway for every event of this store.
func (s *MQTTSink) dispatch(payload []byte) {
	n, err := decodeNotification(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("invalid player event")
		return
	}
	if !s.tracker.deliver(n) {
		s.logger.Warn().Str("event", string(n.Kind)).Msg("notification buffer full, dropping event")
	}
}

var _ playback.Sink = (*MQTTSink)(nil)
