/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/friendsincode/storeplay/internal/playback"
	"github.com/friendsincode/storeplay/internal/telemetry"
)

// Attacher binds player sinks to store control loops.
type Attacher interface {
	Attach(ctx context.Context, storeID string, s playback.Sink) error
	Detach(storeID string, s playback.Sink) bool
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// MQTTGateway watches player presence on the broker and attaches a sink
// per online player.
type MQTTGateway struct {
	cfg      MQTTConfig
	attacher Attacher
	logger   zerolog.Logger

	// newClient is replaced in tests.
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
	sinks  map[string]*MQTTSink
	ctx    context.Context
}

// NewMQTTGateway creates a gateway. Run connects it.
func NewMQTTGateway(cfg MQTTConfig, attacher Attacher, logger zerolog.Logger) *MQTTGateway {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "storeplay"
	}
	return &MQTTGateway{
		cfg:       cfg,
		attacher:  attacher,
		logger:    logger.With().Str("component", "mqtt_gateway").Logger(),
		newClient: mqtt.NewClient,
		sinks:     make(map[string]*MQTTSink),
	}
}

func (g *MQTTGateway) gatewayStatusTopic() string {
	return g.cfg.TopicPrefix + "/gateway/" + topicStatus
}

// Run connects to the broker and serves until ctx is cancelled. All attached
// players are detached on return.
func (g *MQTTGateway) Run(ctx context.Context) error {
	if g.cfg.Broker == "" {
		return errors.New("mqtt broker not configured")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(g.cfg.Broker)
	opts.SetClientID(g.cfg.ClientID)
	if g.cfg.Username != "" {
		opts.SetUsername(g.cfg.Username)
		opts.SetPassword(g.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOrderMatters(true)
	opts.SetWill(g.gatewayStatusTopic(), StatusOffline, commandQoS, true)
	opts.OnConnect = func(c mqtt.Client) {
		g.logger.Info().Str("broker", g.cfg.Broker).Msg("connected to MQTT broker")
		g.subscribe(c)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		g.logger.Warn().Err(err).Msg("MQTT connection lost")
	}

	client := g.newClient(opts)
	g.mu.Lock()
	g.client = client
	g.ctx = ctx
	g.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
	case <-ctx.Done():
		client.Disconnect(250)
		return ctx.Err()
	}

	<-ctx.Done()

	g.detachAll()
	client.Publish(g.gatewayStatusTopic(), commandQoS, true, StatusOffline).WaitTimeout(time.Second)
	client.Disconnect(250)
	g.logger.Info().Msg("mqtt gateway stopped")
	return nil
}

func (g *MQTTGateway) subscribe(c mqtt.Client) {
	filters := map[string]byte{
		g.cfg.TopicPrefix + "/" + topicPlayers + "/+/" + topicEvents: commandQoS,
		g.cfg.TopicPrefix + "/" + topicPlayers + "/+/" + topicStatus: commandQoS,
	}
	token := c.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		g.route(msg.Topic(), msg.Payload())
	})
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			g.logger.Error().Err(err).Msg("subscribe to player topics failed")
			return
		}
		c.Publish(g.gatewayStatusTopic(), commandQoS, true, StatusOnline)
	}()
}

// route dispatches one broker message.
func (g *MQTTGateway) route(topic string, payload []byte) {
	storeID, kind, ok := parsePlayerTopic(g.cfg.TopicPrefix, topic)
	if !ok {
		g.logger.Debug().Str("topic", topic).Msg("ignoring message on unexpected topic")
		return
	}

	switch kind {
	case topicStatus:
		switch string(payload) {
		case StatusOnline:
			g.online(storeID)
		case StatusOffline, "":
			g.offline(storeID)
		default:
			g.logger.Warn().Str("store_id", storeID).Str("status", string(payload)).Msg("unknown player status")
		}
	case topicEvents:
		g.mu.Lock()
		s := g.sinks[storeID]
		g.mu.Unlock()
		if s == nil {
			g.logger.Debug().Str("store_id", storeID).Msg("event from unattached player")
			return
		}
		s.dispatch(payload)
	}
}

func (g *MQTTGateway) online(storeID string) {
	g.mu.Lock()
	if _, exists := g.sinks[storeID]; exists {
		g.mu.Unlock()
		return
	}
	ctx := g.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s := NewMQTTSink(g.client, g.cfg.TopicPrefix, storeID, g.logger)
	g.sinks[storeID] = s
	g.mu.Unlock()

	if err := g.attacher.Attach(ctx, storeID, s); err != nil {
		g.logger.Warn().Err(err).Str("store_id", storeID).Msg("attach player failed")
		g.mu.Lock()
		if g.sinks[storeID] == s {
			delete(g.sinks, storeID)
		}
		g.mu.Unlock()
		_ = s.Close()
		return
	}
	telemetry.PlayerConnections.WithLabelValues("mqtt").Inc()
	g.logger.Info().Str("store_id", storeID).Msg("player online")
}

func (g *MQTTGateway) offline(storeID string) {
	g.mu.Lock()
	s, ok := g.sinks[storeID]
	delete(g.sinks, storeID)
	g.mu.Unlock()
	if !ok {
		return
	}
	g.attacher.Detach(storeID, s)
	_ = s.Close()
	telemetry.PlayerConnections.WithLabelValues("mqtt").Dec()
	g.logger.Info().Str("store_id", storeID).Msg("player offline")
}

func (g *MQTTGateway) detachAll() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.sinks))
	for id := range g.sinks {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	for _, id := range ids {
		g.offline(id)
	}
}

// Players returns the store IDs with an online player.
func (g *MQTTGateway) Players() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.sinks))
	for id := range g.sinks {
		ids = append(ids, id)
	}
	return ids
}
