/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus relays in-process events between storeplay nodes.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/friendsincode/storeplay/internal/events"
	"github.com/friendsincode/storeplay/internal/telemetry"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	Token         string
	SubjectPrefix string
	NodeID        string

	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "storeplay.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Connect dials NATS with reconnect logging.
func Connect(cfg NATSConfig, logger zerolog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("storeplay"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	return conn, nil
}

// conn is the subset of *nats.Conn the bridge uses.
type conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// message is the wire format on NATS subjects.
type message struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

// Bridge forwards local bus events to NATS and republishes events from
// other nodes on the local bus, tagged with their origin.
type Bridge struct {
	conn   conn
	bus    *events.Bus
	prefix string
	nodeID string
	logger zerolog.Logger
}

// NewBridge creates a bridge over an established connection.
func NewBridge(nc conn, bus *events.Bus, cfg NATSConfig, logger zerolog.Logger) *Bridge {
	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = DefaultNATSConfig().SubjectPrefix
	}
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = generateNodeID()
	}
	return &Bridge{
		conn:   nc,
		bus:    bus,
		prefix: prefix,
		nodeID: nodeID,
		logger: logger.With().Str("component", "eventbus").Str("node_id", nodeID).Logger(),
	}
}

// NodeID identifies this node in relayed messages.
func (b *Bridge) NodeID() string { return b.nodeID }

// Subject returns the NATS subject for an event type.
func (b *Bridge) Subject(eventType events.EventType) string {
	return b.prefix + "." + string(eventType)
}

// Run relays the given event types until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context, types ...events.EventType) error {
	sub, err := b.conn.Subscribe(b.prefix+".>", func(msg *nats.Msg) {
		b.receive(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", b.prefix, err)
	}
	if sub != nil {
		defer func() { _ = sub.Unsubscribe() }()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, eventType := range types {
		eventType := eventType
		local := b.bus.Subscribe(eventType)
		g.Go(func() error {
			defer b.bus.Unsubscribe(eventType, local)
			return b.forward(gctx, eventType, local)
		})
	}
	b.logger.Info().Str("prefix", b.prefix).Int("types", len(types)).Msg("event bridge started")
	<-ctx.Done()
	err = g.Wait()
	b.logger.Info().Msg("event bridge stopped")
	return err
}

func (b *Bridge) forward(ctx context.Context, eventType events.EventType, local events.Subscriber) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-local:
			if !ok {
				return nil
			}
			if payload.Remote() {
				continue
			}
			data, err := b.encode(eventType, payload)
			if err != nil {
				b.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("encode event failed")
				continue
			}
			if err := b.conn.Publish(b.Subject(eventType), data); err != nil {
				telemetry.EventBusMessagesTotal.WithLabelValues("publish_error").Inc()
				b.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("relay event failed")
				continue
			}
			telemetry.EventBusMessagesTotal.WithLabelValues("published").Inc()
		}
	}
}

func (b *Bridge) receive(data []byte) {
	msg, err := decode(data)
	if err != nil {
		telemetry.EventBusMessagesTotal.WithLabelValues("invalid").Inc()
		b.logger.Error().Err(err).Msg("decode relayed event failed")
		return
	}
	if msg.NodeID == b.nodeID {
		return
	}
	payload := msg.Payload
	if payload == nil {
		payload = events.Payload{}
	}
	payload[events.OriginKey] = msg.NodeID
	telemetry.EventBusMessagesTotal.WithLabelValues("received").Inc()
	b.bus.Publish(msg.EventType, payload)
}

func (b *Bridge) encode(eventType events.EventType, payload events.Payload) ([]byte, error) {
	return json.Marshal(message{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    b.nodeID,
		MessageID: uuid.NewString(),
	})
}

func decode(data []byte) (*message, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal nats message: %w", err)
	}
	if msg.EventType == "" {
		return nil, fmt.Errorf("nats message without event type")
	}
	return &msg, nil
}

func generateNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}
