/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package leadership elects a single node for work that must not run twice,
// such as owning the MQTT player subscriptions.
package leadership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/storeplay/internal/telemetry"
)

const (
	defaultElectionKey     = "storeplay:leader:gateway"
	defaultLeaseDuration   = 15 * time.Second
	defaultRenewalInterval = 5 * time.Second
)

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript extends the lease only if we still own it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// ElectionConfig configures leader election behavior.
type ElectionConfig struct {
	// ElectionKey is the Redis key holding the leader's instance ID.
	ElectionKey string

	// LeaseDuration is how long the lease is valid without renewal.
	LeaseDuration time.Duration

	// RenewalInterval is how often the leader renews and followers retry.
	RenewalInterval time.Duration

	// InstanceID uniquely identifies this node.
	InstanceID string
}

// DefaultConfig returns default election configuration.
func DefaultConfig() ElectionConfig {
	return ElectionConfig{
		ElectionKey:     defaultElectionKey,
		LeaseDuration:   defaultLeaseDuration,
		RenewalInterval: defaultRenewalInterval,
		InstanceID:      uuid.NewString(),
	}
}

// Election campaigns for a Redis lease.
type Election struct {
	client redis.UniversalClient
	logger zerolog.Logger
	config ElectionConfig

	leader atomic.Bool

	mu        sync.Mutex
	listeners []chan bool
}

// NewElection creates an election over an existing Redis client.
func NewElection(client redis.UniversalClient, config ElectionConfig, logger zerolog.Logger) *Election {
	def := DefaultConfig()
	if config.ElectionKey == "" {
		config.ElectionKey = def.ElectionKey
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = def.LeaseDuration
	}
	if config.RenewalInterval <= 0 {
		config.RenewalInterval = def.RenewalInterval
	}
	if config.InstanceID == "" {
		config.InstanceID = def.InstanceID
	}
	return &Election{
		client: client,
		logger: logger.With().Str("component", "leader_election").Str("instance_id", config.InstanceID).Logger(),
		config: config,
	}
}

// InstanceID returns this node's identity.
func (e *Election) InstanceID() string { return e.config.InstanceID }

// IsLeader reports whether this node currently holds the lease.
func (e *Election) IsLeader() bool { return e.leader.Load() }

// Changes returns a channel that receives every leadership change. Slow
// readers miss intermediate values but always see the latest one eventually
// via IsLeader.
func (e *Election) Changes() <-chan bool {
	ch := make(chan bool, 1)
	e.mu.Lock()
	e.listeners = append(e.listeners, ch)
	e.mu.Unlock()
	return ch
}

// Leader returns the instance ID holding the lease, or "" if nobody does.
func (e *Election) Leader(ctx context.Context) (string, error) {
	id, err := e.client.Get(ctx, e.config.ElectionKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get leader: %w", err)
	}
	return id, nil
}

// Run campaigns until ctx is cancelled, then releases the lease if held.
func (e *Election) Run(ctx context.Context) error {
	e.logger.Info().Dur("lease", e.config.LeaseDuration).Msg("starting leader election")

	ticker := time.NewTicker(e.config.RenewalInterval)
	defer ticker.Stop()

	e.Campaign(ctx)
	for {
		select {
		case <-ctx.Done():
			e.resign()
			return nil
		case <-ticker.C:
			e.Campaign(ctx)
		}
	}
}

// Campaign makes one attempt to acquire or renew the lease.
func (e *Election) Campaign(ctx context.Context) {
	held, err := e.acquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("leader election attempt failed")
		}
		e.setLeader(false)
		return
	}
	e.setLeader(held)
}

func (e *Election) acquire(ctx context.Context) (bool, error) {
	if e.leader.Load() {
		renewed, err := renewScript.Run(ctx, e.client, []string{e.config.ElectionKey},
			e.config.InstanceID, e.config.LeaseDuration.Milliseconds()).Int()
		if err != nil {
			return false, fmt.Errorf("renew lease: %w", err)
		}
		if renewed == 1 {
			return true, nil
		}
	}
	ok, err := e.client.SetNX(ctx, e.config.ElectionKey, e.config.InstanceID, e.config.LeaseDuration).Result()
	if err != nil {
		return false, fmt.Errorf("set lease: %w", err)
	}
	return ok, nil
}

func (e *Election) resign() {
	if !e.leader.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, e.client, []string{e.config.ElectionKey}, e.config.InstanceID).Err(); err != nil {
		e.logger.Error().Err(err).Msg("release leadership failed")
	} else {
		e.logger.Info().Msg("released leadership")
	}
	e.setLeader(false)
}

func (e *Election) setLeader(leader bool) {
	if e.leader.Swap(leader) == leader {
		return
	}
	if leader {
		telemetry.LeaderElectionStatus.Set(1)
		e.logger.Info().Msg("acquired leadership")
	} else {
		telemetry.LeaderElectionStatus.Set(0)
		e.logger.Warn().Msg("lost leadership")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.listeners {
		// Keep only the newest value for a slow reader.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- leader:
		default:
		}
	}
}
