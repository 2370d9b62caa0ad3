/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/storeplay/internal/events"
	"github.com/friendsincode/storeplay/internal/models"
	"github.com/friendsincode/storeplay/internal/telemetry"
)

// Source is the read side of the catalog.
type Source interface {
	ListStyles(ctx context.Context) ([]models.Style, error)
	ListRules(ctx context.Context, storeID string) ([]models.ScheduleRule, error)
	ListStores(ctx context.Context) ([]models.Store, error)
}

type view struct {
	snapshot *Snapshot
	zones    map[string]*time.Location
	styles   map[string]models.Style
}

// Service keeps a compiled snapshot of the rule set in memory so control
// loops can resolve without touching storage.
type Service struct {
	source   Source
	resolver *Resolver
	bus      *events.Bus
	refresh  time.Duration
	logger   zerolog.Logger

	current atomic.Pointer[view]
}

// NewService creates the snapshot service. refresh <= 0 defaults to 30s.
func NewService(source Source, resolver *Resolver, refresh time.Duration, logger zerolog.Logger) *Service {
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	if resolver == nil {
		resolver = NewResolver(TieBreakNewest)
	}
	return &Service{
		source:   source,
		resolver: resolver,
		refresh:  refresh,
		logger:   logger.With().Str("component", "schedule").Logger(),
	}
}

// SetBus subscribes the service to catalog change events on Run.
func (s *Service) SetBus(bus *events.Bus) {
	s.bus = bus
}

// Refresh rebuilds the snapshot from the source. On failure the previous
// snapshot stays in place.
func (s *Service) Refresh(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "schedule.refresh")
	defer span.End()

	styles, err := s.source.ListStyles(ctx)
	if err != nil {
		telemetry.SnapshotRefreshTotal.WithLabelValues("error").Inc()
		telemetry.RecordError(span, err)
		return fmt.Errorf("load styles: %w", err)
	}
	rules, err := s.source.ListRules(ctx, "")
	if err != nil {
		telemetry.SnapshotRefreshTotal.WithLabelValues("error").Inc()
		telemetry.RecordError(span, err)
		return fmt.Errorf("load rules: %w", err)
	}
	stores, err := s.source.ListStores(ctx)
	if err != nil {
		telemetry.SnapshotRefreshTotal.WithLabelValues("error").Inc()
		telemetry.RecordError(span, err)
		return fmt.Errorf("load stores: %w", err)
	}

	snap, problems := Compile(rules, styles, s.resolver)
	for _, p := range problems {
		s.logger.Warn().Err(p).Msg("skipping schedule rule")
	}
	telemetry.SnapshotRuleErrors.Set(float64(len(problems)))

	v := &view{
		snapshot: snap,
		zones:    make(map[string]*time.Location, len(stores)),
		styles:   make(map[string]models.Style, len(styles)),
	}
	for _, st := range stores {
		v.zones[st.ID] = st.Location()
	}
	for _, style := range styles {
		v.styles[style.ID] = style
	}
	s.current.Store(v)
	telemetry.SnapshotRefreshTotal.WithLabelValues("ok").Inc()

	s.logger.Debug().
		Int("rules", len(snap.rules)).
		Int("styles", len(styles)).
		Int("stores", len(stores)).
		Msg("schedule snapshot refreshed")
	return nil
}

// Snapshot returns the current snapshot, or nil before the first refresh.
func (s *Service) Snapshot() *Snapshot {
	if v := s.current.Load(); v != nil {
		return v.snapshot
	}
	return nil
}

// Style returns a style from the current snapshot.
func (s *Service) Style(styleID string) (models.Style, bool) {
	v := s.current.Load()
	if v == nil {
		return models.Style{}, false
	}
	style, ok := v.styles[styleID]
	return style, ok
}

// Location returns the timezone of a store, UTC when unknown.
func (s *Service) Location(storeID string) *time.Location {
	if v := s.current.Load(); v != nil {
		if loc, ok := v.zones[storeID]; ok {
			return loc
		}
	}
	return time.UTC
}

// ResolveAt resolves against the in-memory snapshot only. It never blocks.
func (s *Service) ResolveAt(storeID string, at time.Time) (string, bool) {
	styleID, ok := s.Snapshot().Resolve(At(at.In(s.Location(storeID))), storeID)
	if ok {
		telemetry.ResolveTotal.WithLabelValues("matched").Inc()
	} else {
		telemetry.ResolveTotal.WithLabelValues("none").Inc()
	}
	return styleID, ok
}

// ResolveActiveStyle returns the style that should play in storeID at the
// given instant, evaluated in the store's timezone. ok is false when no
// rule matches. The first call builds the snapshot if needed.
func (s *Service) ResolveActiveStyle(ctx context.Context, storeID string, at time.Time) (string, bool, error) {
	ctx, span := telemetry.StartStoreSpan(ctx, "schedule.resolve", storeID)
	defer span.End()

	if s.current.Load() == nil {
		if err := s.Refresh(ctx); err != nil {
			telemetry.RecordError(span, err)
			return "", false, err
		}
	}
	styleID, ok := s.ResolveAt(storeID, at)
	return styleID, ok, nil
}

// Run refreshes the snapshot periodically and whenever the catalog changes.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		s.logger.Error().Err(err).Msg("initial schedule refresh failed")
	}

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	var changed <-chan struct{}
	if s.bus != nil {
		changed = s.watch(ctx)
	}

	s.logger.Info().Dur("refresh", s.refresh).Msg("schedule service started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("schedule service stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Error().Err(err).Msg("schedule refresh failed")
			}
		case <-changed:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Error().Err(err).Msg("schedule refresh after change failed")
			}
		}
	}
}

// watch merges catalog change events into one coalescing signal channel.
func (s *Service) watch(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	types := []events.EventType{events.EventRulesChanged, events.EventStylesChanged, events.EventStoresChanged}
	for _, et := range types {
		sub := s.bus.Subscribe(et)
		go func(et events.EventType, sub events.Subscriber) {
			defer s.bus.Unsubscribe(et, sub)
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-sub:
					if !ok {
						return
					}
					select {
					case out <- struct{}{}:
					default:
					}
				}
			}
		}(et, sub)
	}
	return out
}
