/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package progress

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/storeplay/internal/cache"
	"github.com/friendsincode/storeplay/internal/models"
	"github.com/friendsincode/storeplay/internal/telemetry"
)

// Default tuning values.
const (
	DefaultMaxDelta      = 5 * time.Second
	DefaultFlushInterval = 5 * time.Second
)

// Config tunes the ledger.
type Config struct {
	// MaxDelta is the largest wall-clock gap between two records that still
	// counts as play time. Larger gaps are clock jumps or stalls.
	MaxDelta      time.Duration
	FlushInterval time.Duration
}

type key struct {
	store string
	style string
}

type entry struct {
	position float64
	total    float64
	pending  float64
	lastTick time.Time
	dirty    bool
}

// Ledger keeps progress in memory and writes it behind. Recording never
// waits on storage.
type Ledger struct {
	store  Store
	cache  *cache.Cache
	logger zerolog.Logger
	now    func() time.Time

	maxDelta      time.Duration
	flushInterval time.Duration

	mu        sync.Mutex
	entries   map[key]*entry
	preloaded map[string]bool

	flushMu sync.Mutex
	kick    chan struct{}
}

// NewLedger creates a ledger over store. A zero Config uses the defaults.
func NewLedger(store Store, cfg Config, logger zerolog.Logger) *Ledger {
	if cfg.MaxDelta <= 0 {
		cfg.MaxDelta = DefaultMaxDelta
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Ledger{
		store:         store,
		logger:        logger.With().Str("component", "progress").Logger(),
		now:           time.Now,
		maxDelta:      cfg.MaxDelta,
		flushInterval: cfg.FlushInterval,
		entries:       make(map[key]*entry),
		preloaded:     make(map[string]bool),
		kick:          make(chan struct{}, 1),
	}
}

// SetCache wires the Redis read-through cache.
func (l *Ledger) SetCache(c *cache.Cache) {
	l.cache = c
}

// RecordProgress stores the latest position of a pair and adds the elapsed
// wall-clock time since its previous record to the total. Negative gaps and
// gaps above MaxDelta add nothing.
func (l *Ledger) RecordProgress(storeID, styleID string, position float64) {
	if storeID == "" || styleID == "" {
		return
	}
	if position < 0 {
		position = 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(key{storeID, styleID})
	if !e.lastTick.IsZero() {
		delta := now.Sub(e.lastTick)
		switch {
		case delta < 0:
			telemetry.LedgerDiscardedDeltasTotal.WithLabelValues("negative").Inc()
		case delta > l.maxDelta:
			telemetry.LedgerDiscardedDeltasTotal.WithLabelValues("over_cap").Inc()
		default:
			e.total += delta.Seconds()
			e.pending += delta.Seconds()
		}
	}
	e.lastTick = now
	e.position = position
	e.dirty = true
	telemetry.LedgerDirtyEntries.Set(float64(l.dirtyLocked()))
}

func (l *Ledger) entryLocked(k key) *entry {
	e, ok := l.entries[k]
	if !ok {
		e = &entry{}
		l.entries[k] = e
	}
	return e
}

func (l *Ledger) dirtyLocked() int {
	n := 0
	for _, e := range l.entries {
		if e.dirty {
			n++
		}
	}
	return n
}

// Deactivate ends the current play run of a pair at position and schedules
// a flush. The time spent on other styles is never added when it comes back.
func (l *Ledger) Deactivate(storeID, styleID string, position float64) {
	if storeID == "" || styleID == "" {
		return
	}
	if position < 0 {
		position = 0
	}
	l.mu.Lock()
	e := l.entryLocked(key{storeID, styleID})
	e.lastTick = time.Time{}
	e.position = position
	e.dirty = true
	telemetry.LedgerDirtyEntries.Set(float64(l.dirtyLocked()))
	l.mu.Unlock()

	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Preload loads every stored entry of a store into memory. Afterwards a
// missing pair resolves to 0 without touching storage.
func (l *Ledger) Preload(ctx context.Context, storeID string) error {
	rows, err := l.store.ListForStore(ctx, storeID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, row := range rows {
		k := key{row.StoreID, row.StyleID}
		if _, ok := l.entries[k]; ok {
			continue
		}
		l.entries[k] = &entry{position: row.LastPosition, total: row.TotalPlayed}
	}
	l.preloaded[storeID] = true
	return nil
}

// Forget drops a store's clean entries from memory, typically on detach.
func (l *Ledger) Forget(storeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.entries {
		if k.store == storeID && !e.dirty {
			delete(l.entries, k)
		}
	}
	delete(l.preloaded, storeID)
}

// GetResumePosition returns the last recorded position of a pair, or 0.
func (l *Ledger) GetResumePosition(ctx context.Context, storeID, styleID string) float64 {
	return l.Lookup(ctx, storeID, styleID).LastPosition
}

// Lookup returns the entry for a pair. It reads memory first, then the
// cache, then the store. Storage errors are logged and read as empty.
func (l *Ledger) Lookup(ctx context.Context, storeID, styleID string) models.ProgressEntry {
	out := models.ProgressEntry{StoreID: storeID, StyleID: styleID}
	k := key{storeID, styleID}

	l.mu.Lock()
	if e, ok := l.entries[k]; ok {
		out.LastPosition, out.TotalPlayed = e.position, e.total
		l.mu.Unlock()
		return out
	}
	preloaded := l.preloaded[storeID]
	l.mu.Unlock()
	if preloaded {
		return out
	}

	row, ok := l.cache.GetProgress(ctx, storeID, styleID)
	if !ok {
		var err error
		row, err = l.store.Get(ctx, storeID, styleID)
		if err != nil {
			l.logger.Warn().Err(err).Str("store_id", storeID).Str("style_id", styleID).Msg("progress lookup failed")
			return out
		}
		if row == nil {
			return out
		}
		_ = l.cache.SetProgress(ctx, *row)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// A record may have landed while we were reading.
	if e, ok := l.entries[k]; ok {
		out.LastPosition, out.TotalPlayed = e.position, e.total
		return out
	}
	l.entries[k] = &entry{position: row.LastPosition, total: row.TotalPlayed}
	out.LastPosition, out.TotalPlayed = row.LastPosition, row.TotalPlayed
	return out
}

// Flush writes every dirty entry. On failure the entries stay dirty and the
// error is returned for logging only.
func (l *Ledger) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	now := l.now()
	l.mu.Lock()
	updates := make([]Update, 0, len(l.entries))
	totals := make(map[key]float64, len(l.entries))
	for k, e := range l.entries {
		if !e.dirty {
			continue
		}
		updates = append(updates, Update{
			StoreID:  k.store,
			StyleID:  k.style,
			Position: e.position,
			Played:   e.pending,
			At:       now,
		})
		totals[k] = e.total
		e.pending = 0
		e.dirty = false
	}
	l.mu.Unlock()

	if len(updates) == 0 {
		return nil
	}

	if err := l.store.Save(ctx, updates); err != nil {
		telemetry.LedgerWriteFailuresTotal.Inc()
		l.logger.Warn().Err(err).Int("entries", len(updates)).Msg("progress flush failed")

		l.mu.Lock()
		for _, u := range updates {
			k := key{u.StoreID, u.StyleID}
			e := l.entryLocked(k)
			if !e.dirty {
				// Nothing recorded since the snapshot, but the entry may
				// have been forgotten or reloaded from storage meanwhile.
				e.position = u.Position
				if e.total < totals[k] {
					e.total = totals[k]
				}
			}
			e.pending += u.Played
			e.dirty = true
		}
		telemetry.LedgerDirtyEntries.Set(float64(l.dirtyLocked()))
		l.mu.Unlock()
		return err
	}

	for _, u := range updates {
		_ = l.cache.SetProgress(ctx, models.ProgressEntry{
			StoreID:      u.StoreID,
			StyleID:      u.StyleID,
			LastPosition: u.Position,
			TotalPlayed:  totals[key{u.StoreID, u.StyleID}],
			UpdatedAt:    u.At,
		})
	}

	l.mu.Lock()
	telemetry.LedgerDirtyEntries.Set(float64(l.dirtyLocked()))
	l.mu.Unlock()
	l.logger.Debug().Int("entries", len(updates)).Msg("progress flushed")
	return nil
}

// Run flushes periodically, on Deactivate, and once more on shutdown.
func (l *Ledger) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	l.logger.Info().Dur("interval", l.flushInterval).Msg("progress writer started")
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = l.Flush(flushCtx)
			cancel()
			l.logger.Info().Msg("progress writer stopped")
			return nil
		case <-ticker.C:
			_ = l.Flush(ctx)
		case <-l.kick:
			_ = l.Flush(ctx)
		}
	}
}
