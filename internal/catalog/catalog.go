/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package catalog persists styles, stores and schedule rules.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/storeplay/internal/cache"
	"github.com/friendsincode/storeplay/internal/events"
	"github.com/friendsincode/storeplay/internal/models"
	"github.com/friendsincode/storeplay/internal/playback"
	"github.com/friendsincode/storeplay/internal/schedule"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the gorm-backed catalog.
type Repository struct {
	db     *gorm.DB
	cache  *cache.Cache
	bus    *events.Bus
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a repository.
func New(db *gorm.DB, logger zerolog.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger.With().Str("component", "catalog").Logger(),
		now:    time.Now,
	}
}

// SetCache wires an optional Redis cache.
func (r *Repository) SetCache(c *cache.Cache) {
	r.cache = c
}

// SetBus wires the event bus used to announce catalog changes.
func (r *Repository) SetBus(bus *events.Bus) {
	r.bus = bus
}

func (r *Repository) publish(eventType events.EventType, payload events.Payload) {
	if r.bus != nil {
		r.bus.Publish(eventType, payload)
	}
}

// Styles

// ListStyles returns every style ordered by name.
func (r *Repository) ListStyles(ctx context.Context) ([]models.Style, error) {
	if styles, ok := r.cache.GetStyles(ctx); ok {
		return styles, nil
	}
	var styles []models.Style
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&styles).Error; err != nil {
		return nil, fmt.Errorf("list styles: %w", err)
	}
	_ = r.cache.SetStyles(ctx, styles)
	return styles, nil
}

// GetStyle loads one style.
func (r *Repository) GetStyle(ctx context.Context, id string) (*models.Style, error) {
	var style models.Style
	err := r.db.WithContext(ctx).First(&style, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get style: %w", err)
	}
	return &style, nil
}

// CreateStyleRequest holds the fields of a new style.
type CreateStyleRequest struct {
	Name   string `json:"name" yaml:"name"`
	Icon   string `json:"icon" yaml:"icon"`
	MixURL string `json:"mix_url" yaml:"mix_url"`
}

// CreateStyle inserts a style. A style without a mix source is allowed; the
// resolver skips it until one is set.
func (r *Repository) CreateStyle(ctx context.Context, req CreateStyleRequest) (*models.Style, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, playback.Misconfigured("name", "required")
	}
	style := models.Style{
		ID:     uuid.NewString(),
		Name:   name,
		Icon:   req.Icon,
		MixURL: strings.TrimSpace(req.MixURL),
	}
	if err := r.db.WithContext(ctx).Create(&style).Error; err != nil {
		return nil, fmt.Errorf("create style: %w", err)
	}
	r.stylesChanged(ctx, style.ID)
	return &style, nil
}

// SetStyleMix updates the mix source of a style. An empty URL unconfigures it.
func (r *Repository) SetStyleMix(ctx context.Context, id, mixURL string) error {
	res := r.db.WithContext(ctx).Model(&models.Style{}).Where("id = ?", id).
		Update("mix_url", strings.TrimSpace(mixURL))
	if res.Error != nil {
		return fmt.Errorf("set style mix: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	r.stylesChanged(ctx, id)
	return nil
}

func (r *Repository) stylesChanged(ctx context.Context, styleID string) {
	if err := r.cache.InvalidateStyles(ctx); err != nil {
		r.logger.Debug().Err(err).Msg("style cache invalidation failed")
	}
	r.publish(events.EventStylesChanged, events.Payload{"style_id": styleID})
}

// Stores

// ListStores returns every store ordered by name.
func (r *Repository) ListStores(ctx context.Context) ([]models.Store, error) {
	var stores []models.Store
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&stores).Error; err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	return stores, nil
}

// GetStore loads one store.
func (r *Repository) GetStore(ctx context.Context, id string) (*models.Store, error) {
	if store, ok := r.cache.GetStore(ctx, id); ok {
		return store, nil
	}
	var store models.Store
	err := r.db.WithContext(ctx).First(&store, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get store: %w", err)
	}
	_ = r.cache.SetStore(ctx, &store)
	return &store, nil
}

// CreateStore inserts a store. An empty timezone means UTC.
func (r *Repository) CreateStore(ctx context.Context, name, timezone string) (*models.Store, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, playback.Misconfigured("name", "required")
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, playback.Misconfigured("timezone", err.Error())
		}
	}
	store := models.Store{ID: uuid.NewString(), Name: name, Timezone: timezone}
	if err := r.db.WithContext(ctx).Create(&store).Error; err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}
	r.publish(events.EventStoresChanged, events.Payload{"store_id": store.ID})
	return &store, nil
}

// SetCurrentStyle records the style a store last activated.
func (r *Repository) SetCurrentStyle(ctx context.Context, storeID, styleID string) error {
	var value any
	if styleID != "" {
		value = styleID
	}
	res := r.db.WithContext(ctx).Model(&models.Store{}).Where("id = ?", storeID).
		Update("current_style_id", value)
	if res.Error != nil {
		return fmt.Errorf("set current style: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	if err := r.cache.InvalidateStore(ctx, storeID); err != nil {
		r.logger.Debug().Err(err).Str("store_id", storeID).Msg("store cache invalidation failed")
	}
	return nil
}

// Rules

// ListRules returns all rules when storeID is empty, otherwise the rules that
// apply to that store: its own plus the global ones. Oldest first.
func (r *Repository) ListRules(ctx context.Context, storeID string) ([]models.ScheduleRule, error) {
	rules, ok := r.cache.GetRules(ctx)
	if !ok {
		if err := r.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&rules).Error; err != nil {
			return nil, fmt.Errorf("list rules: %w", err)
		}
		_ = r.cache.SetRules(ctx, rules)
	}
	if storeID == "" {
		return rules, nil
	}
	filtered := rules[:0:0]
	for _, rule := range rules {
		if rule.AppliesTo(storeID) {
			filtered = append(filtered, rule)
		}
	}
	return filtered, nil
}

// CreateRuleRequest mirrors the admin form. An empty StoreID means all stores.
type CreateRuleRequest struct {
	StyleID   string `json:"style_id" yaml:"style_id"`
	StartTime string `json:"start_time" yaml:"start"`
	EndTime   string `json:"end_time" yaml:"end"`
	StoreID   string `json:"store_id,omitempty" yaml:"store_id,omitempty"`
}

// CreateRule validates and inserts a rule. Overlaps with existing rules are
// allowed; precedence is decided at resolution time.
func (r *Repository) CreateRule(ctx context.Context, req CreateRuleRequest) (*models.ScheduleRule, error) {
	var rule *models.ScheduleRule
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		rule, err = r.insertRule(tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.rulesChanged(ctx, rule.ID)
	return rule, nil
}

func (r *Repository) insertRule(tx *gorm.DB, req CreateRuleRequest) (*models.ScheduleRule, error) {
	window, err := schedule.ParseWindow(req.StartTime, req.EndTime)
	if err != nil {
		return nil, err
	}

	var count int64
	if err := tx.Model(&models.Style{}).Where("id = ?", req.StyleID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("check style: %w", err)
	}
	if count == 0 {
		return nil, playback.Misconfigured("style_id", "unknown style")
	}

	rule := models.ScheduleRule{
		ID:        uuid.NewString(),
		StyleID:   req.StyleID,
		StartTime: window.Start.String(),
		EndTime:   window.End.String(),
		CreatedAt: r.now().UTC(),
	}
	if storeID := strings.TrimSpace(req.StoreID); storeID != "" {
		if err := tx.Model(&models.Store{}).Where("id = ?", storeID).Count(&count).Error; err != nil {
			return nil, fmt.Errorf("check store: %w", err)
		}
		if count == 0 {
			return nil, playback.Misconfigured("store_id", "unknown store")
		}
		rule.StoreID = &storeID
	}

	if err := tx.Create(&rule).Error; err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	return &rule, nil
}

// ReplaceRules atomically swaps the whole rule set. Used by bulk imports.
func (r *Repository) ReplaceRules(ctx context.Context, reqs []CreateRuleRequest) ([]models.ScheduleRule, error) {
	created := make([]models.ScheduleRule, 0, len(reqs))
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.ScheduleRule{}).Error; err != nil {
			return fmt.Errorf("clear rules: %w", err)
		}
		for i, req := range reqs {
			rule, err := r.insertRule(tx, req)
			if err != nil {
				return fmt.Errorf("rule %d: %w", i+1, err)
			}
			created = append(created, *rule)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.rulesChanged(ctx, "")
	return created, nil
}

// DeleteRule removes a rule.
func (r *Repository) DeleteRule(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&models.ScheduleRule{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete rule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	r.rulesChanged(ctx, id)
	return nil
}

func (r *Repository) rulesChanged(ctx context.Context, ruleID string) {
	if err := r.cache.InvalidateRules(ctx); err != nil {
		r.logger.Debug().Err(err).Msg("rule cache invalidation failed")
	}
	r.publish(events.EventRulesChanged, events.Payload{"rule_id": ruleID})
}
