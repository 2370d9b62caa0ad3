/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package progress tracks where each store left off in each style and how
// long it has played it.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/storeplay/internal/models"
)

// Update is one pending write: the latest position and the play time
// accrued since the previous successful write.
type Update struct {
	StoreID  string
	StyleID  string
	Position float64
	Played   float64
	At       time.Time
}

// Store persists progress entries.
type Store interface {
	// Get returns nil, nil when the pair has never been recorded.
	Get(ctx context.Context, storeID, styleID string) (*models.ProgressEntry, error)
	ListForStore(ctx context.Context, storeID string) ([]models.ProgressEntry, error)
	// Save overwrites positions and adds Played to the stored totals.
	Save(ctx context.Context, updates []Update) error
}

// GormStore is the database-backed Store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Get loads one entry.
func (s *GormStore) Get(ctx context.Context, storeID, styleID string) (*models.ProgressEntry, error) {
	var entry models.ProgressEntry
	err := s.db.WithContext(ctx).
		Where("store_id = ? AND style_id = ?", storeID, styleID).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return &entry, nil
}

// ListForStore loads every entry of a store.
func (s *GormStore) ListForStore(ctx context.Context, storeID string) ([]models.ProgressEntry, error) {
	var entries []models.ProgressEntry
	if err := s.db.WithContext(ctx).Where("store_id = ?", storeID).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	return entries, nil
}

// Save upserts all updates in one transaction. Totals are accumulated in SQL
// so concurrent writers never lose play time.
func (s *GormStore) Save(ctx context.Context, updates []Update) error {
	if len(updates) == 0 {
		return nil
	}
	total := gorm.Expr("store_style_progress.total_played + excluded.total_played")
	if s.db.Dialector.Name() == "mysql" {
		total = gorm.Expr("total_played + VALUES(total_played)")
	}
	onConflict := clause.OnConflict{
		Columns: []clause.Column{{Name: "store_id"}, {Name: "style_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_position": gorm.Expr("excluded.last_position"),
			"total_played":  total,
			"updated_at":    gorm.Expr("excluded.updated_at"),
		}),
	}
	if s.db.Dialector.Name() == "mysql" {
		onConflict.DoUpdates = clause.Assignments(map[string]any{
			"last_position": gorm.Expr("VALUES(last_position)"),
			"total_played":  total,
			"updated_at":    gorm.Expr("VALUES(updated_at)"),
		})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			row := models.ProgressEntry{
				StoreID:      u.StoreID,
				StyleID:      u.StyleID,
				LastPosition: u.Position,
				TotalPlayed:  u.Played,
				UpdatedAt:    u.At,
			}
			if err := tx.Clauses(onConflict).Create(&row).Error; err != nil {
				return fmt.Errorf("save progress %s/%s: %w", u.StoreID, u.StyleID, err)
			}
		}
		return nil
	})
}
