/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/storeplay/internal/models"
)

// OpenPlaySession records the start of a style activation.
func (r *Repository) OpenPlaySession(ctx context.Context, storeID, styleID string) (*models.PlaySession, error) {
	ps := models.PlaySession{
		ID:        uuid.NewString(),
		StoreID:   storeID,
		StyleID:   styleID,
		StartedAt: r.now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&ps).Error; err != nil {
		return nil, fmt.Errorf("open play session: %w", err)
	}
	return &ps, nil
}

// ClosePlaySession stamps the end of an activation with the seconds played.
func (r *Repository) ClosePlaySession(ctx context.Context, id string, endedAt time.Time, seconds float64) error {
	res := r.db.WithContext(ctx).Model(&models.PlaySession{}).
		Where("id = ? AND ended_at IS NULL", id).
		Updates(map[string]any{"ended_at": endedAt.UTC(), "seconds": seconds})
	if res.Error != nil {
		return fmt.Errorf("close play session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseOrphanedSessions ends sessions left open by a crashed instance.
func (r *Repository) CloseOrphanedSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.PlaySession{}).
		Where("ended_at IS NULL AND started_at < ?", olderThan.UTC()).
		Update("ended_at", r.now().UTC())
	if res.Error != nil {
		return 0, fmt.Errorf("close orphaned sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Stats summarizes the catalog for the admin dashboard.
type Stats struct {
	Stores        int64 `json:"stores"`
	Styles        int64 `json:"styles"`
	StylesWithMix int64 `json:"styles_with_mix"`
	PlaySessions  int64 `json:"play_sessions"`
}

// Stats counts stores, styles, configured styles and play sessions.
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := r.db.WithContext(ctx)
	if err := db.Model(&models.Store{}).Count(&st.Stores).Error; err != nil {
		return st, fmt.Errorf("count stores: %w", err)
	}
	if err := db.Model(&models.Style{}).Count(&st.Styles).Error; err != nil {
		return st, fmt.Errorf("count styles: %w", err)
	}
	if err := db.Model(&models.Style{}).Where("mix_url <> ''").Count(&st.StylesWithMix).Error; err != nil {
		return st, fmt.Errorf("count configured styles: %w", err)
	}
	if err := db.Model(&models.PlaySession{}).Count(&st.PlaySessions).Error; err != nil {
		return st, fmt.Errorf("count play sessions: %w", err)
	}
	return st, nil
}
