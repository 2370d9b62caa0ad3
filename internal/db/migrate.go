/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/friendsincode/storeplay/internal/models"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.Style{},
		&models.Store{},
		&models.ScheduleRule{},
		&models.ProgressEntry{},
		&models.PlaySession{},
	); err != nil {
		return err
	}

	if err := clearDanglingCurrentStyles(database); err != nil {
		return err
	}
	return nil
}

// clearDanglingCurrentStyles resets stores pointing at deleted styles so a
// player never restores a style that no longer exists.
func clearDanglingCurrentStyles(database *gorm.DB) error {
	err := database.Model(&models.Store{}).
		Where("current_style_id IS NOT NULL AND current_style_id NOT IN (?)",
			database.Model(&models.Style{}).Select("id")).
		Update("current_style_id", nil).Error
	if err != nil {
		return fmt.Errorf("clear dangling current styles: %w", err)
	}
	return nil
}
