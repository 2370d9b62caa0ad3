/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// ScheduleRule binds a daily time window to a style.
// A nil StoreID makes the rule global.
type ScheduleRule struct {
	ID        string  `gorm:"type:uuid;primaryKey" json:"id"`
	StyleID   string  `gorm:"type:uuid;index:idx_schedule_rules_style;not null" json:"style_id"`
	StartTime string  `gorm:"type:varchar(5);not null" json:"start_time"` // HH:MM
	EndTime   string  `gorm:"type:varchar(5);not null" json:"end_time"`   // HH:MM, exclusive
	StoreID   *string `gorm:"type:uuid;index:idx_schedule_rules_store" json:"store_id,omitempty"`

	Style *Style `gorm:"foreignKey:StyleID" json:"style,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (ScheduleRule) TableName() string {
	return "schedule_rules"
}

// IsGlobal reports whether the rule applies to every store.
func (r ScheduleRule) IsGlobal() bool {
	return r.StoreID == nil || *r.StoreID == ""
}

// AppliesTo reports whether the rule is global or scoped to storeID.
func (r ScheduleRule) AppliesTo(storeID string) bool {
	return r.IsGlobal() || *r.StoreID == storeID
}
