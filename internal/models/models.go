package models

import (
	"time"
)

// RoleName enumerates the token roles.
type RoleName string

const (
	RoleAdmin  RoleName = "admin"
	RolePlayer RoleName = "player"
)

// Style is a selectable music style bound to an optional mix source.
type Style struct {
	ID        string `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string `gorm:"type:varchar(128);uniqueIndex;not null" json:"name"`
	Icon      string `gorm:"type:varchar(64)" json:"icon,omitempty"`
	MixURL    string `gorm:"type:text" json:"mix_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Style) TableName() string {
	return "styles"
}

// HasMix reports whether the style can be scheduled.
func (s Style) HasMix() bool {
	return s.MixURL != ""
}

// Store is a physical location running one player.
type Store struct {
	ID             string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name           string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"name"`
	Timezone       string    `gorm:"type:varchar(64)" json:"timezone,omitempty"`
	CurrentStyleID *string   `gorm:"type:uuid" json:"current_style_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Store) TableName() string {
	return "stores"
}

// Location returns the store timezone, falling back to UTC.
func (s Store) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ProgressEntry is the resume offset and cumulative play time of one style in one store.
type ProgressEntry struct {
	StoreID      string    `gorm:"type:uuid;primaryKey" json:"store_id"`
	StyleID      string    `gorm:"type:uuid;primaryKey" json:"style_id"`
	LastPosition float64   `gorm:"not null;default:0" json:"last_position"`
	TotalPlayed  float64   `gorm:"not null;default:0" json:"total_played"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (ProgressEntry) TableName() string {
	return "store_style_progress"
}

// PlaySession records one continuous activation of a style in a store.
type PlaySession struct {
	ID        string     `gorm:"type:uuid;primaryKey" json:"id"`
	StoreID   string     `gorm:"type:uuid;index;not null" json:"store_id"`
	StyleID   string     `gorm:"type:uuid;index;not null" json:"style_id"`
	StartedAt time.Time  `gorm:"index" json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Seconds   float64    `json:"seconds"`
}

// TableName returns the table name for GORM.
func (PlaySession) TableName() string {
	return "play_sessions"
}
