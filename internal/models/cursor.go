package models

import "time"

// IngestCursor remembers the last call a loop has considered, ordered by (created_at, id).
type IngestCursor struct {
	Name          string    `gorm:"primaryKey"`
	LastCreatedAt time.Time `gorm:"not null"`
	LastCallID    uint      `gorm:"not null"`
	UpdatedAt     time.Time
}
