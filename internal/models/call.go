package models

import (
	"time"

	"gorm.io/gorm"
)

// Call is a token address mentioned in a monitored chat. Rows are written by the
// ingestion collaborator and never modified here.
type Call struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	TokenAddress string    `gorm:"not null;index:idx_calls_token_created" json:"token_address"`
	Chain        string    `gorm:"not null" json:"chain"`
	ChatID       string    `gorm:"not null" json:"chat_id"`
	TokenSymbol  string    `json:"token_symbol,omitempty"`
	TokenName    string    `json:"token_name,omitempty"`
	CreatedAt    time.Time `gorm:"not null;index;index:idx_calls_token_created" json:"created_at"`
}

// BeforeSave stores CreatedAt in UTC regardless of the writer's zone.
func (c *Call) BeforeSave(tx *gorm.DB) error {
	c.CreatedAt = c.CreatedAt.UTC()
	return nil
}
