package models

import (
	"slices"

	"gorm.io/datatypes"
)

// UserTradingConfig is a user's auto-trade settings. It is owned by the API layer.
type UserTradingConfig struct {
	UserID             string                      `gorm:"primaryKey" json:"user_id"`
	AutoTradeEnabled   bool                        `gorm:"not null;default:false;index" json:"auto_trade_enabled"`
	SelectedChatIDs    datatypes.JSONSlice[string] `json:"selected_chat_ids"`
	GroupCallThreshold int                         `gorm:"not null;default:1" json:"group_call_threshold"`
	BuyAmount          float64                     `gorm:"not null" json:"buy_amount"` // native-currency units
	Slippage           float64                     `json:"slippage"`                   // percent
}

// Watches reports whether calls from chatID count toward this user.
func (u *UserTradingConfig) Watches(chatID string) bool {
	return slices.Contains(u.SelectedChatIDs, chatID)
}

// Threshold returns the configured group call threshold, never less than one.
func (u *UserTradingConfig) Threshold() int {
	return max(u.GroupCallThreshold, 1)
}
