package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TradeStatus is the lifecycle state of a Trade.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "PENDING"
	TradeStatusActive    TradeStatus = "ACTIVE"
	TradeStatusCompleted TradeStatus = "COMPLETED"
	TradeStatusFailed    TradeStatus = "FAILED"
)

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitReasonStopLoss   ExitReason = "STOP_LOSS"
	ExitReasonTakeProfit ExitReason = "TAKE_PROFIT"
)

// Trade is a position opened on behalf of a user for a single token.
// Prices are expressed as token units per native-currency unit.
type Trade struct {
	gorm.Model
	UserID          string          `gorm:"not null;index:idx_trades_user_token" json:"user_id"`
	TokenAddress    string          `gorm:"not null;index:idx_trades_user_token" json:"token_address"`
	Chain           string          `gorm:"not null;index" json:"chain"`
	Status          TradeStatus     `gorm:"type:varchar(16);not null;index" json:"status"`
	Amount          decimal.Decimal `gorm:"type:varchar(80);not null" json:"amount"` // token base units
	EntryPrice      float64         `json:"entry_price"`
	EntryTxHash     string          `json:"entry_tx_hash"`
	StopLossPrice   float64         `json:"stop_loss_price"`
	TakeProfitPrice float64         `json:"take_profit_price"`
	SlippageBps     int             `json:"slippage_bps"`
	ExitPrice       *float64        `json:"exit_price,omitempty"`
	ExitReason      *ExitReason     `gorm:"type:varchar(16)" json:"exit_reason,omitempty"`
	ExitTxHash      *string         `json:"exit_tx_hash,omitempty"`
	ExitAttempts    int             `json:"exit_attempts"`
	LastError       string          `json:"last_error,omitempty"`
	IsMonitoring    bool            `gorm:"not null;default:false;index" json:"is_monitoring"`
	LastCheckedAt   *time.Time      `json:"last_checked_at,omitempty"`
}
