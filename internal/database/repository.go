package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"call-trade-bot-go/internal/models"

	"gorm.io/gorm"
)

var (
	// ErrTradeNotActive is returned when an update targets a trade that is no longer ACTIVE.
	ErrTradeNotActive = errors.New("trade is not active")
	// ErrMissingEntryTx guards against persisting an ACTIVE trade without a submitted transaction.
	ErrMissingEntryTx = errors.New("active trade requires an entry transaction hash")
)

// settledStatuses are the statuses that make entry one-shot per (user, token).
var settledStatuses = []models.TradeStatus{
	models.TradeStatusActive,
	models.TradeStatusCompleted,
	models.TradeStatusFailed,
}

// TradeFilter narrows ListTrades. Empty fields match everything.
type TradeFilter struct {
	UserID string
	Chain  string
	Status models.TradeStatus
	Limit  int
}

// ExitResult carries the fields written when a position closes.
type ExitResult struct {
	Price  float64
	Reason models.ExitReason
	TxHash string
}

// Repository is the gorm-backed store for calls, user configs, trades and cursors.
type Repository struct {
	db *gorm.DB
}

// NewRepository wraps an open gorm connection.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// LoadCursor returns the named cursor, creating it at start when it does not exist yet.
func (r *Repository) LoadCursor(ctx context.Context, name string, start time.Time) (models.IngestCursor, error) {
	cursor := models.IngestCursor{Name: name}
	err := r.db.WithContext(ctx).
		Attrs(models.IngestCursor{LastCreatedAt: start.UTC()}).
		FirstOrCreate(&cursor, models.IngestCursor{Name: name}).Error
	if err != nil {
		return cursor, fmt.Errorf("failed to load cursor %s: %w", name, err)
	}
	return cursor, nil
}

// SaveCursor persists the cursor position.
func (r *Repository) SaveCursor(ctx context.Context, cursor models.IngestCursor) error {
	err := r.db.WithContext(ctx).Model(&models.IngestCursor{}).
		Where("name = ?", cursor.Name).
		Updates(map[string]any{
			"last_created_at": cursor.LastCreatedAt.UTC(),
			"last_call_id":    cursor.LastCallID,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to save cursor %s: %w", cursor.Name, err)
	}
	return nil
}

// CallsAfter returns up to limit calls strictly after the cursor in (created_at, id) order.
func (r *Repository) CallsAfter(ctx context.Context, cursor models.IngestCursor, limit int) ([]models.Call, error) {
	var calls []models.Call
	at := cursor.LastCreatedAt.UTC()
	err := r.db.WithContext(ctx).
		Where("created_at > ? OR (created_at = ? AND id > ?)", at, at, cursor.LastCallID).
		Order("created_at ASC").Order("id ASC").
		Limit(limit).
		Find(&calls).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch calls: %w", err)
	}
	return calls, nil
}

// CountDistinctChats counts the chats among chatIDs that called token on chain since the given time.
func (r *Repository) CountDistinctChats(ctx context.Context, chain, token string, chatIDs []string, since time.Time) (int64, error) {
	if len(chatIDs) == 0 {
		return 0, nil
	}
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Call{}).
		Where("LOWER(token_address) = ? AND LOWER(chain) = ? AND chat_id IN ? AND created_at >= ?",
			strings.ToLower(token), strings.ToLower(chain), chatIDs, since.UTC()).
		Distinct("chat_id").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count chats for %s: %w", token, err)
	}
	return count, nil
}

// AutoTradeUsers returns every user with auto-trade enabled.
func (r *Repository) AutoTradeUsers(ctx context.Context) ([]models.UserTradingConfig, error) {
	var users []models.UserTradingConfig
	if err := r.db.WithContext(ctx).Where("auto_trade_enabled = ?", true).Order("user_id").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch auto-trade users: %w", err)
	}
	return users, nil
}

// HasTrade reports whether the user already has an ACTIVE, COMPLETED or FAILED trade for token.
func (r *Repository) HasTrade(ctx context.Context, userID, token string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Trade{}).
		Where("user_id = ? AND token_address = ? AND status IN ?", userID, strings.ToLower(token), settledStatuses).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check existing trade: %w", err)
	}
	return count > 0, nil
}

// CreateActive inserts an ACTIVE, monitored trade. The entry transaction hash is mandatory.
func (r *Repository) CreateActive(ctx context.Context, trade *models.Trade) error {
	if trade.EntryTxHash == "" {
		return ErrMissingEntryTx
	}
	trade.TokenAddress = strings.ToLower(trade.TokenAddress)
	trade.Status = models.TradeStatusActive
	trade.IsMonitoring = true
	if err := r.db.WithContext(ctx).Create(trade).Error; err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

// MonitoredTrades returns every ACTIVE trade that is still being monitored.
func (r *Repository) MonitoredTrades(ctx context.Context) ([]models.Trade, error) {
	var trades []models.Trade
	err := r.db.WithContext(ctx).
		Where("status = ? AND is_monitoring = ?", models.TradeStatusActive, true).
		Order("id ASC").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch monitored trades: %w", err)
	}
	return trades, nil
}

// MarkChecked records the time of the latest price check.
func (r *Repository) MarkChecked(ctx context.Context, id uint, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ?", id).
		Update("last_checked_at", at.UTC()).Error
	if err != nil {
		return fmt.Errorf("failed to mark trade %d checked: %w", id, err)
	}
	return nil
}

// CompleteExit closes an ACTIVE trade.
func (r *Repository) CompleteExit(ctx context.Context, id uint, exit ExitResult) error {
	return r.updateActive(ctx, id, map[string]any{
		"status":        models.TradeStatusCompleted,
		"exit_price":    exit.Price,
		"exit_reason":   exit.Reason,
		"exit_tx_hash":  exit.TxHash,
		"is_monitoring": false,
		"last_error":    "",
	})
}

// RecordExitFailure counts a failed exit attempt and keeps the trade ACTIVE and monitored.
func (r *Repository) RecordExitFailure(ctx context.Context, id uint, cause error) error {
	return r.updateActive(ctx, id, map[string]any{
		"exit_attempts": gorm.Expr("exit_attempts + 1"),
		"last_error":    cause.Error(),
	})
}

// MarkFailed moves an ACTIVE trade to FAILED and stops monitoring it.
func (r *Repository) MarkFailed(ctx context.Context, id uint, cause string) error {
	return r.updateActive(ctx, id, map[string]any{
		"status":        models.TradeStatusFailed,
		"is_monitoring": false,
		"last_error":    cause,
	})
}

func (r *Repository) updateActive(ctx context.Context, id uint, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND status = ?", id, models.TradeStatusActive).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update trade %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("trade %d: %w", id, ErrTradeNotActive)
	}
	return nil
}

// ListTrades returns trades matching the filter, newest first.
func (r *Repository) ListTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error) {
	q := r.db.WithContext(ctx).Model(&models.Trade{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Chain != "" {
		q = q.Where("chain = ?", filter.Chain)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var trades []models.Trade
	if err := q.Order("created_at DESC").Limit(limit).Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}

// ClosedTrades returns COMPLETED trades last updated at or after since. A zero since returns all.
func (r *Repository) ClosedTrades(ctx context.Context, since time.Time) ([]models.Trade, error) {
	q := r.db.WithContext(ctx).Where("status = ?", models.TradeStatusCompleted)
	if !since.IsZero() {
		q = q.Where("updated_at >= ?", since.UTC())
	}
	var trades []models.Trade
	if err := q.Order("updated_at DESC").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch closed trades: %w", err)
	}
	return trades, nil
}

// CountOpen returns the number of monitored ACTIVE trades.
func (r *Repository) CountOpen(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Trade{}).
		Where("status = ? AND is_monitoring = ?", models.TradeStatusActive, true).
		Count(&count).Error
	return count, err
}
