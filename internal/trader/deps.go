package trader

import (
	"context"
	"time"

	"call-trade-bot-go/internal/database"
	"call-trade-bot-go/internal/models"
	"call-trade-bot-go/internal/quote"
	"call-trade-bot-go/internal/signer"
)

// CallStore reads the call feed and persists the ingestion cursor.
type CallStore interface {
	LoadCursor(ctx context.Context, name string, start time.Time) (models.IngestCursor, error)
	SaveCursor(ctx context.Context, cursor models.IngestCursor) error
	CallsAfter(ctx context.Context, cursor models.IngestCursor, limit int) ([]models.Call, error)
	CountDistinctChats(ctx context.Context, chain, token string, chatIDs []string, since time.Time) (int64, error)
}

// UserStore reads user trading configurations.
type UserStore interface {
	AutoTradeUsers(ctx context.Context) ([]models.UserTradingConfig, error)
}

// TradeStore is the single durable mutation point for trades.
type TradeStore interface {
	HasTrade(ctx context.Context, userID, token string) (bool, error)
	CreateActive(ctx context.Context, trade *models.Trade) error
	MonitoredTrades(ctx context.Context) ([]models.Trade, error)
	MarkChecked(ctx context.Context, id uint, at time.Time) error
	CompleteExit(ctx context.Context, id uint, exit database.ExitResult) error
	RecordExitFailure(ctx context.Context, id uint, cause error) error
	MarkFailed(ctx context.Context, id uint, cause string) error
}

// Quoter prices tokens and builds executable swaps.
type Quoter interface {
	GetPrice(ctx context.Context, token, amount string) (float64, bool)
	GetQuote(ctx context.Context, req quote.QuoteRequest) (*quote.Quote, error)
}

// Signer resolves delegated wallets and submits swaps.
type Signer interface {
	GetDelegatedWallet(ctx context.Context, userID string) (string, bool, error)
	ExecuteSwap(ctx context.Context, req signer.SwapRequest) (string, error)
}

var (
	_ CallStore  = (*database.Repository)(nil)
	_ UserStore  = (*database.Repository)(nil)
	_ TradeStore = (*database.Repository)(nil)
	_ Quoter     = (*quote.Service)(nil)
	_ Signer     = (*signer.Client)(nil)
)
