package trader

import (
	"context"
	"strings"
	"time"

	"call-trade-bot-go/internal/config"
	"call-trade-bot-go/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const ingestCursorName = "call-ingestion"

// Entrant opens positions for eligible users.
type Entrant interface {
	Enter(ctx context.Context, call models.Call, user models.UserTradingConfig) error
}

// CallIngestion consumes new calls in creation order and hands them to the executor for
// every user watching the originating chat.
type CallIngestion struct {
	calls    CallStore
	users    UserStore
	executor Entrant
	chain    config.Chain
	batch    int
	now      func() time.Time
	logger   *zap.Logger

	cursor *models.IngestCursor
}

var _ Loop = (*CallIngestion)(nil)

// NewCallIngestion creates the call ingestion loop.
func NewCallIngestion(calls CallStore, users UserStore, executor Entrant, chain config.Chain,
	trading config.Trading, logger *zap.Logger) *CallIngestion {
	return &CallIngestion{
		calls:    calls,
		users:    users,
		executor: executor,
		chain:    chain,
		batch:    trading.CallBatchSize,
		now:      time.Now,
		logger:   logger.Named("ingest"),
	}
}

func (c *CallIngestion) Name() string { return "call-ingestion" }

// Tick processes one batch of calls. The cursor only moves after every call in the batch
// has been considered, so a crash re-evaluates the batch.
func (c *CallIngestion) Tick(ctx context.Context) error {
	if c.cursor == nil {
		// A fresh cursor starts at process start so historical calls are not replayed.
		cursor, err := c.calls.LoadCursor(ctx, ingestCursorName, c.now())
		if err != nil {
			return err
		}
		c.cursor = &cursor
		c.logger.Info("Loaded ingestion cursor",
			zap.Time("created_at", cursor.LastCreatedAt),
			zap.Uint("call_id", cursor.LastCallID))
	}

	calls, err := c.calls.CallsAfter(ctx, *c.cursor, c.batch)
	if err != nil {
		return err
	}
	if len(calls) == 0 {
		return nil
	}

	users, err := c.users.AutoTradeUsers(ctx)
	if err != nil {
		return err
	}
	c.logger.Debug("Processing calls", zap.Int("calls", len(calls)), zap.Int("users", len(users)))

	for _, call := range calls {
		if ctx.Err() != nil {
			// Leave the cursor where it is; the batch is re-read next time.
			return ctx.Err()
		}
		c.process(ctx, call, users)
	}

	last := calls[len(calls)-1]
	next := models.IngestCursor{
		Name:          ingestCursorName,
		LastCreatedAt: last.CreatedAt,
		LastCallID:    last.ID,
	}
	if err := c.calls.SaveCursor(ctx, next); err != nil {
		return err
	}
	c.cursor = &next
	return nil
}

func (c *CallIngestion) process(ctx context.Context, call models.Call, users []models.UserTradingConfig) {
	if !strings.EqualFold(call.Chain, c.chain.Name) {
		return
	}
	if !common.IsHexAddress(call.TokenAddress) {
		c.logger.Warn("Skipping call with invalid token address",
			zap.Uint("call_id", call.ID),
			zap.String("token", call.TokenAddress))
		return
	}

	for _, user := range users {
		if !user.Watches(call.ChatID) {
			continue
		}
		if err := c.executor.Enter(ctx, call, user); err != nil {
			c.logger.Error("Entry attempt failed",
				zap.Uint("call_id", call.ID),
				zap.String("user_id", user.UserID),
				zap.String("token", call.TokenAddress),
				zap.Error(err))
		}
	}
}
