package trader

import (
	"context"
	"errors"
	"time"

	"call-trade-bot-go/internal/database"
	"call-trade-bot-go/internal/models"

	"go.uber.org/zap"
)

// Exiter closes positions.
type Exiter interface {
	Exit(ctx context.Context, trade models.Trade, price float64, reason models.ExitReason) error
}

// PositionMonitor checks every monitored trade against its stop-loss and take-profit
// thresholds and closes the ones that crossed.
type PositionMonitor struct {
	trades   TradeStore
	quotes   Quoter
	executor Exiter
	now      func() time.Time
	logger   *zap.Logger
}

var _ Loop = (*PositionMonitor)(nil)

// NewPositionMonitor creates the position monitoring loop.
func NewPositionMonitor(trades TradeStore, quotes Quoter, executor Exiter, logger *zap.Logger) *PositionMonitor {
	return &PositionMonitor{
		trades:   trades,
		quotes:   quotes,
		executor: executor,
		now:      time.Now,
		logger:   logger.Named("monitor"),
	}
}

func (m *PositionMonitor) Name() string { return "position-monitor" }

// Tick evaluates every ACTIVE monitored trade once. Failures are isolated per trade.
func (m *PositionMonitor) Tick(ctx context.Context) error {
	trades, err := m.trades.MonitoredTrades(ctx)
	if err != nil {
		return err
	}
	for _, trade := range trades {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.check(ctx, trade)
	}
	return nil
}

func (m *PositionMonitor) check(ctx context.Context, trade models.Trade) {
	l := m.logger.With(
		zap.Uint("trade_id", trade.ID),
		zap.String("user_id", trade.UserID),
		zap.String("token", trade.TokenAddress),
	)

	if !trade.Amount.IsPositive() || !trade.Amount.IsInteger() {
		// No quote can ever be built for this amount.
		l.Error("Trade amount cannot be sold, marking failed", zap.String("amount", trade.Amount.String()))
		if err := m.trades.MarkFailed(ctx, trade.ID, "unsellable amount "+trade.Amount.String()); err != nil {
			l.Error("Failed to mark trade failed", zap.Error(err))
		}
		return
	}

	price, ok := m.quotes.GetPrice(ctx, trade.TokenAddress, trade.Amount.String())
	if !ok {
		l.Warn("Price unavailable, skipping")
		return
	}

	reason, exit := exitReason(trade, price)
	if !exit {
		if err := m.trades.MarkChecked(ctx, trade.ID, m.now()); err != nil {
			l.Error("Failed to update last checked time", zap.Error(err))
		}
		return
	}

	l.Info("Exit condition met",
		zap.String("reason", string(reason)),
		zap.Float64("price", price),
		zap.Float64("stop_loss", trade.StopLossPrice),
		zap.Float64("take_profit", trade.TakeProfitPrice))

	if err := m.executor.Exit(ctx, trade, price, reason); err != nil {
		l.Error("Exit failed, will retry next tick", zap.Error(err))
		if errors.Is(err, database.ErrTradeNotActive) {
			return
		}
		if err := m.trades.RecordExitFailure(ctx, trade.ID, err); err != nil {
			l.Error("Failed to record exit failure", zap.Error(err))
		}
	}
}

// exitReason compares price against the trade thresholds. Stop-loss wins when both apply.
func exitReason(trade models.Trade, price float64) (models.ExitReason, bool) {
	switch {
	case price <= trade.StopLossPrice:
		return models.ExitReasonStopLoss, true
	case price >= trade.TakeProfitPrice:
		return models.ExitReasonTakeProfit, true
	default:
		return "", false
	}
}
