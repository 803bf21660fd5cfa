package trader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"call-trade-bot-go/internal/config"
	"call-trade-bot-go/internal/database"
	"call-trade-bot-go/internal/models"
	"call-trade-bot-go/internal/quote"
	"call-trade-bot-go/internal/signer"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrNoDelegatedWallet is returned by Exit when the user's delegation has been revoked.
	ErrNoDelegatedWallet = errors.New("user has no delegated wallet")
	// ErrInvalidBuyAmount is returned when the configured buy amount scales to zero base units.
	ErrInvalidBuyAmount = errors.New("buy amount must be positive")
)

// Executor opens positions for eligible users and closes them on exit signals.
type Executor struct {
	calls   CallStore
	trades  TradeStore
	quotes  Quoter
	signer  Signer
	locks   Locker
	chain   config.Chain
	trading config.Trading
	now     func() time.Time
	logger  *zap.Logger
}

var (
	_ Entrant = (*Executor)(nil)
	_ Exiter  = (*Executor)(nil)
)

// NewExecutor creates a trade executor for one chain.
func NewExecutor(calls CallStore, trades TradeStore, quotes Quoter, signer Signer, locks Locker,
	chain config.Chain, trading config.Trading, logger *zap.Logger) *Executor {
	return &Executor{
		calls:   calls,
		trades:  trades,
		quotes:  quotes,
		signer:  signer,
		locks:   locks,
		chain:   chain,
		trading: trading,
		now:     time.Now,
		logger:  logger.Named("executor"),
	}
}

// Enter evaluates a call for one user and, when eligible, buys the token and persists an
// ACTIVE trade. Ineligible calls return nil; errors mean the attempt was abandoned and
// nothing was persisted.
func (e *Executor) Enter(ctx context.Context, call models.Call, user models.UserTradingConfig) error {
	token := strings.ToLower(call.TokenAddress)
	l := e.logger.With(
		zap.String("user_id", user.UserID),
		zap.String("token", token),
		zap.String("chain", call.Chain),
	)

	exists, err := e.trades.HasTrade(ctx, user.UserID, token)
	if err != nil {
		return err
	}
	if exists {
		l.Debug("Trade already exists for token, skipping")
		return nil
	}

	since := e.now().Add(-e.trading.CallWindow)
	chats, err := e.calls.CountDistinctChats(ctx, call.Chain, token, user.SelectedChatIDs, since)
	if err != nil {
		return err
	}
	if chats < int64(user.Threshold()) {
		l.Debug("Call threshold not reached",
			zap.Int64("chats", chats),
			zap.Int("threshold", user.Threshold()))
		return nil
	}

	unlock, ok, err := e.locks.TryLock(ctx, executionKey(user.UserID, token))
	if err != nil {
		return fmt.Errorf("failed to acquire execution lock: %w", err)
	}
	if !ok {
		l.Debug("Entry already in flight, skipping")
		return nil
	}
	defer unlock()

	// Another attempt may have persisted between the first check and the lock.
	if exists, err = e.trades.HasTrade(ctx, user.UserID, token); err != nil || exists {
		return err
	}

	l.Info("Call threshold reached, opening position",
		zap.Int64("chats", chats),
		zap.Int("threshold", user.Threshold()),
		zap.Float64("buy_amount", user.BuyAmount))

	wallet, ok, err := e.signer.GetDelegatedWallet(ctx, user.UserID)
	if err != nil {
		return err
	}
	if !ok {
		l.Info("No delegated wallet for user, skipping")
		return nil
	}

	sellAmount := decimal.NewFromFloat(user.BuyAmount).Shift(e.chain.NativeDecimals).Truncate(0)
	if !sellAmount.IsPositive() {
		return fmt.Errorf("%w: %v", ErrInvalidBuyAmount, user.BuyAmount)
	}

	slippage := e.slippageBps(user.Slippage)
	q, err := e.quotes.GetQuote(ctx, quote.QuoteRequest{
		SellToken:     e.chain.NativeToken,
		BuyToken:      token,
		SellAmount:    sellAmount.String(),
		Taker:         wallet,
		SlippageBps:   slippage,
		IsBuyingToken: true,
	})
	if err != nil {
		return fmt.Errorf("failed to quote entry: %w", err)
	}

	hash, err := e.swap(ctx, wallet, token, q, signer.SideBuy)
	if err != nil {
		return fmt.Errorf("failed to execute entry swap: %w", err)
	}

	trade := &models.Trade{
		UserID:          user.UserID,
		TokenAddress:    token,
		Chain:           call.Chain,
		Amount:          q.MinBuyAmount,
		EntryPrice:      q.Price,
		EntryTxHash:     hash,
		StopLossPrice:   q.Price * e.trading.StopLossRatio,
		TakeProfitPrice: q.Price * e.trading.TakeProfitRatio,
		SlippageBps:     slippage,
	}
	if err := e.trades.CreateActive(ctx, trade); err != nil {
		// Funds have moved; the hash is the only record of this position.
		l.Error("Entry swap submitted but trade could not be saved",
			zap.String("tx_hash", hash), zap.Error(err))
		return err
	}

	l.Info("Position opened",
		zap.Uint("trade_id", trade.ID),
		zap.String("tx_hash", hash),
		zap.Float64("entry_price", trade.EntryPrice),
		zap.Float64("stop_loss", trade.StopLossPrice),
		zap.Float64("take_profit", trade.TakeProfitPrice))
	return nil
}

// Exit sells the full position after price crossed a threshold and completes the trade.
// The recorded exit price comes from the sell quote, not the trigger price. On error
// nothing is written and the trade stays ACTIVE for the next tick.
func (e *Executor) Exit(ctx context.Context, trade models.Trade, price float64, reason models.ExitReason) error {
	l := e.logger.With(
		zap.Uint("trade_id", trade.ID),
		zap.String("user_id", trade.UserID),
		zap.String("token", trade.TokenAddress),
		zap.String("reason", string(reason)),
		zap.Float64("trigger_price", price),
	)

	wallet, ok, err := e.signer.GetDelegatedWallet(ctx, trade.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoDelegatedWallet
	}

	slippage := trade.SlippageBps
	if slippage <= 0 {
		slippage = e.trading.DefaultSlippageBps
	}
	q, err := e.quotes.GetQuote(ctx, quote.QuoteRequest{
		SellToken:   trade.TokenAddress,
		BuyToken:    e.chain.NativeToken,
		SellAmount:  trade.Amount.String(),
		Taker:       wallet,
		SlippageBps: slippage,
	})
	if err != nil {
		return fmt.Errorf("failed to quote exit: %w", err)
	}

	hash, err := e.swap(ctx, wallet, trade.TokenAddress, q, signer.SideSell)
	if err != nil {
		return fmt.Errorf("failed to execute exit swap: %w", err)
	}

	if err := e.trades.CompleteExit(ctx, trade.ID, database.ExitResult{
		Price:  q.Price,
		Reason: reason,
		TxHash: hash,
	}); err != nil {
		l.Error("Exit swap submitted but trade could not be updated",
			zap.String("tx_hash", hash), zap.Error(err))
		return err
	}

	l.Info("Position closed",
		zap.String("tx_hash", hash),
		zap.Float64("entry_price", trade.EntryPrice),
		zap.Float64("exit_price", q.Price))
	return nil
}

func (e *Executor) swap(ctx context.Context, wallet, token string, q *quote.Quote, side signer.Side) (string, error) {
	if e.trading.DryRun {
		hash := "dryrun-" + uuid.NewString()
		e.logger.Warn("Dry run enabled. No real swap will be submitted.",
			zap.String("token", token),
			zap.String("side", string(side)),
			zap.String("tx_hash", hash))
		return hash, nil
	}
	return e.signer.ExecuteSwap(ctx, signer.SwapRequest{
		WalletAddress: wallet,
		Transaction:   signer.Transaction(q.Transaction),
		TokenAddress:  token,
		Spender:       q.AllowanceTarget,
		Side:          side,
	})
}

// slippageBps converts a user slippage percentage into basis points.
func (e *Executor) slippageBps(percent float64) int {
	if percent <= 0 {
		return e.trading.DefaultSlippageBps
	}
	return int(math.Round(percent * 100))
}
