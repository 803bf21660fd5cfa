package trader

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"call-trade-bot-go/internal/database"
	"call-trade-bot-go/internal/models"
	"call-trade-bot-go/internal/quote"
	"call-trade-bot-go/internal/signer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// expectEntry sets up a successful wallet lookup, buy quote and swap.
func (e *testEnv) expectEntry(hash string) {
	e.signer.On("GetDelegatedWallet", "u1").Return(wallet, true, nil).Once()
	e.quotes.On("GetQuote", mock.MatchedBy(isBuy)).Return(testQuote(100, "5000"), nil).Once()
	e.signer.On("ExecuteSwap", swapSide(signer.SideBuy)).Return(hash, nil).Once()
}

func TestExecutor_Enter_OpensPosition(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.addCall(t, "a", time.Hour)
	call := env.addCall(t, "b", time.Minute)

	env.signer.On("GetDelegatedWallet", "u1").Return(wallet, true, nil).Once()
	env.quotes.On("GetQuote", mock.MatchedBy(func(req quote.QuoteRequest) bool {
		return isBuy(req) &&
			req.SellAmount == "500000000000000000" &&
			req.Taker == wallet &&
			req.SlippageBps == 150
	})).Return(testQuote(100, "5000"), nil).Once()
	env.signer.On("ExecuteSwap", mock.MatchedBy(func(req signer.SwapRequest) bool {
		return req.Side == signer.SideBuy &&
			req.WalletAddress == wallet &&
			req.TokenAddress == lowerToken &&
			req.Spender == spender &&
			req.Transaction.Data == "0xabcdef"
	})).Return("0xentry", nil).Once()

	require.NoError(t, env.exec.Enter(ctx, call, testUser()))

	trades := env.trades(t)
	require.Len(t, trades, 1)
	trade := trades[0]
	assert.Equal(t, models.TradeStatusActive, trade.Status)
	assert.True(t, trade.IsMonitoring)
	assert.Equal(t, "0xentry", trade.EntryTxHash)
	assert.Equal(t, lowerToken, trade.TokenAddress)
	assert.Equal(t, "5000", trade.Amount.String())
	assert.InDelta(t, 100.0, trade.EntryPrice, 1e-9)
	assert.InDelta(t, 75.0, trade.StopLossPrice, 1e-9)
	assert.InDelta(t, 200.0, trade.TakeProfitPrice, 1e-9)
	assert.Equal(t, 150, trade.SlippageBps)
	assert.Zero(t, env.locks.Len(), "lock must be released")
	env.quotes.AssertExpectations(t)
	env.signer.AssertExpectations(t)
}

func TestExecutor_Enter_ThresholdGating(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	user := testUser()
	user.GroupCallThreshold = 3

	// No upstream expectations: any call before the threshold is reached fails the test.
	call := env.addCall(t, "a", time.Hour)
	require.NoError(t, env.exec.Enter(ctx, call, user))

	call = env.addCall(t, "a", 30*time.Minute)
	require.NoError(t, env.exec.Enter(ctx, call, user), "repeat calls from one chat count once")

	call = env.addCall(t, "z", 20*time.Minute)
	require.NoError(t, env.exec.Enter(ctx, call, user), "unselected chats do not count")

	call = env.addCall(t, "b", 25*time.Hour)
	require.NoError(t, env.exec.Enter(ctx, call, user), "calls outside the window do not count")

	call = env.addCall(t, "b", 10*time.Minute)
	require.NoError(t, env.exec.Enter(ctx, call, user))
	assert.Empty(t, env.trades(t))
	env.signer.AssertNotCalled(t, "GetDelegatedWallet", mock.Anything)

	env.expectEntry("0xentry")
	call = env.addCall(t, "c", time.Minute)
	require.NoError(t, env.exec.Enter(ctx, call, user))
	assert.Len(t, env.trades(t), 1)
	env.signer.AssertExpectations(t)
}

func TestExecutor_Enter_Idempotent(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.addCall(t, "a", time.Hour)
	call := env.addCall(t, "b", time.Minute)

	env.expectEntry("0xentry")
	require.NoError(t, env.exec.Enter(ctx, call, testUser()))
	require.Len(t, env.trades(t), 1)

	// Further calls for the same token never reach the upstreams again.
	for _, chat := range []string{"a", "b", "c"} {
		call := env.addCall(t, chat, 0)
		require.NoError(t, env.exec.Enter(ctx, call, testUser()))
	}

	// A closed position still blocks re-entry.
	trade := env.trades(t)[0]
	require.NoError(t, env.repo.CompleteExit(ctx, trade.ID, database.ExitResult{
		Price: 210, Reason: models.ExitReasonTakeProfit, TxHash: "0xexit",
	}))
	require.NoError(t, env.exec.Enter(ctx, call, testUser()))

	assert.Len(t, env.trades(t), 1)
	env.signer.AssertNumberOfCalls(t, "GetDelegatedWallet", 1)
	env.signer.AssertNumberOfCalls(t, "ExecuteSwap", 1)
}

func TestExecutor_Enter_LockHeld(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.addCall(t, "a", time.Hour)
	call := env.addCall(t, "b", time.Minute)

	unlock, ok, err := env.locks.TryLock(ctx, executionKey("u1", token))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, env.exec.Enter(ctx, call, testUser()))
	assert.Empty(t, env.trades(t))
	env.signer.AssertNotCalled(t, "GetDelegatedWallet", mock.Anything)

	unlock()
	env.expectEntry("0xentry")
	require.NoError(t, env.exec.Enter(ctx, call, testUser()))
	assert.Len(t, env.trades(t), 1)
}

func TestExecutor_Enter_SignerFailureLeavesNoTrade(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.addCall(t, "a", time.Hour)
	call := env.addCall(t, "b", time.Minute)

	env.signer.On("GetDelegatedWallet", "u1").Return(wallet, true, nil).Once()
	env.quotes.On("GetQuote", mock.MatchedBy(isBuy)).Return(testQuote(100, "5000"), nil).Once()
	env.signer.On("ExecuteSwap", swapSide(signer.SideBuy)).Return("", errors.New("signer unavailable")).Once()

	err := env.exec.Enter(ctx, call, testUser())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signer unavailable")
	assert.Empty(t, env.trades(t))
	assert.Zero(t, env.locks.Len(), "lock must be released on error")

	// The next call for the token retries the entry.
	env.expectEntry("0xentry")
	require.NoError(t, env.exec.Enter(ctx, call, testUser()))
	trades := env.trades(t)
	require.Len(t, trades, 1)
	assert.Equal(t, "0xentry", trades[0].EntryTxHash)
}

func TestExecutor_Enter_QuoteFailureLeavesNoTrade(t *testing.T) {
	env := setupEnv(t)
	env.addCall(t, "a", time.Hour)
	call := env.addCall(t, "b", time.Minute)

	env.signer.On("GetDelegatedWallet", "u1").Return(wallet, true, nil).Once()
	env.quotes.On("GetQuote", mock.Anything).Return(nil, quote.ErrNoLiquidity).Once()

	err := env.exec.Enter(context.Background(), call, testUser())
	assert.ErrorIs(t, err, quote.ErrNoLiquidity)
	assert.Empty(t, env.trades(t))
	env.signer.AssertNotCalled(t, "ExecuteSwap", mock.Anything)
}

func TestExecutor_Enter_NoDelegatedWallet(t *testing.T) {
	env := setupEnv(t)
	env.addCall(t, "a", time.Hour)
	call := env.addCall(t, "b", time.Minute)

	env.signer.On("GetDelegatedWallet", "u1").Return("", false, nil).Once()

	require.NoError(t, env.exec.Enter(context.Background(), call, testUser()))
	assert.Empty(t, env.trades(t))
	env.quotes.AssertNotCalled(t, "GetQuote", mock.Anything)
}

func TestExecutor_Enter_DryRun(t *testing.T) {
	env := setupEnv(t)
	env.exec.trading.DryRun = true
	env.addCall(t, "a", time.Hour)
	call := env.addCall(t, "b", time.Minute)

	env.signer.On("GetDelegatedWallet", "u1").Return(wallet, true, nil).Once()
	env.quotes.On("GetQuote", mock.MatchedBy(isBuy)).Return(testQuote(100, "5000"), nil).Once()

	require.NoError(t, env.exec.Enter(context.Background(), call, testUser()))
	trades := env.trades(t)
	require.Len(t, trades, 1)
	assert.True(t, strings.HasPrefix(trades[0].EntryTxHash, "dryrun-"))
	env.signer.AssertNotCalled(t, "ExecuteSwap", mock.Anything)
}

func TestExecutor_Enter_DefaultSlippage(t *testing.T) {
	env := setupEnv(t)
	env.addCall(t, "a", time.Hour)
	call := env.addCall(t, "b", time.Minute)
	user := testUser()
	user.Slippage = 0

	env.signer.On("GetDelegatedWallet", "u1").Return(wallet, true, nil).Once()
	env.quotes.On("GetQuote", mock.MatchedBy(func(req quote.QuoteRequest) bool {
		return req.SlippageBps == testTrading.DefaultSlippageBps
	})).Return(testQuote(100, "5000"), nil).Once()
	env.signer.On("ExecuteSwap", swapSide(signer.SideBuy)).Return("0xentry", nil).Once()

	require.NoError(t, env.exec.Enter(context.Background(), call, user))
	assert.Equal(t, testTrading.DefaultSlippageBps, env.trades(t)[0].SlippageBps)
}

func TestExecutor_Enter_InvalidBuyAmount(t *testing.T) {
	env := setupEnv(t)
	env.addCall(t, "a", time.Hour)
	call := env.addCall(t, "b", time.Minute)
	user := testUser()
	user.BuyAmount = 0

	env.signer.On("GetDelegatedWallet", "u1").Return(wallet, true, nil).Once()

	err := env.exec.Enter(context.Background(), call, user)
	assert.ErrorIs(t, err, ErrInvalidBuyAmount)
	env.quotes.AssertNotCalled(t, "GetQuote", mock.Anything)
}

func TestExecutor_Exit_NoDelegatedWallet(t *testing.T) {
	env := setupEnv(t)
	trade := env.openTrade(t, "u1", "1000")
	env.signer.On("GetDelegatedWallet", "u1").Return("", false, nil).Once()

	err := env.exec.Exit(context.Background(), trade, 50, models.ExitReasonStopLoss)
	assert.ErrorIs(t, err, ErrNoDelegatedWallet)
	assert.Equal(t, models.TradeStatusActive, env.trades(t)[0].Status)
}
