package trader

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"call-trade-bot-go/internal/config"
	"call-trade-bot-go/internal/database"
	"call-trade-bot-go/internal/models"
	"call-trade-bot-go/internal/quote"
	"call-trade-bot-go/internal/signer"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	native  = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"
	token   = "0xAbC0000000000000000000000000000000000001"
	wallet  = "0x1111111111111111111111111111111111111111"
	spender = "0x0000000000001fF3684f28c67538d4D072C22734"
)

var lowerToken = strings.ToLower(token)

// MockQuoter is a mock implementation of the Quoter interface.
type MockQuoter struct {
	mock.Mock
}

func (m *MockQuoter) GetPrice(ctx context.Context, token, amount string) (float64, bool) {
	args := m.Called(token, amount)
	return args.Get(0).(float64), args.Bool(1)
}

func (m *MockQuoter) GetQuote(ctx context.Context, req quote.QuoteRequest) (*quote.Quote, error) {
	args := m.Called(req)
	q, _ := args.Get(0).(*quote.Quote)
	return q, args.Error(1)
}

// MockSigner is a mock implementation of the Signer interface.
type MockSigner struct {
	mock.Mock
}

func (m *MockSigner) GetDelegatedWallet(ctx context.Context, userID string) (string, bool, error) {
	args := m.Called(userID)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockSigner) ExecuteSwap(ctx context.Context, req signer.SwapRequest) (string, error) {
	args := m.Called(req)
	return args.String(0), args.Error(1)
}

var (
	testChain = config.Chain{Name: "base", ID: 8453, NativeToken: native, NativeDecimals: 18}

	testTrading = config.Trading{
		CallWindow:         24 * time.Hour,
		CallBatchSize:      100,
		StopLossRatio:      0.75,
		TakeProfitRatio:    2,
		DefaultSlippageBps: 100,
	}
)

// setupRepo opens an isolated in-memory database for one test.
func setupRepo(t *testing.T) (*database.Repository, *gorm.DB) {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.NewDatabase(config.Database{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return database.NewRepository(db), db
}

// testEnv wires an executor and monitor against a real repository and mocked upstreams.
type testEnv struct {
	repo    *database.Repository
	db      *gorm.DB
	quotes  *MockQuoter
	signer  *MockSigner
	locks   *ExecutionLocks
	exec    *Executor
	monitor *PositionMonitor
	now     time.Time
}

func setupEnv(t *testing.T) *testEnv {
	repo, db := setupRepo(t)
	env := &testEnv{
		repo:   repo,
		db:     db,
		quotes: new(MockQuoter),
		signer: new(MockSigner),
		locks:  NewExecutionLocks(),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.exec = NewExecutor(repo, repo, env.quotes, env.signer, env.locks, testChain, testTrading, zap.NewNop())
	env.exec.now = func() time.Time { return env.now }
	env.monitor = NewPositionMonitor(repo, env.quotes, env.exec, zap.NewNop())
	env.monitor.now = func() time.Time { return env.now }
	return env
}

func (e *testEnv) addCall(t *testing.T, chatID string, age time.Duration) models.Call {
	call := models.Call{TokenAddress: token, Chain: "base", ChatID: chatID, CreatedAt: e.now.Add(-age)}
	require.NoError(t, e.db.Create(&call).Error)
	return call
}

func (e *testEnv) trades(t *testing.T) []models.Trade {
	var trades []models.Trade
	require.NoError(t, e.db.Order("id ASC").Find(&trades).Error)
	return trades
}

func (e *testEnv) openTrade(t *testing.T, userID, amount string) models.Trade {
	trade := &models.Trade{
		UserID:          userID,
		TokenAddress:    token,
		Chain:           "base",
		Amount:          decimal.RequireFromString(amount),
		EntryPrice:      100,
		EntryTxHash:     "0xentry",
		StopLossPrice:   75,
		TakeProfitPrice: 200,
		SlippageBps:     150,
	}
	require.NoError(t, e.repo.CreateActive(context.Background(), trade))
	return *trade
}

func testUser() models.UserTradingConfig {
	return models.UserTradingConfig{
		UserID:             "u1",
		AutoTradeEnabled:   true,
		SelectedChatIDs:    []string{"a", "b", "c"},
		GroupCallThreshold: 2,
		BuyAmount:          0.5,
		Slippage:           1.5,
	}
}

func testQuote(price float64, minBuy string) *quote.Quote {
	return &quote.Quote{
		Transaction:     quote.Transaction{To: spender, Data: "0xabcdef", Gas: "210000", GasPrice: "1000000000", Value: "0"},
		MinBuyAmount:    decimal.RequireFromString(minBuy),
		AllowanceTarget: spender,
		Price:           price,
	}
}

func isBuy(req quote.QuoteRequest) bool {
	return req.IsBuyingToken && req.SellToken == native && req.BuyToken == lowerToken
}

func isSell(req quote.QuoteRequest) bool {
	return !req.IsBuyingToken && req.SellToken == lowerToken && req.BuyToken == native
}

func swapSide(side signer.Side) any {
	return mock.MatchedBy(func(req signer.SwapRequest) bool { return req.Side == side })
}
