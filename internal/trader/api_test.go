package trader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"call-trade-bot-go/internal/database"
	"call-trade-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedQueue int

func (q fixedQueue) Pending() int       { return int(q) }
func (q fixedQueue) Dispatched() uint64 { return 42 }

func setupAPI(t *testing.T) (*APIServer, *testEnv) {
	env := setupEnv(t)
	engine := NewEngine(zap.NewNop(), nil)
	return NewAPIServer(0, engine, env.repo, fixedQueue(3), zap.NewNop()), env
}

func get(t *testing.T, s *APIServer, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAPIServer_Health(t *testing.T) {
	s, _ := setupAPI(t)
	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK\n", rec.Body.String())
}

func TestAPIServer_Status(t *testing.T) {
	s, env := setupAPI(t)
	env.openTrade(t, "u1", "1000")

	rec := get(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, s.engine.UUID, body["uuid"])
	assert.EqualValues(t, 1, body["open_trades"])
	assert.EqualValues(t, 3, body["queue_pending"])
	assert.EqualValues(t, 42, body["queue_dispatched"])
}

func TestAPIServer_Trades(t *testing.T) {
	s, env := setupAPI(t)
	ctx := context.Background()
	env.openTrade(t, "u1", "1000")
	failed := env.openTrade(t, "u2", "1000")
	require.NoError(t, env.repo.MarkFailed(ctx, failed.ID, "test"))

	rec := get(t, s, "/trades")
	require.Equal(t, http.StatusOK, rec.Code)
	var trades []models.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	assert.Len(t, trades, 2)

	rec = get(t, s, "/trades?status=failed")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, "u2", trades[0].UserID)

	rec = get(t, s, "/trades?user_id=u1&chain=base")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, lowerToken, trades[0].TokenAddress)

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/trades?status=bogus").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/trades?limit=-1").Code)
}

func TestAPIServer_Stats(t *testing.T) {
	s, env := setupAPI(t)
	ctx := context.Background()
	for i, user := range []string{"u1", "u2", "u3"} {
		trade := env.openTrade(t, user, "1000")
		reason := models.ExitReasonTakeProfit
		if i == 0 {
			reason = models.ExitReasonStopLoss
		}
		require.NoError(t, env.repo.CompleteExit(ctx, trade.ID, database.ExitResult{Price: 1, Reason: reason, TxHash: "0xexit"}))
	}
	env.openTrade(t, "u4", "1000")

	rec := get(t, s, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats StatisticsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(3), stats.AllTime.ClosedTrades)
	assert.Equal(t, int64(2), stats.AllTime.TakeProfits)
	assert.Equal(t, int64(1), stats.AllTime.StopLosses)
	assert.InDelta(t, 2.0/3.0, stats.AllTime.WinRate, 1e-9)
	assert.Equal(t, stats.AllTime, stats.Since24h)
}

func TestAPIServer_MethodNotAllowed(t *testing.T) {
	s, _ := setupAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/trades", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
