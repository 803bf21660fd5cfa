package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"call-trade-bot-go/internal/database"
	"call-trade-bot-go/internal/models"

	"go.uber.org/zap"
)

// TradeReader is the read side of the trade table exposed over HTTP.
type TradeReader interface {
	ListTrades(ctx context.Context, filter database.TradeFilter) ([]models.Trade, error)
	ClosedTrades(ctx context.Context, since time.Time) ([]models.Trade, error)
	CountOpen(ctx context.Context) (int64, error)
}

// QueueDepth reports the state of the upstream request queue.
type QueueDepth interface {
	Pending() int
	Dispatched() uint64
}

var _ TradeReader = (*database.Repository)(nil)

// APIServer provides an HTTP interface for the trading engine.
type APIServer struct {
	server *http.Server
	engine *Engine
	trades TradeReader
	queue  QueueDepth
	logger *zap.Logger
}

// NewAPIServer creates a new APIServer listening on port.
func NewAPIServer(port int, engine *Engine, trades TradeReader, queue QueueDepth, logger *zap.Logger) *APIServer {
	s := &APIServer{
		engine: engine,
		trades: trades,
		queue:  queue,
		logger: logger.Named("api-server"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routes served by the API.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /trades", s.tradesHandler)
	mux.HandleFunc("GET /stats", s.statsHandler)
	return mux
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	open, err := s.trades.CountOpen(r.Context())
	if err != nil {
		s.logger.Error("Failed to count open trades", zap.Error(err))
		http.Error(w, "Failed to load status", http.StatusInternalServerError)
		return
	}

	status := struct {
		UUID            string `json:"uuid"`
		StartTime       string `json:"start_time"`
		Uptime          string `json:"uptime"`
		OpenTrades      int64  `json:"open_trades"`
		QueuePending    int    `json:"queue_pending"`
		QueueDispatched uint64 `json:"queue_dispatched"`
	}{
		UUID:            s.engine.UUID,
		StartTime:       s.engine.StartTime.Format(time.RFC3339),
		Uptime:          s.engine.Uptime().Truncate(time.Second).String(),
		OpenTrades:      open,
		QueuePending:    s.queue.Pending(),
		QueueDispatched: s.queue.Dispatched(),
	}
	s.writeJSON(w, status)
}

func (s *APIServer) tradesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.TradeFilter{
		UserID: q.Get("user_id"),
		Chain:  q.Get("chain"),
		Status: models.TradeStatus(strings.ToUpper(q.Get("status"))),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}
	switch filter.Status {
	case "", models.TradeStatusPending, models.TradeStatusActive, models.TradeStatusCompleted, models.TradeStatusFailed:
	default:
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}

	trades, err := s.trades.ListTrades(r.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to list trades", zap.Error(err))
		http.Error(w, "Failed to list trades", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, trades)
}

// StatsDetail summarises closed trades for a period.
type StatsDetail struct {
	ClosedTrades int64   `json:"closed_trades"`
	TakeProfits  int64   `json:"take_profits"`
	StopLosses   int64   `json:"stop_losses"`
	WinRate      float64 `json:"win_rate"`
}

// StatisticsResponse is the body of the /stats endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

func (s *APIServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	trades, err := s.trades.ClosedTrades(r.Context(), time.Time{})
	if err != nil {
		s.logger.Error("Failed to get trades for statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	since24h := time.Now().Add(-24 * time.Hour)
	var resp StatisticsResponse
	for _, trade := range trades {
		resp.AllTime.add(trade)
		if trade.UpdatedAt.After(since24h) {
			resp.Since24h.add(trade)
		}
	}
	resp.AllTime.finish()
	resp.Since24h.finish()
	s.writeJSON(w, resp)
}

func (d *StatsDetail) add(trade models.Trade) {
	d.ClosedTrades++
	if trade.ExitReason == nil {
		return
	}
	switch *trade.ExitReason {
	case models.ExitReasonTakeProfit:
		d.TakeProfits++
	case models.ExitReasonStopLoss:
		d.StopLosses++
	}
}

func (d *StatsDetail) finish() {
	if d.ClosedTrades > 0 {
		d.WinRate = float64(d.TakeProfits) / float64(d.ClosedTrades)
	}
}

func (s *APIServer) writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}
