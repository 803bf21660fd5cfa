package quote

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"call-trade-bot-go/internal/config"
	"call-trade-bot-go/internal/gateway"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	pricePath  = "/swap/allowance-holder/price"
	quotePath  = "/swap/allowance-holder/quote"
	apiVersion = "v2"
)

var (
	ErrInvalidAmount   = errors.New("sell amount must be a positive integer string")
	ErrNoLiquidity     = errors.New("no liquidity available for pair")
	ErrIncompleteQuote = errors.New("quote response is missing required fields")
)

// APIError is a non-2xx response from the quote API.
type APIError struct {
	StatusCode int
	Name       string `json:"name"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("quote api returned %d: %s %s", e.StatusCode, e.Name, e.Message)
}

// Enqueuer is the part of the gateway the service depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, task gateway.Task) error
}

// Transaction is the executable swap transaction. Numeric fields are decimal integer strings.
type Transaction struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Gas      string `json:"gas"`
	GasPrice string `json:"gasPrice"`
	Value    string `json:"value"`
}

type allowanceIssue struct {
	Actual  string `json:"actual"`
	Spender string `json:"spender"`
}

type priceResponse struct {
	LiquidityAvailable *bool  `json:"liquidityAvailable"`
	BuyAmount          string `json:"buyAmount"`
	SellAmount         string `json:"sellAmount"`
}

type quoteResponse struct {
	LiquidityAvailable *bool        `json:"liquidityAvailable"`
	BuyAmount          string       `json:"buyAmount"`
	SellAmount         string       `json:"sellAmount"`
	MinBuyAmount       string       `json:"minBuyAmount"`
	Transaction        *Transaction `json:"transaction"`
	Issues             struct {
		Allowance *allowanceIssue `json:"allowance"`
	} `json:"issues"`
}

// QuoteRequest describes an executable swap.
type QuoteRequest struct {
	SellToken     string
	BuyToken      string
	SellAmount    string // base units
	Taker         string
	SlippageBps   int
	IsBuyingToken bool
}

// Quote is an executable swap with its directional price in token units per native unit.
type Quote struct {
	Transaction     Transaction
	BuyAmount       decimal.Decimal
	SellAmount      decimal.Decimal
	MinBuyAmount    decimal.Decimal
	AllowanceTarget string
	Price           float64
}

// Service computes prices and executable quotes. Every upstream request goes through the gateway.
type Service struct {
	client      *resty.Client
	gw          Enqueuer
	chainID     int64
	nativeToken string
	logger      *zap.Logger
}

// NewService creates a quote service for a single chain.
func NewService(cfg config.Quote, chain config.Chain, gw Enqueuer, logger *zap.Logger) *Service {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("0x-api-key", cfg.ApiKey).
		SetHeader("0x-version", apiVersion).
		SetHeader("Accept", "application/json")

	return &Service{
		client:      client,
		gw:          gw,
		chainID:     chain.ID,
		nativeToken: chain.NativeToken,
		logger:      logger.Named("quote"),
	}
}

// GetPrice returns how many token units one native unit buys when selling amount of token.
// The boolean is false when no price could be obtained; callers must skip, not act.
func (s *Service) GetPrice(ctx context.Context, token, amount string) (float64, bool) {
	l := s.logger.With(zap.String("token", token), zap.String("amount", amount))

	if !isPositiveInteger(amount) {
		l.Warn("Price requested for invalid amount")
		return 0, false
	}

	params := map[string]string{
		"chainId":    strconv.FormatInt(s.chainID, 10),
		"sellToken":  token,
		"buyToken":   s.nativeToken,
		"sellAmount": amount,
	}

	var res priceResponse
	if err := s.doRequest(ctx, pricePath, params, &res); err != nil {
		l.Warn("Price unavailable", zap.Error(err))
		return 0, false
	}
	if res.LiquidityAvailable != nil && !*res.LiquidityAvailable {
		l.Warn("Price unavailable, no liquidity")
		return 0, false
	}

	sold := res.SellAmount
	if sold == "" {
		sold = amount
	}
	price, err := ratio(sold, res.BuyAmount)
	if err != nil || price <= 0 {
		l.Warn("Price unavailable, malformed response", zap.Error(err))
		return 0, false
	}
	return price, true
}

// GetQuote requests an executable swap quote. Errors are returned to the caller and never retried here.
func (s *Service) GetQuote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if !isPositiveInteger(req.SellAmount) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, req.SellAmount)
	}

	params := map[string]string{
		"chainId":    strconv.FormatInt(s.chainID, 10),
		"sellToken":  req.SellToken,
		"buyToken":   req.BuyToken,
		"sellAmount": req.SellAmount,
		"taker":      req.Taker,
	}
	if req.SlippageBps > 0 {
		params["slippageBps"] = strconv.Itoa(req.SlippageBps)
	}

	var res quoteResponse
	if err := s.doRequest(ctx, quotePath, params, &res); err != nil {
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}
	if res.LiquidityAvailable != nil && !*res.LiquidityAvailable {
		return nil, ErrNoLiquidity
	}
	if res.Transaction == nil || res.Transaction.To == "" || res.Transaction.Data == "" ||
		res.BuyAmount == "" || res.MinBuyAmount == "" {
		return nil, ErrIncompleteQuote
	}

	sellAmount := res.SellAmount
	if sellAmount == "" {
		sellAmount = req.SellAmount
	}
	q := &Quote{Transaction: *res.Transaction}
	var err error
	if q.BuyAmount, err = parseAmount(res.BuyAmount); err != nil {
		return nil, fmt.Errorf("invalid buyAmount: %w", err)
	}
	if q.SellAmount, err = parseAmount(sellAmount); err != nil {
		return nil, fmt.Errorf("invalid sellAmount: %w", err)
	}
	if q.MinBuyAmount, err = parseAmount(res.MinBuyAmount); err != nil {
		return nil, fmt.Errorf("invalid minBuyAmount: %w", err)
	}

	// Both directions are expressed as token per native unit.
	if req.IsBuyingToken {
		q.Price, err = ratio(res.BuyAmount, sellAmount)
	} else {
		q.Price, err = ratio(sellAmount, res.BuyAmount)
	}
	if err != nil {
		return nil, err
	}

	q.AllowanceTarget = q.Transaction.To
	if a := res.Issues.Allowance; a != nil && a.Spender != "" {
		q.AllowanceTarget = a.Spender
	}

	s.logger.Debug("Quote received",
		zap.String("sell_token", req.SellToken),
		zap.String("buy_token", req.BuyToken),
		zap.String("sell_amount", sellAmount),
		zap.String("buy_amount", res.BuyAmount),
		zap.Float64("price", q.Price),
	)
	return q, nil
}

// doRequest executes a GET through the rate-limited gateway.
func (s *Service) doRequest(ctx context.Context, path string, params map[string]string, result any) error {
	return s.gw.Enqueue(ctx, func(ctx context.Context) error {
		apiErr := &APIError{}
		resp, err := s.client.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(result).
			SetError(apiErr).
			Get(path)
		if err != nil {
			return fmt.Errorf("request to %s failed: %w", path, err)
		}
		if resp.IsError() {
			apiErr.StatusCode = resp.StatusCode()
			if apiErr.Message == "" {
				apiErr.Message = resp.String()
			}
			return apiErr
		}
		return nil
	})
}

func isPositiveInteger(s string) bool {
	if s == "" || strings.HasPrefix(s, "+") {
		return false
	}
	n, ok := new(big.Int).SetString(s, 10)
	return ok && n.Sign() > 0
}

func parseAmount(s string) (decimal.Decimal, error) {
	if !isPositiveInteger(s) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return decimal.RequireFromString(s), nil
}

// ratio returns num/den for two positive integer strings.
func ratio(num, den string) (float64, error) {
	n, err := parseAmount(num)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIncompleteQuote, err)
	}
	d, err := parseAmount(den)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIncompleteQuote, err)
	}
	return n.DivRound(d, 24).InexactFloat64(), nil
}
