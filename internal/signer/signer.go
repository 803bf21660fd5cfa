package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"call-trade-bot-go/internal/config"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	userPath = "/api/v1/users/{user_id}"
	rpcPath  = "/api/v1/wallets/rpc"

	chainTypeEthereum = "ethereum"
	methodSendTx      = "eth_sendTransaction"

	walletLookupMaxElapsed = 10 * time.Second
)

// approveSelector is the first four bytes of keccak256("approve(address,uint256)").
var approveSelector = common.Hex2Bytes("095ea7b3")

// ErrInvalidTransaction is returned when a swap transaction cannot be encoded for the signer.
var ErrInvalidTransaction = errors.New("invalid swap transaction")

// Side is the direction of a swap relative to the traded token.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// APIError is a non-2xx response from the signing API.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("signer api returned %d: %s", e.StatusCode, e.Message)
}

// Transaction is an unsigned EVM transaction with decimal integer numeric fields.
type Transaction struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Gas      string `json:"gas"`
	GasPrice string `json:"gasPrice"`
	Value    string `json:"value"`
}

// SwapRequest describes a swap to submit from a delegated wallet.
type SwapRequest struct {
	WalletAddress string
	Transaction   Transaction
	TokenAddress  string
	// Spender is approved before a SELL. It defaults to Transaction.To.
	Spender string
	Side    Side
}

type linkedAccount struct {
	Type      string `json:"type"`
	Address   string `json:"address"`
	ChainType string `json:"chain_type"`
	Delegated bool   `json:"delegated"`
}

type userResponse struct {
	ID             string          `json:"id"`
	LinkedAccounts []linkedAccount `json:"linked_accounts"`
}

type rpcTransaction struct {
	To       string `json:"to"`
	Data     string `json:"data,omitempty"`
	Value    string `json:"value"`
	Gas      string `json:"gas_limit,omitempty"`
	GasPrice string `json:"gas_price,omitempty"`
}

type rpcRequest struct {
	Address   string `json:"address"`
	ChainType string `json:"chain_type"`
	Method    string `json:"method"`
	CAIP2     string `json:"caip2"`
	Params    struct {
		Transaction rpcTransaction `json:"transaction"`
	} `json:"params"`
}

type rpcResponse struct {
	Method string `json:"method"`
	Data   struct {
		Hash string `json:"hash"`
	} `json:"data"`
}

// Client resolves delegated wallets and submits transactions through the custodial signing API.
type Client struct {
	client      *resty.Client
	limiter     *rate.Limiter
	caip2       string
	settleDelay time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *zap.Logger
}

// NewClient creates a signing client for a single EVM chain.
func NewClient(cfg config.Signer, chainID int64, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetBasicAuth(cfg.AppID, cfg.AppSecret).
		SetHeader("privy-app-id", cfg.AppID).
		SetHeader("Content-Type", "application/json")

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}

	return &Client{
		client:      client,
		limiter:     rate.NewLimiter(limit, max(cfg.RateLimitBurst, 1)),
		caip2:       fmt.Sprintf("eip155:%d", chainID),
		settleDelay: cfg.ApprovalSettleDelay,
		sleep:       sleepContext,
		logger:      logger.Named("signer"),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetDelegatedWallet returns the user's delegated EVM wallet. The boolean is false when
// the user has not delegated one; callers abort rather than retry.
func (c *Client) GetDelegatedWallet(ctx context.Context, userID string) (string, bool, error) {
	op := func() (*userResponse, error) {
		var user userResponse
		resp, err := c.do(ctx, c.client.R().SetPathParam("user_id", userID).SetResult(&user), http.MethodGet, userPath)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() == http.StatusNotFound {
			return nil, nil
		}
		return &user, nil
	}

	user, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(walletLookupMaxElapsed),
	)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve wallet for user %s: %w", userID, err)
	}
	if user == nil {
		return "", false, nil
	}

	for _, acc := range user.LinkedAccounts {
		if acc.Type == "wallet" && acc.ChainType == chainTypeEthereum && acc.Delegated && common.IsHexAddress(acc.Address) {
			return common.HexToAddress(acc.Address).Hex(), true, nil
		}
	}
	return "", false, nil
}

// ExecuteSwap submits the swap from the delegated wallet and returns its transaction hash.
// SELL swaps are preceded by an unlimited ERC-20 approval for the spender.
func (c *Client) ExecuteSwap(ctx context.Context, req SwapRequest) (string, error) {
	if !common.IsHexAddress(req.WalletAddress) {
		return "", fmt.Errorf("%w: wallet address %q", ErrInvalidTransaction, req.WalletAddress)
	}
	swapTx, err := encodeTransaction(req.Transaction)
	if err != nil {
		return "", err
	}

	l := c.logger.With(
		zap.String("wallet", req.WalletAddress),
		zap.String("token", req.TokenAddress),
		zap.String("side", string(req.Side)),
	)

	if req.Side == SideSell {
		spender := req.Spender
		if spender == "" {
			spender = req.Transaction.To
		}
		approveTx, err := approveTransaction(req.TokenAddress, spender)
		if err != nil {
			return "", err
		}
		approveHash, err := c.send(ctx, req.WalletAddress, approveTx)
		if err != nil {
			return "", fmt.Errorf("failed to submit approval: %w", err)
		}
		l.Info("Approval submitted, waiting to settle",
			zap.String("tx_hash", approveHash),
			zap.Duration("settle_delay", c.settleDelay))
		if err := c.sleep(ctx, c.settleDelay); err != nil {
			return "", err
		}
	}

	hash, err := c.send(ctx, req.WalletAddress, swapTx)
	if err != nil {
		return "", fmt.Errorf("failed to submit swap: %w", err)
	}
	l.Info("Swap submitted", zap.String("tx_hash", hash))
	return hash, nil
}

func (c *Client) send(ctx context.Context, wallet string, tx rpcTransaction) (string, error) {
	body := rpcRequest{
		Address:   wallet,
		ChainType: chainTypeEthereum,
		Method:    methodSendTx,
		CAIP2:     c.caip2,
	}
	body.Params.Transaction = tx

	var out rpcResponse
	req := c.client.R().
		SetHeader("privy-idempotency-key", uuid.NewString()).
		SetBody(body).
		SetResult(&out)
	resp, err := c.do(ctx, req, http.MethodPost, rpcPath)
	if err != nil {
		return "", backoffCause(err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", &APIError{StatusCode: http.StatusNotFound, Message: resp.String()}
	}
	if out.Data.Hash == "" {
		return "", errors.New("signer response did not include a transaction hash")
	}
	return out.Data.Hash, nil
}

// do waits for the limiter and executes req. Transport errors, 429 and 5xx are retryable;
// other non-2xx responses are wrapped with backoff.Permanent. 404 is returned to the caller.
func (c *Client) do(ctx context.Context, req *resty.Request, method, path string) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("rate limiter wait failed: %w", err))
	}

	apiErr := &APIError{}
	c.logger.Debug("Executing request", zap.String("method", method), zap.String("path", path))
	resp, err := req.SetContext(ctx).SetError(apiErr).Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	if !resp.IsError() || resp.StatusCode() == http.StatusNotFound {
		return resp, nil
	}

	apiErr.StatusCode = resp.StatusCode()
	if apiErr.Message == "" {
		apiErr.Message = resp.String()
	}
	if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
		return nil, apiErr
	}
	return nil, backoff.Permanent(apiErr)
}

// backoffCause unwraps a backoff.PermanentError so non-retried callers see the plain error.
func backoffCause(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

func encodeTransaction(tx Transaction) (rpcTransaction, error) {
	if !common.IsHexAddress(tx.To) {
		return rpcTransaction{}, fmt.Errorf("%w: to address %q", ErrInvalidTransaction, tx.To)
	}
	if _, err := hexutil.Decode(tx.Data); err != nil {
		return rpcTransaction{}, fmt.Errorf("%w: calldata: %v", ErrInvalidTransaction, err)
	}
	value, err := toHexQuantity(tx.Value)
	if err != nil {
		return rpcTransaction{}, fmt.Errorf("%w: value: %v", ErrInvalidTransaction, err)
	}
	out := rpcTransaction{To: tx.To, Data: tx.Data, Value: value}
	if tx.Gas != "" {
		if out.Gas, err = toHexQuantity(tx.Gas); err != nil {
			return rpcTransaction{}, fmt.Errorf("%w: gas: %v", ErrInvalidTransaction, err)
		}
	}
	if tx.GasPrice != "" {
		if out.GasPrice, err = toHexQuantity(tx.GasPrice); err != nil {
			return rpcTransaction{}, fmt.Errorf("%w: gasPrice: %v", ErrInvalidTransaction, err)
		}
	}
	return out, nil
}

// approveTransaction builds approve(spender, 2^256-1) on token.
func approveTransaction(token, spender string) (rpcTransaction, error) {
	if !common.IsHexAddress(token) {
		return rpcTransaction{}, fmt.Errorf("%w: token address %q", ErrInvalidTransaction, token)
	}
	if !common.IsHexAddress(spender) {
		return rpcTransaction{}, fmt.Errorf("%w: spender address %q", ErrInvalidTransaction, spender)
	}
	data := make([]byte, 0, 4+32+32)
	data = append(data, approveSelector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(spender).Bytes(), 32)...)
	data = append(data, math.U256Bytes(new(big.Int).Set(math.MaxBig256))...)
	return rpcTransaction{
		To:    common.HexToAddress(token).Hex(),
		Data:  hexutil.Encode(data),
		Value: "0x0",
	}, nil
}

// toHexQuantity converts a decimal (or 0x-prefixed) integer string to a minimal hex quantity.
func toHexQuantity(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "0x0", nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := hexutil.DecodeBig(s)
		if err != nil {
			return "", err
		}
		return hexutil.EncodeBig(n), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return "", fmt.Errorf("not a non-negative integer: %q", s)
	}
	return hexutil.EncodeBig(n), nil
}
