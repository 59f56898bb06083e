package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"execution-core/pkg/auth"
	"execution-core/pkg/ratelimit"

	"go.uber.org/zap"
)

var (
	// ErrUnauthorized means the bearer token was rejected; callers should
	// invalidate their cached token and retry once.
	ErrUnauthorized = errors.New("broker: unauthorized")
	// ErrRateLimited means the provider answered 429.
	ErrRateLimited = errors.New("broker: rate limited")
)

// StatusError carries a non-success HTTP response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("broker %s %s status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Gate is the rate limiter every call passes through.
type Gate interface {
	Acquire(ctx context.Context, class ratelimit.APIClass) error
}

// Config holds the provider credentials.
type Config struct {
	BaseURL   string
	AppKey    string
	AppSecret string
	AccountNo string // "12345678-01"
	Virtual   bool
	Timeout   time.Duration
}

// Client talks to the broker REST API. All calls are gated as BROKER.
type Client struct {
	cfg        Config
	httpClient *http.Client
	gate       Gate
	logger     *zap.Logger
	now        func() time.Time
}

func New(cfg Config, gate Gate, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		gate:       gate,
		logger:     logger,
		now:        time.Now,
	}
}

// IssueToken implements auth.Issuer.
func (c *Client) IssueToken(ctx context.Context) (auth.Credential, error) {
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.cfg.AppKey,
		"appsecret":  c.cfg.AppSecret,
	}
	var res tokenResponse
	if err := c.do(ctx, http.MethodPost, "/oauth2/token", "", nil, body, &res); err != nil {
		return auth.Credential{}, fmt.Errorf("issue token: %w", err)
	}
	if res.AccessToken == "" {
		return auth.Credential{}, errors.New("issue token: empty access_token")
	}
	return auth.Credential{
		Value:     res.AccessToken,
		ExpiresAt: c.now().Add(time.Duration(res.ExpiresIn) * time.Second),
	}, nil
}

// PlaceOrder submits a limit or market order. A provider-side rejection is
// reported as Success=false, not as an error.
func (c *Client) PlaceOrder(ctx context.Context, token string, req OrderRequest) (PlaceResult, error) {
	if req.Quantity <= 0 {
		return PlaceResult{}, fmt.Errorf("place order %s: quantity must be positive", req.Instrument)
	}
	account, product := c.splitAccount()
	body := orderBody{
		Instrument:  req.Instrument,
		OrderType:   orderTypeLimit,
		TradeType:   tradeTypeBuy,
		Quantity:    strconv.FormatInt(req.Quantity, 10),
		Price:       strconv.FormatInt(req.Price, 10),
		Account:     account,
		ProductCode: product,
	}
	if req.Side == SideSell {
		body.TradeType = tradeTypeSell
	}
	if req.Market {
		body.OrderType = orderTypeMarket
		body.Price = "0"
	}

	headers := map[string]string{"tr_id": c.trID(req.Side)}
	var res orderResponse
	if err := c.do(ctx, http.MethodPost, "/api/dostk/order", token, headers, body, &res); err != nil {
		return PlaceResult{}, fmt.Errorf("place order %s: %w", req.Instrument, err)
	}

	out := PlaceResult{
		OrderID:   res.Output.OrderNo,
		OrderTime: res.Output.OrderTime,
		Success:   res.ResultCode == "0",
		Code:      res.MsgCode,
		Message:   res.Msg,
	}
	if !out.Success {
		c.logger.Warn("order rejected by broker",
			zap.String("instrument", req.Instrument),
			zap.String("code", res.MsgCode),
			zap.String("msg", res.Msg),
		)
	}
	return out, nil
}

// Balance fetches the account summary.
func (c *Client) Balance(ctx context.Context, token string) (Balance, error) {
	var res balanceResponse
	if err := c.do(ctx, http.MethodGet, "/api/dostk/acntinfo", token, nil, nil, &res); err != nil {
		return Balance{}, fmt.Errorf("balance: %w", err)
	}
	return Balance{
		OrderableCash:  int64(res.OrderableCash),
		TotalEval:      int64(res.TotalEval),
		PurchaseAmount: int64(res.PurchaseAmount),
		ProfitLoss:     int64(res.ProfitLoss),
		ProfitLossRate: float64(res.ProfitLossRate),
	}, nil
}

// Holding returns the held quantity of instrument, zero when not held.
func (c *Client) Holding(ctx context.Context, token, instrument string) (int64, error) {
	path := "/api/dostk/holdings?" + url.Values{"pdno": {instrument}}.Encode()
	var res holdingsResponse
	if err := c.do(ctx, http.MethodGet, path, token, nil, nil, &res); err != nil {
		return 0, fmt.Errorf("holding %s: %w", instrument, err)
	}
	for _, h := range res.Output {
		if h.Instrument == instrument {
			return int64(h.Quantity), nil
		}
	}
	return 0, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, headers map[string]string, body, out any) error {
	var gate ratelimit.Acquirer
	if c.gate != nil {
		gate = c.gate
	}
	_, err := ratelimit.Do(ctx, gate, ratelimit.Broker, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.roundTrip(ctx, method, path, token, headers, body, out)
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path, token string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("appkey", c.cfg.AppKey)
	req.Header.Set("appsecret", c.cfg.AppSecret)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, strings.TrimSpace(string(raw)))
	case res.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case res.StatusCode >= 300:
		return &StatusError{Method: method, Path: path, Code: res.StatusCode, Body: string(raw)}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) splitAccount() (string, string) {
	account, product, found := strings.Cut(c.cfg.AccountNo, "-")
	if !found || product == "" {
		product = "01"
	}
	return account, product
}

func (c *Client) trID(side Side) string {
	prefix := "TTTC"
	if c.cfg.Virtual {
		prefix = "VTTC"
	}
	if side == SideBuy {
		return prefix + "0802U"
	}
	return prefix + "0801U"
}
