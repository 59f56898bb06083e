// Package advisory talks to the external scoring and planning service and
// feeds its proposals into the trading loop.
package advisory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"execution-core/pkg/ratelimit"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	MethodScore        = "/advisory.Advisory/Score"
	MethodProposePlans = "/advisory.Advisory/ProposePlans"
)

// ErrInvalidVerdict rejects responses outside the advisory contract.
var ErrInvalidVerdict = errors.New("advisory: invalid verdict")

// Decisions an analyst may return.
const (
	DecisionBuy  = "BUY"
	DecisionHold = "HOLD"
	DecisionSell = "SELL"
)

// Verdict is one bounded scoring result.
type Verdict struct {
	Instrument string `json:"instrument"`
	Score      int    `json:"score"`
	Decision   string `json:"decision"`
	Rationale  string `json:"rationale"`
}

// Validate enforces score in [0, 100] and a known decision.
func (v Verdict) Validate() error {
	if v.Score < 0 || v.Score > 100 {
		return fmt.Errorf("%w: score %d", ErrInvalidVerdict, v.Score)
	}
	switch v.Decision {
	case DecisionBuy, DecisionHold, DecisionSell:
		return nil
	}
	return fmt.Errorf("%w: decision %q", ErrInvalidVerdict, v.Decision)
}

// Proposal is a candidate trading plan from the planning service.
type Proposal struct {
	Instrument string `json:"instrument"`
	Name       string `json:"name"`
	Target     int64  `json:"target"`
	Stop       int64  `json:"stop"`
	EntryPrice int64  `json:"entry_price,omitempty"`
	Quantity   int64  `json:"quantity,omitempty"`
	Decision   string `json:"decision"`
	Score      int    `json:"score"`
	Rationale  string `json:"rationale,omitempty"`
}

type scoreRequest struct {
	Instrument string `json:"instrument"`
}

type proposeRequest struct {
	Date string `json:"date"`
}

type proposeResponse struct {
	Proposals []Proposal `json:"proposals"`
}

// Gate is the rate limiter advisory calls pass through.
type Gate interface {
	Acquire(ctx context.Context, class ratelimit.APIClass) error
}

// Client is a gRPC client for the advisory service.
type Client struct {
	cc      *grpc.ClientConn
	gate    Gate
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// Dial creates a client connection to the advisory service.
func Dial(addr string, gate Gate, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	unaryInterceptor := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		logger.Debug("advisory call",
			zap.String("method", method),
			zap.Duration("duration", time.Since(start)),
			zap.String("status_code", status.Code(err).String()),
		)
		return err
	}

	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(unaryInterceptor),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial advisory: %w", err)
	}
	return &Client{cc: conn, gate: gate, timeout: 30 * time.Second, logger: logger, now: time.Now}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	if c.cc != nil {
		return c.cc.Close()
	}
	return nil
}

// Score asks the analysts for a verdict on instrument.
func (c *Client) Score(ctx context.Context, instrument string) (Verdict, error) {
	if strings.TrimSpace(instrument) == "" {
		return Verdict{}, errors.New("advisory: empty instrument")
	}
	var v Verdict
	if err := c.invoke(ctx, MethodScore, &scoreRequest{Instrument: instrument}, &v); err != nil {
		return Verdict{}, fmt.Errorf("score %s: %w", instrument, err)
	}
	if v.Instrument == "" {
		v.Instrument = instrument
	}
	if err := v.Validate(); err != nil {
		return Verdict{}, err
	}
	return v, nil
}

// ProposePlans fetches today's candidate plans.
func (c *Client) ProposePlans(ctx context.Context) ([]Proposal, error) {
	var res proposeResponse
	req := &proposeRequest{Date: c.now().Format("2006-01-02")}
	if err := c.invoke(ctx, MethodProposePlans, req, &res); err != nil {
		return nil, fmt.Errorf("propose plans: %w", err)
	}
	return res.Proposals, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, reply any) error {
	var gate ratelimit.Acquirer
	if c.gate != nil {
		gate = c.gate
	}
	_, err := ratelimit.Do(ctx, gate, ratelimit.Advisory, func(ctx context.Context) (struct{}, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return struct{}{}, c.cc.Invoke(ctx, method, req, reply)
	})
	return err
}
