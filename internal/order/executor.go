package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"execution-core/pkg/auth"
	"execution-core/pkg/broker"

	"go.uber.org/zap"
)

var (
	// ErrNoPosition means a whole-position sell found nothing to sell.
	ErrNoPosition = errors.New("order: no position")
	// ErrInsufficientCash means a buy exceeds orderable cash.
	ErrInsufficientCash = errors.New("order: insufficient cash")
)

// Broker is the order-placement collaborator.
type Broker interface {
	PlaceOrder(ctx context.Context, token string, req broker.OrderRequest) (broker.PlaceResult, error)
	Balance(ctx context.Context, token string) (broker.Balance, error)
	Holding(ctx context.Context, token, instrument string) (int64, error)
}

// Tokens supplies and invalidates the bearer credential.
type Tokens interface {
	GetValidToken(ctx context.Context) (auth.Credential, error)
	Invalidate()
}

// PositionSource reports the stream-fed held quantity.
type PositionSource interface {
	Quantity(instrument string) (int64, bool)
}

// Executor turns intents into broker orders. It implements Dispatcher.
type Executor struct {
	broker    Broker
	tokens    Tokens
	positions PositionSource
	logger    *zap.Logger
	now       func() time.Time
}

func NewExecutor(b Broker, tokens Tokens, positions PositionSource, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		broker:    b,
		tokens:    tokens,
		positions: positions,
		logger:    logger,
		now:       time.Now,
	}
}

// Dispatch places one intent.
func (e *Executor) Dispatch(ctx context.Context, intent OrderIntent) (Outcome, error) {
	qty, err := e.resolveQuantity(ctx, intent)
	if err != nil {
		return Outcome{Message: err.Error()}, err
	}

	req := buildRequest(intent, qty)

	if intent.Action == ActionBuy && !req.Market {
		bal, err := withAuth(ctx, e, func(token string) (broker.Balance, error) {
			return e.broker.Balance(ctx, token)
		})
		if err != nil {
			return Outcome{Quantity: qty, Message: err.Error()}, fmt.Errorf("balance check: %w", err)
		}
		if need := qty * req.Price; need > bal.OrderableCash {
			err := fmt.Errorf("%w: need %d, orderable %d", ErrInsufficientCash, need, bal.OrderableCash)
			return Outcome{Quantity: qty, Message: err.Error()}, err
		}
	}

	res, err := withAuth(ctx, e, func(token string) (broker.PlaceResult, error) {
		return e.broker.PlaceOrder(ctx, token, req)
	})
	if err != nil {
		return Outcome{Quantity: qty, Message: err.Error()}, err
	}
	return Outcome{
		OrderID:  res.OrderID,
		Success:  res.Success,
		Message:  res.Message,
		Quantity: qty,
	}, nil
}

// resolveQuantity replaces quantity 0 with the live position.
func (e *Executor) resolveQuantity(ctx context.Context, intent OrderIntent) (int64, error) {
	if intent.Quantity > 0 {
		return intent.Quantity, nil
	}
	if e.positions != nil {
		if q, ok := e.positions.Quantity(intent.Instrument); ok && q > 0 {
			return q, nil
		}
	}
	q, err := withAuth(ctx, e, func(token string) (int64, error) {
		return e.broker.Holding(ctx, token, intent.Instrument)
	})
	if err != nil {
		return 0, fmt.Errorf("resolve position %s: %w", intent.Instrument, err)
	}
	if q <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPosition, intent.Instrument)
	}
	return q, nil
}

func buildRequest(intent OrderIntent, qty int64) broker.OrderRequest {
	req := broker.OrderRequest{
		Instrument: intent.Instrument,
		Quantity:   qty,
		Side:       broker.SideSell,
	}
	if intent.Action == ActionBuy {
		req.Side = broker.SideBuy
	}
	switch {
	case intent.Priority == PriorityEmergency:
		req.Market = true
	case intent.EntryPrice > 0:
		req.Price = intent.EntryPrice
	default:
		req.Market = true
	}
	return req
}

// withAuth runs call with a valid token. An auth failure invalidates the
// cache and retries once; a provider 429 is retried once after a pause.
func withAuth[T any](ctx context.Context, e *Executor, call func(token string) (T, error)) (T, error) {
	var zero T
	cred, err := e.tokens.GetValidToken(ctx)
	if err != nil {
		return zero, fmt.Errorf("token: %w", err)
	}
	res, err := call(cred.Value)
	switch {
	case errors.Is(err, broker.ErrUnauthorized):
		e.logger.Warn("token rejected; reissuing")
		e.tokens.Invalidate()
		if cred, err = e.tokens.GetValidToken(ctx); err != nil {
			return zero, fmt.Errorf("token: %w", err)
		}
		return call(cred.Value)
	case errors.Is(err, broker.ErrRateLimited):
		e.logger.Warn("broker rate limited; retrying")
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(rateLimitBackoff):
		}
		return call(cred.Value)
	}
	return res, err
}

const rateLimitBackoff = 250 * time.Millisecond
