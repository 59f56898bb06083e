package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// APIClass identifies one externally rate-limited API family.
type APIClass string

const (
	Broker     APIClass = "BROKER"
	MarketData APIClass = "MARKET_DATA"
	Advisory   APIClass = "ADVISORY"
)

// ErrUnknownClass is returned for a class missing from the configured table.
var ErrUnknownClass = errors.New("ratelimit: unknown api class")

// Limit is a token bucket: Capacity tokens, fully refilled every Window.
type Limit struct {
	Capacity int
	Window   time.Duration
}

// Interval is the time it takes to refill a single token.
func (l Limit) Interval() time.Duration {
	if l.Capacity <= 0 {
		return l.Window
	}
	return l.Window / time.Duration(l.Capacity)
}

// Table maps every class to its bucket. It is loaded once at startup.
type Table map[APIClass]Limit

// DefaultTable mirrors the provider-published limits.
func DefaultTable() Table {
	return Table{
		Broker:     {Capacity: 4, Window: time.Second},
		MarketData: {Capacity: 10, Window: time.Second},
		Advisory:   {Capacity: 1000, Window: time.Minute},
	}
}

// Validate rejects empty or non-positive entries.
func (t Table) Validate() error {
	if len(t) == 0 {
		return errors.New("ratelimit: empty table")
	}
	for class, l := range t {
		if l.Capacity <= 0 || l.Window <= 0 {
			return fmt.Errorf("ratelimit: invalid limit for %s: capacity=%d window=%s", class, l.Capacity, l.Window)
		}
	}
	return nil
}

// Gatekeeper holds one token bucket per APIClass. Buckets are independent,
// so callers waiting on one class never delay another.
type Gatekeeper struct {
	limiters map[APIClass]*rate.Limiter
	table    Table
	logger   *zap.Logger
}

// NewGatekeeper builds the buckets, each starting full.
func NewGatekeeper(table Table, logger *zap.Logger) (*Gatekeeper, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gatekeeper{
		limiters: make(map[APIClass]*rate.Limiter, len(table)),
		table:    make(Table, len(table)),
		logger:   logger,
	}
	for class, l := range table {
		g.limiters[class] = rate.NewLimiter(rate.Every(l.Interval()), l.Capacity)
		g.table[class] = l
	}
	return g, nil
}

// Acquire blocks until a token for class is available or ctx is done.
// Waiting parks the goroutine on a timer; nothing spins.
func (g *Gatekeeper) Acquire(ctx context.Context, class APIClass) error {
	lim, ok := g.limiters[class]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	start := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("acquire %s: %w", class, err)
	}
	if waited := time.Since(start); waited > g.table[class].Interval() {
		g.logger.Debug("rate gate throttled",
			zap.String("class", string(class)),
			zap.Duration("waited", waited),
		)
	}
	return nil
}

// Available reports the whole tokens currently in the bucket.
func (g *Gatekeeper) Available(class APIClass) (int, error) {
	lim, ok := g.limiters[class]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	n := int(lim.Tokens())
	if n < 0 {
		n = 0
	}
	return n, nil
}

// Acquirer hands out tokens per class. *Gatekeeper is the production one.
type Acquirer interface {
	Acquire(ctx context.Context, class APIClass) error
}

// Do acquires a token for class and then runs fn. A nil gate runs fn
// unthrottled.
func Do[T any](ctx context.Context, g Acquirer, class APIClass, fn func(context.Context) (T, error)) (T, error) {
	if g != nil {
		if err := g.Acquire(ctx, class); err != nil {
			var zero T
			return zero, err
		}
	}
	return fn(ctx)
}

// Snapshot returns available tokens per class, for status endpoints.
func (g *Gatekeeper) Snapshot() map[string]int {
	out := make(map[string]int, len(g.limiters))
	for c := range g.limiters {
		n, _ := g.Available(c)
		out[string(c)] = n
	}
	return out
}
