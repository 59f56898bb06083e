package order

import (
	"context"

	"execution-core/internal/events"
	"execution-core/internal/market"
	"execution-core/pkg/cache"

	"go.uber.org/zap"
)

// PositionBook holds the stream-fed quantity per instrument.
type PositionBook struct {
	held   *cache.Sharded[int64]
	logger *zap.Logger
}

func NewPositionBook(logger *zap.Logger) *PositionBook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PositionBook{held: cache.NewSharded[int64](), logger: logger}
}

// Apply records a balance frame. Zero quantity clears the instrument.
func (p *PositionBook) Apply(u market.BalanceUpdate) {
	if u.Quantity <= 0 {
		p.held.Delete(u.Instrument)
		return
	}
	p.held.Set(u.Instrument, u.Quantity)
}

// Quantity implements PositionSource.
func (p *PositionBook) Quantity(instrument string) (int64, bool) {
	return p.held.Get(instrument)
}

// Snapshot returns every held position.
func (p *PositionBook) Snapshot() map[string]int64 {
	out := make(map[string]int64, p.held.Len())
	p.held.Range(func(k string, v int64) bool {
		out[k] = v
		return true
	})
	return out
}

// Run applies balance updates from the bus until ctx is done.
func (p *PositionBook) Run(ctx context.Context, bus *events.Bus) {
	ch, unsub := bus.Subscribe(events.EventMarketData, 256, events.WithBlocking())
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			if u, ok := v.(market.BalanceUpdate); ok {
				p.Apply(u)
				p.logger.Debug("position updated",
					zap.String("instrument", u.Instrument),
					zap.Int64("quantity", u.Quantity),
				)
			}
		}
	}
}
