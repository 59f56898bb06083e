package market

import (
	"context"
	"math/rand"
	"time"

	"execution-core/internal/events"

	"go.uber.org/zap"
)

// MockFeed publishes synthetic ticks for local dry runs when no provider
// stream is configured. Instruments are re-read every interval so newly
// registered plans start receiving prices. Seed, when set, gives the first
// price of an instrument so the walk starts inside its plan's band.
type MockFeed struct {
	Bus         Publisher
	Instruments func() []string
	Seed        func(instrument string) int64
	StartPrice  int64
	StepPct     float64
	Interval    time.Duration
	Logger      *zap.Logger
}

func (m *MockFeed) Start(ctx context.Context) {
	if m.Bus == nil || m.Instruments == nil {
		if m.Logger != nil {
			m.Logger.Warn("mock feed not configured; skipping")
		}
		return
	}
	if m.StartPrice == 0 {
		m.StartPrice = 50000
	}
	if m.StepPct == 0 {
		m.StepPct = 0.5
	}
	if m.Interval == 0 {
		m.Interval = time.Second
	}

	go func() {
		prices := make(map[string]int64)
		var cum int64
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				for _, inst := range m.Instruments() {
					p := m.next(prices, inst)
					vol := int64(rand.Intn(100) + 1)
					cum += vol
					m.Bus.Publish(events.EventMarketData, PriceTick{
						Instrument:       inst,
						Price:            p,
						Volume:           vol,
						CumulativeVolume: cum,
						Timestamp:        now,
					})
				}
			}
		}
	}()
}

// next advances the random walk for inst by at most StepPct.
func (m *MockFeed) next(prices map[string]int64, inst string) int64 {
	p, ok := prices[inst]
	if !ok {
		p = m.StartPrice
		if m.Seed != nil {
			if seed := m.Seed(inst); seed > 0 {
				p = seed
			}
		}
	}
	step := float64(p) * m.StepPct / 100
	p += int64((rand.Float64()*2 - 1) * step)
	if p <= 0 {
		p = 1
	}
	prices[inst] = p
	return p
}
