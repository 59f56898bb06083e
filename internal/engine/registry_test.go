package engine

import (
	"context"
	"sync"
	"testing"

	"execution-core/internal/market"
	"execution-core/internal/order"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_StaleEntryDoesNotDropReplacement(t *testing.T) {
	r := NewRegistry()
	r.Register(TradingPlan{Instrument: "A", OriginalTarget: 200, OriginalStop: 100})
	stale, ok := r.entry("A")
	require.True(t, ok)

	r.Register(TradingPlan{Instrument: "A", OriginalTarget: 300, OriginalStop: 150})
	r.drop("A", stale)

	p, ok := r.Get("A")
	require.True(t, ok)
	assert.Equal(t, int64(300), p.OriginalTarget)
}

func TestRegistry_MidpointFollowsCurrentBand(t *testing.T) {
	l, _, _ := newTestLoop(t)
	r := l.Registry()

	assert.Equal(t, int64(65000), r.Midpoint("005930"))
	assert.Zero(t, r.Midpoint("000660"))

	// 68000 is past the trailing start, so the stop moves up and the band with it
	l.HandleTick(market.PriceTick{Instrument: "005930", Price: 68000})
	p, ok := r.Get("005930")
	require.True(t, ok)
	require.Greater(t, p.CurrentStop, int64(60000))
	assert.Equal(t, (p.CurrentStop+70000)/2, r.Midpoint("005930"))
}

func TestRegistry_ConcurrentRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(TradingPlan{Instrument: "A", OriginalTarget: 200, OriginalStop: 100})
		}()
		go func() {
			defer wg.Done()
			r.Unregister("A")
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, len(r.List()), 1)
}

type stubQueue struct {
	submitted []order.OrderIntent
	mode      order.ExecutionMode
}

func (s *stubQueue) Submit(intent order.OrderIntent) bool {
	s.submitted = append(s.submitted, intent)
	return true
}
func (s *stubQueue) PendingCount() int         { return len(s.submitted) }
func (s *stubQueue) Mode() order.ExecutionMode { return s.mode }
func (s *stubQueue) Pending() []order.QueueEntry {
	out := make([]order.QueueEntry, len(s.submitted))
	for i, intent := range s.submitted {
		out[i] = order.QueueEntry{Seq: uint64(i + 1), Intent: intent}
	}
	return out
}

type stubStream struct{}

func (stubStream) State() market.State  { return market.StateConnected }
func (stubStream) SubscribedCount() int { return 3 }
func (stubStream) Subscribed() []string { return []string{"000660", "005930", "035420"} }

func TestImpl_StatusAndSubmit(t *testing.T) {
	q := &stubQueue{mode: order.ModeDryRun}
	l := NewLoop(LoopConfig{}, nil, &recordingSink{}, nil)
	svc := NewImpl(Config{Loop: l, Queue: q, Stream: stubStream{}, Version: "test"})
	ctx := context.Background()

	require.NoError(t, svc.RegisterTarget(ctx, samplePlan()))
	require.NoError(t, svc.SubmitIntent(ctx, order.NewEntry("005930", "", 1, 65000, 0, 0, "manual")))
	assert.ErrorIs(t, svc.SubmitIntent(ctx, order.OrderIntent{Action: order.ActionSell}), order.ErrInvalidIntent)

	st := svc.Status(ctx)
	assert.Equal(t, "dry_run", st.Mode)
	assert.True(t, st.DryRun)
	assert.Equal(t, "CONNECTED", st.StreamState)
	assert.True(t, st.StreamConnected)
	assert.Equal(t, 3, st.Subscribed)
	assert.Equal(t, []string{"000660", "005930", "035420"}, st.Instruments)
	assert.Equal(t, 1, st.PendingIntents)
	require.Len(t, st.Queue, 1)
	assert.Equal(t, order.ActionBuy, st.Queue[0].Intent.Action)
	require.Len(t, st.Plans, 1)
	assert.Equal(t, StatusWatching, st.Plans[0].Status)
	assert.Len(t, svc.Targets(ctx), 1)
	assert.Empty(t, st.LastPrices, "no tick seen yet")

	l.HandleTick(market.PriceTick{Instrument: "005930", Price: 64000})
	l.HandleTick(market.PriceTick{Instrument: "000660", Price: 120000})
	st = svc.Status(ctx)
	assert.Equal(t, map[string]int64{"005930": 64000}, st.LastPrices, "only instruments with a plan")
}
