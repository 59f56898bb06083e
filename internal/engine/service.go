// Package engine evaluates market events against per-instrument trading
// plans and turns exits into order intents. The API layer talks to it only
// through Service.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"execution-core/internal/market"
	"execution-core/internal/order"
)

// Service defines the operations the control surface may perform.
type Service interface {
	// Plans
	RegisterTarget(ctx context.Context, plan TradingPlan) error
	UnregisterTarget(ctx context.Context, instrument string) bool
	Targets(ctx context.Context) []TradingPlan

	// Kill switch
	Kill(ctx context.Context, instrument, reason string) error
	KillAll(ctx context.Context, reason string) int

	// Manual order flow
	SubmitIntent(ctx context.Context, intent order.OrderIntent) error

	// System
	Status(ctx context.Context) SystemStatus
}

// StreamStatus is the read side of the market stream.
type StreamStatus interface {
	State() market.State
	SubscribedCount() int
	Subscribed() []string
}

// QueueStatus is the order queue as seen by the control surface.
type QueueStatus interface {
	Submit(intent order.OrderIntent) bool
	PendingCount() int
	Pending() []order.QueueEntry
	Mode() order.ExecutionMode
}

// RateSnapshotter reports gatekeeper tokens per class.
type RateSnapshotter interface {
	Snapshot() map[string]int
}

// Config holds the collaborators composed by Impl.
type Config struct {
	Loop    *Loop
	Queue   QueueStatus
	Stream  StreamStatus
	Rates   RateSnapshotter
	Version string
}

// Impl implements Service by composing the loop, queue and stream.
type Impl struct {
	loop    *Loop
	queue   QueueStatus
	stream  StreamStatus
	rates   RateSnapshotter
	version string
}

func NewImpl(cfg Config) *Impl {
	return &Impl{
		loop:    cfg.Loop,
		queue:   cfg.Queue,
		stream:  cfg.Stream,
		rates:   cfg.Rates,
		version: cfg.Version,
	}
}

var _ Service = (*Impl)(nil)

func (e *Impl) RegisterTarget(_ context.Context, plan TradingPlan) error {
	return e.loop.RegisterTarget(plan)
}

func (e *Impl) UnregisterTarget(_ context.Context, instrument string) bool {
	return e.loop.UnregisterTarget(instrument, "manual")
}

func (e *Impl) Targets(_ context.Context) []TradingPlan {
	return e.loop.Registry().List()
}

func (e *Impl) Kill(_ context.Context, instrument, reason string) error {
	if reason == "" {
		reason = "manual kill switch"
	}
	return e.loop.Kill(instrument, reason)
}

func (e *Impl) KillAll(_ context.Context, reason string) int {
	if reason == "" {
		reason = "manual kill switch"
	}
	return e.loop.KillAll(reason)
}

func (e *Impl) SubmitIntent(_ context.Context, intent order.OrderIntent) error {
	if e.queue == nil {
		return errors.New("order queue not available")
	}
	if err := intent.Validate(); err != nil {
		return err
	}
	if !e.queue.Submit(intent) {
		return fmt.Errorf("intent for %s not accepted", intent.Instrument)
	}
	return nil
}

func (e *Impl) Status(_ context.Context) SystemStatus {
	st := SystemStatus{
		Version:    e.version,
		Plans:      e.loop.Registry().List(),
		ServerTime: time.Now(),
	}
	if st.Plans == nil {
		st.Plans = []TradingPlan{}
	}
	for _, p := range st.Plans {
		if price, ok := e.loop.LastPrice(p.Instrument); ok {
			if st.LastPrices == nil {
				st.LastPrices = make(map[string]int64, len(st.Plans))
			}
			st.LastPrices[p.Instrument] = price
		}
	}
	if e.queue != nil {
		st.Mode = e.queue.Mode().String()
		st.DryRun = e.queue.Mode() == order.ModeDryRun
		st.PendingIntents = e.queue.PendingCount()
		st.Queue = e.queue.Pending()
	}
	if e.stream != nil {
		s := e.stream.State()
		st.StreamState = s.String()
		st.StreamConnected = s == market.StateConnected
		st.Subscribed = e.stream.SubscribedCount()
		st.Instruments = e.stream.Subscribed()
	}
	if e.rates != nil {
		st.RateTokens = e.rates.Snapshot()
	}
	return st
}
