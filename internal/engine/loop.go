package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/market"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/pkg/cache"

	"go.uber.org/zap"
)

// IntentSink is the order queue as seen by the loop.
type IntentSink interface {
	Submit(intent order.OrderIntent) bool
	EmitEmergency(instrument, name, reason string) bool
}

// Subscriber keeps stream coverage in step with registered plans.
type Subscriber interface {
	Subscribe(instrument string) error
	Unsubscribe(instrument string) error
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	Workers int
	Buffer  int
	Policy  risk.TrailingPolicy
}

const (
	defaultWorkers = 8
	defaultBuffer  = 256
)

// Loop evaluates market events against registered plans. Events for one
// instrument are always handled by the same worker, in arrival order.
type Loop struct {
	cfg      LoopConfig
	registry *Registry
	sink     IntentSink
	stream   Subscriber
	bus      *events.Bus
	prices   *cache.Sharded[int64]
	logger   *zap.Logger
	now      func() time.Time

	startOnce sync.Once
	wg        sync.WaitGroup
}

func NewLoop(cfg LoopConfig, registry *Registry, sink IntentSink, logger *zap.Logger) *Loop {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Policy.StartPct.IsZero() && cfg.Policy.Ratio.IsZero() {
		cfg.Policy = risk.DefaultTrailingPolicy()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		cfg:      cfg,
		registry: registry,
		sink:     sink,
		prices:   cache.NewSharded[int64](),
		logger:   logger,
		now:      time.Now,
	}
}

// SetStream sets the stream whose subscriptions follow the registry.
func (l *Loop) SetStream(s Subscriber) { l.stream = s }

// SetBus sets the bus used for plan changes and risk alerts.
func (l *Loop) SetBus(b *events.Bus) { l.bus = b }

// Registry exposes the plan registry.
func (l *Loop) Registry() *Registry { return l.registry }

// Start subscribes to market data and order results and returns
// immediately. Workers stop when ctx is done.
func (l *Loop) Start(ctx context.Context) error {
	if l.bus == nil {
		return errors.New("engine: loop has no bus")
	}
	started := false
	l.startOnce.Do(func() {
		started = true
		l.start(ctx)
	})
	if !started {
		return errors.New("engine: loop already started")
	}
	return nil
}

func (l *Loop) start(ctx context.Context) {
	data, unsubData := l.bus.Subscribe(events.EventMarketData, l.cfg.Buffer, events.WithBlocking())
	fills, unsubFills := l.bus.Subscribe(events.EventOrderDispatched, l.cfg.Buffer)

	shards := make([]chan market.Event, l.cfg.Workers)
	for i := range shards {
		shards[i] = make(chan market.Event, l.cfg.Buffer)
		l.wg.Add(1)
		go l.worker(ctx, shards[i])
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer unsubData()
		defer unsubFills()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-data:
				if !ok {
					return
				}
				ev, ok := v.(market.Event)
				if !ok {
					continue
				}
				idx := cache.ShardIndex(ev.InstrumentID(), len(shards))
				select {
				case shards[idx] <- ev:
				case <-ctx.Done():
					return
				}
			case v, ok := <-fills:
				if !ok {
					fills = nil
					continue
				}
				if rec, ok := v.(order.DispatchRecord); ok {
					l.MarkTraded(rec)
				}
			}
		}
	}()

	l.logger.Info("trading loop started", zap.Int("workers", l.cfg.Workers))
}

// Wait blocks until every worker has exited.
func (l *Loop) Wait() { l.wg.Wait() }

func (l *Loop) worker(ctx context.Context, in <-chan market.Event) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-in:
			l.HandleEvent(ev)
		}
	}
}

// HandleEvent evaluates one event. A panic is contained to this event and
// leaves the plan unchanged.
func (l *Loop) HandleEvent(ev market.Event) {
	defer func() {
		if r := recover(); r != nil {
			monitor.LoopPanics.Inc()
			l.logger.Error("event handler panic",
				zap.String("instrument", ev.InstrumentID()),
				zap.String("type", ev.Type()),
				zap.Any("panic", r),
			)
		}
	}()
	switch e := ev.(type) {
	case market.PriceTick:
		l.HandleTick(e)
	case market.VolatilityInterrupt:
		l.HandleVolatilityInterrupt(e)
	case market.FlowSignal:
		l.HandleFlow(e)
	}
}

// HandleTick applies the target, stop and trailing rules for one tick.
func (l *Loop) HandleTick(t market.PriceTick) {
	l.prices.Set(t.Instrument, t.Price)

	e, ok := l.registry.entry(t.Instrument)
	if !ok {
		return
	}

	var (
		intent  order.OrderIntent
		exit    bool
		raised  bool
		oldStop int64
	)
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return
	}
	p := &e.plan
	switch {
	case t.Price >= p.CurrentTarget:
		intent = order.ProfitTake(p.Instrument, p.Name, t.Price, "target reached")
		exit = true
	case t.Price <= p.CurrentStop:
		intent = order.EmergencySell(p.Instrument, p.Name, "stop reached")
		exit = true
	default:
		newStop := l.cfg.Policy.Compute(p.OriginalStop, t.Price, p.OriginalTarget)
		if newStop > p.CurrentStop {
			oldStop = p.CurrentStop
			p.CurrentStop = newStop
			p.UpdatedAt = l.now()
			raised = true
		}
	}
	if exit {
		e.removed = true
		p.Status = StatusEnded
		p.UpdatedAt = l.now()
	}
	plan := *p
	e.mu.Unlock()

	if raised {
		l.logger.Info("trailing stop raised",
			zap.String("instrument", plan.Instrument),
			zap.Int64("price", t.Price),
			zap.Int64("from", oldStop),
			zap.Int64("to", plan.CurrentStop),
			zap.Float64("profit_pct", risk.ProfitPct(plan.OriginalStop, t.Price, plan.OriginalTarget)),
		)
		return
	}
	if !exit {
		return
	}

	l.logger.Info("exit triggered",
		zap.String("instrument", plan.Instrument),
		zap.Int64("price", t.Price),
		zap.String("reason", intent.Reason),
		zap.Int64("target", plan.CurrentTarget),
		zap.Int64("stop", plan.CurrentStop),
	)
	l.sink.Submit(intent)
	l.registry.drop(plan.Instrument, e)
	l.afterRemove(plan, intent.Reason)
}

// HandleVolatilityInterrupt liquidates on a static VI regardless of price.
func (l *Loop) HandleVolatilityInterrupt(v market.VolatilityInterrupt) {
	if v.Kind != market.VIStatic {
		l.logger.Info("dynamic volatility interrupt",
			zap.String("instrument", v.Instrument),
			zap.Int64("trigger_price", v.TriggerPrice),
		)
		return
	}
	plan, ok := l.registry.Unregister(v.Instrument)
	if !ok {
		l.logger.Info("static volatility interrupt on unwatched instrument", zap.String("instrument", v.Instrument))
		return
	}
	reason := fmt.Sprintf("static volatility interrupt at %d", v.TriggerPrice)
	l.logger.Warn("static volatility interrupt; liquidating",
		zap.String("instrument", v.Instrument),
		zap.Int64("trigger_price", v.TriggerPrice),
	)
	name := plan.Name
	if name == "" {
		name = v.Name
	}
	l.sink.EmitEmergency(v.Instrument, name, reason)
	l.afterRemove(plan, reason)
}

// HandleFlow raises a risk alert on heavy program selling of a watched
// instrument. It never places an order.
func (l *Loop) HandleFlow(f market.FlowSignal) {
	if !f.IsDistribution() {
		return
	}
	plan, ok := l.registry.Get(f.Instrument)
	if !ok {
		return
	}
	l.logger.Warn("program distribution detected",
		zap.String("instrument", f.Instrument),
		zap.Int64("net", f.Net()),
	)
	l.publish(events.EventRiskAlert, monitor.Alert{
		Severity:   monitor.SeverityWarning,
		Title:      "program distribution",
		Instrument: f.Instrument,
		Message:    fmt.Sprintf("%s net program %d KRW", plan.Name, f.Net()),
		At:         l.now(),
	})
}

// LastPrice returns the most recent tick price seen for instrument.
func (l *Loop) LastPrice(instrument string) (int64, bool) {
	return l.prices.Get(instrument)
}

// RegisterTarget installs plan, replacing any plan for the same instrument,
// and subscribes the instrument on the stream.
func (l *Loop) RegisterTarget(plan TradingPlan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	now := l.now()
	if plan.CurrentTarget <= 0 {
		plan.CurrentTarget = plan.OriginalTarget
	}
	if plan.CurrentStop < plan.OriginalStop {
		plan.CurrentStop = plan.OriginalStop
	}
	if plan.Status == "" || plan.Status == StatusEnded {
		plan.Status = StatusWatching
	}
	plan.RegisteredAt = now
	plan.UpdatedAt = now

	replaced := l.registry.Register(plan)
	if l.stream != nil {
		if err := l.stream.Subscribe(plan.Instrument); err != nil {
			l.logger.Warn("stream subscribe failed", zap.String("instrument", plan.Instrument), zap.Error(err))
		}
	}
	monitor.ActivePlans.Set(float64(l.registry.Len()))
	l.logger.Info("target registered",
		zap.String("instrument", plan.Instrument),
		zap.String("name", plan.Name),
		zap.Int64("target", plan.CurrentTarget),
		zap.Int64("stop", plan.CurrentStop),
		zap.Bool("replaced", replaced),
	)
	l.publish(events.EventPlanChanged, PlanChange{Action: "registered", Plan: plan, At: now})
	return nil
}

// UnregisterTarget removes the plan. Removing an absent plan is a no-op.
func (l *Loop) UnregisterTarget(instrument, reason string) bool {
	plan, ok := l.registry.Unregister(instrument)
	if !ok {
		return false
	}
	l.afterRemove(plan, reason)
	return true
}

// MarkTraded moves a watched plan to TRADED once its buy is filled.
func (l *Loop) MarkTraded(rec order.DispatchRecord) {
	if rec.Intent.Action != order.ActionBuy || !rec.Outcome.Success {
		return
	}
	e, ok := l.registry.entry(rec.Intent.Instrument)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.removed || e.plan.Status != StatusWatching {
		e.mu.Unlock()
		return
	}
	e.plan.Status = StatusTraded
	e.plan.UpdatedAt = l.now()
	plan := e.plan
	e.mu.Unlock()

	l.logger.Info("plan traded", zap.String("instrument", plan.Instrument), zap.String("order_id", rec.Outcome.OrderID))
	l.publish(events.EventPlanChanged, PlanChange{Action: "traded", Plan: plan, At: plan.UpdatedAt})
}

// Kill liquidates instrument at emergency priority and drops its plan.
func (l *Loop) Kill(instrument, reason string) error {
	name := ""
	if p, ok := l.registry.Get(instrument); ok {
		name = p.Name
	}
	if !l.sink.EmitEmergency(instrument, name, reason) {
		return fmt.Errorf("kill %q: %w", instrument, order.ErrInvalidIntent)
	}
	l.UnregisterTarget(instrument, reason)
	return nil
}

// KillAll kills every registered instrument and reports how many.
func (l *Loop) KillAll(reason string) int {
	n := 0
	for _, inst := range l.registry.Instruments() {
		if err := l.Kill(inst, reason); err != nil {
			l.logger.Error("kill failed", zap.String("instrument", inst), zap.Error(err))
			continue
		}
		n++
	}
	l.logger.Warn("kill switch engaged", zap.String("reason", reason), zap.Int("instruments", n))
	return n
}

// ResubscribeAll re-asserts stream coverage for every plan.
func (l *Loop) ResubscribeAll() int {
	if l.stream == nil {
		return 0
	}
	n := 0
	for _, inst := range l.registry.Instruments() {
		if err := l.stream.Subscribe(inst); err != nil {
			l.logger.Warn("stream subscribe failed", zap.String("instrument", inst), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

func (l *Loop) afterRemove(plan TradingPlan, reason string) {
	if l.stream != nil {
		if _, still := l.registry.Get(plan.Instrument); !still {
			if err := l.stream.Unsubscribe(plan.Instrument); err != nil {
				l.logger.Warn("stream unsubscribe failed", zap.String("instrument", plan.Instrument), zap.Error(err))
			}
		}
	}
	monitor.ActivePlans.Set(float64(l.registry.Len()))
	l.logger.Info("target unregistered", zap.String("instrument", plan.Instrument), zap.String("reason", reason))
	plan.Status = StatusEnded
	l.publish(events.EventPlanChanged, PlanChange{Action: "removed", Reason: reason, Plan: plan, At: l.now()})
}

func (l *Loop) publish(e events.Event, payload any) {
	if l.bus != nil {
		l.bus.Publish(e, payload)
	}
}
