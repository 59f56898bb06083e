package engine

import (
	"sort"
	"sync"

	"execution-core/pkg/cache"
)

// planEntry guards one plan. removed is set under mu before the entry leaves
// the map so an in-flight evaluation never acts on a dead plan.
type planEntry struct {
	mu      sync.Mutex
	plan    TradingPlan
	removed bool
}

// Registry holds at most one plan per instrument. Entries lock
// independently; there is no whole-map lock.
type Registry struct {
	plans *cache.Sharded[*planEntry]
}

func NewRegistry() *Registry {
	return &Registry{plans: cache.NewSharded[*planEntry]()}
}

// Register inserts or overwrites the plan for plan.Instrument.
func (r *Registry) Register(plan TradingPlan) (replaced bool) {
	if old, ok := r.plans.Get(plan.Instrument); ok {
		old.mu.Lock()
		old.removed = true
		old.mu.Unlock()
		replaced = true
	}
	r.plans.Set(plan.Instrument, &planEntry{plan: plan})
	return replaced
}

// Unregister removes the plan. Absent instruments are a no-op.
func (r *Registry) Unregister(instrument string) (TradingPlan, bool) {
	e, ok := r.plans.Get(instrument)
	if !ok {
		return TradingPlan{}, false
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return TradingPlan{}, false
	}
	e.removed = true
	e.plan.Status = StatusEnded
	plan := e.plan
	e.mu.Unlock()
	r.drop(instrument, e)
	return plan, true
}

// Midpoint returns the price halfway between the plan's current stop and
// target, or zero when instrument has no plan.
func (r *Registry) Midpoint(instrument string) int64 {
	p, ok := r.Get(instrument)
	if !ok {
		return 0
	}
	return (p.CurrentStop + p.CurrentTarget) / 2
}

// Get returns a copy of the plan.
func (r *Registry) Get(instrument string) (TradingPlan, bool) {
	e, ok := r.plans.Get(instrument)
	if !ok {
		return TradingPlan{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return TradingPlan{}, false
	}
	return e.plan, true
}

// List returns every plan ordered by instrument.
func (r *Registry) List() []TradingPlan {
	var out []TradingPlan
	r.plans.Range(func(_ string, e *planEntry) bool {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.plan)
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Instruments returns the registered instrument ids.
func (r *Registry) Instruments() []string {
	plans := r.List()
	out := make([]string, len(plans))
	for i, p := range plans {
		out[i] = p.Instrument
	}
	return out
}

func (r *Registry) Len() int { return r.plans.Len() }

func (r *Registry) entry(instrument string) (*planEntry, bool) {
	return r.plans.Get(instrument)
}

// drop deletes e only if it is still the live entry, so a plan registered
// meanwhile survives.
func (r *Registry) drop(instrument string, e *planEntry) {
	r.plans.DeleteIf(instrument, func(v *planEntry) bool { return v == e })
}
