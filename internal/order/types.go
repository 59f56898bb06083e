package order

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidIntent is wrapped by every validation failure.
var ErrInvalidIntent = errors.New("order: invalid intent")

// Action is the order direction.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Priority orders dispatch; lower values go first.
type Priority int

const (
	PriorityEmergency  Priority = 0
	PriorityProfitTake Priority = 1
	PriorityEntry      Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityEmergency:
		return "emergency"
	case PriorityProfitTake:
		return "profit_take"
	case PriorityEntry:
		return "entry"
	default:
		return fmt.Sprintf("priority_%d", int(p))
	}
}

// OrderIntent is an immutable request to trade. Quantity 0 on a SELL means
// the entire held position. Zero prices mean "not set".
type OrderIntent struct {
	Instrument  string   `json:"instrument"`
	Name        string   `json:"name,omitempty"`
	Action      Action   `json:"action"`
	Quantity    int64    `json:"quantity"`
	EntryPrice  int64    `json:"entry_price,omitempty"`
	TargetPrice int64    `json:"target_price,omitempty"`
	StopPrice   int64    `json:"stop_price,omitempty"`
	Priority    Priority `json:"priority"`
	Reason      string   `json:"reason"`
}

// Validate reports why the intent must not enter the dispatch path.
func (o OrderIntent) Validate() error {
	switch {
	case strings.TrimSpace(o.Instrument) == "":
		return fmt.Errorf("%w: empty instrument", ErrInvalidIntent)
	case o.Action != ActionBuy && o.Action != ActionSell:
		return fmt.Errorf("%w: action %q", ErrInvalidIntent, o.Action)
	case o.Priority < PriorityEmergency || o.Priority > PriorityEntry:
		return fmt.Errorf("%w: priority %d", ErrInvalidIntent, o.Priority)
	case o.Quantity < 0:
		return fmt.Errorf("%w: negative quantity %d", ErrInvalidIntent, o.Quantity)
	case o.Action == ActionBuy && o.Quantity == 0:
		return fmt.Errorf("%w: buy without quantity", ErrInvalidIntent)
	case o.EntryPrice < 0 || o.TargetPrice < 0 || o.StopPrice < 0:
		return fmt.Errorf("%w: negative price", ErrInvalidIntent)
	}
	return nil
}

// EmergencySell liquidates the whole position at market.
func EmergencySell(instrument, name, reason string) OrderIntent {
	return OrderIntent{
		Instrument: instrument,
		Name:       name,
		Action:     ActionSell,
		Priority:   PriorityEmergency,
		Reason:     reason,
	}
}

// ProfitTake sells the whole position, limit at price when price > 0.
func ProfitTake(instrument, name string, price int64, reason string) OrderIntent {
	return OrderIntent{
		Instrument: instrument,
		Name:       name,
		Action:     ActionSell,
		EntryPrice: price,
		Priority:   PriorityProfitTake,
		Reason:     reason,
	}
}

// NewEntry opens a position at a limit price.
func NewEntry(instrument, name string, qty, entry, target, stop int64, reason string) OrderIntent {
	return OrderIntent{
		Instrument:  instrument,
		Name:        name,
		Action:      ActionBuy,
		Quantity:    qty,
		EntryPrice:  entry,
		TargetPrice: target,
		StopPrice:   stop,
		Priority:    PriorityEntry,
		Reason:      reason,
	}
}

// QueueEntry is an accepted intent with its dispatch tie-break.
type QueueEntry struct {
	ID         string      `json:"id"`
	Seq        uint64      `json:"seq"`
	Intent     OrderIntent `json:"intent"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// Outcome is the result of handing an intent to the broker.
type Outcome struct {
	OrderID  string        `json:"order_id,omitempty"`
	Success  bool          `json:"success"`
	Message  string        `json:"message,omitempty"`
	Quantity int64         `json:"quantity"`
	DryRun   bool          `json:"dry_run,omitempty"`
	Latency  time.Duration `json:"latency_ns"`
}

// DispatchRecord is what the audit sink receives for every dispatch.
type DispatchRecord struct {
	EntryID      string      `json:"entry_id"`
	Seq          uint64      `json:"seq"`
	Intent       OrderIntent `json:"intent"`
	Outcome      Outcome     `json:"outcome"`
	DispatchedAt time.Time   `json:"dispatched_at"`
}

// KillSwitch is published whenever an emergency liquidation is requested.
type KillSwitch struct {
	Instrument string    `json:"instrument"`
	Name       string    `json:"name,omitempty"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}
