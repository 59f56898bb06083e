package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"execution-core/internal/order"
)

// ErrInvalidPlan is wrapped by every plan validation failure.
var ErrInvalidPlan = errors.New("engine: invalid plan")

// PlanStatus is the lifecycle of a trading plan.
type PlanStatus string

const (
	StatusWatching PlanStatus = "WATCHING"
	StatusTraded   PlanStatus = "TRADED"
	StatusEnded    PlanStatus = "ENDED"
)

// TradingPlan is the exit plan for one instrument. CurrentStop never
// decreases while the plan is registered.
type TradingPlan struct {
	Instrument     string     `json:"instrument" yaml:"instrument"`
	Name           string     `json:"name" yaml:"name"`
	OriginalTarget int64      `json:"original_target" yaml:"target"`
	OriginalStop   int64      `json:"original_stop" yaml:"stop"`
	CurrentTarget  int64      `json:"current_target" yaml:"-"`
	CurrentStop    int64      `json:"current_stop" yaml:"-"`
	Status         PlanStatus `json:"status" yaml:"-"`
	RegisteredAt   time.Time  `json:"registered_at" yaml:"-"`
	UpdatedAt      time.Time  `json:"updated_at" yaml:"-"`
}

// Validate rejects plans the loop cannot evaluate.
func (p TradingPlan) Validate() error {
	switch {
	case strings.TrimSpace(p.Instrument) == "":
		return fmt.Errorf("%w: empty instrument", ErrInvalidPlan)
	case p.OriginalStop <= 0 || p.OriginalTarget <= 0:
		return fmt.Errorf("%w: %s prices must be positive", ErrInvalidPlan, p.Instrument)
	case p.OriginalTarget <= p.OriginalStop:
		return fmt.Errorf("%w: %s target %d not above stop %d", ErrInvalidPlan, p.Instrument, p.OriginalTarget, p.OriginalStop)
	}
	return nil
}

// PlanChange is published on EventPlanChanged.
type PlanChange struct {
	Action string      `json:"action"` // registered, traded, removed
	Reason string      `json:"reason,omitempty"`
	Plan   TradingPlan `json:"plan"`
	At     time.Time   `json:"at"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Mode            string             `json:"mode"`
	DryRun          bool               `json:"dry_run"`
	Version         string             `json:"version"`
	StreamState     string             `json:"stream_state"`
	StreamConnected bool               `json:"stream_connected"`
	Subscribed      int                `json:"subscribed"`
	Instruments     []string           `json:"instruments,omitempty"`
	PendingIntents  int                `json:"pending_intents"`
	Queue           []order.QueueEntry `json:"queue,omitempty"`
	Plans           []TradingPlan      `json:"plans"`
	LastPrices      map[string]int64   `json:"last_prices,omitempty"`
	RateTokens      map[string]int     `json:"rate_tokens,omitempty"`
	ServerTime      time.Time          `json:"server_time"`
}
