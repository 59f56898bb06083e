package market

import "time"

// DistributionThreshold is the net program selling (KRW) that marks a
// distribution pattern.
const DistributionThreshold int64 = -10_000_000_000

// Event is one decoded stream message.
type Event interface {
	InstrumentID() string
	Type() string
}

// PriceTick is a trade print.
type PriceTick struct {
	Instrument       string    `json:"instrument"`
	Price            int64     `json:"price"`
	Volume           int64     `json:"volume"`
	CumulativeVolume int64     `json:"cumulative_volume"`
	ChangeRatePct    float64   `json:"change_rate_pct"`
	Timestamp        time.Time `json:"ts"`
}

func (t PriceTick) InstrumentID() string { return t.Instrument }
func (PriceTick) Type() string { return "tick" }

// FlowSignal aggregates program trading amounts.
type FlowSignal struct {
	Instrument     string    `json:"instrument"`
	ProgramBuyAmt  int64     `json:"program_buy_amt"`
	ProgramSellAmt int64     `json:"program_sell_amt"`
	Timestamp      time.Time `json:"ts"`
}

func (f FlowSignal) InstrumentID() string { return f.Instrument }
func (FlowSignal) Type() string { return "flow" }

// Net is program buying minus selling.
func (f FlowSignal) Net() int64 { return f.ProgramBuyAmt - f.ProgramSellAmt }

// IsDistribution reports heavy net program selling.
func (f FlowSignal) IsDistribution() bool { return f.Net() < DistributionThreshold }

// VIKind distinguishes the two exchange volatility interrupts.
type VIKind string

const (
	VIStatic  VIKind = "STATIC"
	VIDynamic VIKind = "DYNAMIC"
)

// VolatilityInterrupt is an exchange trading pause on one instrument.
type VolatilityInterrupt struct {
	Instrument   string    `json:"instrument"`
	Name         string    `json:"name"`
	Kind         VIKind    `json:"kind"`
	TriggerPrice int64     `json:"trigger_price"`
	Timestamp    time.Time `json:"ts"`
}

func (v VolatilityInterrupt) InstrumentID() string { return v.Instrument }
func (VolatilityInterrupt) Type() string { return "vi" }

// BalanceUpdate is a real-time holding change for the account.
type BalanceUpdate struct {
	Instrument   string    `json:"instrument"`
	Name         string    `json:"name"`
	Quantity     int64     `json:"quantity"`
	AvgPrice     int64     `json:"avg_price"`
	CurrentPrice int64     `json:"current_price"`
	PnLAmount    int64     `json:"pnl_amount"`
	PnLRate      float64   `json:"pnl_rate"`
	Timestamp    time.Time `json:"ts"`
}

func (b BalanceUpdate) InstrumentID() string { return b.Instrument }
func (BalanceUpdate) Type() string { return "balance" }

// State is the stream connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRetryWait
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateRetryWait:
		return "RETRY_WAIT"
	default:
		return "UNKNOWN"
	}
}
