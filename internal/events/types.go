package events

// Event enumerates topics inside the execution core.
type Event string

const (
	// EventMarketData carries every decoded stream event in arrival order.
	EventMarketData Event = "market.data"
	// EventStreamState carries market.State transitions.
	EventStreamState Event = "market.stream_state"

	EventOrderDispatched Event = "order.dispatched"
	EventOrderFailed     Event = "order.failed"
	EventKillSwitch      Event = "kill_switch"
	EventRiskAlert       Event = "risk_alert"
	EventPlanChanged     Event = "plan.changed"
)
