package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "stream_frames_total", Help: "Decoded stream frames by event type"},
		[]string{"type"},
	)
	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "stream_frames_dropped_total", Help: "Frames dropped at decode, by reason"},
		[]string{"reason"},
	)
	StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "stream_reconnects_total", Help: "Stream sessions lost and retried"},
	)
	StreamConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "stream_connected", Help: "1 while the market stream is connected"},
	)
	ActivePlans = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "trading_plans_active", Help: "Registered trading plans"},
	)
	LoopPanics = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "trading_loop_panics_total", Help: "Recovered panics while evaluating events"},
	)
	IntentsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "order_intents_submitted_total", Help: "Intents accepted by the queue, by priority"},
		[]string{"priority"},
	)
	IntentsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "order_intents_rejected_total", Help: "Intents dropped by validation"},
	)
	OrdersDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_dispatched_total", Help: "Dispatched intents by side and result"},
		[]string{"side", "result"},
	)
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "order_dispatch_seconds",
			Help:    "Time from enqueue to dispatch outcome",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
	EmergencyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "emergency_order_failures_total", Help: "Failed priority-0 dispatches"},
	)
)

func init() {
	prometheus.MustRegister(
		FramesTotal,
		FramesDropped,
		StreamReconnects,
		StreamConnected,
		ActivePlans,
		LoopPanics,
		IntentsSubmitted,
		IntentsRejected,
		OrdersDispatched,
		DispatchLatency,
		EmergencyFailures,
	)
}
