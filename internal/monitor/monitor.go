package monitor

import (
	"context"
	"fmt"
	"time"

	"execution-core/internal/events"

	"go.uber.org/zap"
)

// Monitor forwards risk alerts and kill-switch activity from the bus to a sink.
type Monitor struct {
	Bus    *events.Bus
	Sink   AlertSink
	Logger *zap.Logger
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		if m.Logger != nil {
			m.Logger.Warn("monitor not fully configured; skipping")
		}
		return
	}
	alerts, unsubAlerts := m.Bus.Subscribe(events.EventRiskAlert, 50)
	kills, unsubKills := m.Bus.Subscribe(events.EventKillSwitch, 50)
	go func() {
		defer unsubAlerts()
		defer unsubKills()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-alerts:
				if !ok {
					return
				}
				if a := toAlert(msg); !a.Delivered {
					m.deliver(ctx, a)
				}
			case msg, ok := <-kills:
				if !ok {
					return
				}
				m.deliver(ctx, Alert{
					Severity: SeverityCritical,
					Title:    "kill switch",
					Message:  fmt.Sprintf("%+v", msg),
					At:       time.Now(),
				})
			}
		}
	}()
}

func (m *Monitor) deliver(ctx context.Context, a Alert) {
	if err := m.Sink.Send(ctx, a); err != nil && m.Logger != nil {
		m.Logger.Error("alert delivery failed", zap.String("title", a.Title), zap.Error(err))
	}
}

func toAlert(v any) Alert {
	switch t := v.(type) {
	case Alert:
		return t
	case string:
		return Alert{Severity: SeverityWarning, Title: "risk alert", Message: t, At: time.Now()}
	default:
		return Alert{Severity: SeverityWarning, Title: "risk alert", Message: "alert triggered", At: time.Now()}
	}
}
