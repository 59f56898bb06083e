package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator-facing notification.
type Alert struct {
	Severity   Severity  `json:"severity"`
	Title      string    `json:"title"`
	Instrument string    `json:"instrument,omitempty"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
	// Delivered marks an alert already sent by its producer; Monitor only
	// forwards undelivered ones.
	Delivered  bool      `json:"delivered,omitempty"`
}

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(ctx context.Context, a Alert) error
}

// LogSink writes alerts to the log at error level.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(_ context.Context, a Alert) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.Error("ALERT",
		zap.String("severity", string(a.Severity)),
		zap.String("title", a.Title),
		zap.String("instrument", a.Instrument),
		zap.String("message", a.Message),
	)
	return nil
}

// WebhookSink posts alerts as JSON.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (s *WebhookSink) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook alert: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("webhook alert: status %d", res.StatusCode)
	}
	return nil
}

// MultiSink delivers to every sink and joins their errors.
type MultiSink []AlertSink

func (m MultiSink) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
