package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/market"
	"execution-core/internal/monitor"
	"execution-core/pkg/auth"
	"execution-core/pkg/broker"

	"go.uber.org/zap"
)

// DefaultInterval is used when Config.Interval is zero.
const DefaultInterval = 5 * time.Minute

// HoldingSource reports what the broker holds for an instrument.
type HoldingSource interface {
	Holding(ctx context.Context, token, instrument string) (int64, error)
}

// Tokens supplies the bearer credential for broker calls. Invalidate drops
// a credential the broker rejected.
type Tokens interface {
	GetValidToken(ctx context.Context) (auth.Credential, error)
	Invalidate()
}

// Book is the local position view being checked.
type Book interface {
	Snapshot() map[string]int64
	Apply(u market.BalanceUpdate)
}

// Publisher receives mismatch alerts.
type Publisher interface {
	Publish(e events.Event, payload any)
}

// Config configures a Service.
type Config struct {
	Interval time.Duration
	AutoSync bool
	// Instruments adds names to check beyond those already in the book,
	// typically the registered plans.
	Instruments func() []string
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	At      time.Time      `json:"at"`
	Checked int            `json:"checked"`
	Diffs   []PositionDiff `json:"diffs"`
	Synced  int            `json:"synced"`
}

// HasDiffs reports whether any instrument disagreed.
func (r Report) HasDiffs() bool { return len(r.Diffs) > 0 }

// PositionDiff is one instrument where the book and the broker disagree.
type PositionDiff struct {
	Instrument string `json:"instrument"`
	Local      int64  `json:"local"`
	Broker     int64  `json:"broker"`
	Synced     bool   `json:"synced"`
}

// Service periodically compares the stream-fed position book with broker
// holdings. Balance frames can be missed across a reconnect, and a stale
// book would size an emergency sell wrongly.
type Service struct {
	holdings HoldingSource
	tokens   Tokens
	book     Book
	bus      Publisher
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	last Report
}

func NewService(holdings HoldingSource, tokens Tokens, book Book, cfg Config, logger *zap.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		holdings: holdings,
		tokens:   tokens,
		book:     book,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetBus enables risk alerts for mismatches.
func (s *Service) SetBus(p Publisher) { s.bus = p }

// Start reconciles every interval until ctx is done.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Warn("reconciliation failed", zap.Error(err))
				}
			}
		}
	}()
	s.logger.Info("reconciliation started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Bool("auto_sync", s.cfg.AutoSync),
	)
}

// Reconcile runs one pass. Per-instrument lookup failures are joined into
// the returned error; the report still covers every instrument that answered.
func (s *Service) Reconcile(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := Report{At: s.now(), Diffs: []PositionDiff{}}
	cred, err := s.tokens.GetValidToken(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile token: %w", err)
	}

	local := s.book.Snapshot()
	var errs []error
	refreshed := false
	for _, inst := range s.instruments(local) {
		held, err := s.holdings.Holding(ctx, cred.Value, inst)
		if errors.Is(err, broker.ErrUnauthorized) && !refreshed {
			// one refresh per pass; a second rejection is reported as is
			refreshed = true
			s.tokens.Invalidate()
			next, terr := s.tokens.GetValidToken(ctx)
			if terr != nil {
				return report, fmt.Errorf("reconcile token refresh: %w", terr)
			}
			cred = next
			held, err = s.holdings.Holding(ctx, cred.Value, inst)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", inst, err))
			continue
		}
		report.Checked++
		if held == local[inst] {
			continue
		}
		diff := PositionDiff{Instrument: inst, Local: local[inst], Broker: held}
		if s.cfg.AutoSync {
			s.book.Apply(market.BalanceUpdate{Instrument: inst, Quantity: held, Timestamp: report.At})
			diff.Synced = true
			report.Synced++
		}
		report.Diffs = append(report.Diffs, diff)
	}

	s.handle(report)
	s.last = report
	return report, errors.Join(errs...)
}

// Last returns the most recent report.
func (s *Service) Last() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) instruments(local map[string]int64) []string {
	seen := make(map[string]struct{}, len(local))
	for inst := range local {
		seen[inst] = struct{}{}
	}
	if s.cfg.Instruments != nil {
		for _, inst := range s.cfg.Instruments() {
			seen[inst] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for inst := range seen {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

func (s *Service) handle(r Report) {
	if !r.HasDiffs() {
		s.logger.Debug("reconciliation ok", zap.Int("checked", r.Checked))
		return
	}
	for _, d := range r.Diffs {
		s.logger.Warn("position mismatch",
			zap.String("instrument", d.Instrument),
			zap.Int64("local", d.Local),
			zap.Int64("broker", d.Broker),
			zap.Bool("synced", d.Synced),
		)
		if s.bus != nil {
			s.bus.Publish(events.EventRiskAlert, monitor.Alert{
				Severity:   monitor.SeverityWarning,
				Title:      "position mismatch",
				Instrument: d.Instrument,
				Message:    fmt.Sprintf("book %d, broker %d (synced=%t)", d.Local, d.Broker, d.Synced),
				At:         r.At,
			})
		}
	}
}
