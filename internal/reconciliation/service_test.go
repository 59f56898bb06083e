package reconciliation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"execution-core/internal/events"
	"execution-core/internal/market"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/pkg/auth"
	"execution-core/pkg/broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHoldings struct {
	held map[string]int64
	fail map[string]error
}

func (f fakeHoldings) Holding(_ context.Context, token, instrument string) (int64, error) {
	if token != "tok" {
		return 0, errors.New("bad token")
	}
	if err := f.fail[instrument]; err != nil {
		return 0, err
	}
	return f.held[instrument], nil
}

type staticTokens struct{ err error }

func (s staticTokens) GetValidToken(context.Context) (auth.Credential, error) {
	return auth.Credential{Value: "tok"}, s.err
}

func (staticTokens) Invalidate() {}

// rotatingTokens hands out a stale token until invalidated.
type rotatingTokens struct {
	mu          sync.Mutex
	value       string
	invalidated int
}

func (r *rotatingTokens) GetValidToken(context.Context) (auth.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.value == "" {
		r.value = "tok"
	}
	return auth.Credential{Value: r.value}, nil
}

func (r *rotatingTokens) Invalidate() {
	r.mu.Lock()
	r.invalidated++
	r.value = ""
	r.mu.Unlock()
}

// expiringHoldings rejects the "stale" token the way the broker does.
type expiringHoldings struct {
	fakeHoldings
	mu     sync.Mutex
	tokens []string
}

func (e *expiringHoldings) Holding(ctx context.Context, token, instrument string) (int64, error) {
	e.mu.Lock()
	e.tokens = append(e.tokens, token)
	e.mu.Unlock()
	if token == "stale" {
		return 0, broker.ErrUnauthorized
	}
	return e.fakeHoldings.Holding(ctx, token, instrument)
}

type recordingBus struct {
	mu     sync.Mutex
	alerts []monitor.Alert
}

func (r *recordingBus) Publish(e events.Event, payload any) {
	if e != events.EventRiskAlert {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, payload.(monitor.Alert))
}

func seededBook(t *testing.T, held map[string]int64) *order.PositionBook {
	t.Helper()
	book := order.NewPositionBook(nil)
	for inst, qty := range held {
		book.Apply(balance(inst, qty))
	}
	return book
}

func TestReconcile_AutoSyncCorrectsBook(t *testing.T) {
	book := seededBook(t, map[string]int64{"005930": 10, "000660": 5})
	holdings := fakeHoldings{held: map[string]int64{"005930": 10, "000660": 3, "035420": 7}}
	bus := &recordingBus{}

	svc := NewService(holdings, staticTokens{}, book, Config{
		AutoSync:    true,
		Instruments: func() []string { return []string{"035420"} },
	}, nil)
	svc.SetBus(bus)

	report, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 2, report.Synced)
	assert.Equal(t, []PositionDiff{
		{Instrument: "000660", Local: 5, Broker: 3, Synced: true},
		{Instrument: "035420", Local: 0, Broker: 7, Synced: true},
	}, report.Diffs)

	qty, ok := book.Quantity("000660")
	require.True(t, ok)
	assert.Equal(t, int64(3), qty)
	qty, _ = book.Quantity("035420")
	assert.Equal(t, int64(7), qty)

	assert.Len(t, bus.alerts, 2)
	assert.Equal(t, report, svc.Last())
}

func TestReconcile_ReportOnlyLeavesBookAlone(t *testing.T) {
	book := seededBook(t, map[string]int64{"005930": 10})
	svc := NewService(fakeHoldings{held: map[string]int64{}}, staticTokens{}, book, Config{}, nil)

	report, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.True(t, report.HasDiffs())
	assert.False(t, report.Diffs[0].Synced)

	qty, ok := book.Quantity("005930")
	require.True(t, ok)
	assert.Equal(t, int64(10), qty)
}

func TestReconcile_PartialFailure(t *testing.T) {
	book := seededBook(t, map[string]int64{"005930": 10, "000660": 5})
	holdings := fakeHoldings{
		held: map[string]int64{"005930": 10},
		fail: map[string]error{"000660": errors.New("timeout")},
	}
	svc := NewService(holdings, staticTokens{}, book, Config{AutoSync: true}, nil)

	report, err := svc.Reconcile(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "000660")
	assert.Equal(t, 1, report.Checked)
	assert.False(t, report.HasDiffs())
}

func TestReconcile_TokenFailure(t *testing.T) {
	svc := NewService(fakeHoldings{}, staticTokens{err: errors.New("down")}, order.NewPositionBook(nil), Config{}, nil)
	_, err := svc.Reconcile(context.Background())
	require.Error(t, err)
}

func balance(inst string, qty int64) market.BalanceUpdate {
	return market.BalanceUpdate{Instrument: inst, Quantity: qty}
}

func TestReconcile_RefreshesRejectedTokenOnce(t *testing.T) {
	book := seededBook(t, map[string]int64{"005930": 10, "000660": 5})
	holdings := &expiringHoldings{fakeHoldings: fakeHoldings{held: map[string]int64{"005930": 10, "000660": 5}}}
	tokens := &rotatingTokens{value: "stale"}

	svc := NewService(holdings, tokens, book, Config{}, nil)
	report, err := svc.Reconcile(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.False(t, report.HasDiffs())
	assert.Equal(t, 1, tokens.invalidated)
	assert.Equal(t, []string{"stale", "tok", "tok"}, holdings.tokens)
}

func TestReconcile_SecondRejectionIsReported(t *testing.T) {
	book := seededBook(t, map[string]int64{"005930": 10})
	holdings := &expiringHoldings{}
	tokens := &stuckTokens{}

	svc := NewService(holdings, tokens, book, Config{}, nil)
	report, err := svc.Reconcile(context.Background())

	require.ErrorIs(t, err, broker.ErrUnauthorized)
	assert.Equal(t, 0, report.Checked)
	assert.Equal(t, 1, tokens.invalidated)
}

// stuckTokens keeps returning a token the broker rejects.
type stuckTokens struct{ invalidated int }

func (s *stuckTokens) GetValidToken(context.Context) (auth.Credential, error) {
	return auth.Credential{Value: "stale"}, nil
}

func (s *stuckTokens) Invalidate() { s.invalidated++ }
