package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/monitor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []OrderIntent
	fn    func(OrderIntent) (Outcome, error)
}

func (f *fakeDispatcher) Dispatch(_ context.Context, intent OrderIntent) (Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, intent)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(intent)
	}
	return Outcome{OrderID: "0001", Success: true, Quantity: intent.Quantity}, nil
}

func (f *fakeDispatcher) Calls() []OrderIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OrderIntent(nil), f.calls...)
}

type memAudit struct {
	mu   sync.Mutex
	recs []DispatchRecord
}

func (m *memAudit) Record(_ context.Context, rec DispatchRecord) error {
	m.mu.Lock()
	m.recs = append(m.recs, rec)
	m.mu.Unlock()
	return nil
}

func (m *memAudit) Records() []DispatchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DispatchRecord(nil), m.recs...)
}

type memAlerts struct {
	mu     sync.Mutex
	alerts []monitor.Alert
}

func (m *memAlerts) Send(_ context.Context, a monitor.Alert) error {
	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	m.mu.Unlock()
	return nil
}

func TestQueue_EmergencyBeforeEntryRegardlessOfOrder(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(QueueConfig{}, &fakeDispatcher{}, nil)

	require.True(t, q.Submit(NewEntry("005930", "Samsung", 10, 70000, 77000, 66000, "advisory buy")))
	require.True(t, q.Submit(ProfitTake("000660", "Hynix", 0, "target reached")))
	require.True(t, q.Submit(EmergencySell("035420", "Naver", "stop reached")))

	first, ok := q.ProcessNext(ctx)
	require.True(t, ok)
	assert.Equal(t, PriorityEmergency, first.Intent.Priority)

	second, ok := q.ProcessNext(ctx)
	require.True(t, ok)
	assert.Equal(t, PriorityProfitTake, second.Intent.Priority)

	third, ok := q.ProcessNext(ctx)
	require.True(t, ok)
	assert.Equal(t, PriorityEntry, third.Intent.Priority)

	_, ok = q.ProcessNext(ctx)
	assert.False(t, ok)
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := NewQueue(QueueConfig{}, &fakeDispatcher{}, nil)
	for _, inst := range []string{"A", "B", "C", "D"} {
		require.True(t, q.Submit(ProfitTake(inst, "", 0, "target reached")))
	}
	pending := q.Pending()
	require.Len(t, pending, 4)
	for i, inst := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, inst, pending[i].Intent.Instrument)
		if i > 0 {
			assert.Greater(t, pending[i].Seq, pending[i-1].Seq)
		}
	}

	var got []string
	for {
		e, ok := q.ProcessNext(context.Background())
		if !ok {
			break
		}
		got = append(got, e.Intent.Instrument)
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, got)
}

func TestQueue_RejectsInvalidIntents(t *testing.T) {
	q := NewQueue(QueueConfig{}, &fakeDispatcher{}, nil)

	cases := map[string]OrderIntent{
		"empty instrument": EmergencySell("", "", "stop reached"),
		"negative price":   NewEntry("005930", "", 1, -1, 0, 0, "bad"),
		"negative target":  NewEntry("005930", "", 1, 100, -5, 0, "bad"),
		"buy without qty":  NewEntry("005930", "", 0, 100, 0, 0, "bad"),
		"unknown action":   {Instrument: "005930", Action: "HOLD", Priority: PriorityEntry},
		"unknown priority": {Instrument: "005930", Action: ActionSell, Priority: 7},
	}
	for name, intent := range cases {
		t.Run(name, func(t *testing.T) {
			assert.False(t, q.Submit(intent))
			assert.ErrorIs(t, intent.Validate(), ErrInvalidIntent)
		})
	}
	assert.Equal(t, 0, q.PendingCount())
}

func TestQueue_DryRunSkipsDispatcherButAudits(t *testing.T) {
	d := &fakeDispatcher{}
	audit := &memAudit{}
	q := NewQueue(QueueConfig{Mode: ModeDryRun}, d, nil)
	q.SetAuditSink(audit)

	require.True(t, q.Submit(NewEntry("005930", "Samsung", 3, 70000, 0, 0, "manual")))
	assert.Equal(t, 1, q.Drain(context.Background()))

	assert.Empty(t, d.Calls())
	recs := audit.Records()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Outcome.Success)
	assert.True(t, recs[0].Outcome.DryRun)
	assert.Equal(t, int64(3), recs[0].Outcome.Quantity)
	assert.Equal(t, uint64(1), recs[0].Seq)
}

func TestQueue_FailedEmergencyEscalates(t *testing.T) {
	d := &fakeDispatcher{fn: func(OrderIntent) (Outcome, error) {
		return Outcome{}, errors.New("connection reset")
	}}
	alerts := &memAlerts{}
	bus := events.NewBus()
	riskCh, unsub := bus.Subscribe(events.EventRiskAlert, 4)
	defer unsub()
	failedCh, unsubFailed := bus.Subscribe(events.EventOrderFailed, 4)
	defer unsubFailed()

	q := NewQueue(QueueConfig{}, d, nil)
	q.SetAlertSink(alerts)
	q.SetBus(bus)

	require.True(t, q.Submit(EmergencySell("005930", "Samsung", "stop reached")))
	_, ok := q.ProcessNext(context.Background())
	require.True(t, ok)

	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, monitor.SeverityCritical, alerts.alerts[0].Severity)
	assert.Equal(t, "005930", alerts.alerts[0].Instrument)
	assert.Contains(t, alerts.alerts[0].Message, "connection reset")

	select {
	case v := <-riskCh:
		a := v.(monitor.Alert)
		assert.Equal(t, "005930", a.Instrument)
		assert.True(t, a.Delivered)
	case <-time.After(time.Second):
		t.Fatal("risk alert not published")
	}
	select {
	case v := <-failedCh:
		assert.False(t, v.(DispatchRecord).Outcome.Success)
	case <-time.After(time.Second):
		t.Fatal("order failure not published")
	}
}

func TestQueue_FailedRoutineOrderDoesNotEscalate(t *testing.T) {
	d := &fakeDispatcher{fn: func(OrderIntent) (Outcome, error) {
		return Outcome{Success: false, Message: "rejected"}, nil
	}}
	alerts := &memAlerts{}
	q := NewQueue(QueueConfig{}, d, nil)
	q.SetAlertSink(alerts)

	require.True(t, q.Submit(ProfitTake("005930", "", 0, "target reached")))
	q.Drain(context.Background())
	assert.Empty(t, alerts.alerts)
}

func TestQueue_DispatchPanicIsContained(t *testing.T) {
	d := &fakeDispatcher{fn: func(OrderIntent) (Outcome, error) { panic("boom") }}
	audit := &memAudit{}
	q := NewQueue(QueueConfig{}, d, nil)
	q.SetAuditSink(audit)

	require.True(t, q.Submit(ProfitTake("005930", "", 0, "target reached")))
	require.NotPanics(t, func() { q.Drain(context.Background()) })

	recs := audit.Records()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Outcome.Success)
	assert.Contains(t, recs[0].Outcome.Message, "boom")
}

func TestQueue_EmergencyWakesRun(t *testing.T) {
	d := &fakeDispatcher{}
	q := NewQueue(QueueConfig{PollInterval: time.Hour}, d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	require.True(t, q.Submit(EmergencySell("005930", "", "kill switch")))
	require.Eventually(t, func() bool { return len(d.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, q.PendingCount())
}

func TestQueue_EmitEmergencyPublishesKillSwitch(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventKillSwitch, 1)
	defer unsub()

	q := NewQueue(QueueConfig{}, &fakeDispatcher{}, nil)
	q.SetBus(bus)

	require.True(t, q.EmitEmergency("005930", "Samsung", "news: halt"))
	assert.Equal(t, 1, q.PendingCount())

	select {
	case v := <-ch:
		ks := v.(KillSwitch)
		assert.Equal(t, "005930", ks.Instrument)
		assert.Equal(t, "news: halt", ks.Reason)
	case <-time.After(time.Second):
		t.Fatal("kill switch not published")
	}
}

func TestQueue_ConcurrentSubmit(t *testing.T) {
	q := NewQueue(QueueConfig{}, &fakeDispatcher{}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%10 == 0 {
				q.Submit(EmergencySell("E", "", "stop"))
				return
			}
			q.Submit(NewEntry("N", "", 1, 100, 0, 0, "entry"))
		}(i)
	}
	wg.Wait()
	require.Equal(t, 50, q.PendingCount())

	for i := 0; i < 5; i++ {
		e, ok := q.ProcessNext(context.Background())
		require.True(t, ok)
		assert.Equal(t, PriorityEmergency, e.Intent.Priority)
	}
}
