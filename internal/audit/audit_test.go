package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"execution-core/internal/order"
	"execution-core/pkg/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func sampleRecord() order.DispatchRecord {
	return order.DispatchRecord{
		EntryID:      "e-1",
		Seq:          7,
		Intent:       order.EmergencySell("005930", "Samsung", "stop reached"),
		Outcome:      order.Outcome{OrderID: "0000117", Success: true, Quantity: 12, Latency: 42 * time.Millisecond},
		DispatchedAt: time.Date(2026, 3, 9, 9, 30, 0, 0, time.UTC),
	}
}

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out kgo.ProduceResults
	for _, r := range rs {
		f.records = append(f.records, r)
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func TestKafkaSink_KeysByInstrument(t *testing.T) {
	p := &fakeProducer{}
	sink := NewKafkaSink(p, "execution.audit", nil)

	require.NoError(t, sink.Record(context.Background(), sampleRecord()))
	require.Len(t, p.records, 1)
	assert.Equal(t, "execution.audit", p.records[0].Topic)
	assert.Equal(t, "005930", string(p.records[0].Key))

	var got order.DispatchRecord
	require.NoError(t, json.Unmarshal(p.records[0].Value, &got))
	assert.Equal(t, "e-1", got.EntryID)
	assert.Equal(t, order.PriorityEmergency, got.Intent.Priority)

	produced, failed := sink.Stats()
	assert.Equal(t, int64(1), produced)
	assert.Equal(t, int64(0), failed)
}

func TestKafkaSink_ProduceError(t *testing.T) {
	p := &fakeProducer{err: errors.New("broker down")}
	sink := NewKafkaSink(p, "execution.audit", nil)

	err := sink.Record(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	_, failed := sink.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestSQLiteSink_WritesTradeLog(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.ApplyMigrations(database))

	sink := SQLiteSink{DB: database}
	rec := sampleRecord()
	require.NoError(t, sink.Record(context.Background(), rec))

	logs, err := database.TradeLogsSince(context.Background(), rec.DispatchedAt.Add(-time.Second), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "005930", logs[0].Instrument)
	assert.Equal(t, int64(12), logs[0].Quantity)
	assert.Equal(t, int64(42), logs[0].LatencyMs)
	assert.Equal(t, 0, logs[0].Priority)
	assert.True(t, logs[0].Success)
}

type failingSink struct{ err error }

func (f failingSink) Record(context.Context, order.DispatchRecord) error { return f.err }

func TestMulti_JoinsErrors(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")
	p := &fakeProducer{}
	m := Multi{failingSink{errA}, NewKafkaSink(p, "t", nil), failingSink{errB}, LogSink{}}

	err := m.Record(context.Background(), sampleRecord())
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Len(t, p.records, 1)

	assert.NoError(t, Multi{LogSink{}}.Record(context.Background(), sampleRecord()))
}
