package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, ApplyMigrations(database))
	return database
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, ApplyMigrations(database))

	ok, err := columnExists(database.DB, "trade_logs", "latency_ms")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInsertAndReadTradeLogs(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 9, 9, 5, 0, 0, time.UTC)

	logs := []TradeLog{
		{ID: "a", Seq: 1, Instrument: "005930", Action: "SELL", Priority: 0, Quantity: 10, Reason: "stop reached", Success: true, OrderID: "1", CreatedAt: base},
		{ID: "b", Seq: 2, Instrument: "000660", Action: "BUY", Priority: 2, Quantity: 1, Price: 150000, Success: false, Message: "rejected", CreatedAt: base.Add(time.Minute)},
		{ID: "c", Seq: 3, Instrument: "035420", Action: "SELL", Priority: 1, DryRun: true, Success: true, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, l := range logs {
		require.NoError(t, database.InsertTradeLog(ctx, l))
	}
	// duplicate id ignored
	require.NoError(t, database.InsertTradeLog(ctx, logs[0]))
	assert.ErrorIs(t, database.InsertTradeLog(ctx, TradeLog{}), ErrMissingID)

	got, err := database.TradeLogsSince(ctx, base.Add(30*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, int64(150000), got[0].Price)
	assert.False(t, got[0].Success)
	assert.Equal(t, "c", got[1].ID)
	assert.True(t, got[1].DryRun)
	assert.True(t, got[1].CreatedAt.Equal(base.Add(2*time.Minute)))
}

func TestDailySummary(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)

	require.NoError(t, database.InsertTradeLog(ctx, TradeLog{ID: "1", Instrument: "A", Action: "SELL", Priority: 0, Success: false, CreatedAt: day}))
	require.NoError(t, database.InsertTradeLog(ctx, TradeLog{ID: "2", Instrument: "A", Action: "BUY", Priority: 2, Success: true, CreatedAt: day.Add(time.Hour)}))
	require.NoError(t, database.InsertTradeLog(ctx, TradeLog{ID: "3", Instrument: "B", Action: "SELL", Priority: 1, Success: true, DryRun: true, CreatedAt: day.Add(2 * time.Hour)}))
	require.NoError(t, database.InsertTradeLog(ctx, TradeLog{ID: "4", Instrument: "B", Action: "SELL", Priority: 1, Success: true, CreatedAt: day.AddDate(0, 0, 1)}))

	s, err := database.DailySummary(ctx, day, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, DaySummary{Day: "2026-03-09", Total: 3, Succeeded: 2, Failed: 1, Emergency: 1, DryRun: 1}, s)
}
