package db

import (
	"context"
	"errors"
	"time"
)

// ErrMissingID rejects trade logs without an entry id.
var ErrMissingID = errors.New("db: trade log id is required")

// TradeLog is one dispatched intent and its outcome.
type TradeLog struct {
	ID         string
	Seq        uint64
	Instrument string
	Name       string
	Action     string
	Priority   int
	Quantity   int64
	Price      int64
	Reason     string
	OrderID    string
	Success    bool
	Message    string
	DryRun     bool
	LatencyMs  int64
	CreatedAt  time.Time
}

// DaySummary aggregates one trading day of dispatches.
type DaySummary struct {
	Day       string `json:"day"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Emergency int    `json:"emergency"`
	DryRun    int    `json:"dry_run"`
}

// InsertTradeLog stores one dispatch. Re-inserting the same id is a no-op.
func (d *Database) InsertTradeLog(ctx context.Context, t TradeLog) error {
	if t.ID == "" {
		return ErrMissingID
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO trade_logs (
			id, seq, instrument, name, action, priority, quantity, price,
			reason, order_id, success, message, dry_run, latency_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, int64(t.Seq), t.Instrument, t.Name, t.Action, t.Priority, t.Quantity, t.Price,
		t.Reason, t.OrderID, boolToInt(t.Success), t.Message, boolToInt(t.DryRun), t.LatencyMs,
		t.CreatedAt.UnixMilli())
	return err
}

// TradeLogsSince returns logs at or after since, oldest first.
func (d *Database) TradeLogsSince(ctx context.Context, since time.Time, limit int) ([]TradeLog, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, seq, instrument, name, action, priority, quantity, price,
		       reason, order_id, success, message, dry_run, latency_ms, created_at
		FROM trade_logs
		WHERE created_at >= ?
		ORDER BY created_at ASC, seq ASC
		LIMIT ?
	`, since.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeLog
	for rows.Next() {
		var (
			t               TradeLog
			seq, createdAt  int64
			success, dryRun int
		)
		if err := rows.Scan(&t.ID, &seq, &t.Instrument, &t.Name, &t.Action, &t.Priority, &t.Quantity, &t.Price,
			&t.Reason, &t.OrderID, &success, &t.Message, &dryRun, &t.LatencyMs, &createdAt); err != nil {
			return nil, err
		}
		t.Seq = uint64(seq)
		t.Success = success != 0
		t.DryRun = dryRun != 0
		t.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// DailySummary counts dispatches on day's calendar date in loc.
func (d *Database) DailySummary(ctx context.Context, day time.Time, loc *time.Location) (DaySummary, error) {
	if loc == nil {
		loc = time.Local
	}
	day = day.In(loc)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)

	s := DaySummary{Day: start.Format("2006-01-02")}
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(success), 0),
		       COALESCE(SUM(CASE WHEN priority = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(dry_run), 0)
		FROM trade_logs
		WHERE created_at >= ? AND created_at < ?
	`, start.UnixMilli(), end.UnixMilli()).Scan(&s.Total, &s.Succeeded, &s.Emergency, &s.DryRun)
	if err != nil {
		return DaySummary{}, err
	}
	s.Failed = s.Total - s.Succeeded
	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
