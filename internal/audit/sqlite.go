package audit

import (
	"context"
	"fmt"

	"execution-core/internal/order"
	"execution-core/pkg/db"
)

// SQLiteSink appends records to the trade_logs table.
type SQLiteSink struct {
	DB *db.Database
}

func (s SQLiteSink) Record(ctx context.Context, rec order.DispatchRecord) error {
	if err := s.DB.InsertTradeLog(ctx, ToTradeLog(rec)); err != nil {
		return fmt.Errorf("audit sqlite %s: %w", rec.EntryID, err)
	}
	return nil
}

// ToTradeLog flattens a dispatch record into a trade log row.
func ToTradeLog(rec order.DispatchRecord) db.TradeLog {
	return db.TradeLog{
		ID:         rec.EntryID,
		Seq:        rec.Seq,
		Instrument: rec.Intent.Instrument,
		Name:       rec.Intent.Name,
		Action:     string(rec.Intent.Action),
		Priority:   int(rec.Intent.Priority),
		Quantity:   rec.Outcome.Quantity,
		Price:      rec.Intent.EntryPrice,
		Reason:     rec.Intent.Reason,
		OrderID:    rec.Outcome.OrderID,
		Success:    rec.Outcome.Success,
		Message:    rec.Outcome.Message,
		DryRun:     rec.Outcome.DryRun,
		LatencyMs:  rec.Outcome.Latency.Milliseconds(),
		CreatedAt:  rec.DispatchedAt,
	}
}
