// Package audit records every dispatched intent and its outcome.
package audit

import (
	"context"
	"errors"

	"execution-core/internal/order"

	"go.uber.org/zap"
)

// Multi fans a record out to every sink and joins their errors.
type Multi []order.AuditSink

func (m Multi) Record(ctx context.Context, rec order.DispatchRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes records to the log.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Record(_ context.Context, rec order.DispatchRecord) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.Info("audit",
		zap.String("id", rec.EntryID),
		zap.Uint64("seq", rec.Seq),
		zap.String("instrument", rec.Intent.Instrument),
		zap.String("action", string(rec.Intent.Action)),
		zap.Stringer("priority", rec.Intent.Priority),
		zap.Int64("quantity", rec.Outcome.Quantity),
		zap.String("reason", rec.Intent.Reason),
		zap.Bool("success", rec.Outcome.Success),
		zap.Bool("dry_run", rec.Outcome.DryRun),
		zap.String("order_id", rec.Outcome.OrderID),
		zap.String("message", rec.Outcome.Message),
	)
	return nil
}
