package order

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/monitor"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPollInterval is how often routine intents are drained.
const DefaultPollInterval = 100 * time.Millisecond

// Dispatcher places one intent with the broker.
type Dispatcher interface {
	Dispatch(ctx context.Context, intent OrderIntent) (Outcome, error)
}

// AuditSink records every dispatch outcome.
type AuditSink interface {
	Record(ctx context.Context, rec DispatchRecord) error
}

// Publisher is the subset of the event bus the queue needs.
type Publisher interface {
	Publish(e events.Event, payload any)
}

// entryHeap orders by (priority, seq).
type entryHeap []QueueEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].Intent.Priority != h[j].Intent.Priority {
		return h[i].Intent.Priority < h[j].Intent.Priority
	}
	return h[i].Seq < h[j].Seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(QueueEntry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	Mode         ExecutionMode
	PollInterval time.Duration
}

// Queue is the priority dispatcher: emergency before profit-take before
// new entries, FIFO within a priority. Dispatch is strictly sequential.
type Queue struct {
	cfg        QueueConfig
	dispatcher Dispatcher
	audit      AuditSink
	alerts     monitor.AlertSink
	bus        Publisher
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.Mutex
	items entryHeap
	seq   uint64

	dispatchMu sync.Mutex
	wake       chan struct{}
}

func NewQueue(cfg QueueConfig, dispatcher Dispatcher, logger *zap.Logger) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
}

// SetAuditSink sets where dispatch outcomes are recorded.
func (q *Queue) SetAuditSink(a AuditSink) { q.audit = a }

// SetAlertSink sets the escalation path for failed emergency orders.
func (q *Queue) SetAlertSink(s monitor.AlertSink) { q.alerts = s }

// SetBus sets the event bus for dispatch and kill-switch events.
func (q *Queue) SetBus(p Publisher) { q.bus = p }

// Mode reports production or dry-run.
func (q *Queue) Mode() ExecutionMode { return q.cfg.Mode }

// Submit validates and enqueues intent. Invalid intents are logged and
// dropped. Emergency intents wake the dispatch loop immediately.
func (q *Queue) Submit(intent OrderIntent) bool {
	if err := intent.Validate(); err != nil {
		monitor.IntentsRejected.Inc()
		q.logger.Warn("intent rejected",
			zap.String("instrument", intent.Instrument),
			zap.String("reason", intent.Reason),
			zap.Error(err),
		)
		return false
	}

	q.mu.Lock()
	q.seq++
	entry := QueueEntry{
		ID:         uuid.NewString(),
		Seq:        q.seq,
		Intent:     intent,
		EnqueuedAt: q.now(),
	}
	heap.Push(&q.items, entry)
	pending := len(q.items)
	q.mu.Unlock()

	monitor.IntentsSubmitted.WithLabelValues(intent.Priority.String()).Inc()
	q.logger.Info("intent queued",
		zap.String("id", entry.ID),
		zap.Uint64("seq", entry.Seq),
		zap.String("instrument", intent.Instrument),
		zap.String("action", string(intent.Action)),
		zap.Stringer("priority", intent.Priority),
		zap.String("reason", intent.Reason),
		zap.Int("pending", pending),
	)

	if intent.Priority == PriorityEmergency {
		q.kick()
	}
	return true
}

// EmitEmergency is the kill-switch entry point: a priority-0 whole-position
// sell for instrument.
func (q *Queue) EmitEmergency(instrument, name, reason string) bool {
	ok := q.Submit(EmergencySell(instrument, name, reason))
	if ok && q.bus != nil {
		q.bus.Publish(events.EventKillSwitch, KillSwitch{
			Instrument: instrument,
			Name:       name,
			Reason:     reason,
			At:         q.now(),
		})
	}
	return ok
}

// ProcessNext pops and dispatches the head entry. It reports false when the
// queue was empty.
func (q *Queue) ProcessNext(ctx context.Context) (QueueEntry, bool) {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return QueueEntry{}, false
	}
	entry := heap.Pop(&q.items).(QueueEntry)
	q.mu.Unlock()

	q.dispatch(ctx, entry)
	return entry, true
}

// Drain dispatches until the queue is empty or ctx is done.
func (q *Queue) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		if _, ok := q.ProcessNext(ctx); !ok {
			break
		}
		n++
	}
	return n
}

// Run drains on every poll tick and whenever an emergency intent arrives.
func (q *Queue) Run(ctx context.Context) {
	t := time.NewTicker(q.cfg.PollInterval)
	defer t.Stop()
	q.logger.Info("order queue started",
		zap.String("mode", q.cfg.Mode.String()),
		zap.Duration("poll", q.cfg.PollInterval),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-t.C:
		}
		q.Drain(ctx)
	}
}

// PendingCount is the number of queued intents.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns queued entries in dispatch order.
func (q *Queue) Pending() []QueueEntry {
	q.mu.Lock()
	out := make([]QueueEntry, len(q.items))
	copy(out, q.items)
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return entryHeap(out).Less(i, j) })
	return out
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatch(ctx context.Context, entry QueueEntry) {
	intent := entry.Intent
	out, err := q.place(ctx, intent)
	if err != nil {
		out.Success = false
		if out.Message == "" {
			out.Message = err.Error()
		}
	}
	out.Latency = q.now().Sub(entry.EnqueuedAt)

	result := "ok"
	if !out.Success {
		result = "failed"
	}
	monitor.OrdersDispatched.WithLabelValues(string(intent.Action), result).Inc()
	monitor.DispatchLatency.Observe(out.Latency.Seconds())

	rec := DispatchRecord{
		EntryID:      entry.ID,
		Seq:          entry.Seq,
		Intent:       intent,
		Outcome:      out,
		DispatchedAt: q.now(),
	}

	fields := []zap.Field{
		zap.String("id", entry.ID),
		zap.String("instrument", intent.Instrument),
		zap.String("action", string(intent.Action)),
		zap.Stringer("priority", intent.Priority),
		zap.Int64("quantity", out.Quantity),
		zap.String("order_id", out.OrderID),
		zap.Bool("dry_run", out.DryRun),
		zap.Duration("latency", out.Latency),
	}
	if out.Success {
		q.logger.Info("intent dispatched", fields...)
	} else {
		q.logger.Warn("intent dispatch failed", append(fields, zap.String("message", out.Message))...)
	}

	if q.audit != nil {
		if aerr := q.audit.Record(ctx, rec); aerr != nil {
			q.logger.Error("audit record failed", zap.String("id", entry.ID), zap.Error(aerr))
		}
	}

	if q.bus != nil {
		if out.Success {
			q.bus.Publish(events.EventOrderDispatched, rec)
		} else {
			q.bus.Publish(events.EventOrderFailed, rec)
		}
	}

	if !out.Success && intent.Priority == PriorityEmergency {
		q.escalate(ctx, rec)
	}
}

// place hands the intent to the dispatcher, or only logs it in dry-run mode.
func (q *Queue) place(ctx context.Context, intent OrderIntent) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
		}
	}()
	if q.cfg.Mode == ModeDryRun {
		return dryRunOutcome(intent), nil
	}
	if q.dispatcher == nil {
		return Outcome{}, errors.New("no dispatcher configured")
	}
	return q.dispatcher.Dispatch(ctx, intent)
}

// escalate makes a failed emergency liquidation visible to operators.
func (q *Queue) escalate(ctx context.Context, rec DispatchRecord) {
	monitor.EmergencyFailures.Inc()
	alert := monitor.Alert{
		Severity:   monitor.SeverityCritical,
		Title:      "emergency order failed",
		Instrument: rec.Intent.Instrument,
		Message: fmt.Sprintf("%s (seq %s): %s",
			rec.Intent.Reason, strconv.FormatUint(rec.Seq, 10), rec.Outcome.Message),
		At: q.now(),
	}
	q.logger.Error("emergency order failed",
		zap.String("instrument", rec.Intent.Instrument),
		zap.String("reason", rec.Intent.Reason),
		zap.String("message", rec.Outcome.Message),
	)
	if q.alerts != nil {
		if err := q.alerts.Send(context.WithoutCancel(ctx), alert); err != nil {
			q.logger.Error("emergency alert delivery failed", zap.Error(err))
		} else {
			alert.Delivered = true
		}
	}
	if q.bus != nil {
		q.bus.Publish(events.EventRiskAlert, alert)
	}
}
