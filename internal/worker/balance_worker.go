package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tgledger/internal/amqp"
	"tgledger/internal/core"
	"tgledger/internal/log"
	"tgledger/internal/services"
)

// Applier applies the legs of one ledger row.
type Applier interface {
	ApplyLegs(ctx context.Context, id string, row int, legs []core.Leg) services.ApplyReport
}

// PendingSource lists journaled legs that failed for a transient reason.
type PendingSource interface {
	ListRetryable(ctx context.Context, limit int) ([]core.JournalEntry, error)
}

// BalanceWorker applies queued balance messages and retries legs that
// failed transiently.
type BalanceWorker struct {
	applier   Applier
	pending   PendingSource
	batchSize int
	logger    *log.Logger
}

func NewBalanceWorker(applier Applier, pending PendingSource, batchSize int, logger *log.Logger) *BalanceWorker {
	if batchSize <= 0 {
		batchSize = 20
	}
	if logger == nil {
		logger = log.Default(log.ComponentWorker)
	}
	return &BalanceWorker{
		applier:   applier,
		pending:   pending,
		batchSize: batchSize,
		logger:    logger.WithComponent(log.ComponentWorker),
	}
}

// HandleBalanceMessage applies one queued message. The returned error is
// transient when a redelivery could still make progress, so the consumer
// requeues; permanent failures are returned as such and dropped.
func (w *BalanceWorker) HandleBalanceMessage(ctx context.Context, msg *amqp.BalanceApplyMessage) error {
	w.logger.InfoContext(ctx, "Processing balance message",
		log.FieldMessageID, msg.ID,
		log.FieldRow, msg.LedgerRow,
		"legs", len(msg.Legs))

	report := w.applier.ApplyLegs(ctx, msg.ID, msg.LedgerRow, msg.CoreLegs())
	if err := report.Err(); err != nil {
		return fmt.Errorf("apply balance message %s: %w", msg.ID, err)
	}
	return nil
}

// RetryPending re-applies journaled legs that failed transiently and
// returns how many rows were retried.
func (w *BalanceWorker) RetryPending(ctx context.Context) (int, error) {
	if w.pending == nil {
		return 0, nil
	}
	entries, err := w.pending.ListRetryable(ctx, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list retryable legs: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	w.logger.InfoContext(ctx, "Retrying failed legs", "count", len(entries))

	type group struct {
		row  int
		legs []core.Leg
	}
	var order []string
	groups := make(map[string]*group)
	for _, e := range entries {
		id := messageID(e.Key)
		g, ok := groups[id]
		if !ok {
			g = &group{row: e.LedgerRow}
			groups[id] = g
			order = append(order, id)
		}
		g.legs = append(g.legs, core.Leg{
			Kind:        e.Leg,
			Transaction: core.Transaction{Currency: e.Currency, Instance: e.Instance, Amount: e.Amount},
		})
	}

	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		g := groups[id]
		report := w.applier.ApplyLegs(ctx, id, g.row, g.legs)
		if err := report.Err(); err != nil {
			w.logger.WarnContext(ctx, "Retry did not complete",
				log.FieldMessageID, id, log.FieldRow, g.row, log.FieldError, err)
			continue
		}
		w.logger.InfoContext(ctx, "Retried legs applied", log.FieldMessageID, id, log.FieldRow, g.row)
	}
	return len(order), nil
}

// RunRetries calls RetryPending every interval until ctx is done.
func (w *BalanceWorker) RunRetries(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.RetryPending(ctx); err != nil {
				w.logger.ErrorContext(ctx, "Pending retry failed", log.FieldError, err)
			}
		}
	}
}

// messageID strips the leg suffix from a journal key.
func messageID(key string) string {
	if i := strings.LastIndex(key, ":"); i > 0 {
		return key[:i]
	}
	return key
}
