package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/arledger/internal/notify"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueNotify carries ledger notifications and is polled with priority.
	QueueNotify = "notify"

	// TaskARNotify relays a ledger event envelope to the notification channel.
	TaskARNotify = "ar:notify"
	// TaskARReconcileSweep recalculates invoices to repair drifted balances.
	TaskARReconcileSweep = "ar:reconcile_sweep"
	// TaskIdempotencyCleanup purges expired payment idempotency keys.
	TaskIdempotencyCleanup = "ar:idempotency_cleanup"
)

// NewNotifyTask wraps an envelope in a task. The envelope id doubles as the
// task id so a replayed publish is deduplicated by the queue.
func NewNotifyTask(env notify.Envelope) (*asynq.Task, error) {
	if env.Event == "" {
		return nil, errors.New("jobs: notify envelope without event")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskARNotify, body,
		asynq.Queue(QueueNotify),
		asynq.TaskID(env.ID.String()),
		asynq.MaxRetry(10),
		asynq.Retention(time.Hour),
	), nil
}

// SweepPayload scopes a reconcile sweep. Empty InvoiceIDs sweeps everything.
type SweepPayload struct {
	InvoiceIDs  []int64 `json:"invoice_ids,omitempty"`
	Concurrency int     `json:"concurrency,omitempty"`
}

// NewReconcileSweepTask creates an Asynq task for the reconcile sweep.
func NewReconcileSweepTask(invoiceIDs []int64, concurrency int) (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{InvoiceIDs: invoiceIDs, Concurrency: concurrency})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskARReconcileSweep, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// NewIdempotencyCleanupTask creates the key purge task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}
