package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/arledger/internal/jobs"
	"github.com/odyssey-erp/arledger/internal/notify"
)

// TaskEnqueuer submits tasks to the queue.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Publisher is the queue-backed ledger notification gateway. Events are
// persisted in Redis by asynq and relayed by the worker.
type Publisher struct {
	queue TaskEnqueuer
	now   func() time.Time
}

// NewPublisher constructs the queue publisher.
func NewPublisher(queue TaskEnqueuer) *Publisher {
	return &Publisher{queue: queue, now: time.Now}
}

// Publish enqueues the event for relay.
func (p *Publisher) Publish(ctx context.Context, event string, payload any) error {
	env, err := notify.NewEnvelope(event, payload, p.now())
	if err != nil {
		return err
	}
	task, err := NewNotifyTask(env)
	if err != nil {
		return err
	}
	if _, err := p.queue.Enqueue(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("jobs: enqueue %s: %w", event, err)
	}
	return nil
}

// Deliverer forwards an envelope to its final transport.
type Deliverer interface {
	Deliver(ctx context.Context, env notify.Envelope) error
}

// NotifyRelayJob delivers queued envelopes.
type NotifyRelayJob struct {
	Target  Deliverer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewNotifyRelayJob constructs the relay handler.
func NewNotifyRelayJob(target Deliverer, logger *slog.Logger, metrics *jobmetrics.Metrics) *NotifyRelayJob {
	return &NotifyRelayJob{Target: target, Logger: logger, Metrics: metrics}
}

// Handle executes the relay for one envelope.
func (j *NotifyRelayJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Target == nil {
		return errors.New("notify relay: target not configured")
	}
	var env notify.Envelope
	if err := json.Unmarshal(task.Payload(), &env); err != nil || env.Event == "" {
		j.log().Error("notify relay: malformed envelope", slog.Any("error", err))
		return fmt.Errorf("notify relay: malformed envelope: %w", asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskARNotify)
	if err := j.Target.Deliver(ctx, env); err != nil {
		j.log().Warn("notify relay: deliver",
			slog.String("event", env.Event),
			slog.String("envelope_id", env.ID.String()),
			slog.Any("error", err))
		return tracker.End(err)
	}
	return tracker.End(nil)
}

func (j *NotifyRelayJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
