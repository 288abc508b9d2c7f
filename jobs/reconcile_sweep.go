package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/arledger/internal/ar"
	jobmetrics "github.com/odyssey-erp/arledger/internal/jobs"
)

// Sweeper recalculates invoices in bulk.
type Sweeper interface {
	Sweep(ctx context.Context, ids []int64, concurrency int) (ar.SweepReport, error)
}

// ReconcileSweepJob coordinates the repair sweep.
type ReconcileSweepJob struct {
	Service            Sweeper
	Logger             *slog.Logger
	Metrics            *jobmetrics.Metrics
	DefaultConcurrency int
	clock              func() time.Time
}

// NewReconcileSweepJob constructs the job handler.
func NewReconcileSweepJob(service Sweeper, concurrency int, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileSweepJob {
	return &ReconcileSweepJob{
		Service:            service,
		Logger:             logger,
		Metrics:            metrics,
		DefaultConcurrency: concurrency,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the reconcile sweep.
func (j *ReconcileSweepJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("reconcile sweep: dependencies not configured")
	}
	var payload SweepPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("reconcile sweep: decode payload: %w", asynq.SkipRetry)
		}
	}
	concurrency := payload.Concurrency
	if concurrency <= 0 {
		concurrency = j.DefaultConcurrency
	}
	var ids []int64
	if len(payload.InvoiceIDs) > 0 {
		ids = payload.InvoiceIDs
	}

	tracker := j.Metrics.Track(TaskARReconcileSweep)
	start := j.clock()
	report, err := j.Service.Sweep(ctx, ids, concurrency)
	if err != nil {
		j.log().Error("reconcile sweep", slog.Any("error", err))
		return tracker.End(err)
	}
	j.Metrics.AddSweepResult(report.Drifted, report.Failed)
	j.log().Info("reconcile sweep completed",
		slog.Int("scanned", report.Scanned),
		slog.Int("drifted", report.Drifted),
		slog.Int("failed", report.Failed),
		slog.Duration("elapsed", j.clock().Sub(start)))
	if report.Failed > 0 {
		return tracker.End(fmt.Errorf("reconcile sweep: %d invoices failed", report.Failed))
	}
	return tracker.End(nil)
}

func (j *ReconcileSweepJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
