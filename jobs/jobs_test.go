package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/arledger/internal/ar"
	"github.com/odyssey-erp/arledger/internal/notify"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeQueue struct {
	tasks []*asynq.Task
	err   error
}

func (q *fakeQueue) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func TestPublisherEnqueuesEnvelope(t *testing.T) {
	queue := &fakeQueue{}
	pub := NewPublisher(queue)

	require.NoError(t, pub.Publish(context.Background(), ar.EventInvoiceUpdated, ar.InvoiceUpdated{InvoiceID: 5, InvoiceNo: "INV-5", Status: ar.StatusPaid}))
	require.Len(t, queue.tasks, 1)
	require.Equal(t, TaskARNotify, queue.tasks[0].Type())

	var env notify.Envelope
	require.NoError(t, json.Unmarshal(queue.tasks[0].Payload(), &env))
	require.Equal(t, ar.EventInvoiceUpdated, env.Event)

	var payload ar.InvoiceUpdated
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	require.Equal(t, "INV-5", payload.InvoiceNo)
	require.Equal(t, ar.StatusPaid, payload.Status)
}

func TestPublisherErrors(t *testing.T) {
	queue := &fakeQueue{err: asynq.ErrTaskIDConflict}
	require.NoError(t, NewPublisher(queue).Publish(context.Background(), ar.EventPaymentCreated, ar.PaymentEvent{PaymentID: 1}))

	queue.err = errors.New("redis: connection refused")
	err := NewPublisher(queue).Publish(context.Background(), ar.EventPaymentCreated, ar.PaymentEvent{PaymentID: 1})
	require.Error(t, err)
	require.Contains(t, err.Error(), ar.EventPaymentCreated)
}

func TestNotifyRelayDeliversToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	sub := client.Subscribe(ctx, "ledger")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	env, err := notify.NewEnvelope(ar.EventPaymentDeleted, ar.PaymentEvent{PaymentID: 9, InvoiceNo: "INV-9"}, time.Now())
	require.NoError(t, err)
	task, err := NewNotifyTask(env)
	require.NoError(t, err)

	job := NewNotifyRelayJob(notify.NewRedisPublisher(client, "ledger"), discard, nil)
	require.NoError(t, job.Handle(ctx, task))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got notify.Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	require.Equal(t, env.ID, got.ID)
	require.Equal(t, ar.EventPaymentDeleted, got.Event)
}

func TestNotifyRelaySkipsMalformedPayload(t *testing.T) {
	job := NewNotifyRelayJob(notify.NewRedisPublisher(redis.NewClient(&redis.Options{}), ""), discard, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskARNotify, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type fakeSweeper struct {
	ids         []int64
	concurrency int
	report      ar.SweepReport
	err         error
}

func (f *fakeSweeper) Sweep(ctx context.Context, ids []int64, concurrency int) (ar.SweepReport, error) {
	f.ids = ids
	f.concurrency = concurrency
	return f.report, f.err
}

func TestReconcileSweepJob(t *testing.T) {
	sweeper := &fakeSweeper{report: ar.SweepReport{Scanned: 10, Drifted: 2}}
	job := NewReconcileSweepJob(sweeper, 4, discard, nil)

	task, err := NewReconcileSweepTask(nil, 0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Nil(t, sweeper.ids)
	require.Equal(t, 4, sweeper.concurrency)

	task, err = NewReconcileSweepTask([]int64{3, 1}, 2)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []int64{3, 1}, sweeper.ids)
	require.Equal(t, 2, sweeper.concurrency)

	sweeper.report = ar.SweepReport{Scanned: 3, Failed: 1}
	require.Error(t, job.Handle(context.Background(), task))

	err = job.Handle(context.Background(), asynq.NewTask(TaskARReconcileSweep, []byte("nope")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type fakeInspector map[string]*asynq.QueueInfo

func (f fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	info, ok := f[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestJobsHealthHandler(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(fakeInspector{QueueNotify: {Queue: QueueNotify, Pending: 4, Retry: 1}}, discard).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats []QueueStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, []QueueStatus{
		{Queue: QueueNotify, Pending: 4, Retry: 1},
		{Queue: QueueDefault},
	}, stats)
}

type fakePurger struct {
	olderThan time.Duration
	removed   int64
	err       error
}

func (f *fakePurger) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.olderThan = olderThan
	return f.removed, f.err
}

func TestIdempotencyCleanupJob(t *testing.T) {
	purger := &fakePurger{removed: 7}
	job := NewIdempotencyCleanupJob(purger, 72*time.Hour, discard, nil)
	require.NoError(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()))
	require.Equal(t, 72*time.Hour, purger.olderThan)

	purger.err = errors.New("db down")
	require.Error(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()))

	require.Error(t, NewIdempotencyCleanupJob(purger, 0, discard, nil).Handle(context.Background(), NewIdempotencyCleanupTask()))
}
