package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/arledger/internal/ar"
	"github.com/odyssey-erp/arledger/internal/notify"
	"github.com/odyssey-erp/arledger/jobs"
)

type countingQueue struct{ n int }

func (q *countingQueue) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.n++
	return &asynq.TaskInfo{}, nil
}

func TestNewPublisherModes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	queue := &countingQueue{}
	pub, err := NewPublisher(&Config{NotifyMode: NotifyModeQueue, AppEnv: "production"}, client, queue, logger)
	require.NoError(t, err)
	require.IsType(t, &jobs.Publisher{}, pub)
	require.NoError(t, pub.Publish(context.Background(), ar.EventInvoiceUpdated, ar.InvoiceUpdated{InvoiceID: 1}))
	require.Equal(t, 1, queue.n)

	pub, err = NewPublisher(&Config{NotifyMode: NotifyModeRedis, NotifyChannel: "ar.events"}, client, nil, logger)
	require.NoError(t, err)
	require.IsType(t, notify.Fanout{}, pub)
	require.NoError(t, pub.Publish(context.Background(), ar.EventPaymentCreated, ar.PaymentEvent{PaymentID: 1}))

	pub, err = NewPublisher(&Config{NotifyMode: NotifyModeLog}, nil, nil, logger)
	require.NoError(t, err)
	require.IsType(t, notify.LogPublisher{}, pub)

	_, err = NewPublisher(&Config{NotifyMode: NotifyModeQueue}, client, nil, logger)
	require.Error(t, err)
}
