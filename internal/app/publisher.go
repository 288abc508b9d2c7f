package app

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/arledger/internal/ar"
	"github.com/odyssey-erp/arledger/internal/notify"
	"github.com/odyssey-erp/arledger/jobs"
)

// NewPublisher selects the notification transport for NOTIFY_MODE. Outside
// production every event is also written to the log.
func NewPublisher(cfg *Config, client *redis.Client, queue jobs.TaskEnqueuer, logger *slog.Logger) (ar.Publisher, error) {
	var primary ar.Publisher
	switch cfg.NotifyMode {
	case NotifyModeQueue:
		if queue == nil {
			return nil, fmt.Errorf("notify mode %s needs a queue client", cfg.NotifyMode)
		}
		primary = jobs.NewPublisher(queue)
	case NotifyModeRedis:
		if client == nil {
			return nil, fmt.Errorf("notify mode %s needs a redis client", cfg.NotifyMode)
		}
		primary = notify.NewRedisPublisher(client, cfg.NotifyChannel)
	case NotifyModeLog:
		return notify.LogPublisher{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown notify mode %q", cfg.NotifyMode)
	}
	if cfg.IsProduction() {
		return primary, nil
	}
	return notify.Fanout{primary, notify.LogPublisher{Logger: logger}}, nil
}
