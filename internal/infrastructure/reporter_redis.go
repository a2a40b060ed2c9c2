package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yourusername/convertmaster-go/internal/domain"
	"go.uber.org/zap"
)

// publisher is the subset of the redis client used by RedisReporter
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisReporter publishes job events as JSON on a Redis channel
type RedisReporter struct {
	client  publisher
	channel string
	timeout time.Duration
	logger  *zap.Logger
}

// NewRedisClient constructs a go-redis client from config
func NewRedisClient(config *domain.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.Timeout,
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
	})
}

// PingRedis validates the connection
func PingRedis(ctx context.Context, client *redis.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

// NewRedisReporter creates a reporter publishing on channel
func NewRedisReporter(client publisher, channel string, timeout time.Duration, logger *zap.Logger) *RedisReporter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RedisReporter{
		client:  client,
		channel: channel,
		timeout: timeout,
		logger:  logger,
	}
}

// OnProgress publishes a progress event
func (r *RedisReporter) OnProgress(event domain.ProgressEvent) {
	r.publish(domain.NewProgressJobEvent(event))
}

// OnTerminal publishes a terminal event
func (r *RedisReporter) OnTerminal(jobID string, outcome domain.Outcome) {
	r.publish(domain.NewTerminalJobEvent(jobID, outcome))
}

func (r *RedisReporter) publish(event domain.JobEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("Failed to encode job event", zap.String("job_id", event.JobID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("Failed to publish job event",
			zap.String("job_id", event.JobID),
			zap.String("type", event.Type),
			zap.String("channel", r.channel),
			zap.Error(err))
	}
}
