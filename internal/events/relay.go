package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisRelay carries events between processes over Redis pub/sub. Worker
// processes publish through it; API processes run it to feed their local Hub.
type RedisRelay struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisRelay creates a relay publishing on <prefix>:events:<jobID>.
func NewRedisRelay(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisRelay {
	if prefix == "" {
		prefix = "mxf"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, prefix: prefix, logger: logger}
}

func (r *RedisRelay) channelPrefix() string {
	return r.prefix + ":events:"
}

// Publish encodes payload and publishes it on the job's channel.
func (r *RedisRelay) Publish(ctx context.Context, jobID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", jobID, err)
	}
	if err := r.client.Publish(ctx, r.channelPrefix()+jobID, data).Err(); err != nil {
		return fmt.Errorf("publish event for %s: %w", jobID, err)
	}
	return nil
}

// Run forwards every relayed event into hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context, hub *Hub) error {
	ps := r.client.PSubscribe(ctx, r.channelPrefix()+"*")
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe to events: %w", err)
	}
	r.logger.Info("event relay subscribed", slog.String("pattern", r.channelPrefix()+"*"))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("event relay channel closed")
			}
			jobID := strings.TrimPrefix(msg.Channel, r.channelPrefix())
			if !json.Valid([]byte(msg.Payload)) {
				r.logger.Warn("dropping malformed relayed event", slog.String("job_id", jobID))
				continue
			}
			hub.Publish(jobID, json.RawMessage(msg.Payload))
		}
	}
}
