package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "orchestrator:events:"

// RedisSink publishes lifecycle events to per-execution Redis Streams,
// so external consumers can follow a run without polling the store.
type RedisSink struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisSink connects to Redis and verifies it answers.
func NewRedisSink(redisURL string, logger *zap.Logger) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisSink{rdb: rdb, logger: logger}, nil
}

// Publish appends the event to its execution's stream.
func (s *RedisSink) Publish(ctx context.Context, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	stream := streamPrefix + e.ExecutionID
	_, err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	s.logger.Debug("published event",
		zap.String("type", string(e.Type)),
		zap.String("execution", e.ExecutionID))
	return nil
}

// Subscribe follows an execution's stream until the context is
// cancelled. The returned channel closes on cancellation.
func (s *RedisSink) Subscribe(ctx context.Context, executionID string) <-chan *Event {
	ch := make(chan *Event, 16)
	stream := streamPrefix + executionID

	go func() {
		defer close(ch)
		lastID := "0"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := s.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()
			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var e Event
					if json.Unmarshal([]byte(data), &e) == nil {
						ch <- &e
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
