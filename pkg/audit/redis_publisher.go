package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStream is the Redis stream audit records are appended to.
const DefaultStream = "changeflow:audit"

// RedisStreamPublisher appends one stream entry per root record.
type RedisStreamPublisher struct {
	client redis.Cmdable
	stream string
	maxLen int64
	logger *zap.Logger
}

// RedisPublisherOption customizes a RedisStreamPublisher.
type RedisPublisherOption func(*RedisStreamPublisher)

// WithStream sets the stream key.
func WithStream(stream string) RedisPublisherOption {
	return func(p *RedisStreamPublisher) {
		if stream != "" {
			p.stream = stream
		}
	}
}

// WithMaxLen caps the stream length approximately. Zero keeps every entry.
func WithMaxLen(maxLen int64) RedisPublisherOption {
	return func(p *RedisStreamPublisher) {
		p.maxLen = maxLen
	}
}

func NewRedisStreamPublisher(client redis.Cmdable, logger *zap.Logger, opts ...RedisPublisherOption) *RedisStreamPublisher {
	p := &RedisStreamPublisher{
		client: client,
		stream: DefaultStream,
		logger: logger.Named("audit-publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stream returns the configured stream key.
func (p *RedisStreamPublisher) Stream() string {
	return p.stream
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	runID := RunIDFromContext(ctx)
	pipe := p.client.TxPipeline()
	for _, record := range records {
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal audit record %s/%s: %w", typeName(record.EntityType), record.EntityID, err)
		}
		args := &redis.XAddArgs{
			Stream: p.stream,
			Values: map[string]any{
				"run_id":      runID.String(),
				"entity_type": typeName(record.EntityType),
				"entity_id":   record.EntityID,
				"operation":   record.Operation.String(),
				"record":      string(payload),
			},
		}
		if p.maxLen > 0 {
			args.MaxLen = p.maxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Error("Failed to publish audit records",
			zap.String("stream", p.stream),
			zap.Int("count", len(records)),
			zap.Error(err))
		return fmt.Errorf("publish audit records to %s: %w", p.stream, err)
	}
	p.logger.Debug("Published audit records",
		zap.String("stream", p.stream),
		zap.Int("count", len(records)))
	return nil
}
