package consumer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/snehjoshi/epochbus/internal/scheduler"
	"github.com/snehjoshi/epochbus/internal/types"
)

// RedisStream returns a consumer that appends each message to the Redis
// stream named stream with XADD. maxLen > 0 caps the stream approximately.
func RedisStream(rdb *redis.Client, stream string, maxLen int64) scheduler.Consumer {
	return func(ctx context.Context, msg types.Message) error {
		args := &redis.XAddArgs{
			Stream: stream,
			Values: streamValues(msg),
		}
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
		if err := rdb.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("redis: xadd %s: %w", stream, err)
		}
		return nil
	}
}

// streamValues flattens a message into XADD field/value pairs.
func streamValues(msg types.Message) map[string]any {
	p := payloadFor(msg)
	v := map[string]any{"kind": p.Kind}
	if p.Stream != "" {
		v["stream"] = p.Stream
	}
	if p.ID != "" {
		v["id"] = p.ID
	}
	if env, ok := msg.(*types.Envelope); ok {
		v["body"] = env.Body
		v["published_at"] = strconv.FormatInt(env.PublishedAt, 10)
		if env.NodeID != "" {
			v["node_id"] = env.NodeID
		}
		for k, val := range env.Metadata {
			v["meta."+k] = val
		}
	}
	return v
}
