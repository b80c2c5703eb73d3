package conductor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

// RedisLoopDetector backs LoopDetector with a Redis SETNX-with-TTL key per
// (conversation, iteration) pair, mirroring
// _check_conversation_loop's "agent-conv:{conversation_id}:{iteration}"
// key scheme: a duplicate write at the same iteration means the
// conversation is looping on itself.
type RedisLoopDetector struct {
	rdb redis.Cmdable
}

func NewRedisLoopDetector(rdb redis.Cmdable) *RedisLoopDetector {
	return &RedisLoopDetector{rdb: rdb}
}

func (d *RedisLoopDetector) MarkOrDetect(ctx context.Context, conversationID string, iteration int, fromAgent types.AgentType, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("agent-conv:%s:%d", conversationID, iteration)
	ok, err := d.rdb.SetNX(ctx, key, string(fromAgent), ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}
