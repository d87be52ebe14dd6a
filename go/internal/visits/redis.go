package visits

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "lastclick:visits:"

// creditScript adds the identity to the window set and returns
// {added, cardinality}. The expiry is set when the set is first written.
// KEYS: [1]=set key. ARGV: [1]=identity, [2]=ttl_ms
var creditScript = goredis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
if added == 1 and redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {added, redis.call('SCARD', KEYS[1])}
`)

// RedisLedger keeps each window's visitor set as a Redis set. Sets expire
// after the retention period since nothing reads retired windows.
type RedisLedger struct {
	rdb       goredis.UniversalClient
	retention time.Duration
}

func NewRedisLedger(rdb goredis.UniversalClient, retention time.Duration) *RedisLedger {
	return &RedisLedger{rdb: rdb, retention: retention}
}

func setKey(windowKey string) string {
	return redisKeyPrefix + windowKey
}

func (l *RedisLedger) Credit(ctx context.Context, identity, windowKey string) (int64, error) {
	res, err := creditScript.Run(ctx, l.rdb, []string{setKey(windowKey)},
		identity,
		strconv.FormatInt(l.retention.Milliseconds(), 10),
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("credit script failed: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("credit script returned %d values", len(res))
	}
	recordCredit(res[0] == 1)
	return res[1], nil
}

func (l *RedisLedger) Count(ctx context.Context, windowKey string) (int64, error) {
	n, err := l.rdb.SCard(ctx, setKey(windowKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", windowKey, err)
	}
	return n, nil
}
