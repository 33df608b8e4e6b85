package seq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oh0123/prim/store"
	"github.com/oh0123/prim/tools/errs"
)

// Key 发号器的计数键
func Key(channelID string, sender uint64) string {
	return fmt.Sprintf("seq:%s:%d", channelID, sender)
}

// 键存在才自增：KEYS[1]=key; ARGV[1]=ttlSec
// 返回：>0 新seq；-1 键不存在（需回源播种）
var luaIncrIfExists = redis.NewScript(`
  local k = KEYS[1]
  if redis.call('EXISTS', k) == 0 then
    return -1
  end
  local v = redis.call('INCR', k)
  redis.call('EXPIRE', k, tonumber(ARGV[1]))
  return v
`)

// 播种：键不存在时设为持久层水位，存在则不动（避免并发播种互踩）
// KEYS[1]=key; ARGV[1]=floor; ARGV[2]=ttlSec
var luaSeed = redis.NewScript(`
  local k = KEYS[1]
  redis.call('SET', k, ARGV[1], 'NX')
  redis.call('EXPIRE', k, tonumber(ARGV[2]))
  return redis.call('GET', k)
`)

// Redis 热路径发号器。计数键带TTL，冷键由持久日志的 LastSeq 播种，
// 所以 Redis 整体丢数据也不会把序号发回去——持久层就是水位的真相源。
type Redis struct {
	Rdb      redis.Scripter
	Durable  store.ChannelStore // 播种水位来源
	TTL      time.Duration
	MaxRetry int
}

func NewRedis(rdb redis.Scripter, durable store.ChannelStore) *Redis {
	return &Redis{Rdb: rdb, Durable: durable, TTL: time.Hour, MaxRetry: 3}
}

func (r *Redis) Next(ctx context.Context, channelID string, sender uint64) (uint64, error) {
	key := Key(channelID, sender)
	ttlSec := int64(r.TTL / time.Second)
	if ttlSec <= 0 {
		ttlSec = 3600
	}

	var lastErr error
	retry := r.MaxRetry
	if retry <= 0 {
		retry = 3
	}
	for i := 0; i < retry; i++ {
		v, err := luaIncrIfExists.Run(ctx, r.Rdb, []string{key}, ttlSec).Int64()
		if err != nil {
			lastErr = err
			continue
		}
		if v > 0 {
			return uint64(v), nil
		}

		// 冷键：回源持久层拿水位再播种
		floor, err := r.Durable.LastSeq(ctx, channelID, sender)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := luaSeed.Run(ctx, r.Rdb, []string{key}, floor, ttlSec).Result(); err != nil {
			lastErr = err
			time.Sleep(5 * time.Millisecond)
			continue
		}
	}
	if lastErr == nil {
		lastErr = errs.New("seq alloc retry exceeded key=%s", key)
	}
	return 0, lastErr
}
