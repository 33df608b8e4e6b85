package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oh0123/prim/tools/errs"
)

// ===== Lua 脚本 =====

// 上线/心跳共用：ZADD 会话成员，score=过期时间戳；顺手清掉已过期成员
// KEYS[1] = pres:u:<account>
// ARGV[1] = member "<sessionID>|<node>"
// ARGV[2] = expireAtUnix
// ARGV[3] = nowUnix
const luaBeat = `
local z = KEYS[1]
redis.call('ZREMRANGEBYSCORE', z, '-inf', ARGV[3])
redis.call('ZADD', z, ARGV[2], ARGV[1])
redis.call('EXPIRE', z, 86400)
return 1
`

// 单会话下线（幂等）
// KEYS[1] = pres:u:<account>; ARGV[1] = member
const luaOfflineOne = `
return redis.call('ZREM', KEYS[1], ARGV[1])
`

// 取未过期会话（member 列表，按 score 升序）
// KEYS[1] = pres:u:<account>; ARGV[1] = nowUnix
const luaAlive = `
local z = KEYS[1]
redis.call('ZREMRANGEBYSCORE', z, '-inf', ARGV[1])
return redis.call('ZRANGE', z, 0, -1)
`

var (
	beatScript    = redis.NewScript(luaBeat)
	offlineScript = redis.NewScript(luaOfflineOne)
	aliveScript   = redis.NewScript(luaAlive)
)

// Redis 版追踪器：跨节点共享，score 即心跳截止时间，
// 超时成员在每次读写时被原子清除，不需要独立 sweeper。
type Redis struct {
	rdb     redis.Scripter
	timeout time.Duration
	clock   func() time.Time
}

func NewRedis(rdb redis.Scripter, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = 75 * time.Second
	}
	return &Redis{rdb: rdb, timeout: timeout, clock: time.Now}
}

func key(account uint64) string { return fmt.Sprintf("pres:u:%d", account) }

func member(sessionID, node string) string { return sessionID + "|" + node }

func parseMember(m string) (sessionID, node string, ok bool) {
	i := strings.LastIndexByte(m, '|')
	if i < 0 {
		return "", "", false
	}
	return m[:i], m[i+1:], true
}

func (r *Redis) Online(ctx context.Context, account uint64, sessionID, nodeID string) error {
	now := r.clock()
	_, err := beatScript.Run(ctx, r.rdb, []string{key(account)},
		member(sessionID, nodeID), now.Add(r.timeout).Unix(), now.Unix()).Result()
	return errs.WrapMsg(err, "presence online", "account", account)
}

func (r *Redis) Heartbeat(ctx context.Context, account uint64, sessionID string) error {
	// member 里带节点，心跳时需要找到原成员再续期
	alive, err := r.aliveMembers(ctx, account)
	if err != nil {
		return err
	}
	now := r.clock()
	for _, m := range alive {
		sid, _, ok := parseMember(m)
		if !ok || sid != sessionID {
			continue
		}
		_, err := beatScript.Run(ctx, r.rdb, []string{key(account)},
			m, now.Add(r.timeout).Unix(), now.Unix()).Result()
		return errs.WrapMsg(err, "presence heartbeat", "account", account)
	}
	return errs.ErrRecordNotFound.WrapMsg("heartbeat", "account", account, "session", sessionID)
}

func (r *Redis) Offline(ctx context.Context, account uint64, sessionID string) error {
	alive, err := r.aliveMembers(ctx, account)
	if err != nil {
		return err
	}
	for _, m := range alive {
		if sid, _, ok := parseMember(m); ok && sid == sessionID {
			_, err := offlineScript.Run(ctx, r.rdb, []string{key(account)}, m).Result()
			return errs.WrapMsg(err, "presence offline", "account", account)
		}
	}
	return nil // 已经不在线，幂等
}

func (r *Redis) Owner(ctx context.Context, account uint64) (string, bool, error) {
	alive, err := r.aliveMembers(ctx, account)
	if err != nil || len(alive) == 0 {
		return "", false, err
	}
	// ZRANGE 按 score 升序，最后一个是心跳最新的会话
	_, node, ok := parseMember(alive[len(alive)-1])
	if !ok {
		return "", false, nil
	}
	return node, true, nil
}

func (r *Redis) Sessions(ctx context.Context, account uint64) ([]string, error) {
	alive, err := r.aliveMembers(ctx, account)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(alive))
	for _, m := range alive {
		if sid, _, ok := parseMember(m); ok {
			out = append(out, sid)
		}
	}
	return out, nil
}

func (r *Redis) aliveMembers(ctx context.Context, account uint64) ([]string, error) {
	res, err := aliveScript.Run(ctx, r.rdb, []string{key(account)},
		strconv.FormatInt(r.clock().Unix(), 10)).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "presence alive", "account", account)
	}
	arr, _ := res.([]interface{})
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}
