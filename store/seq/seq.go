// Package seq 发号器：每 (频道,发送方) 一个单调递增序号。
// 生产实现在 Redis 上递增，计数器丢失时从持久日志的 LastSeq 续号，
// 所以崩溃恢复后也不跳号；内存实现给单测。
package seq

import "context"

// Allocator 序号分配。Next 必须串行化同一 key 上的并发调用，
// 返回值连续无空洞。
type Allocator interface {
	Next(ctx context.Context, channelID string, sender uint64) (uint64, error)
}
