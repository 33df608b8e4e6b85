package seq

import (
	"context"
	"sync"

	"github.com/oh0123/prim/store"
)

// Durable 单机模式发号器：进程内计数，每个 key 首次取号时
// 从持久日志续上，重启不跳号也不重号。
type Durable struct {
	mu      sync.Mutex
	next    map[string]uint64
	durable store.ChannelStore
}

func NewDurable(st store.ChannelStore) *Durable {
	return &Durable{next: make(map[string]uint64), durable: st}
}

func (d *Durable) Next(ctx context.Context, channelID string, sender uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := Key(channelID, sender)
	if _, ok := d.next[k]; !ok {
		last, err := d.durable.LastSeq(ctx, channelID, sender)
		if err != nil {
			return 0, err
		}
		d.next[k] = last
	}
	d.next[k]++
	return d.next[k], nil
}
