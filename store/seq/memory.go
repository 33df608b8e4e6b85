package seq

import (
	"context"
	"sync"
)

type Memory struct {
	mu   sync.Mutex
	next map[string]uint64
}

func NewMemory() *Memory {
	return &Memory{next: make(map[string]uint64)}
}

func (m *Memory) Next(_ context.Context, channelID string, sender uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := Key(channelID, sender)
	m.next[k]++
	return m.next[k], nil
}

// Seed 抬高起点（恢复测试用）；低于当前值时不回退
func (m *Memory) Seed(channelID string, sender, floor uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := Key(channelID, sender)
	if floor > m.next[k] {
		m.next[k] = floor
	}
}
