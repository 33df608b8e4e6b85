package presence

import (
	"context"
	"sync"
	"time"

	"github.com/oh0123/prim/tools/errs"
)

// Memory 内存版追踪器。超时判定在读路径上做，另有 sweeper 定期物理清除，
// 所以"socket还开着但心跳停了"的账号照样离线。
type Memory struct {
	mu      sync.RWMutex
	entries map[uint64]map[string]*Entry // account -> sessionID -> entry

	timeout time.Duration
	clock   func() time.Time // 单测注入

	stopOnce sync.Once
	stopCh   chan struct{}
}

type MemoryConf struct {
	Timeout time.Duration // 心跳超时（如 75s）
	Sweep   time.Duration // 物理清理周期
	Clock   func() time.Time
}

func NewMemory(conf MemoryConf) *Memory {
	if conf.Timeout <= 0 {
		conf.Timeout = 75 * time.Second
	}
	if conf.Sweep <= 0 {
		conf.Sweep = 10 * time.Second
	}
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	m := &Memory{
		entries: make(map[uint64]map[string]*Entry),
		timeout: conf.Timeout,
		clock:   conf.Clock,
		stopCh:  make(chan struct{}),
	}
	go m.sweeper(conf.Sweep)
	return m
}

func (m *Memory) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Memory) Online(_ context.Context, account uint64, sessionID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[account] == nil {
		m.entries[account] = make(map[string]*Entry)
	}
	m.entries[account][sessionID] = &Entry{
		Account:   account,
		SessionID: sessionID,
		NodeID:    nodeID,
		LastBeat:  m.clock(),
	}
	return nil
}

func (m *Memory) Heartbeat(_ context.Context, account uint64, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[account][sessionID]
	if e == nil {
		return errs.ErrRecordNotFound.WrapMsg("heartbeat", "account", account, "session", sessionID)
	}
	e.LastBeat = m.clock()
	return nil
}

func (m *Memory) Offline(_ context.Context, account uint64, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mm := m.entries[account]; mm != nil {
		delete(mm, sessionID)
		if len(mm) == 0 {
			delete(m.entries, account)
		}
	}
	return nil
}

func (m *Memory) Owner(_ context.Context, account uint64) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	deadline := m.clock().Add(-m.timeout)
	var best *Entry
	for _, e := range m.entries[account] {
		if e.LastBeat.Before(deadline) {
			continue // 超时视为离线，物理删除交给 sweeper
		}
		if best == nil || e.LastBeat.After(best.LastBeat) {
			best = e
		}
	}
	if best == nil {
		return "", false, nil
	}
	return best.NodeID, true, nil
}

func (m *Memory) Sessions(_ context.Context, account uint64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	deadline := m.clock().Add(-m.timeout)
	var out []string
	for id, e := range m.entries[account] {
		if e.LastBeat.Before(deadline) {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (m *Memory) sweeper(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sweepOnce()
		}
	}
}

func (m *Memory) sweepOnce() {
	deadline := m.clock().Add(-m.timeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	for account, mm := range m.entries {
		for id, e := range mm {
			if e.LastBeat.Before(deadline) {
				delete(mm, id)
			}
		}
		if len(mm) == 0 {
			delete(m.entries, account)
		}
	}
}
