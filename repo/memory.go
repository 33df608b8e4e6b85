package repo

import (
	"context"
	"sync"
	"time"

	"github.com/oh0123/prim/tools/errs"
)

// Memory 内存仓库：单测与单机模式
type Memory struct {
	mu       sync.RWMutex
	accounts map[uint64]Account
	groups   map[uint64]map[uint64]struct{}
	owners   map[uint64]uint64
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[uint64]Account),
		groups:   make(map[uint64]map[uint64]struct{}),
		owners:   make(map[uint64]uint64),
	}
}

func (m *Memory) Create(_ context.Context, a Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; ok {
		return errs.ErrRecordExists.WrapMsg("account", "id", a.ID)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.accounts[a.ID] = a
	return nil
}

func (m *Memory) Get(_ context.Context, id uint64) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return Account{}, errs.ErrRecordNotFound.WrapMsg("account", "id", id)
	}
	return a, nil
}

func (m *Memory) UpdateNickname(_ context.Context, id uint64, nickname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return errs.ErrRecordNotFound.WrapMsg("account", "id", id)
	}
	a.Nickname = nickname
	m.accounts[id] = a
	return nil
}

func (m *Memory) CreateGroup(_ context.Context, groupID, owner uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; ok {
		return errs.ErrRecordExists.WrapMsg("group", "id", groupID)
	}
	m.groups[groupID] = map[uint64]struct{}{owner: {}}
	m.owners[groupID] = owner
	return nil
}

func (m *Memory) AddMember(_ context.Context, groupID, account uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return errs.ErrRecordNotFound.WrapMsg("group", "id", groupID)
	}
	g[account] = struct{}{}
	return nil
}

func (m *Memory) RemoveMember(_ context.Context, groupID, account uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return errs.ErrRecordNotFound.WrapMsg("group", "id", groupID)
	}
	delete(g, account)
	return nil
}

func (m *Memory) Members(_ context.Context, groupID uint64) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, errs.ErrRecordNotFound.WrapMsg("group", "id", groupID)
	}
	out := make([]uint64, 0, len(g))
	for a := range g {
		out = append(out, a)
	}
	return out, nil
}

func (m *Memory) Size(_ context.Context, groupID uint64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return 0, nil
	}
	return len(g), nil
}
