package gateway

import (
	"sync"
	"time"

	"github.com/oh0123/prim/logger"
	"github.com/oh0123/prim/protocol"
	"github.com/oh0123/prim/tools/errs"
)

// ===== 配置 =====

type ManagerConf struct {
	UnauthTTL   time.Duration    // 未授权连接的宽限期（如 3s）
	AuthTTL     time.Duration    // 已授权连接无心跳的存活期（如 75s）
	SweepEvery  time.Duration    // 清理周期
	MaxPerUser  int              // 每账号最大连接数（<=0 不限制）
	EvictOldest bool             // 超限时淘汰最老连接，否则拒绝绑定
	Clock       func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 3 * time.Second
	}
	if c.AuthTTL <= 0 {
		c.AuthTTL = 75 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
}

// ConnManager 本节点全部会话。主索引 sessionID，辅助索引账号；
// 过期由 sweeper 统一关闭，读路径不做过滤（心跳超时远长于清理周期）。
type ConnManager struct {
	mu        sync.RWMutex
	bySession map[string]*Session
	byAccount map[uint64]map[string]*Session

	conf     ManagerConf
	nodeID   string
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewConnManager(conf ManagerConf, nodeID string) *ConnManager {
	conf.norm()
	m := &ConnManager{
		bySession: make(map[string]*Session),
		byAccount: make(map[uint64]map[string]*Session),
		conf:      conf,
		nodeID:    nodeID,
		stopCh:    make(chan struct{}),
	}
	go m.sweeper()
	return m
}

func (m *ConnManager) NodeID() string { return m.nodeID }

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.bySession {
		s.Close()
	}
	m.bySession = map[string]*Session{}
	m.byAccount = map[uint64]map[string]*Session{}
}

// AddUnauth 新连接登记，计未授权TTL；宽限期内不鉴权就被 sweeper 收走
func (m *ConnManager) AddUnauth(s *Session) error {
	if s == nil || s.ID == "" {
		return errs.ErrServerInternal.WrapMsg("add nil session")
	}
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bySession[s.ID]; exists {
		return errs.ErrRecordExists.WrapMsg("session", "id", s.ID)
	}
	s.ExpireAt = now.Add(m.conf.UnauthTTL)
	s.setState(StateAwaitingAuth)
	m.bySession[s.ID] = s
	return nil
}

// Bind 鉴权通过后把会话挂到账号索引，TTL切到授权档
func (m *ConnManager) Bind(sessionID string, account uint64) (*Session, error) {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.bySession[sessionID]
	if !ok {
		return nil, errs.ErrRecordNotFound.WrapMsg("session", "id", sessionID)
	}
	if m.conf.MaxPerUser > 0 {
		if err := m.ensureRoomLocked(account); err != nil {
			return nil, err
		}
	}
	if m.byAccount[account] == nil {
		m.byAccount[account] = make(map[string]*Session)
	}
	m.byAccount[account][sessionID] = s

	s.bind(account)
	s.LastBeat = now
	s.ExpireAt = now.Add(m.conf.AuthTTL)
	return s, nil
}

// Heartbeat 刷新存活；未知会话返回错误（可能刚被清理）
func (m *ConnManager) Heartbeat(sessionID string) error {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.bySession[sessionID]
	if !ok {
		return errs.ErrRecordNotFound.WrapMsg("session", "id", sessionID)
	}
	s.LastBeat = now
	s.ExpireAt = now.Add(m.conf.AuthTTL)
	return nil
}

// Remove 关闭并移除；读循环退出和挤下线都走这里
func (m *ConnManager) Remove(sessionID string) {
	m.mu.Lock()
	s, ok := m.bySession[sessionID]
	if ok {
		delete(m.bySession, sessionID)
		m.unlinkAccountLocked(s)
	}
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

func (m *ConnManager) unlinkAccountLocked(s *Session) {
	account := s.Account()
	if account == 0 {
		return
	}
	if mm := m.byAccount[account]; mm != nil {
		delete(mm, s.ID)
		if len(mm) == 0 {
			delete(m.byAccount, account)
		}
	}
}

func (m *ConnManager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.bySession[sessionID]
	return s, ok
}

// Sessions 账号当前全部会话
func (m *ConnManager) Sessions(account uint64) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm := m.byAccount[account]
	out := make([]*Session, 0, len(mm))
	for _, s := range mm {
		out = append(out, s)
	}
	return out
}

// Accounts 当前在线账号集合（扩缩容排空时遍历用）
func (m *ConnManager) Accounts() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, 0, len(m.byAccount))
	for a := range m.byAccount {
		out = append(out, a)
	}
	return out
}

// Push 向账号的全部会话投递；exceptSession 非空时跳过该会话。
// 实现调度层的本地推送口，返回入队成功的会话数。
func (m *ConnManager) Push(account uint64, msg *protocol.Msg, exceptSession string) int {
	n := 0
	for _, s := range m.Sessions(account) {
		if s.ID == exceptSession || !s.Authorized() {
			continue
		}
		if s.Enqueue(msg.Clone()) {
			n++
		}
	}
	return n
}

// ===== 清理协程 =====

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.SweepOnce(now)
		}
	}
}

// SweepOnce 关闭全部过期会话，返回清理数量
func (m *ConnManager) SweepOnce(now time.Time) int {
	var expired []*Session
	m.mu.Lock()
	for sid, s := range m.bySession {
		if now.After(s.ExpireAt) {
			expired = append(expired, s)
			delete(m.bySession, sid)
			m.unlinkAccountLocked(s)
		}
	}
	m.mu.Unlock()

	// 解锁后再关socket
	for _, s := range expired {
		logger.Infof("[gateway] session expired id=%s account=%d state=%s",
			s.ID, s.Account(), s.State())
		s.Close()
	}
	return len(expired)
}

// ===== 最大连接数/挤下线 =====

// 持锁调用
func (m *ConnManager) ensureRoomLocked(account uint64) error {
	mm := m.byAccount[account]
	if len(mm) < m.conf.MaxPerUser {
		return nil
	}
	if !m.conf.EvictOldest {
		return errs.ErrRecordExists.WrapMsg("too many sessions", "account", account)
	}
	var oldest *Session
	for _, s := range mm {
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	if oldest != nil {
		delete(mm, oldest.ID)
		delete(m.bySession, oldest.ID)
		go oldest.Close() // 解锁后关闭
	}
	return nil
}
