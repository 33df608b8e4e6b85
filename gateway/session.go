package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oh0123/prim/logger"
	"github.com/oh0123/prim/protocol"
)

// ===== 会话状态机 =====

type State int32

const (
	StateConnecting   State = iota // socket 建立，尚未登记
	StateAwaitingAuth              // 已登记，等首帧鉴权
	StateAuthorized                // 鉴权通过，可收发
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthorized:
		return "authorized"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session 一条客户端连接。出站只有 writePump 一个写者，
// 其余协程一律经 Enqueue 投队列，避免并发写socket。
type Session struct {
	ID   string
	conn Conn

	state   atomic.Int32
	account atomic.Uint64

	sendQ        chan *protocol.Msg
	writeTimeout time.Duration

	CreatedAt time.Time
	ExpireAt  time.Time // 由 ConnManager 持锁维护
	LastBeat  time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(id string, conn Conn, queueSize int, writeTimeout time.Duration, now time.Time) *Session {
	if queueSize <= 0 {
		queueSize = 256
	}
	s := &Session{
		ID:           id,
		conn:         conn,
		sendQ:        make(chan *protocol.Msg, queueSize),
		writeTimeout: writeTimeout,
		CreatedAt:    now,
		LastBeat:     now,
		done:         make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	go s.writePump()
	return s
}

func (s *Session) State() State       { return State(s.state.Load()) }
func (s *Session) setState(st State)  { s.state.Store(int32(st)) }
func (s *Session) Account() uint64    { return s.account.Load() }
func (s *Session) Authorized() bool   { return s.State() == StateAuthorized }
func (s *Session) bind(account uint64) {
	s.account.Store(account)
	s.setState(StateAuthorized)
}

// Enqueue 非阻塞投递；队列满说明消费端太慢，丢帧记日志，
// 对端靠seq断档触发补拉，不会真丢消息。
func (s *Session) Enqueue(m *protocol.Msg) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.sendQ <- m:
		return true
	default:
		logger.Warnf("[gateway] send queue full, drop frame session=%s account=%d seq=%d",
			s.ID, s.Account(), m.Head.SeqNum)
		return false
	}
}

func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case m := <-s.sendQ:
			if err := s.conn.WriteMsg(m, s.writeTimeout); err != nil {
				logger.Infof("[gateway] write failed session=%s: %v", s.ID, err)
				s.Close()
				return
			}
		}
	}
}

// Close 幂等；关闭socket并停掉写协程
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.done)
		_ = s.conn.Close()
	})
}

// Done 关闭信号，读循环退出用
func (s *Session) Done() <-chan struct{} { return s.done }
