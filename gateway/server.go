// Package gateway 接入层：TCP与WebSocket双栈监听、首帧鉴权、
// 会话管理与扩缩容排空。鉴权失败一律静默断开，不给探测者任何信息。
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/oh0123/prim/cluster"
	"github.com/oh0123/prim/delivery"
	"github.com/oh0123/prim/logger"
	"github.com/oh0123/prim/presence"
	"github.com/oh0123/prim/protocol"
	"github.com/oh0123/prim/tools/ids"
	"github.com/oh0123/prim/tools/security"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type ServerConf struct {
	NodeID            string
	HandshakeGrace    time.Duration // 首帧鉴权宽限期
	HeartbeatInterval time.Duration // 下发给客户端的心跳建议值
	HeartbeatTimeout  time.Duration // 超过即视为死连接
	WriteTimeout      time.Duration
	QueueSize         int
	DrainDeadline     time.Duration // 扩缩容排空期
	JWT               security.Options
}

func (c *ServerConf) norm() {
	if c.HandshakeGrace <= 0 {
		c.HandshakeGrace = 3 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 75 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = 30 * time.Second
	}
}

type Server struct {
	conf     ServerConf
	codec    protocol.Codec
	mgr      *ConnManager
	disp     *Dispatcher
	delivery *delivery.Service
	pres     presence.Tracker
	ring     *cluster.Ring

	stopCh chan struct{}
}

func NewServer(conf ServerConf, codec protocol.Codec, mgr *ConnManager,
	dl *delivery.Service, pres presence.Tracker, ring *cluster.Ring) *Server {
	conf.norm()
	s := &Server{
		conf:     conf,
		codec:    codec,
		mgr:      mgr,
		disp:     NewDispatcher(),
		delivery: dl,
		pres:     pres,
		ring:     ring,
		stopCh:   make(chan struct{}),
	}
	s.disp.Register(HeartbeatHandler{})
	s.disp.Register(SyncHandler{})
	// 群事件帧故意不注册：只允许服务端下发，客户端直发的丢弃
	for _, t := range []protocol.Type{
		protocol.TypeText, protocol.TypeSticker, protocol.TypeImage,
		protocol.TypeVideo, protocol.TypeAudio, protocol.TypeFile,
		protocol.TypeAck,
	} {
		s.disp.Register(NewDataHandler(t))
	}
	return s
}

func (s *Server) ConnMgr() *ConnManager { return s.mgr }
func (s *Server) Disp() *Dispatcher     { return s.disp }

// ServeTCP 原生TCP接入：accept 循环，一连接一读协程
func (s *Server) ServeTCP(ln net.Listener) error {
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go s.HandleConn(NewTCPConn(raw, s.codec))
	}
}

// HandleWS WebSocket接入，挂在gin路由上
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[gateway] upgrade websocket error: %v", err)
		return
	}
	s.HandleConn(NewWSConn(ws, s.codec))
}

// HandleConn 连接全生命周期：登记→握手→读循环→下线清理
func (s *Server) HandleConn(conn Conn) {
	now := time.Now()
	sess := newSession(ids.GenerateString(), conn, s.conf.QueueSize, s.conf.WriteTimeout, now)
	if err := s.mgr.AddUnauth(sess); err != nil {
		logger.Warnf("[gateway] register session: %v", err)
		sess.Close()
		return
	}

	if !s.handshake(sess) {
		// 静默断开：不回任何错误帧
		s.mgr.Remove(sess.ID)
		return
	}

	s.readLoop(sess)

	// ---- 退出阶段：presence 下线 + 索引清理 ----
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if sess.Account() != 0 {
		if err := s.pres.Offline(ctx, sess.Account(), sess.ID); err != nil {
			logger.Warnf("[gateway] presence offline session=%s: %v", sess.ID, err)
		}
	}
	s.mgr.Remove(sess.ID)
}

// handshake 宽限期内必须收到合法鉴权帧；令牌身份与帧头发送方必须一致
func (s *Server) handshake(sess *Session) bool {
	_ = sess.conn.SetReadDeadline(time.Now().Add(s.conf.HandshakeGrace))
	m, err := sess.conn.ReadMsg()
	if err != nil {
		logger.Infof("[gateway] handshake read session=%s: %v", sess.ID, err)
		return false
	}
	if m.Head.Typ != protocol.TypeAuth {
		logger.Infof("[gateway] first frame not auth session=%s type=%s", sess.ID, m.Head.Typ)
		return false
	}
	account, err := security.Verify(s.conf.JWT, string(m.Payload))
	if err != nil {
		logger.Infof("[gateway] token rejected session=%s: %v", sess.ID, err)
		return false
	}
	if m.Head.Sender != 0 && m.Head.Sender != account {
		logger.Infof("[gateway] identity mismatch session=%s claimed=%d token=%d",
			sess.ID, m.Head.Sender, account)
		return false
	}

	if _, err := s.mgr.Bind(sess.ID, account); err != nil {
		logger.Warnf("[gateway] bind session=%s account=%d: %v", sess.ID, account, err)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.pres.Online(ctx, account, sess.ID, s.conf.NodeID); err != nil {
		logger.Errorf("[gateway] presence online account=%d: %v", account, err)
		return false
	}

	ack, err := protocol.EncodePayload(&protocol.AuthAck{
		OK:             true,
		Account:        account,
		SessionID:      sess.ID,
		NodeID:         s.conf.NodeID,
		ServerTime:     time.Now().UnixMilli(),
		PingIntervalMS: s.conf.HeartbeatInterval.Milliseconds(),
		PongTimeoutMS:  s.conf.HeartbeatTimeout.Milliseconds(),
	})
	if err != nil {
		return false
	}
	sess.Enqueue(protocol.New(protocol.TypeAuth, 0, account, ack))
	logger.Infof("[gateway] authorized account=%d session=%s remote=%v",
		account, sess.ID, sess.conn.RemoteAddr())
	return true
}

func (s *Server) readLoop(sess *Session) {
	ctx := &Context{S: s}
	for {
		select {
		case <-sess.Done():
			return
		default:
		}
		_ = sess.conn.SetReadDeadline(time.Now().Add(s.conf.HeartbeatTimeout))
		m, err := sess.conn.ReadMsg()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived):
				logger.Infof("[gateway] peer closed session=%s", sess.ID)
			case errors.As(err, &ne) && ne.Timeout():
				logger.Infof("[gateway] read timeout session=%s", sess.ID)
			default:
				logger.Infof("[gateway] read err session=%s: %v", sess.ID, err)
			}
			return
		}
		if err := s.disp.Dispatch(ctx, m, sess); err != nil {
			// 单帧处理失败不断连接，客户端按需重发
			logger.Warnf("[gateway] dispatch session=%s type=%s: %v",
				sess.ID, m.Head.Typ, err)
		}
	}
}

// OnReshard 分片表变更：刷新本地路由，给迁走的账号下发强制重连指令，
// 排空期过后仍赖着不走的直接关闭。
func (s *Server) OnReshard(n protocol.ReshardNotice) {
	if s.ring == nil {
		return
	}
	if !s.ring.Replace(n.Nodes, n.Version) {
		return // 旧版本广播，忽略
	}
	var moved []uint64
	for _, account := range s.mgr.Accounts() {
		if owner, ok := s.ring.Owner(account); ok && owner != s.conf.NodeID {
			moved = append(moved, account)
		}
	}
	if len(moved) == 0 {
		return
	}
	logger.Infof("[gateway] reshard v%d: %d accounts moving off %s",
		n.Version, len(moved), s.conf.NodeID)

	for _, account := range moved {
		for _, sess := range s.mgr.Sessions(account) {
			sess.Enqueue(protocol.NewOffline(account))
		}
	}
	// 客户端应当收到指令后自行重连新归属；这里只兜底清场
	time.AfterFunc(s.conf.DrainDeadline, func() {
		for _, account := range moved {
			if owner, ok := s.ring.Owner(account); !ok || owner == s.conf.NodeID {
				continue // 又迁回来了
			}
			for _, sess := range s.mgr.Sessions(account) {
				logger.Infof("[gateway] drain deadline, closing session=%s account=%d", sess.ID, account)
				s.mgr.Remove(sess.ID)
			}
		}
	})
}

// Close 停止accept并关闭全部会话
func (s *Server) Close() {
	close(s.stopCh)
	s.mgr.Close()
}
