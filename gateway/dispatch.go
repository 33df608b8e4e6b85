package gateway

import (
	"context"
	"time"

	"github.com/oh0123/prim/logger"
	"github.com/oh0123/prim/protocol"
	"github.com/oh0123/prim/tools/errs"
)

// Handler 按帧类型分发。读循环拿到帧后查表调用。
type Handler interface {
	Type() protocol.Type
	Handle(ctx *Context, m *protocol.Msg, sess *Session) error
}

type Context struct {
	S *Server
}

type Dispatcher struct {
	handlers map[protocol.Type]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[protocol.Type]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Type()] = h }

func (d *Dispatcher) GetHandler(t protocol.Type) Handler {
	h, ok := d.handlers[t]
	if !ok {
		return nil
	}
	return h
}

func (d *Dispatcher) Dispatch(ctx *Context, m *protocol.Msg, sess *Session) error {
	h := d.GetHandler(m.Head.Typ)
	if h == nil {
		return errs.ErrProtocol.WrapMsg("no handler", "type", m.Head.Typ.String())
	}
	return h.Handle(ctx, m, sess)
}

// ===== 心跳 =====

type HeartbeatHandler struct{}

func (HeartbeatHandler) Type() protocol.Type { return protocol.TypeHeartbeat }

// Handle 续期本地TTL与presence，原帧回显给客户端做RTT探测
func (HeartbeatHandler) Handle(ctx *Context, m *protocol.Msg, sess *Session) error {
	s := ctx.S
	if err := s.mgr.Heartbeat(sess.ID); err != nil {
		return err
	}
	bctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.pres.Heartbeat(bctx, sess.Account(), sess.ID); err != nil {
		logger.Warnf("[gateway] presence heartbeat session=%s: %v", sess.ID, err)
	}
	sess.Enqueue(protocol.NewHeartbeat(0))
	return nil
}

// ===== 内容与确认 =====

// DataHandler 内容消息与确认帧交给调度核心。群事件帧不在此列：
// 那是服务端定稿后下发的，客户端直发的一律走"无handler"丢弃。
type DataHandler struct{ typ protocol.Type }

func NewDataHandler(t protocol.Type) DataHandler { return DataHandler{typ: t} }

func (h DataHandler) Type() protocol.Type { return h.typ }

func (h DataHandler) Handle(ctx *Context, m *protocol.Msg, sess *Session) error {
	// 帧头的发送方以鉴权身份为准，不信客户端自报
	if m.Head.Sender != sess.Account() {
		return errs.ErrProtocol.WrapMsg("sender mismatch",
			"claimed", m.Head.Sender, "account", sess.Account())
	}
	_, err := ctx.S.delivery.Submit(context.Background(), m, sess.ID)
	return err
}

// ===== 补拉 =====

type SyncHandler struct{}

func (SyncHandler) Type() protocol.Type { return protocol.TypeSync }

// Handle 历史回放只发给发起补拉的这条会话
func (SyncHandler) Handle(ctx *Context, m *protocol.Msg, sess *Session) error {
	var req protocol.SyncRequest
	if err := protocol.DecodePayload(m.Payload, &req); err != nil {
		return errs.ErrProtocol.WrapMsg("bad sync payload", "session", sess.ID)
	}
	bctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ctx.S.delivery.Sync(bctx, sess.Account(), req.ChannelID, req.LastKnownSeq, req.Limit,
		func(out *protocol.Msg) { sess.Enqueue(out) })
}
