package cluster

import (
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/oh0123/prim/logger"
	"github.com/oh0123/prim/protocol"
	"github.com/oh0123/prim/tools/errs"
)

// 每个网关实例只和路由层保持一条上行连接：自己的收件主题由NATS侧做
// 扇出互联，实例间不直连，集群内连接数 O(n) 而不是 O(n²)。
const (
	nodeSubjectPrefix = "prim.node."
	reshardSubject    = "prim.cluster.reshard"
)

type RouterConfig struct {
	Servers       []string
	Name          string // 连接名，便于NATS侧排查
	NodeID        string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Router 节点间消息转发。Deliver 回调把远端转来的定稿帧交给本地推送。
type Router struct {
	nc     *nats.Conn
	nodeID string
	codec  protocol.Codec

	mu        sync.Mutex
	inboxSub  *nats.Subscription
	reshardCb func(protocol.ReshardNotice)
	rsSub     *nats.Subscription
}

func NewRouter(cfg RouterConfig, codec protocol.Codec) (*Router, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect")
	}
	return &Router{nc: nc, nodeID: cfg.NodeID, codec: codec}, nil
}

// Start 订阅本节点收件主题，远端转来的帧交给 deliver
func (r *Router) Start(deliver func(*protocol.Msg)) error {
	sub, err := r.nc.Subscribe(nodeSubjectPrefix+r.nodeID, func(m *nats.Msg) {
		msg, err := r.codec.Unmarshal(m.Data)
		if err != nil {
			logger.Warnf("[router] drop bad frame from cluster: %v", err)
			return
		}
		deliver(msg)
	})
	if err != nil {
		return errs.WrapMsg(err, "subscribe inbox", "node", r.nodeID)
	}
	r.mu.Lock()
	r.inboxSub = sub
	r.mu.Unlock()
	return nil
}

// Forward 把定稿帧转给目标实例
func (r *Router) Forward(node string, m *protocol.Msg) error {
	if node == r.nodeID {
		return errs.New("forward to self node=%s", node)
	}
	data, err := r.codec.Marshal(m)
	if err != nil {
		return err
	}
	if err := r.nc.Publish(nodeSubjectPrefix+node, data); err != nil {
		return errs.ErrDeliveryUnreachable.WrapMsg("forward", "node", node)
	}
	return nil
}

// BroadcastReshard 扩缩容后把新分片表广播到所有节点
func (r *Router) BroadcastReshard(n protocol.ReshardNotice) error {
	raw, err := protocol.EncodePayload(&n)
	if err != nil {
		return err
	}
	return errs.WrapMsg(r.nc.Publish(reshardSubject, raw), "broadcast reshard")
}

// OnReshard 注册分片表变更回调
func (r *Router) OnReshard(cb func(protocol.ReshardNotice)) error {
	sub, err := r.nc.Subscribe(reshardSubject, func(m *nats.Msg) {
		var n protocol.ReshardNotice
		if err := protocol.DecodePayload(m.Data, &n); err != nil {
			logger.Warnf("[router] drop bad reshard notice: %v", err)
			return
		}
		cb(n)
	})
	if err != nil {
		return errs.WrapMsg(err, "subscribe reshard")
	}
	r.mu.Lock()
	r.reshardCb = cb
	r.rsSub = sub
	r.mu.Unlock()
	return nil
}

func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inboxSub != nil {
		_ = r.inboxSub.Drain()
	}
	if r.rsSub != nil {
		_ = r.rsSub.Drain()
	}
	if r.nc != nil {
		_ = r.nc.Drain()
	}
}
