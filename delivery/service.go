// Package delivery 调度核心：定序、落库、本地推送与跨节点转发。
// 每连接的读协程把帧交进来，这里保证 (sender,channel) 的seq严格单调，
// 以及"先落库、再推送"的顺序——宁可晚到，不可乱序。
package delivery

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oh0123/prim/cluster"
	"github.com/oh0123/prim/logger"
	"github.com/oh0123/prim/notify"
	"github.com/oh0123/prim/presence"
	"github.com/oh0123/prim/protocol"
	"github.com/oh0123/prim/store"
	"github.com/oh0123/prim/store/seq"
	"github.com/oh0123/prim/tools/errs"
)

// LocalPusher 本地在线会话推送。exceptSession 非空时跳过该会话
// （确认帧只给发送方的"其他"端）。返回实际推送的会话数。
type LocalPusher interface {
	Push(account uint64, m *protocol.Msg, exceptSession string) int
}

// Forwarder 跨节点转发（集群路由）。单机部署传 nil。
type Forwarder interface {
	Forward(node string, m *protocol.Msg) error
}

// MemberResolver 群成员集
type MemberResolver interface {
	Members(ctx context.Context, groupID uint64) ([]uint64, error)
}

type Config struct {
	NodeID      string
	Parallelism int           // 群扇出并发度
	PushTimeout time.Duration // 单个接收方投递（查归属+转发）的超时上限
}

type Service struct {
	nodeID   string
	alloc    seq.Allocator
	channels store.ChannelStore
	messages store.MessageStore
	pres     presence.Tracker
	members  MemberResolver
	local    LocalPusher
	forward  Forwarder
	ring     *cluster.Ring
	notify   notify.Publisher

	par         int
	pushTimeout time.Duration
	clock       func() time.Time
}

func NewService(cfg Config, alloc seq.Allocator, channels store.ChannelStore,
	messages store.MessageStore, pres presence.Tracker, members MemberResolver,
	local LocalPusher, forward Forwarder, ring *cluster.Ring, np notify.Publisher) *Service {
	par := cfg.Parallelism
	if par <= 0 {
		par = 32
	}
	pushTimeout := cfg.PushTimeout
	if pushTimeout <= 0 {
		pushTimeout = 3 * time.Second
	}
	if np == nil {
		np = notify.Noop{}
	}
	return &Service{
		nodeID:      cfg.NodeID,
		alloc:       alloc,
		channels:    channels,
		messages:    messages,
		pres:        pres,
		members:     members,
		local:       local,
		forward:     forward,
		ring:        ring,
		notify:      np,
		par:         par,
		pushTimeout: pushTimeout,
		clock:       time.Now,
	}
}

// Submit 处理一条来自已授权连接的消息：定序→落库→推送。
// 返回定稿后的帧（带seq与服务端时间戳）。
func (s *Service) Submit(ctx context.Context, m *protocol.Msg, originSession string) (*protocol.Msg, error) {
	switch {
	case m.Head.Typ == protocol.TypeAck:
		// 确认帧不定序不落库，只回给发送方的其他端
		s.local.Push(m.Head.Sender, m, originSession)
		return m, nil
	case !m.Head.Typ.IsContent():
		return nil, errs.ErrProtocol.WrapMsg("submit non-content frame", "type", m.Head.Typ.String())
	}

	target := protocol.TargetOf(m)
	channelID := store.ChannelKey(m.Head.Sender, target)

	// 群消息先验成员资格再定序。群事件帧豁免：退群事件提交时
	// 发起方已经不在成员表里了。
	var members []uint64
	if target.Group {
		var err error
		members, err = s.members.Members(ctx, target.ID)
		if err != nil {
			return nil, err
		}
		if m.Head.Typ != protocol.TypeGroupEvent && !slices.Contains(members, m.Head.Sender) {
			return nil, errs.ErrAuth.WrapMsg("sender not a group member",
				"group", target.ID, "sender", m.Head.Sender)
		}
	}

	if m.Head.SeqNum == 0 {
		next, err := s.alloc.Next(ctx, channelID, m.Head.Sender)
		if err != nil {
			return nil, err
		}
		m.Head.SeqNum = next
		m.Head.Timestamp = uint64(s.clock().UnixMilli())
	}
	// seq已带值的是传输抖动后的重放：沿用原seq幂等落库，不再发新号

	rec := store.FromMsg(channelID, m)
	if err := s.channels.Append(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.messages.Save(ctx, rec); err != nil {
		return nil, err
	}

	// 回推发送方全部在线端：对发起端是投递确认，对其他端是多端同步
	s.local.Push(m.Head.Sender, m, "")

	if target.Group {
		s.fanoutGroup(ctx, m, members, channelID)
	} else {
		s.deliverOne(ctx, m, target.ID, channelID)
	}
	return m, nil
}

// deliverOne 单个接收方：本地推送、跨节点转发或离线外发
func (s *Service) deliverOne(ctx context.Context, m *protocol.Msg, account uint64, channelID string) {
	node, online, err := s.pres.Owner(ctx, account)
	if err != nil {
		logger.Warnf("[delivery] presence lookup failed account=%d: %v", account, err)
		online = false
	}
	if !online {
		s.offlineStored(ctx, m, account, channelID)
		return
	}
	if node == s.nodeID {
		s.local.Push(account, m, "")
		return
	}
	s.forwardRemote(ctx, m, account, node, channelID)
}

// forwardRemote 转发给归属节点；失败后重新解析归属再试一次，
// 仍失败就认输——消息已落库，靠对端上线补拉，绝不丢。
func (s *Service) forwardRemote(ctx context.Context, m *protocol.Msg, account uint64, node, channelID string) {
	if s.forward == nil {
		s.offlineStored(ctx, m, account, channelID)
		return
	}
	if err := s.forward.Forward(node, m); err == nil {
		return
	}
	// 归属可能在扩缩容中变了：先问presence，再退分片表
	fresh, online, perr := s.pres.Owner(ctx, account)
	if perr != nil || !online {
		if owner, ok := s.ringOwner(account); ok {
			fresh = owner
		} else {
			s.offlineStored(ctx, m, account, channelID)
			return
		}
	}
	if fresh == s.nodeID {
		s.local.Push(account, m, "")
		return
	}
	if err := s.forward.Forward(fresh, m); err != nil {
		logger.Warnf("[delivery] forward retry failed account=%d node=%s: %v", account, fresh, err)
		s.offlineStored(ctx, m, account, channelID)
	}
}

func (s *Service) ringOwner(account uint64) (string, bool) {
	if s.ring == nil {
		return "", false
	}
	return s.ring.Owner(account)
}

// fanoutGroup 群扇出：有界并发，慢成员只拖慢自己
func (s *Service) fanoutGroup(ctx context.Context, m *protocol.Msg, members []uint64, channelID string) {
	// 同一远程节点只转发一次，由对端按本地成员扇出
	remote := make(map[string]struct{})
	var remoteMu sync.Mutex
	markRemote := func(node string) bool {
		remoteMu.Lock()
		defer remoteMu.Unlock()
		if _, dup := remote[node]; dup {
			return false
		}
		remote[node] = struct{}{}
		return true
	}

	// 发起方本节点的端走回推；归属在别的网关时（API侧提交就是这种）
	// 还要专门转一跳，成员表查不到退群者，所以不能并进下面的循环。
	if node, online, err := s.pres.Owner(ctx, m.Head.Sender); err == nil && online && node != s.nodeID {
		if markRemote(node) {
			s.forwardRemote(ctx, m, m.Head.Sender, node, channelID)
		}
	}

	sem := make(chan struct{}, s.par)
	var wg sync.WaitGroup
	for _, member := range members {
		if member == m.Head.Sender {
			continue
		}
		member := member
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			mctx, cancel := context.WithTimeout(ctx, s.pushTimeout)
			defer cancel()

			node, online, err := s.pres.Owner(mctx, member)
			if err != nil || !online {
				s.offlineStored(mctx, m, member, channelID)
				return
			}
			if node == s.nodeID {
				s.local.Push(member, m, "")
				return
			}
			if markRemote(node) {
				s.forwardRemote(mctx, m, member, node, channelID)
			}
		}()
	}
	wg.Wait()
}

// DeliverRemote 远端节点转来的定稿帧：只做本地推送，不再定序落库
func (s *Service) DeliverRemote(m *protocol.Msg) {
	target := protocol.TargetOf(m)
	if !target.Group {
		s.local.Push(target.ID, m, "")
		return
	}
	// 发起方的端可能归属本节点（源节点的回推够不到这里），
	// 退群者已不在成员表，单独推一次。
	s.local.Push(m.Head.Sender, m, "")
	ctx, cancel := context.WithTimeout(context.Background(), s.pushTimeout)
	defer cancel()
	members, err := s.members.Members(ctx, target.ID)
	if err != nil {
		logger.Errorf("[delivery] remote deliver members group=%d: %v", target.ID, err)
		return
	}
	for _, member := range members {
		if member == m.Head.Sender {
			continue
		}
		s.local.Push(member, m, "")
	}
}

// Sync 历史补拉：把 afterSeq 之后的定稿消息按到达序交给 push。
// 频道ID由客户端给出，必须先验 account 是当事方，否则任何人都能拉别人的历史。
func (s *Service) Sync(ctx context.Context, account uint64, channelID string, afterSeq uint64, limit int, push func(*protocol.Msg)) error {
	ch, err := store.ParseChannelKey(channelID)
	if err != nil {
		return err
	}
	if ch.Group {
		members, err := s.members.Members(ctx, ch.GroupID)
		if err != nil {
			return err
		}
		if !slices.Contains(members, account) {
			return errs.ErrAuth.WrapMsg("sync foreign channel", "channel", channelID, "account", account)
		}
	} else if !ch.Includes(account) {
		return errs.ErrAuth.WrapMsg("sync foreign channel", "channel", channelID, "account", account)
	}

	recs, err := s.messages.History(ctx, channelID, afterSeq, limit)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		push(rec.ToMsg())
	}
	return nil
}

func (s *Service) offlineStored(ctx context.Context, m *protocol.Msg, account uint64, channelID string) {
	err := s.notify.OfflineStored(ctx, notify.Event{
		Receiver:  account,
		Sender:    m.Head.Sender,
		ChannelID: channelID,
		SeqNum:    m.Head.SeqNum,
		Typ:       uint8(m.Head.Typ),
		Timestamp: m.Head.Timestamp,
	})
	if err != nil {
		// 通知链路不在关键路径：记下来就行
		logger.Warnf("[delivery] offline notify failed account=%d: %v", account, err)
	}
}
