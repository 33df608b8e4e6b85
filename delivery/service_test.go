package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oh0123/prim/notify"
	"github.com/oh0123/prim/protocol"
	"github.com/oh0123/prim/store"
	"github.com/oh0123/prim/store/memory"
	"github.com/oh0123/prim/store/seq"
	"github.com/oh0123/prim/tools/errs"
	"github.com/oh0123/prim/tools/ids"
)

type pushed struct {
	Account uint64
	Seq     uint64
	Typ     protocol.Type
	Except  string
}

type fakePusher struct {
	mu     sync.Mutex
	pushes []pushed
}

func (f *fakePusher) Push(account uint64, m *protocol.Msg, except string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, pushed{account, m.Head.SeqNum, m.Head.Typ, except})
	return 1
}

func (f *fakePusher) all() []pushed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pushed(nil), f.pushes...)
}

func (f *fakePusher) countFor(account uint64) int {
	n := 0
	for _, p := range f.all() {
		if p.Account == account {
			n++
		}
	}
	return n
}

type fakeTracker struct {
	mu    sync.Mutex
	owner map[uint64]string
	once  map[uint64]string // 第一次 Owner 查询返回这个，之后回落到 owner
}

func (f *fakeTracker) Online(context.Context, uint64, string, string) error { return nil }
func (f *fakeTracker) Heartbeat(context.Context, uint64, string) error      { return nil }
func (f *fakeTracker) Offline(context.Context, uint64, string) error        { return nil }
func (f *fakeTracker) Sessions(context.Context, uint64) ([]string, error)   { return nil, nil }

func (f *fakeTracker) Owner(_ context.Context, account uint64) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if node, ok := f.once[account]; ok {
		delete(f.once, account)
		return node, true, nil
	}
	node, ok := f.owner[account]
	return node, ok, nil
}

func (f *fakeTracker) set(account uint64, node string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owner[account] = node
}

type fakeForwarder struct {
	mu    sync.Mutex
	fail  map[string]bool
	sends []string // node list, in order
}

func (f *fakeForwarder) Forward(node string, _ *protocol.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, node)
	if f.fail[node] {
		return errors.New("nats: no responders")
	}
	return nil
}

type fakeMembers struct{ members map[uint64][]uint64 }

func (f *fakeMembers) Members(_ context.Context, groupID uint64) ([]uint64, error) {
	return f.members[groupID], nil
}

type fakeNotify struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotify) OfflineStored(_ context.Context, ev notify.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

type harness struct {
	svc     *Service
	pusher  *fakePusher
	tracker *fakeTracker
	forward *fakeForwarder
	notify  *fakeNotify
	store   *memory.Store
	members *fakeMembers
}

func newHarness(node string) *harness {
	st := memory.New()
	h := &harness{
		pusher:  &fakePusher{},
		tracker: &fakeTracker{owner: map[uint64]string{}, once: map[uint64]string{}},
		forward: &fakeForwarder{fail: map[string]bool{}},
		notify:  &fakeNotify{},
		store:   st,
		members: &fakeMembers{members: map[uint64][]uint64{}},
	}
	h.svc = NewService(Config{NodeID: node, Parallelism: 4},
		seq.NewMemory(), st, st, h.tracker, h.members, h.pusher, h.forward, nil, h.notify)
	return h
}

func TestSubmitAssignsDenseSeqPerSender(t *testing.T) {
	h := newHarness("gw1")
	ctx := context.Background()
	h.tracker.set(102, "gw1")

	for i := 0; i < 5; i++ {
		out, err := h.svc.Submit(ctx, protocol.NewText(101, 102, "hi"), "s1")
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), out.Head.SeqNum)
		assert.NotZero(t, out.Head.Timestamp)
	}
	// 对向发送方有自己独立的序列
	out, err := h.svc.Submit(ctx, protocol.NewText(102, 101, "yo"), "s2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), out.Head.SeqNum)
}

func TestSubmitPersistsBeforeDelivery(t *testing.T) {
	h := newHarness("gw1")
	ctx := context.Background()
	h.tracker.set(102, "gw1")

	_, err := h.svc.Submit(ctx, protocol.NewText(101, 102, "hello"), "s1")
	require.NoError(t, err)

	ch := store.ChannelKey(101, protocol.Target{ID: 102})
	recs, err := h.store.Range(ctx, ch, 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].SeqNum)
	assert.Equal(t, []byte("hello"), recs[0].Payload)

	// 发送方回推一次 + 接收方本地推送一次
	assert.Equal(t, 1, h.pusher.countFor(101))
	assert.Equal(t, 1, h.pusher.countFor(102))
}

func TestSubmitResubmitKeepsSeq(t *testing.T) {
	h := newHarness("gw1")
	ctx := context.Background()
	h.tracker.set(102, "gw1")

	out, err := h.svc.Submit(ctx, protocol.NewText(101, 102, "once"), "s1")
	require.NoError(t, err)
	first := out.Head.SeqNum

	// 客户端没收到回执后原样重发：seq不变，日志不长
	again, err := h.svc.Submit(ctx, out.Clone(), "s1")
	require.NoError(t, err)
	assert.Equal(t, first, again.Head.SeqNum)

	ch := store.ChannelKey(101, protocol.Target{ID: 102})
	recs, err := h.store.Range(ctx, ch, 0, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// 下一条新消息依然接着编号，不跳号
	next, err := h.svc.Submit(ctx, protocol.NewText(101, 102, "two"), "s1")
	require.NoError(t, err)
	assert.Equal(t, first+1, next.Head.SeqNum)
}

func TestAckGoesOnlyToOtherSessions(t *testing.T) {
	h := newHarness("gw1")
	ack := protocol.New(protocol.TypeAck, 101, 102, nil)

	_, err := h.svc.Submit(context.Background(), ack, "origin-session")
	require.NoError(t, err)

	pushes := h.pusher.all()
	require.Len(t, pushes, 1)
	assert.Equal(t, uint64(101), pushes[0].Account)
	assert.Equal(t, "origin-session", pushes[0].Except)

	// 确认帧不落库
	ch := store.ChannelKey(101, protocol.Target{ID: 102})
	recs, err := h.store.Range(context.Background(), ch, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSubmitRejectsControlFrames(t *testing.T) {
	h := newHarness("gw1")
	_, err := h.svc.Submit(context.Background(), protocol.NewHeartbeat(101), "s1")
	assert.Error(t, err)
}

func TestGroupFanout(t *testing.T) {
	h := newHarness("gw1")
	ctx := context.Background()
	groupID := ids.GroupIDThreshold | 7
	h.members.members[groupID] = []uint64{101, 102, 103, 104}
	h.tracker.set(102, "gw1") // 本地在线
	h.tracker.set(103, "gw2") // 远程在线
	// 104 离线

	_, err := h.svc.Submit(ctx, protocol.NewText(101, groupID, "all"), "s1")
	require.NoError(t, err)

	assert.Equal(t, 1, h.pusher.countFor(101)) // 发送方回推
	assert.Equal(t, 1, h.pusher.countFor(102))
	assert.Equal(t, 0, h.pusher.countFor(103)) // 走转发，不走本地
	assert.Equal(t, []string{"gw2"}, h.forward.sends)

	require.Len(t, h.notify.events, 1)
	assert.Equal(t, uint64(104), h.notify.events[0].Receiver)
	assert.Equal(t, store.ChannelKey(101, protocol.Target{Group: true, ID: groupID}), h.notify.events[0].ChannelID)
}

// 非成员冒充群发必须在定序之前就挡掉，库里不能留痕
func TestSubmitRejectsNonMemberGroupSender(t *testing.T) {
	h := newHarness("gw1")
	ctx := context.Background()
	groupID := ids.GroupIDThreshold | 7
	h.members.members[groupID] = []uint64{101, 102}

	_, err := h.svc.Submit(ctx, protocol.NewText(999, groupID, "infiltrate"), "s1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrAuth))

	ch := store.ChannelKey(999, protocol.Target{Group: true, ID: groupID})
	recs, err := h.store.Range(ctx, ch, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, h.pusher.all())
}

// 退群事件的发起方提交时已经不在成员表里，事件帧本身要放行
func TestGroupEventFromDepartedMemberAccepted(t *testing.T) {
	h := newHarness("gw1")
	ctx := context.Background()
	groupID := ids.GroupIDThreshold | 7
	h.members.members[groupID] = []uint64{102}

	ev := protocol.New(protocol.TypeGroupEvent, 101, groupID, nil)
	out, err := h.svc.Submit(ctx, ev, "")
	require.NoError(t, err)
	assert.NotZero(t, out.Head.SeqNum)
}

// API节点提交的群事件：发起方的端都在别的网关上，回推够不到，
// 扇出必须给发起方的归属节点也转一跳
func TestGroupEventForwardedToActorOwnerNode(t *testing.T) {
	h := newHarness("api1")
	ctx := context.Background()
	groupID := ids.GroupIDThreshold | 7
	h.members.members[groupID] = []uint64{102} // 101 已退群
	h.tracker.set(101, "gw1")
	h.tracker.set(102, "gw2")

	ev := protocol.New(protocol.TypeGroupEvent, 101, groupID, nil)
	_, err := h.svc.Submit(ctx, ev, "")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"gw1", "gw2"}, h.forward.sends)
	assert.Empty(t, h.notify.events) // 发起方在线，不触发离线外发
}

// 扇出对每个远程节点各编一帧，共享的是同一个 *Msg：编码必须只读入参
type encodingForwarder struct {
	codec  protocol.Codec
	mu     sync.Mutex
	frames [][]byte
}

func (f *encodingForwarder) Forward(_ string, m *protocol.Msg) error {
	buf, err := f.codec.Marshal(m)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, buf)
	return nil
}

func TestGroupFanoutEncodesStableFrames(t *testing.T) {
	h := newHarness("gw1")
	ctx := context.Background()
	fwd := &encodingForwarder{codec: protocol.NewCodec(0)}
	h.svc.forward = fwd

	groupID := ids.GroupIDThreshold | 7
	var members []uint64
	members = append(members, 101)
	for i := 0; i < 16; i++ {
		member := uint64(200 + i)
		members = append(members, member)
		h.tracker.set(member, fmt.Sprintf("gw%d", i+2)) // 每人一个远程节点
	}
	h.members.members[groupID] = members

	_, err := h.svc.Submit(ctx, protocol.NewText(101, groupID, "broadcast"), "s1")
	require.NoError(t, err)

	require.Len(t, fwd.frames, 16)
	for _, frame := range fwd.frames {
		assert.Equal(t, fwd.frames[0], frame)
		got, err := fwd.codec.Unmarshal(frame)
		require.NoError(t, err)
		assert.Equal(t, []byte("broadcast"), got.Payload)
	}
}

// 扇出给每个成员的投递都带截止时间，慢成员只能拖垮自己
type deadlineTracker struct {
	fakeTracker
	dmu      sync.Mutex
	deadline map[uint64]bool // account -> 查询时ctx是否带deadline
}

func (d *deadlineTracker) Owner(ctx context.Context, account uint64) (string, bool, error) {
	_, has := ctx.Deadline()
	d.dmu.Lock()
	d.deadline[account] = has
	d.dmu.Unlock()
	return d.fakeTracker.Owner(ctx, account)
}

func TestFanoutBoundsPerMemberDelivery(t *testing.T) {
	h := newHarness("gw1")
	dt := &deadlineTracker{deadline: map[uint64]bool{}}
	dt.owner = map[uint64]string{102: "gw1", 103: "gw2"}
	h.svc.pres = dt

	groupID := ids.GroupIDThreshold | 7
	h.members.members[groupID] = []uint64{101, 102, 103}

	_, err := h.svc.Submit(context.Background(), protocol.NewText(101, groupID, "bounded"), "s1")
	require.NoError(t, err)

	dt.dmu.Lock()
	defer dt.dmu.Unlock()
	assert.True(t, dt.deadline[102])
	assert.True(t, dt.deadline[103])
}

func TestForwardRetryAfterOwnerMoved(t *testing.T) {
	h := newHarness("gw1")
	ctx := context.Background()
	// 第一跳按旧归属 gw2 转发失败，重查时连接已迁到 gw3
	h.tracker.once[102] = "gw2"
	h.tracker.set(102, "gw3")
	h.forward.fail["gw2"] = true

	_, err := h.svc.Submit(ctx, protocol.NewText(101, 102, "moved"), "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"gw2", "gw3"}, h.forward.sends)
	assert.Empty(t, h.notify.events)
}

func TestForwardFailureFallsBackToOffline(t *testing.T) {
	h := newHarness("gw1")
	ctx := context.Background()
	h.tracker.set(102, "gw2")
	h.forward.fail["gw2"] = true

	_, err := h.svc.Submit(ctx, protocol.NewText(101, 102, "stuck"), "s1")
	require.NoError(t, err)

	// 两跳都到 gw2（presence 没变），最终按离线兜底；消息已在库里
	assert.Equal(t, []string{"gw2", "gw2"}, h.forward.sends)
	require.Len(t, h.notify.events, 1)
	assert.Equal(t, uint64(102), h.notify.events[0].Receiver)

	ch := store.ChannelKey(101, protocol.Target{ID: 102})
	recs, err := h.store.Range(ctx, ch, 0, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestDeliverRemote(t *testing.T) {
	h := newHarness("gw2")
	groupID := ids.GroupIDThreshold | 9
	h.members.members[groupID] = []uint64{101, 102, 103}

	m := protocol.NewText(101, groupID, "fanned")
	m.Head.SeqNum = 3
	h.svc.DeliverRemote(m)

	// 源节点的回推只覆盖源节点；发送方的端若归属本节点，这里也得推
	assert.Equal(t, 1, h.pusher.countFor(101))
	assert.Equal(t, 1, h.pusher.countFor(102))
	assert.Equal(t, 1, h.pusher.countFor(103))

	direct := protocol.NewText(101, 102, "dm")
	h.svc.DeliverRemote(direct)
	assert.Equal(t, 2, h.pusher.countFor(102))
}

func TestSyncReplaysAfterSeq(t *testing.T) {
	h := newHarness("gw1")
	ctx := context.Background()
	h.tracker.set(102, "gw1")

	for _, text := range []string{"a", "b", "c"} {
		_, err := h.svc.Submit(ctx, protocol.NewText(101, 102, text), "s1")
		require.NoError(t, err)
	}

	ch := store.ChannelKey(101, protocol.Target{ID: 102})
	var got []string
	err := h.svc.Sync(ctx, 101, ch, 1, 0, func(m *protocol.Msg) {
		got = append(got, string(m.Payload))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, got)
}

// 补拉只对当事方开放：外人报别人的频道ID必须拒绝，一条都不能吐
func TestSyncDeniesForeignChannel(t *testing.T) {
	h := newHarness("gw1")
	ctx := context.Background()
	h.tracker.set(102, "gw1")

	_, err := h.svc.Submit(ctx, protocol.NewText(101, 102, "secret"), "s1")
	require.NoError(t, err)

	ch := store.ChannelKey(101, protocol.Target{ID: 102})
	leaked := 0
	err = h.svc.Sync(ctx, 103, ch, 0, 0, func(*protocol.Msg) { leaked++ })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrAuth))
	assert.Zero(t, leaked)

	// 群频道按成员表判
	groupID := ids.GroupIDThreshold | 7
	h.members.members[groupID] = []uint64{101, 102}
	gch := store.ChannelKey(101, protocol.Target{Group: true, ID: groupID})
	err = h.svc.Sync(ctx, 103, gch, 0, 0, func(*protocol.Msg) { leaked++ })
	assert.True(t, errors.Is(err, errs.ErrAuth))
	assert.Zero(t, leaked)

	// 频道ID格式非法同样拒绝
	err = h.svc.Sync(ctx, 101, "d:9-2", 0, 0, func(*protocol.Msg) { leaked++ })
	assert.True(t, errors.Is(err, errs.ErrProtocol))
	assert.Zero(t, leaked)
}

func TestOfflineReceiverStoredAndNotified(t *testing.T) {
	h := newHarness("gw1")
	ctx := context.Background()
	// 102 从未上线

	out, err := h.svc.Submit(ctx, protocol.NewText(101, 102, "later"), "s1")
	require.NoError(t, err)

	require.Len(t, h.notify.events, 1)
	assert.Equal(t, uint64(102), h.notify.events[0].Receiver)
	assert.Equal(t, out.Head.SeqNum, h.notify.events[0].SeqNum)

	// 上线后补拉能拿到
	ch := store.ChannelKey(102, protocol.Target{ID: 101})
	var got []string
	err = h.svc.Sync(ctx, 102, ch, 0, 0, func(m *protocol.Msg) { got = append(got, string(m.Payload)) })
	require.NoError(t, err)
	assert.Equal(t, []string{"later"}, got)
}
