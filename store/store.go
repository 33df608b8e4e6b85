package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/oh0123/prim/protocol"
	"github.com/oh0123/prim/tools/errs"
)

// Record 频道日志里的一条定稿消息。seq 为发送方在该频道内的单调序号，
// (ChannelID, Sender, SeqNum) 唯一。
type Record struct {
	ChannelID string `bson:"channel_id" json:"channel_id"`
	Typ       uint8  `bson:"typ" json:"typ"`
	Sender    uint64 `bson:"sender" json:"sender"`
	Receiver  uint64 `bson:"receiver" json:"receiver"`
	SeqNum    uint64 `bson:"seq_num" json:"seq_num"`
	Timestamp uint64 `bson:"timestamp" json:"timestamp"`
	Payload   []byte `bson:"payload" json:"payload"`
}

// ChannelKey 频道标识：单聊取无序账号对，群聊取群ID。
// 负载均衡/路由两侧都用同一个函数，保证两端算出的频道一致。
func ChannelKey(sender uint64, target protocol.Target) string {
	if target.Group {
		return fmt.Sprintf("g:%d", target.ID)
	}
	lo, hi := sender, target.ID
	if lo > hi {
		lo, hi = hi, lo
	}
	return fmt.Sprintf("d:%d-%d", lo, hi)
}

// Channel 频道键还原后的归属信息
type Channel struct {
	Group   bool
	GroupID uint64
	A, B    uint64 // 单聊双方，A <= B
}

// Includes 账号是否是该频道的当事方。群频道要另查成员表，这里只管单聊。
func (c Channel) Includes(account uint64) bool {
	return !c.Group && (account == c.A || account == c.B)
}

// ParseChannelKey 还原频道键。补拉请求里的 ChannelID 来自客户端，
// 格式非法或账号对乱序一律拒绝。
func ParseChannelKey(key string) (Channel, error) {
	switch {
	case strings.HasPrefix(key, "g:"):
		id, err := strconv.ParseUint(key[2:], 10, 64)
		if err != nil {
			return Channel{}, errs.ErrProtocol.WrapMsg("bad channel key", "key", key)
		}
		return Channel{Group: true, GroupID: id}, nil
	case strings.HasPrefix(key, "d:"):
		lo, hi, ok := strings.Cut(key[2:], "-")
		if !ok {
			return Channel{}, errs.ErrProtocol.WrapMsg("bad channel key", "key", key)
		}
		a, err1 := strconv.ParseUint(lo, 10, 64)
		b, err2 := strconv.ParseUint(hi, 10, 64)
		if err1 != nil || err2 != nil || a > b {
			return Channel{}, errs.ErrProtocol.WrapMsg("bad channel key", "key", key)
		}
		return Channel{A: a, B: b}, nil
	}
	return Channel{}, errs.ErrProtocol.WrapMsg("bad channel key", "key", key)
}

func FromMsg(channelID string, m *protocol.Msg) Record {
	return Record{
		ChannelID: channelID,
		Typ:       uint8(m.Head.Typ),
		Sender:    m.Head.Sender,
		Receiver:  m.Head.Receiver,
		SeqNum:    m.Head.SeqNum,
		Timestamp: m.Head.Timestamp,
		Payload:   m.Payload,
	}
}

func (r Record) ToMsg() *protocol.Msg {
	return &protocol.Msg{
		Head: protocol.Head{
			Length:    uint16(len(r.Payload)),
			Typ:       protocol.Type(r.Typ),
			Sender:    r.Sender,
			Receiver:  r.Receiver,
			Timestamp: r.Timestamp,
			SeqNum:    r.SeqNum,
			Version:   protocol.Version,
		},
		Payload: r.Payload,
	}
}

// ChannelStore 按频道追加的有序日志。Append 幂等：同 (channel,sender,seq)
// 重复写入不产生第二条记录也不报错。
type ChannelStore interface {
	Append(ctx context.Context, rec Record) error
	// Range 按到达顺序回放 afterSeq 之后的记录（按各自发送方的seq过滤），
	// afterSeq=0 即全量历史。limit<=0 表示不限。
	Range(ctx context.Context, channelID string, afterSeq uint64, limit int) ([]Record, error)
	// LastSeq 某发送方在频道内已落库的最大seq，无记录返回0
	LastSeq(ctx context.Context, channelID string, sender uint64) (uint64, error)
}

// MessageStore 定稿消息的持久记录，离线补拉/历史查询走这里。
// 与 ChannelStore 分开建接口，落地实现可以合一。
type MessageStore interface {
	Save(ctx context.Context, rec Record) error
	History(ctx context.Context, channelID string, afterSeq uint64, limit int) ([]Record, error)
}
