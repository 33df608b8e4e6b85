package protocol

import (
	"fmt"

	"github.com/oh0123/prim/tools/ids"
)

// Type 帧类型。0 非法。
type Type uint8

const (
	TypeNA Type = iota
	// 消息部分
	TypeText
	TypeSticker
	TypeImage
	TypeVideo
	TypeAudio
	TypeFile
	// 逻辑部分
	TypeAck
	TypeSync
	TypeOffline
	TypeHeartbeat
	TypeAuth
	// TypeGroupEvent 群成员变更事件，和内容消息一样定序落库
	TypeGroupEvent
)

func (t Type) Valid() bool { return t >= TypeText && t <= TypeGroupEvent }

// IsContent 是否会进入频道日志（心跳/鉴权/下线通知等控制帧不进）
func (t Type) IsContent() bool {
	switch t {
	case TypeText, TypeSticker, TypeImage, TypeVideo, TypeAudio, TypeFile, TypeGroupEvent:
		return true
	}
	return false
}

func (t Type) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeSticker:
		return "sticker"
	case TypeImage:
		return "image"
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	case TypeFile:
		return "file"
	case TypeAck:
		return "ack"
	case TypeSync:
		return "sync"
	case TypeOffline:
		return "offline"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeAuth:
		return "auth"
	case TypeGroupEvent:
		return "group_event"
	}
	return fmt.Sprintf("na(%d)", uint8(t))
}

// Head 固定37字节帧头，网络序
type Head struct {
	Length    uint16 // payload 字节数
	Typ       Type
	Sender    uint64
	Receiver  uint64 // 账号ID或群ID
	Timestamp uint64 // 服务端到达时间（ms）
	SeqNum    uint64
	Version   uint16
}

type Msg struct {
	Head    Head
	Payload []byte
}

const Version uint16 = 1

// Target 投递目标的显式变体，避免在路由逻辑里裸比阈值
type Target struct {
	Group bool
	ID    uint64
}

// TargetOf 按接收方标识归类目标；阈值判断只发生在这里
func TargetOf(m *Msg) Target {
	return Target{Group: ids.IsGroup(m.Head.Receiver), ID: m.Head.Receiver}
}

func New(typ Type, sender, receiver uint64, payload []byte) *Msg {
	return &Msg{
		Head: Head{
			Length:   uint16(len(payload)),
			Typ:      typ,
			Sender:   sender,
			Receiver: receiver,
			Version:  Version,
		},
		Payload: payload,
	}
}

func NewText(sender, receiver uint64, text string) *Msg {
	return New(TypeText, sender, receiver, []byte(text))
}

// NewHeartbeat 心跳只有帧头
func NewHeartbeat(sender uint64) *Msg {
	return New(TypeHeartbeat, sender, 0, nil)
}

// NewAuth 握手帧：payload 即业务登录拿到的令牌
func NewAuth(sender uint64, token string) *Msg {
	return New(TypeAuth, sender, 0, []byte(token))
}

// NewOffline 服务端下发的强制重连指令（扩缩容迁移用）
func NewOffline(receiver uint64) *Msg {
	return New(TypeOffline, 0, receiver, nil)
}

// Clone 深拷贝，推送给多端前使用
func (m *Msg) Clone() *Msg {
	cp := *m
	if m.Payload != nil {
		cp.Payload = append([]byte(nil), m.Payload...)
	}
	return &cp
}
