package protocol

import (
	"github.com/fxamacker/cbor/v2"
)

// 控制类payload统一用CBOR：紧凑、跨端稳定，浏览器侧有现成解码器。

// SyncRequest 客户端观察到seq断档（或新上线）时发起的补拉请求
type SyncRequest struct {
	ChannelID    string `cbor:"1,keyasint"`
	LastKnownSeq uint64 `cbor:"2,keyasint"` // 0 = 全量历史
	Limit        int    `cbor:"3,keyasint,omitempty"`
}

// AuthAck 握手成功回执，带心跳策略
type AuthAck struct {
	OK             bool   `cbor:"1,keyasint"`
	Account        uint64 `cbor:"2,keyasint"`
	SessionID      string `cbor:"3,keyasint"`
	NodeID         string `cbor:"4,keyasint"`
	ServerTime     int64  `cbor:"5,keyasint"`
	PingIntervalMS int64  `cbor:"6,keyasint"`
	PongTimeoutMS  int64  `cbor:"7,keyasint"`
}

// GroupEventKind 群成员事件类型
type GroupEventKind uint8

const (
	GroupCreate GroupEventKind = iota + 1
	GroupJoin
	GroupLeave
)

// GroupEvent 成员变更事件；作为普通消息写入群频道日志，
// 所有成员按同一顺序观察到成员集的演进。
type GroupEvent struct {
	Kind    GroupEventKind `cbor:"1,keyasint"`
	GroupID uint64         `cbor:"2,keyasint"`
	Account uint64         `cbor:"3,keyasint"`
	Actor   uint64         `cbor:"4,keyasint"`
	Version uint64         `cbor:"5,keyasint"` // 事件在群频道里的seq即版本号
}

// ReshardNotice 分片表变更广播（集群内部，走NATS）
type ReshardNotice struct {
	Version int64    `cbor:"1,keyasint"`
	Nodes   []string `cbor:"2,keyasint"`
}

func EncodePayload(v any) ([]byte, error) { return cbor.Marshal(v) }

func DecodePayload(data []byte, v any) error { return cbor.Unmarshal(data, v) }
