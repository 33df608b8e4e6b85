// Package notify 离线投递事件的外发：消息已为离线接收方落库后，
// 发一条事件给通知模块（推送/角标）。不在投递关键路径上，失败只记日志。
package notify

import "context"

// Event 离线落库事件
type Event struct {
	Receiver  uint64 `json:"receiver"`
	Sender    uint64 `json:"sender"`
	ChannelID string `json:"channel_id"`
	SeqNum    uint64 `json:"seq_num"`
	Typ       uint8  `json:"typ"`
	Timestamp uint64 `json:"timestamp"`
}

type Publisher interface {
	OfflineStored(ctx context.Context, ev Event) error
}

// Noop 单机/测试用
type Noop struct{}

func (Noop) OfflineStored(context.Context, Event) error { return nil }
