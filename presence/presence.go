// Package presence 在线状态：心跳驱动，超时即离线，与socket是否断开无关。
// 记录里带归属节点，集群路由据此找到连接落在哪个实例上。
package presence

import (
	"context"
	"time"
)

// Entry 单个会话的在线记录
type Entry struct {
	Account   uint64
	SessionID string
	NodeID    string
	LastBeat  time.Time
}

// Tracker 在线状态追踪。同一账号允许多会话（多端）；
// Owner 返回最近一次心跳会话的归属节点。
type Tracker interface {
	Online(ctx context.Context, account uint64, sessionID, nodeID string) error
	Heartbeat(ctx context.Context, account uint64, sessionID string) error
	Offline(ctx context.Context, account uint64, sessionID string) error
	// Owner 账号当前归属节点；离线时 ok=false
	Owner(ctx context.Context, account uint64) (node string, ok bool, err error)
	// Sessions 账号当前未超时的会话ID
	Sessions(ctx context.Context, account uint64) ([]string, error)
}
