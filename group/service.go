// Package group 群与成员集。成员变更本身作为版本化事件写入群频道日志，
// 全体成员按同一顺序观察到成员集的演进；这里只负责成员集与上限校验。
package group

import (
	"context"

	"github.com/oh0123/prim/protocol"
	"github.com/oh0123/prim/repo"
	"github.com/oh0123/prim/tools/errs"
	"github.com/oh0123/prim/tools/ids"
)

// DefaultCap 群成员上限。上限是扇出成本的唯一硬闸：
// N 个在线成员就是 N 次推送。
const DefaultCap = 512

type Service struct {
	repo repo.GroupRepo
	cap  int
}

func NewService(r repo.GroupRepo, memberCap int) *Service {
	if memberCap <= 0 {
		memberCap = DefaultCap
	}
	return &Service{repo: r, cap: memberCap}
}

// Create 建群，返回应写入群频道的创建事件帧
func (s *Service) Create(ctx context.Context, owner uint64) (uint64, *protocol.Msg, error) {
	groupID := ids.NewGroupID()
	if err := s.repo.CreateGroup(ctx, groupID, owner); err != nil {
		return 0, nil, err
	}
	ev, err := eventMsg(protocol.GroupCreate, groupID, owner, owner)
	return groupID, ev, err
}

// Join 入群；满员返回 ErrGroupFull
func (s *Service) Join(ctx context.Context, groupID, account, actor uint64) (*protocol.Msg, error) {
	n, err := s.repo.Size(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errs.ErrRecordNotFound.WrapMsg("group", "id", groupID)
	}
	if n >= s.cap {
		return nil, errs.ErrGroupFull.WrapMsg("join", "group", groupID, "size", n)
	}
	if err := s.repo.AddMember(ctx, groupID, account); err != nil {
		return nil, err
	}
	return eventMsg(protocol.GroupJoin, groupID, account, actor)
}

func (s *Service) Leave(ctx context.Context, groupID, account, actor uint64) (*protocol.Msg, error) {
	if err := s.repo.RemoveMember(ctx, groupID, account); err != nil {
		return nil, err
	}
	return eventMsg(protocol.GroupLeave, groupID, account, actor)
}

// Members 当前成员集，扇出用
func (s *Service) Members(ctx context.Context, groupID uint64) ([]uint64, error) {
	return s.repo.Members(ctx, groupID)
}

// eventMsg 成员事件包成普通帧，由调度器定序后追加到群频道；
// 事件的频道内seq即成员集版本号。
func eventMsg(kind protocol.GroupEventKind, groupID, account, actor uint64) (*protocol.Msg, error) {
	payload, err := protocol.EncodePayload(&protocol.GroupEvent{
		Kind:    kind,
		GroupID: groupID,
		Account: account,
		Actor:   actor,
	})
	if err != nil {
		return nil, err
	}
	return protocol.New(protocol.TypeGroupEvent, actor, groupID, payload), nil
}
