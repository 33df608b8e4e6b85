// Package repo 账号与群成员的持久仓库。业务API和群扇出共用。
package repo

import (
	"context"
	"time"
)

// Account 账号ID创建后不再变更；Credential 存 bcrypt 哈希
type Account struct {
	ID         uint64
	Nickname   string
	Credential string
	CreatedAt  time.Time
}

type AccountRepo interface {
	Create(ctx context.Context, a Account) error
	Get(ctx context.Context, id uint64) (Account, error)
	UpdateNickname(ctx context.Context, id uint64, nickname string) error
}

type GroupRepo interface {
	CreateGroup(ctx context.Context, groupID, owner uint64) error
	AddMember(ctx context.Context, groupID, account uint64) error
	RemoveMember(ctx context.Context, groupID, account uint64) error
	Members(ctx context.Context, groupID uint64) ([]uint64, error)
	Size(ctx context.Context, groupID uint64) (int, error)
}
