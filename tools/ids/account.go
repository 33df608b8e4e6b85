package ids

import (
	"crypto/rand"
	"encoding/binary"
)

// 账号ID为一次性分配的随机数，落在 [AccountFloor, GroupIDThreshold) 区间；
// 大于等于 GroupIDThreshold 的标识一律视为群ID，路由层据此区分目标类型。
const (
	AccountFloor     uint64 = (1 << 33) + 1
	GroupIDThreshold uint64 = 1 << 46
)

// NewAccountID 随机账号ID；调用方负责查重后落库
func NewAccountID() uint64 {
	span := GroupIDThreshold - AccountFloor
	var b [8]byte
	_, _ = rand.Read(b[:])
	return AccountFloor + binary.BigEndian.Uint64(b[:])%span
}

// NewGroupID 群ID：阈值之上叠加雪花ID的低位，保证全局唯一
func NewGroupID() uint64 {
	return GroupIDThreshold | uint64(Generate())&(GroupIDThreshold-1)
}

// IsGroup 判断标识是否为群
func IsGroup(id uint64) bool { return id >= GroupIDThreshold }
