package cluster

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingOwnerStable(t *testing.T) {
	r := NewRing(0)
	r.AddNode("gw1")
	r.AddNode("gw2")
	r.AddNode("gw3")

	owner, ok := r.Owner(12345)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		got, _ := r.Owner(12345)
		assert.Equal(t, owner, got, "同一账号必须稳定命中同一实例")
	}
}

func TestRingEmpty(t *testing.T) {
	r := NewRing(0)
	_, ok := r.Owner(1)
	assert.False(t, ok)
}

// 虚拟节点的意义：摘掉一个实例，只有接近 1/N 的账号换归属
func TestRingBoundedRemapping(t *testing.T) {
	r := NewRing(160)
	nodes := []string{"gw1", "gw2", "gw3", "gw4"}
	for _, n := range nodes {
		r.AddNode(n)
	}

	const accounts = 4000
	before := make(map[uint64]string, accounts)
	for i := uint64(0); i < accounts; i++ {
		owner, ok := r.Owner(i)
		require.True(t, ok)
		before[i] = owner
	}

	r.RemoveNode("gw4")
	moved := 0
	for i := uint64(0); i < accounts; i++ {
		owner, ok := r.Owner(i)
		require.True(t, ok)
		assert.NotEqual(t, "gw4", owner)
		if owner != before[i] && before[i] != "gw4" {
			moved++
		}
	}
	// 没落在 gw4 上的账号不应该动
	assert.Zero(t, moved, "摘除实例只迁移其名下账号")
}

func TestRingDistribution(t *testing.T) {
	r := NewRing(160)
	for i := 1; i <= 4; i++ {
		r.AddNode(fmt.Sprintf("gw%d", i))
	}

	counts := make(map[string]int)
	const accounts = 8000
	for i := uint64(0); i < accounts; i++ {
		owner, _ := r.Owner(i)
		counts[owner]++
	}
	for node, c := range counts {
		assert.Greater(t, c, accounts/8, "node %s starved: %d", node, c)
	}
}

func TestRingVersionAndReplace(t *testing.T) {
	r := NewRing(0)
	r.AddNode("gw1")
	v1 := r.Version()
	r.AddNode("gw2")
	require.Greater(t, r.Version(), v1)

	// 旧版本的广播被拒绝
	assert.False(t, r.Replace([]string{"gw9"}, r.Version()))
	// 新版本生效
	require.True(t, r.Replace([]string{"gw9"}, r.Version()+10))
	assert.Equal(t, []string{"gw9"}, r.Nodes())

	owner, ok := r.Owner(42)
	require.True(t, ok)
	assert.Equal(t, "gw9", owner)
}
