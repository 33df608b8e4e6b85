// Package cluster 集群层：虚拟节点环（放置）与节点间转发（NATS路由）。
package cluster

import (
	"encoding/binary"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes 每物理实例的虚拟节点数。扩缩容时被重映射的账号
// 比例约为 1/虚拟节点数，数值越大迁移越平滑。
const DefaultVirtualNodes = 160

type point struct {
	hash uint64
	node string
}

// Ring 一致性哈希环。读多写少：查询走读锁，变更只发生在显式扩缩容。
type Ring struct {
	mu       sync.RWMutex
	replicas int
	points   []point // 按 hash 升序
	nodes    map[string]struct{}
	version  int64 // 每次变更+1，客户端/网关用来识别过期的分片表
}

func NewRing(replicas int) *Ring {
	if replicas <= 0 {
		replicas = DefaultVirtualNodes
	}
	return &Ring{
		replicas: replicas,
		nodes:    make(map[string]struct{}),
	}
}

func hashPoint(node string, replica int) uint64 {
	return xxhash.Sum64String(node + "#" + strconv.Itoa(replica))
}

func hashAccount(account uint64) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], account)
	return xxhash.Sum64(b[:])
}

func (r *Ring) AddNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[node]; ok {
		return
	}
	r.nodes[node] = struct{}{}
	for i := 0; i < r.replicas; i++ {
		r.points = append(r.points, point{hash: hashPoint(node, i), node: node})
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
	r.version++
}

func (r *Ring) RemoveNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[node]; !ok {
		return
	}
	delete(r.nodes, node)
	kept := r.points[:0]
	for _, p := range r.points {
		if p.node != node {
			kept = append(kept, p)
		}
	}
	r.points = kept
	r.version++
}

// Owner 账号哈希顺时针命中的第一个虚拟节点所属实例
func (r *Ring) Owner(account uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return "", false
	}
	h := hashAccount(account)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if i == len(r.points) {
		i = 0 // 环回绕
	}
	return r.points[i].node, true
}

func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodes))
	for n := range r.nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (r *Ring) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Replace 整表替换（应用收到的扩缩容广播）。版本不新于当前则忽略。
func (r *Ring) Replace(nodes []string, version int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version <= r.version {
		return false
	}
	r.nodes = make(map[string]struct{}, len(nodes))
	r.points = r.points[:0]
	for _, n := range nodes {
		r.nodes[n] = struct{}{}
		for i := 0; i < r.replicas; i++ {
			r.points = append(r.points, point{hash: hashPoint(n, i), node: n})
		}
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
	r.version = version
	return true
}
