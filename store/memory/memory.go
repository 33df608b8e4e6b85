// Package memory 内存版频道/消息存储。单测与单机模式使用，
// 语义与持久实现完全一致（幂等追加、到达序回放）。
package memory

import (
	"context"
	"sync"

	"github.com/oh0123/prim/store"
)

type Store struct {
	mu   sync.RWMutex
	logs map[string][]store.Record          // channelID -> 到达序日志
	seen map[string]map[senderSeq]struct{}  // 幂等索引
	last map[string]map[uint64]uint64       // channelID -> sender -> maxSeq
}

type senderSeq struct {
	sender uint64
	seq    uint64
}

func New() *Store {
	return &Store{
		logs: make(map[string][]store.Record),
		seen: make(map[string]map[senderSeq]struct{}),
		last: make(map[string]map[uint64]uint64),
	}
}

func (s *Store) Append(_ context.Context, rec store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := senderSeq{rec.Sender, rec.SeqNum}
	if _, dup := s.seen[rec.ChannelID][key]; dup {
		return nil // 重复提交，保持幂等
	}
	if s.seen[rec.ChannelID] == nil {
		s.seen[rec.ChannelID] = make(map[senderSeq]struct{})
	}
	s.seen[rec.ChannelID][key] = struct{}{}
	s.logs[rec.ChannelID] = append(s.logs[rec.ChannelID], rec)

	if s.last[rec.ChannelID] == nil {
		s.last[rec.ChannelID] = make(map[uint64]uint64)
	}
	if rec.SeqNum > s.last[rec.ChannelID][rec.Sender] {
		s.last[rec.ChannelID][rec.Sender] = rec.SeqNum
	}
	return nil
}

func (s *Store) Range(_ context.Context, channelID string, afterSeq uint64, limit int) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Record
	for _, rec := range s.logs[channelID] {
		if rec.SeqNum <= afterSeq {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) LastSeq(_ context.Context, channelID string, sender uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last[channelID][sender], nil
}

// Save/History：内存实现里消息存储与频道日志合一
func (s *Store) Save(ctx context.Context, rec store.Record) error { return s.Append(ctx, rec) }

func (s *Store) History(ctx context.Context, channelID string, afterSeq uint64, limit int) ([]store.Record, error) {
	return s.Range(ctx, channelID, afterSeq, limit)
}
