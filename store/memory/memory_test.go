package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oh0123/prim/store"
)

func rec(ch string, sender, seq uint64, text string) store.Record {
	return store.Record{ChannelID: ch, Typ: 1, Sender: sender, Receiver: 2, SeqNum: seq, Payload: []byte(text)}
}

func TestAppendIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, rec("d:1-2", 1, 1, "hello")))
	require.NoError(t, s.Append(ctx, rec("d:1-2", 1, 1, "hello"))) // 重试不落第二条

	got, err := s.Range(ctx, "d:1-2", 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	last, err := s.LastSeq(ctx, "d:1-2", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, last)
}

func TestRangeArrivalOrderAndAfterSeq(t *testing.T) {
	s := New()
	ctx := context.Background()

	// 两个发送方交错写入，回放保持到达序
	require.NoError(t, s.Append(ctx, rec("d:1-2", 1, 1, "a1")))
	require.NoError(t, s.Append(ctx, rec("d:1-2", 2, 1, "b1")))
	require.NoError(t, s.Append(ctx, rec("d:1-2", 1, 2, "a2")))
	require.NoError(t, s.Append(ctx, rec("d:1-2", 2, 2, "b2")))

	all, err := s.Range(ctx, "d:1-2", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []byte("a1"), all[0].Payload)
	assert.Equal(t, []byte("b1"), all[1].Payload)

	tail, err := s.Range(ctx, "d:1-2", 1, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.EqualValues(t, 2, tail[0].SeqNum)
	assert.EqualValues(t, 2, tail[1].SeqNum)

	limited, err := s.Range(ctx, "d:1-2", 0, 3)
	require.NoError(t, err)
	assert.Len(t, limited, 3)
}

func TestChannelsAreIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, rec("d:1-2", 1, 1, "x")))
	require.NoError(t, s.Append(ctx, rec("g:99", 1, 1, "y")))

	got, err := s.Range(ctx, "g:99", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("y"), got[0].Payload)
}
