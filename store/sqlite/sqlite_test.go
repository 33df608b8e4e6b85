package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oh0123/prim/store"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "prim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteAppendAndRange(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	recs := []store.Record{
		{ChannelID: "d:1-2", Typ: 1, Sender: 1, Receiver: 2, SeqNum: 1, Timestamp: 100, Payload: []byte("hello")},
		{ChannelID: "d:1-2", Typ: 1, Sender: 2, Receiver: 1, SeqNum: 1, Timestamp: 101, Payload: []byte("hi")},
		{ChannelID: "d:1-2", Typ: 1, Sender: 1, Receiver: 2, SeqNum: 2, Timestamp: 102, Payload: []byte("again")},
	}
	for _, r := range recs {
		require.NoError(t, s.Append(ctx, r))
	}
	// 重复提交同一 (sender,seq)：幂等
	require.NoError(t, s.Append(ctx, recs[0]))

	all, err := s.Range(ctx, "d:1-2", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []byte("hello"), all[0].Payload)
	assert.Equal(t, []byte("again"), all[2].Payload)

	last, err := s.LastSeq(ctx, "d:1-2", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, last)

	none, err := s.LastSeq(ctx, "d:9-9", 9)
	require.NoError(t, err)
	assert.Zero(t, none)
}
