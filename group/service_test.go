package group

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oh0123/prim/protocol"
	"github.com/oh0123/prim/repo"
	"github.com/oh0123/prim/tools/errs"
	"github.com/oh0123/prim/tools/ids"
)

func TestCreateEmitsEvent(t *testing.T) {
	s := NewService(repo.NewMemory(), 0)
	ctx := context.Background()

	groupID, ev, err := s.Create(ctx, 101)
	require.NoError(t, err)
	assert.True(t, ids.IsGroup(groupID))

	require.NotNil(t, ev)
	assert.Equal(t, protocol.TypeGroupEvent, ev.Head.Typ)
	assert.Equal(t, uint64(101), ev.Head.Sender)
	assert.Equal(t, groupID, ev.Head.Receiver)

	var ge protocol.GroupEvent
	require.NoError(t, protocol.DecodePayload(ev.Payload, &ge))
	assert.Equal(t, protocol.GroupCreate, ge.Kind)
	assert.Equal(t, uint64(101), ge.Account)

	members, err := s.Members(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, []uint64{101}, members)
}

func TestJoinAndLeave(t *testing.T) {
	s := NewService(repo.NewMemory(), 0)
	ctx := context.Background()
	groupID, _, err := s.Create(ctx, 101)
	require.NoError(t, err)

	ev, err := s.Join(ctx, groupID, 102, 102)
	require.NoError(t, err)
	var ge protocol.GroupEvent
	require.NoError(t, protocol.DecodePayload(ev.Payload, &ge))
	assert.Equal(t, protocol.GroupJoin, ge.Kind)
	assert.Equal(t, uint64(102), ge.Account)

	members, err := s.Members(ctx, groupID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	ev, err = s.Leave(ctx, groupID, 102, 102)
	require.NoError(t, err)
	require.NoError(t, protocol.DecodePayload(ev.Payload, &ge))
	assert.Equal(t, protocol.GroupLeave, ge.Kind)

	members, err = s.Members(ctx, groupID)
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestJoinUnknownGroup(t *testing.T) {
	s := NewService(repo.NewMemory(), 0)
	_, err := s.Join(context.Background(), ids.GroupIDThreshold|5, 102, 102)
	assert.True(t, errs.ErrRecordNotFound.Is(err))
}

func TestJoinCapEnforced(t *testing.T) {
	s := NewService(repo.NewMemory(), 2)
	ctx := context.Background()
	groupID, _, err := s.Create(ctx, 101)
	require.NoError(t, err)

	_, err = s.Join(ctx, groupID, 102, 102)
	require.NoError(t, err)
	_, err = s.Join(ctx, groupID, 103, 103)
	assert.True(t, errs.ErrGroupFull.Is(err))
}
