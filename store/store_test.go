package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oh0123/prim/protocol"
)

func TestChannelKeyUnorderedPair(t *testing.T) {
	a := ChannelKey(10, protocol.Target{ID: 20})
	b := ChannelKey(20, protocol.Target{ID: 10})
	assert.Equal(t, a, b, "两端算出的单聊频道必须一致")
	assert.Equal(t, "d:10-20", a)
}

func TestChannelKeyGroup(t *testing.T) {
	k := ChannelKey(10, protocol.Target{Group: true, ID: 777})
	assert.Equal(t, "g:777", k)
}

func TestParseChannelKey(t *testing.T) {
	ch, err := ParseChannelKey("d:10-20")
	assert.NoError(t, err)
	assert.False(t, ch.Group)
	assert.True(t, ch.Includes(10))
	assert.True(t, ch.Includes(20))
	assert.False(t, ch.Includes(30))

	ch, err = ParseChannelKey("g:777")
	assert.NoError(t, err)
	assert.True(t, ch.Group)
	assert.Equal(t, uint64(777), ch.GroupID)
	assert.False(t, ch.Includes(777)) // 群成员资格不在这层判

	for _, bad := range []string{"", "x:1", "d:20-10", "d:10", "d:a-b", "g:xyz"} {
		_, err := ParseChannelKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestRecordMsgRoundTrip(t *testing.T) {
	m := protocol.NewText(1, 2, "hey")
	m.Head.SeqNum = 7
	m.Head.Timestamp = 123

	rec := FromMsg("d:1-2", m)
	back := rec.ToMsg()
	assert.Equal(t, m.Head, back.Head)
	assert.Equal(t, m.Payload, back.Payload)
}
