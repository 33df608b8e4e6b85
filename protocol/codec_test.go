package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oh0123/prim/tools/errs"
	"github.com/oh0123/prim/tools/ids"
)

func TestCodecRoundTrip(t *testing.T) {
	c := NewCodec(0)
	m := NewText(1234, 4321, "codewithbuff")
	m.Head.Timestamp = 1700000000000
	m.Head.SeqNum = 42

	buf, err := c.Marshal(m)
	require.NoError(t, err)
	require.Len(t, buf, HeadLen+len("codewithbuff"))

	got, err := c.Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, m.Head, got.Head)
	assert.Equal(t, []byte("codewithbuff"), got.Payload)
}

func TestCodecRejectsUnknownType(t *testing.T) {
	c := NewCodec(0)
	m := NewText(1, 2, "x")
	buf, err := c.Marshal(m)
	require.NoError(t, err)

	buf[2] = 0xEE
	_, err = c.Unmarshal(buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrProtocol))

	_, err = c.Marshal(&Msg{Head: Head{Typ: TypeNA}})
	assert.True(t, errors.Is(err, errs.ErrProtocol))
}

func TestCodecRejectsOversizedFrame(t *testing.T) {
	c := NewCodec(16)
	m := NewText(1, 2, "this payload is longer than sixteen bytes")
	_, err := c.Marshal(m)
	require.True(t, errors.Is(err, errs.ErrFrameTooLarge))

	// 解码端同样受限：声明长度越界即拒绝，payload 都不会去读
	big := NewCodec(0)
	buf, err := big.Marshal(m)
	require.NoError(t, err)
	_, err = c.Unmarshal(buf)
	assert.True(t, errors.Is(err, errs.ErrFrameTooLarge))
}

// Marshal 不能写回入参：群扇出会拿同一个 *Msg 并发编码
func TestMarshalLeavesMessageUntouched(t *testing.T) {
	c := NewCodec(0)
	m := NewText(1234, 4321, "shared frame")
	m.Head.SeqNum = 7
	before := m.Head

	done := make(chan []byte, 4)
	for i := 0; i < 4; i++ {
		go func() {
			buf, err := c.Marshal(m)
			require.NoError(t, err)
			done <- buf
		}()
	}
	first := <-done
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, <-done)
	}
	assert.Equal(t, before, m.Head)
	assert.Equal(t, uint16(len("shared frame")), binary.BigEndian.Uint16(first[0:2]))
}

func TestCodecLengthMismatch(t *testing.T) {
	c := NewCodec(0)
	buf, err := c.Marshal(NewText(1, 2, "hello"))
	require.NoError(t, err)

	_, err = c.Unmarshal(buf[:len(buf)-1])
	assert.True(t, errors.Is(err, errs.ErrProtocol))

	_, err = c.Unmarshal(buf[:HeadLen-3])
	assert.True(t, errors.Is(err, errs.ErrProtocol))
}

// 流式读取：帧没到齐不消费，连续两帧各自完整解出
func TestReadMsgFromStream(t *testing.T) {
	c := NewCodec(0)
	var stream bytes.Buffer
	require.NoError(t, c.WriteMsg(&stream, NewText(7, 8, "first")))
	require.NoError(t, c.WriteMsg(&stream, NewHeartbeat(7)))

	// 一次只吐一个字节，ReadMsg 仍要凑齐整帧
	r := iotest(&stream)
	m1, err := c.ReadMsg(r)
	require.NoError(t, err)
	assert.Equal(t, TypeText, m1.Head.Typ)
	assert.Equal(t, []byte("first"), m1.Payload)

	m2, err := c.ReadMsg(r)
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, m2.Head.Typ)
	assert.Empty(t, m2.Payload)

	_, err = c.ReadMsg(r)
	assert.ErrorIs(t, err, io.EOF)
}

type oneByteReader struct{ r io.Reader }

func iotest(r io.Reader) io.Reader { return &oneByteReader{r} }

func (o *oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestTargetOf(t *testing.T) {
	direct := NewText(1, ids.AccountFloor+5, "hi")
	tg := TargetOf(direct)
	assert.False(t, tg.Group)

	group := NewText(1, ids.NewGroupID(), "hi all")
	tg = TargetOf(group)
	assert.True(t, tg.Group)
}

func TestControlPayloadRoundTrip(t *testing.T) {
	req := SyncRequest{ChannelID: "d:1-2", LastKnownSeq: 9, Limit: 100}
	raw, err := EncodePayload(&req)
	require.NoError(t, err)

	var got SyncRequest
	require.NoError(t, DecodePayload(raw, &got))
	assert.Equal(t, req, got)
}
