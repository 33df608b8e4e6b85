package protocol

import (
	"encoding/binary"
	"io"

	"github.com/oh0123/prim/tools/errs"
)

// HeadLen 帧头固定37字节：length(2) type(1) sender(8) receiver(8) timestamp(8) seq(8) version(2)
const HeadLen = 37

// DefaultMaxPayload 单帧payload兜底上限；length 字段本身只有16位
const DefaultMaxPayload = 1 << 16

// Codec 编解码器；两种绑定（TCP流、WS二进制消息）共用
type Codec struct {
	MaxPayload int
}

func NewCodec(maxPayload int) Codec {
	if maxPayload <= 0 || maxPayload > DefaultMaxPayload {
		maxPayload = DefaultMaxPayload
	}
	return Codec{MaxPayload: maxPayload}
}

func (h *Head) marshalTo(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], h.Length)
	buf[2] = byte(h.Typ)
	binary.BigEndian.PutUint64(buf[3:11], h.Sender)
	binary.BigEndian.PutUint64(buf[11:19], h.Receiver)
	binary.BigEndian.PutUint64(buf[19:27], h.Timestamp)
	binary.BigEndian.PutUint64(buf[27:35], h.SeqNum)
	binary.BigEndian.PutUint16(buf[35:37], h.Version)
}

func unmarshalHead(buf []byte) Head {
	return Head{
		Length:    binary.BigEndian.Uint16(buf[0:2]),
		Typ:       Type(buf[2]),
		Sender:    binary.BigEndian.Uint64(buf[3:11]),
		Receiver:  binary.BigEndian.Uint64(buf[11:19]),
		Timestamp: binary.BigEndian.Uint64(buf[19:27]),
		SeqNum:    binary.BigEndian.Uint64(buf[27:35]),
		Version:   binary.BigEndian.Uint16(buf[35:37]),
	}
}

// Marshal 编码整帧。payload 超长或类型非法直接报错，编码端不产出坏帧。
// 入参只读：length 在本地副本上算，同一帧可以被多个协程并发编码
// （群扇出对每个远程节点各编一次）。
func (c Codec) Marshal(m *Msg) ([]byte, error) {
	if !m.Head.Typ.Valid() {
		return nil, errs.ErrProtocol.WrapMsg("marshal", "type", uint8(m.Head.Typ))
	}
	if len(m.Payload) > c.MaxPayload {
		return nil, errs.ErrFrameTooLarge.WrapMsg("marshal", "len", len(m.Payload), "max", c.MaxPayload)
	}
	h := m.Head
	h.Length = uint16(len(m.Payload))
	buf := make([]byte, HeadLen+len(m.Payload))
	h.marshalTo(buf)
	copy(buf[HeadLen:], m.Payload)
	return buf, nil
}

// Unmarshal 解码一个完整帧（WS绑定：一条二进制消息恰好一帧）
func (c Codec) Unmarshal(buf []byte) (*Msg, error) {
	if len(buf) < HeadLen {
		return nil, errs.ErrProtocol.WrapMsg("short frame", "len", len(buf))
	}
	h := unmarshalHead(buf)
	if !h.Typ.Valid() {
		return nil, errs.ErrProtocol.WrapMsg("unknown type", "type", uint8(h.Typ))
	}
	if int(h.Length) > c.MaxPayload {
		return nil, errs.ErrFrameTooLarge.WrapMsg("unmarshal", "len", h.Length, "max", c.MaxPayload)
	}
	if len(buf) != HeadLen+int(h.Length) {
		return nil, errs.ErrProtocol.WrapMsg("length mismatch", "declared", h.Length, "got", len(buf)-HeadLen)
	}
	payload := make([]byte, h.Length)
	copy(payload, buf[HeadLen:])
	return &Msg{Head: h, Payload: payload}, nil
}

// ReadMsg 从流读取一帧（TCP绑定）。先凑齐帧头，再按声明长度凑齐payload；
// 凑不齐就一直读，坏头直接报错由上层断连。
func (c Codec) ReadMsg(r io.Reader) (*Msg, error) {
	var hb [HeadLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return nil, err
	}
	h := unmarshalHead(hb[:])
	if !h.Typ.Valid() {
		return nil, errs.ErrProtocol.WrapMsg("unknown type", "type", uint8(h.Typ))
	}
	if int(h.Length) > c.MaxPayload {
		return nil, errs.ErrFrameTooLarge.WrapMsg("read", "len", h.Length, "max", c.MaxPayload)
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return &Msg{Head: h, Payload: payload}, nil
}

// WriteMsg 编码并整帧写出
func (c Codec) WriteMsg(w io.Writer, m *Msg) error {
	buf, err := c.Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
