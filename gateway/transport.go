package gateway

import (
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oh0123/prim/protocol"
)

// Conn 承载一条客户端连接，TCP与WebSocket走同一套帧语义：
// 一次 ReadMsg/WriteMsg 就是一个完整的37字节头+payload帧。
type Conn interface {
	ReadMsg() (*protocol.Msg, error)
	WriteMsg(m *protocol.Msg, deadline time.Duration) error
	RemoteAddr() net.Addr
	// SetReadDeadline 读超时；握手宽限期与心跳超时都靠它
	SetReadDeadline(t time.Time) error
	Close() error
}

// ===== TCP =====

type tcpConn struct {
	raw   net.Conn
	codec protocol.Codec
}

func NewTCPConn(raw net.Conn, codec protocol.Codec) Conn {
	return &tcpConn{raw: raw, codec: codec}
}

func (c *tcpConn) ReadMsg() (*protocol.Msg, error) {
	return c.codec.ReadMsg(c.raw)
}

func (c *tcpConn) WriteMsg(m *protocol.Msg, deadline time.Duration) error {
	if deadline > 0 {
		if err := c.raw.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
			return err
		}
	}
	return c.codec.WriteMsg(c.raw, m)
}

func (c *tcpConn) RemoteAddr() net.Addr              { return c.raw.RemoteAddr() }
func (c *tcpConn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }
func (c *tcpConn) Close() error                      { return c.raw.Close() }

// ===== WebSocket =====

// wsConn 每个二进制message承载一个完整帧
type wsConn struct {
	ws    *websocket.Conn
	codec protocol.Codec
}

func NewWSConn(ws *websocket.Conn, codec protocol.Codec) Conn {
	return &wsConn{ws: ws, codec: codec}
}

func (c *wsConn) ReadMsg() (*protocol.Msg, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return c.codec.Unmarshal(data)
	}
}

func (c *wsConn) WriteMsg(m *protocol.Msg, deadline time.Duration) error {
	data, err := c.codec.Marshal(m)
	if err != nil {
		return err
	}
	if deadline > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) RemoteAddr() net.Addr              { return c.ws.RemoteAddr() }
func (c *wsConn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }
func (c *wsConn) Close() error                      { return c.ws.Close() }
