package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/infersession/internal/wire"
)

// Conn moves whole envelopes over one physical connection. ReadEnvelope is
// called from a single reader goroutine and WriteEnvelope from a single
// writer goroutine; Close may be called from anywhere.
type Conn interface {
	ReadEnvelope() (wire.Envelope, error)
	WriteEnvelope(wire.Envelope) error
	Close() error
	RemoteAddr() string
}

type streamConn struct {
	conn     net.Conn
	reader   *bufio.Reader
	maxFrame int
}

// NewStreamConn frames envelopes over a byte stream such as a unix or tcp
// socket.
func NewStreamConn(conn net.Conn, maxFrame int) Conn {
	return &streamConn{conn: conn, reader: bufio.NewReader(conn), maxFrame: maxFrame}
}

func (c *streamConn) ReadEnvelope() (wire.Envelope, error) {
	return wire.ReadFrame(c.reader, c.maxFrame)
}

func (c *streamConn) WriteEnvelope(env wire.Envelope) error {
	return wire.WriteFrame(c.conn, env, c.maxFrame)
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}

func (c *streamConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

const wsCloseGrace = time.Second

type wsConn struct {
	conn      *websocket.Conn
	maxFrame  int
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn carries one length-prefixed record per binary websocket
// message.
func NewWebSocketConn(conn *websocket.Conn, maxFrame int) Conn {
	if maxFrame <= 0 {
		maxFrame = wire.DefaultMaxFrame
	}
	conn.SetReadLimit(int64(maxFrame) + 4)
	return &wsConn{conn: conn, maxFrame: maxFrame}
}

func (c *wsConn) ReadEnvelope() (wire.Envelope, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return wire.Envelope{}, wire.ErrFrameTooLarge
		}
		return wire.Envelope{}, err
	}
	if msgType != websocket.BinaryMessage {
		return wire.Envelope{}, fmt.Errorf("%w: websocket message type %d", wire.ErrInvalidFrame, msgType)
	}
	return wire.ReadFrame(bytes.NewReader(data), c.maxFrame)
}

func (c *wsConn) WriteEnvelope(env wire.Envelope) error {
	frame, err := env.MarshalFrame(c.maxFrame)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *wsConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Pipe returns two connected in-memory ends.
func Pipe(maxFrame int) (Conn, Conn) {
	a, b := net.Pipe()
	return NewStreamConn(a, maxFrame), NewStreamConn(b, maxFrame)
}
