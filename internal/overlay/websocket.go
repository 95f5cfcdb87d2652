package overlay

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsReadLimit       = 4 * 1024 * 1024
	wsWriteTimeout    = 15 * time.Second
	wsControlQueueCap = 4
	wsDataQueueCap    = 64
)

// WSConn adapts a websocket connection carrying binary frames to a byte
// stream. Writes go through a [WritePump].
type WSConn struct {
	conn *websocket.Conn
	pump *WritePump

	readMu sync.Mutex
	reader io.Reader

	closeOnce sync.Once
	closeErr  error
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	conn.SetReadLimit(wsReadLimit)
	c := &WSConn{
		conn: conn,
		pump: NewWritePump(conn, wsWriteTimeout, wsControlQueueCap, wsDataQueueCap),
	}
	conn.SetPingHandler(func(data string) error {
		err := c.pump.WriteControl(websocket.PongMessage, []byte(data))
		if errors.Is(err, ErrWritePumpClosed) {
			return nil
		}
		return err
	})
	return c
}

// Read returns bytes from consecutive binary messages. Text messages are
// skipped. A normal close from the peer reads as io.EOF.
func (c *WSConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if c.reader == nil {
			mt, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as one binary message.
func (c *WSConn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := c.pump.WriteMessage(websocket.BinaryMessage, append([]byte(nil), p...)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and closes the connection. It is safe to call
// more than once.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.pump.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.pump.Close()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
