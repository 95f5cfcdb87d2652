package overlay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	quicALPN             = "ziti-edge"
	quicHandshakeTimeout = 10 * time.Second
	quicIdleTimeout      = 60 * time.Second
	quicKeepAlive        = 15 * time.Second
)

// DialHeader is the first line written on a QUIC stream. It binds the
// stream to a network session.
type DialHeader struct {
	SessionID string `json:"sessionId"`
	ServiceID string `json:"serviceId"`
	Token     string `json:"token"`
}

// QUICConn is one bidirectional stream on its own QUIC connection.
type QUICConn struct {
	conn   *quic.Conn
	stream *quic.Stream

	closeOnce sync.Once
	closeErr  error
}

func quicConfig(handshakeTimeout time.Duration) *quic.Config {
	if handshakeTimeout <= 0 {
		handshakeTimeout = quicHandshakeTimeout
	}
	return &quic.Config{
		HandshakeIdleTimeout: handshakeTimeout,
		MaxIdleTimeout:       quicIdleTimeout,
		KeepAlivePeriod:      quicKeepAlive,
	}
}

func dialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, handshakeTimeout time.Duration, hdr DialHeader) (*QUICConn, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig(handshakeTimeout))
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	line, err := json.Marshal(hdr)
	if err != nil {
		_ = conn.CloseWithError(0, "encode dial header failed")
		return nil, err
	}
	if _, err := stream.Write(append(line, '\n')); err != nil {
		_ = conn.CloseWithError(0, "write dial header failed")
		return nil, fmt.Errorf("write dial header: %w", err)
	}
	return &QUICConn{conn: conn, stream: stream}, nil
}

func (c *QUICConn) Read(p []byte) (int, error) {
	return c.stream.Read(p)
}

func (c *QUICConn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

// Close closes the stream and its connection. It is safe to call more than
// once.
func (c *QUICConn) Close() error {
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		streamErr := c.stream.Close()
		connErr := c.conn.CloseWithError(0, "closed")
		if streamErr != nil {
			c.closeErr = streamErr
			return
		}
		c.closeErr = connErr
	})
	return c.closeErr
}
