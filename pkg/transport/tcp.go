package transport

import (
	"bufio"
	"fmt"
	"net"

	"github.com/panrelay/pannode/internal/pool"
	"github.com/panrelay/pannode/pkg/protocol"
)

// tcpConn frames a net.Conn (plain TCP or TLS — both satisfy net.Conn)
// as newline-delimited JSON: one frame per line. This is a pragmatic
// framing choice for "one JSON object per frame" (spec.md §1 does not
// mandate a specific delimiter or length-prefix scheme).
type tcpConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

// NewTCP wraps conn (TCP or TLS) as a frame Conn.
func NewTCP(conn net.Conn) Conn {
	return &tcpConn{conn: conn, reader: bufio.NewReaderSize(conn, pool.FrameBufSize)}
}

func (c *tcpConn) ReadFrame() ([]byte, error) {
	bufp := pool.GetFrame()
	defer pool.PutFrame(bufp)
	buf := (*bufp)[:0]

	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == '\n' {
			break
		}
		if len(buf) >= protocol.MaxFrameSize {
			// Drain the rest of the oversized line so the connection
			// doesn't desync on the next read.
			if _, discardErr := c.reader.ReadString('\n'); discardErr != nil {
				return nil, fmt.Errorf("%w: %v", protocol.ErrFrameTooLarge, discardErr)
			}
			return nil, protocol.ErrFrameTooLarge
		}
		buf = append(buf, b)
	}

	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

func (c *tcpConn) WriteFrame(raw []byte) error {
	if len(raw) > protocol.MaxFrameSize {
		return protocol.ErrFrameTooLarge
	}
	if _, err := c.conn.Write(raw); err != nil {
		return err
	}
	_, err := c.conn.Write([]byte{'\n'})
	return err
}

func (c *tcpConn) Close() error         { return c.conn.Close() }
func (c *tcpConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
