package transport

import (
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/panrelay/pannode/pkg/protocol"
)

// wsConn frames a gorilla/websocket connection: one text message per
// frame. SetReadLimit enforces the size cap at the library level instead
// of the manual byte-counting tcpConn needs for its delimiter-based
// framing.
type wsConn struct {
	conn *websocket.Conn
}

// NewWebSocket wraps conn as a frame Conn, giving browser-hosted agents
// a transport option without changing anything above this interface.
func NewWebSocket(conn *websocket.Conn) Conn {
	conn.SetReadLimit(protocol.MaxFrameSize)
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if errors.Is(err, websocket.ErrReadLimit) {
		return nil, protocol.ErrFrameTooLarge
	}
	if err != nil {
		return nil, err
	}
	if len(data) > protocol.MaxFrameSize {
		return nil, protocol.ErrFrameTooLarge
	}
	return data, nil
}

func (c *wsConn) WriteFrame(raw []byte) error {
	if len(raw) > protocol.MaxFrameSize {
		return protocol.ErrFrameTooLarge
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *wsConn) Close() error         { return c.conn.Close() }
func (c *wsConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketHandler upgrades every incoming HTTP request to a WebSocket
// and hands the resulting frame Conn to handle, on its own goroutine, so
// browser-hosted agents can reach a listener speaking plain HTTP.
func WebSocketHandler(handle func(Conn)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go handle(NewWebSocket(conn))
	})
}
