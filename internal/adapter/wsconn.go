package adapter

import "github.com/gorilla/websocket"

// WSConn adapts a *websocket.Conn to the io.Closer the Runtime holds,
// adding the Ping hook the shared keepalive loop looks for. Every
// protocol's DialWS returns one of these.
type WSConn struct {
	Conn *websocket.Conn
}

func (c *WSConn) Close() error {
	return c.Conn.Close()
}

// Ping sends a WebSocket-level ping frame; satisfies the optional
// interface{ Ping() error } the Runtime's keepalive loop looks for.
func (c *WSConn) Ping() error {
	return c.Conn.WriteMessage(websocket.PingMessage, nil)
}
