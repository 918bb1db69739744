package gwtypes

import "time"

// ConnectionKind is the immutable protocol tag of a Connection. An HTTP
// connection that upgrades to WebSocket does not change Kind in place —
// it is replaced by a fresh Connection record (see httpconn.Upgrader).
type ConnectionKind string

const (
	KindHTTP      ConnectionKind = "http"
	KindWebSocket ConnectionKind = "websocket"
)

// Connection is the registry-visible identity of one accepted socket.
type Connection struct {
	ID         string
	Client     Address
	Server     Address
	Scheme     string
	Kind       ConnectionKind
	CreatedAt  time.Time
	Disconnected time.Time // zero until disconnect
}

// IsDisconnected reports whether Disconnected has been set.
func (c *Connection) IsDisconnected() bool {
	return !c.Disconnected.IsZero()
}
