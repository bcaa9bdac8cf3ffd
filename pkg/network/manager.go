package network

import (
	"log/slog"
	"net"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// ConnectionManager tracks every live connection so shutdown can tear
// them all down. Internally synchronized; safe from any goroutine.
type ConnectionManager struct {
	conns cmap.ConcurrentMap[string, *Connection]
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{conns: cmap.New[*Connection]()}
}

// CreateConnection wraps an accepted socket in a Connection and registers
// it.
func (m *ConnectionManager) CreateConnection(sock net.Conn, sp *ServicePort) *Connection {
	c := newConnection(sock, sp)
	m.conns.Set(c.id, c)
	slog.Debug("connection created", "conn", c.id, "total", m.conns.Count())
	return c
}

// ReleaseConnection unregisters a connection. Safe to call repeatedly.
func (m *ConnectionManager) ReleaseConnection(c *Connection) {
	m.conns.Remove(c.id)
}

// Size returns the number of registered connections.
func (m *ConnectionManager) Size() int {
	return m.conns.Count()
}

// CloseAll forcibly shuts down the socket of every registered connection
// and clears the registry. In-flight completions observe the close as a
// read or write error and finish their own teardown.
func (m *ConnectionManager) CloseAll() {
	for item := range m.conns.IterBuffered() {
		c := item.Val
		if c.sockClosed.Load() {
			continue
		}
		if err := c.sock.Close(); err != nil && !isExpectedClose(err) {
			slog.Error("failed to shut down connection", "err", err, "conn", c.id)
		}
	}
	m.conns.Clear()
}
