// Package wsconn tracks accepted WebSocket connections and enforces a
// maximum-concurrent cap. It does not deliver messages — each connection
// handler consumes the event bus independently.
package wsconn

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// M is the maximum number of concurrent WebSocket connections.
const M = 10

// CloseMaxConnections is sent when a connection is rejected for capacity.
const CloseMaxConnections = "Maximum connections reached"

// Manager tracks accepted connections, keyed by a generated connection ID.
type Manager struct {
	mu    sync.Mutex
	conns map[uuid.UUID]*websocket.Conn
}

// New creates an empty connection manager.
func New() *Manager {
	return &Manager{conns: make(map[uuid.UUID]*websocket.Conn)}
}

// Accept admits ws if under the concurrent cap, returning its connection ID.
// If the cap is reached, the caller must close ws with code 1008 and reason
// CloseMaxConnections; Accept does not perform the close itself so callers
// can log/annotate first.
func (m *Manager) Accept(ws *websocket.Conn) (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) >= M {
		return uuid.UUID{}, false
	}
	id := uuid.New()
	m.conns[id] = ws
	return id, true
}

// Disconnect removes a connection from tracking. Safe to call more than once.
func (m *Manager) Disconnect(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, id)
}

// Count returns the number of currently tracked connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
