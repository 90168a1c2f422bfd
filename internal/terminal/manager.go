// Package terminal provides the WebSocket terminal bridge into session
// containers.
package terminal

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnManager tracks active WebSocket connections per session so they can
// be force-closed when a session is destroyed or swept.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn // session ID -> client ID -> conn
}

// NewConnManager creates a new connection manager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the active connection for a session and client.
func (m *ConnManager) GetActive(sessionID, clientID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conns, ok := m.active[sessionID]; ok {
		return conns[clientID]
	}
	return nil
}

// Register adds a connection for a session/client, replacing a previous one.
func (m *ConnManager) Register(sessionID, clientID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[sessionID]; !exists {
		m.active[sessionID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[sessionID][clientID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}

	m.active[sessionID][clientID] = conn
	slog.Info("Terminal connection registered", "session_id", sessionID, "client_id", clientID)
}

// Unregister removes a connection for a session/client if it is still the
// current one.
func (m *ConnManager) Unregister(sessionID, clientID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.active[sessionID]; ok {
		if current, exists := conns[clientID]; exists && current == conn {
			delete(conns, clientID)
			if len(conns) == 0 {
				delete(m.active, sessionID)
			}
			slog.Info("Terminal connection unregistered", "session_id", sessionID, "client_id", clientID)
		}
	}
}

// CloseSession forcefully terminates all active connections for a session.
func (m *ConnManager) CloseSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.active[sessionID]
	if !ok {
		return
	}

	for clientID, conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		slog.Info("Terminal connection closed", "session_id", sessionID, "client_id", clientID)
	}
	delete(m.active, sessionID)
}
