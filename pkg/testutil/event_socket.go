package testutil

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

func websocketUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}

// eventConn is one accepted Socket.IO connection. Writes are serialized;
// the read loop only answers pings.
type eventConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (c *eventConn) write(frame []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *eventConn) close() {
	c.once.Do(func() { c.conn.Close() })
}

// handleSocket upgrades an event connection and performs the Engine.IO v3
// handshake. Connections without a session cookie are refused, matching
// the real service's cookie-gated socket.
func (m *MockAbodeServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Cookie") == "" {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if r.URL.Query().Get("EIO") != "3" {
		http.Error(w, "Unsupported protocol", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ec := &eventConn{conn: conn}
	ec.write([]byte(`0{"sid":"mock-sid","pingInterval":25000,"pingTimeout":60000}`))
	ec.write([]byte("40"))

	m.connsMu.Lock()
	m.conns = append(m.conns, ec)
	m.connsMu.Unlock()

	defer func() {
		m.connsMu.Lock()
		for i, existing := range m.conns {
			if existing == ec {
				m.conns = append(m.conns[:i], m.conns[i+1:]...)
				break
			}
		}
		m.connsMu.Unlock()
		ec.close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(raw) > 0 && raw[0] == '2' {
			ec.write([]byte("3"))
		}
	}
}
