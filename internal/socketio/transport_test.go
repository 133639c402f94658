package socketio

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"abodebridge/internal/clock"
)

// mockEventServer is a minimal Socket.IO v3 server for transport tests.
// Each accepted connection runs the configured script on the server side.
type mockEventServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader
	script   func(conn *websocket.Conn)

	mu          sync.Mutex
	connections int
	lastCookie  string
	lastQuery   string
}

func newMockEventServer(t *testing.T, script func(conn *websocket.Conn)) *mockEventServer {
	m := &mockEventServer{t: t, script: script}
	m.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.connections++
		m.lastCookie = r.Header.Get("Cookie")
		m.lastQuery = r.URL.RawQuery
		m.mu.Unlock()

		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		m.script(conn)
	}))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockEventServer) wsURL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/socket.io/"
}

func (m *mockEventServer) connectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connections
}

// serverHandshake performs the open + connect exchange from the server side.
func serverHandshake(conn *websocket.Conn, pingIntervalMS, pingTimeoutMS int) error {
	open, _ := json.Marshal(handshake{SID: "s1", PingInterval: pingIntervalMS, PingTimeout: pingTimeoutMS})
	if err := conn.WriteMessage(websocket.TextMessage, append([]byte("0"), open...)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, []byte("40"))
}

func newTestTransport(t *testing.T, url string, cookie func() string) (*Transport, chan string, chan Status) {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	events := make(chan string, 16)
	statuses := make(chan Status, 16)

	tr := New(Options{
		URL:                url,
		Origin:             "https://my.goabode.com",
		CookieSource:       cookie,
		HandshakeTimeout:   2 * time.Second,
		CookiePollInterval: 10 * time.Millisecond,
		MinBackoff:         20 * time.Millisecond,
		MaxBackoff:         100 * time.Millisecond,
	}, logger, clock.NewReal())

	tr.OnEvent(func(name string, args []json.RawMessage) {
		events <- name
	})
	tr.OnStatus(func(status Status) {
		statuses <- status
	})
	return tr, events, statuses
}

func awaitStatus(t *testing.T, statuses <-chan Status, want Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-statuses:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q", want)
		}
	}
}

func TestTransport_ConnectsAndDeliversEvents(t *testing.T) {
	ready := make(chan struct{})
	server := newMockEventServer(t, func(conn *websocket.Conn) {
		require.NoError(t, serverHandshake(conn, 25000, 60000))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`42["com.goabode.device.update","RF:01"]`))
		<-ready
	})
	defer close(ready)

	tr, events, statuses := newTestTransport(t, server.wsURL(), func() string { return "SESSION=abc123" })
	require.NoError(t, tr.Start())
	defer tr.Stop()

	awaitStatus(t, statuses, StatusConnecting)
	awaitStatus(t, statuses, StatusConnected)
	assert.True(t, tr.Connected())

	select {
	case name := <-events:
		assert.Equal(t, "com.goabode.device.update", name)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	server.mu.Lock()
	cookie, query := server.lastCookie, server.lastQuery
	server.mu.Unlock()
	assert.Equal(t, "SESSION=abc123", cookie)
	assert.Contains(t, query, "EIO=3")
	assert.Contains(t, query, "transport=websocket")
}

func TestTransport_WaitsForCookieBeforeDialing(t *testing.T) {
	block := make(chan struct{})
	server := newMockEventServer(t, func(conn *websocket.Conn) {
		require.NoError(t, serverHandshake(conn, 25000, 60000))
		<-block
	})
	defer close(block)

	var mu sync.Mutex
	cookie := ""
	tr, _, statuses := newTestTransport(t, server.wsURL(), func() string {
		mu.Lock()
		defer mu.Unlock()
		return cookie
	})
	require.NoError(t, tr.Start())
	defer tr.Stop()

	awaitStatus(t, statuses, StatusConnecting)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, server.connectionCount(), "no dial before a session cookie exists")

	mu.Lock()
	cookie = "SESSION=late"
	mu.Unlock()

	awaitStatus(t, statuses, StatusConnected)
	assert.Equal(t, 1, server.connectionCount())
}

func TestTransport_CookieNeverArrives(t *testing.T) {
	server := newMockEventServer(t, func(conn *websocket.Conn) {})

	logger, _ := zap.NewDevelopment()
	statuses := make(chan Status, 16)
	tr := New(Options{
		URL:                server.wsURL(),
		CookieSource:       func() string { return "" },
		HandshakeTimeout:   30 * time.Millisecond,
		CookiePollInterval: 5 * time.Millisecond,
		MinBackoff:         10 * time.Millisecond,
		MaxBackoff:         20 * time.Millisecond,
	}, logger, clock.NewReal())
	tr.OnStatus(func(status Status) { statuses <- status })

	require.NoError(t, tr.Start())
	defer tr.Stop()

	// The handshake gives up within its bound and the loop schedules a
	// retry: connecting, disconnected, connecting again.
	awaitStatus(t, statuses, StatusConnecting)
	awaitStatus(t, statuses, StatusDisconnected)
	awaitStatus(t, statuses, StatusConnecting)

	assert.False(t, tr.Connected())
	assert.Equal(t, 0, server.connectionCount())
}

func TestTransport_RepliesPongToPing(t *testing.T) {
	pong := make(chan []byte, 1)
	block := make(chan struct{})
	server := newMockEventServer(t, func(conn *websocket.Conn) {
		require.NoError(t, serverHandshake(conn, 25000, 60000))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("2"))
		_, raw, err := conn.ReadMessage()
		if err == nil {
			pong <- raw
		}
		<-block
	})
	defer close(block)

	tr, _, statuses := newTestTransport(t, server.wsURL(), func() string { return "SESSION=abc" })
	require.NoError(t, tr.Start())
	defer tr.Stop()

	awaitStatus(t, statuses, StatusConnected)

	select {
	case raw := <-pong:
		assert.Equal(t, "3", string(raw))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pong")
	}
}

func TestTransport_ReconnectsAfterServerDrop(t *testing.T) {
	var mu sync.Mutex
	drops := 0
	hold := make(chan struct{})
	server := newMockEventServer(t, func(conn *websocket.Conn) {
		require.NoError(t, serverHandshake(conn, 25000, 60000))
		mu.Lock()
		drops++
		first := drops == 1
		mu.Unlock()
		if first {
			conn.Close()
			return
		}
		<-hold
	})
	defer close(hold)

	tr, _, statuses := newTestTransport(t, server.wsURL(), func() string { return "SESSION=abc" })
	require.NoError(t, tr.Start())
	defer tr.Stop()

	awaitStatus(t, statuses, StatusConnected)
	awaitStatus(t, statuses, StatusDisconnected)
	awaitStatus(t, statuses, StatusConnected)

	assert.GreaterOrEqual(t, server.connectionCount(), 2)
}

func TestTransport_LivenessWindowTriggersReconnect(t *testing.T) {
	hold := make(chan struct{})
	var mu sync.Mutex
	sessions := 0
	server := newMockEventServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		sessions++
		first := sessions == 1
		mu.Unlock()

		// Tiny liveness window on the first session, then silence: the
		// client must tear the connection down itself.
		if first {
			require.NoError(t, serverHandshake(conn, 20, 10))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
		require.NoError(t, serverHandshake(conn, 25000, 60000))
		<-hold
	})
	defer close(hold)

	tr, _, statuses := newTestTransport(t, server.wsURL(), func() string { return "SESSION=abc" })
	require.NoError(t, tr.Start())
	defer tr.Stop()

	awaitStatus(t, statuses, StatusConnected)
	awaitStatus(t, statuses, StatusDisconnected)
	awaitStatus(t, statuses, StatusConnected)
}

func TestTransport_StopIsCleanAndIdempotent(t *testing.T) {
	block := make(chan struct{})
	server := newMockEventServer(t, func(conn *websocket.Conn) {
		require.NoError(t, serverHandshake(conn, 25000, 60000))
		<-block
	})
	defer close(block)

	tr, _, statuses := newTestTransport(t, server.wsURL(), func() string { return "SESSION=abc" })
	require.NoError(t, tr.Start())
	awaitStatus(t, statuses, StatusConnected)

	tr.Stop()
	tr.Stop()
	assert.False(t, tr.Connected())
}

func TestTransport_DoubleStartRejected(t *testing.T) {
	server := newMockEventServer(t, func(conn *websocket.Conn) {})

	tr, _, _ := newTestTransport(t, server.wsURL(), func() string { return "" })
	require.NoError(t, tr.Start())
	defer tr.Stop()

	assert.Error(t, tr.Start())
}
