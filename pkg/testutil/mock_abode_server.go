// Package testutil provides a mock Abode backend for integration tests:
// the REST API surface the client talks to plus a Socket.IO v3 websocket
// endpoint that tests can push events through.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
)

var upgrader = websocketUpgrader()

// MockAbodeServer simulates the Abode cloud: session login, device and
// panel endpoints, and the push event socket. All mutators are safe for
// concurrent use with the serving goroutines.
type MockAbodeServer struct {
	server *httptest.Server

	mu          sync.Mutex
	devices     map[string]map[string]any
	panelMode   string
	automations []map[string]any
	timeline    []map[string]any
	cmsSettings map[string]any
	loginCount  int
	modeWrites  []string
	failLogins  bool

	connsMu sync.Mutex
	conns   []*eventConn
}

// NewMockAbodeServer starts a mock backend. Callers must Close it.
func NewMockAbodeServer() *MockAbodeServer {
	m := &MockAbodeServer{
		devices:   map[string]map[string]any{},
		panelMode: "standby",
		cmsSettings: map[string]any{
			"monitoringActive":            true,
			"testModeActive":              false,
			"sendMedia":                   true,
			"dispatchWithoutVerification": false,
			"dispatchPolice":              true,
			"dispatchFire":                true,
			"dispatchMedical":             false,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth2/login", m.handleLogin)
	mux.HandleFunc("/api/auth2/claims", m.handleClaims)
	mux.HandleFunc("/api/v1/logout", m.handleLogout)
	mux.HandleFunc("/api/v1/devices", m.handleDevices)
	mux.HandleFunc("/api/v1/panel", m.handlePanel)
	mux.HandleFunc("/api/v1/panel/mode/", m.handleSetMode)
	mux.HandleFunc("/integrations/v1/automations", m.handleAutomations)
	mux.HandleFunc("/api/v1/timeline", m.handleTimeline)
	mux.HandleFunc("/integrations/v1/cms/settings", m.handleCMSSettings)
	mux.HandleFunc("/integrations/v1/panel", m.handleSecurityPanel)
	mux.HandleFunc("/socket.io/", m.handleSocket)

	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the mock backend's base URL.
func (m *MockAbodeServer) URL() string {
	return m.server.URL
}

// Close shuts down the server and every open event connection.
func (m *MockAbodeServer) Close() {
	m.connsMu.Lock()
	for _, conn := range m.conns {
		conn.close()
	}
	m.conns = nil
	m.connsMu.Unlock()
	m.server.Close()
}

// SetDevice adds or replaces a device document served by /api/v1/devices.
func (m *MockAbodeServer) SetDevice(id string, doc map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc["id"] = id
	m.devices[id] = doc
}

// SetPanelMode changes the mode served by the panel endpoint.
func (m *MockAbodeServer) SetPanelMode(mode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panelMode = mode
}

// SetAutomations replaces the automations list.
func (m *MockAbodeServer) SetAutomations(automations []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.automations = automations
}

// SetTimeline replaces the timeline events list.
func (m *MockAbodeServer) SetTimeline(events []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeline = events
}

// FailLogins makes the login endpoint reject credentials.
func (m *MockAbodeServer) FailLogins(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLogins = fail
}

// LoginCount reports how many logins were served.
func (m *MockAbodeServer) LoginCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginCount
}

// ModeWrites returns the panel mode writes received, in order.
func (m *MockAbodeServer) ModeWrites() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.modeWrites...)
}

// EventConnections reports how many socket connections are currently open.
func (m *MockAbodeServer) EventConnections() int {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	return len(m.conns)
}

// PushDeviceUpdate broadcasts a device update event to every connection.
func (m *MockAbodeServer) PushDeviceUpdate(deviceID string) {
	m.broadcast("com.goabode.device.update", deviceID)
}

// PushModeChange broadcasts a gateway mode change.
func (m *MockAbodeServer) PushModeChange(mode string) {
	m.broadcast("com.goabode.gateway.mode", mode)
}

// PushTimelineEvent broadcasts a timeline event.
func (m *MockAbodeServer) PushTimelineEvent(event map[string]any) {
	m.broadcast("com.goabode.gateway.timeline", event)
}

// DropConnections closes every open event connection, simulating a
// server-side disconnect.
func (m *MockAbodeServer) DropConnections() {
	m.connsMu.Lock()
	conns := append([]*eventConn(nil), m.conns...)
	m.connsMu.Unlock()
	for _, conn := range conns {
		conn.close()
	}
}

func (m *MockAbodeServer) broadcast(name string, arg any) {
	payload, err := json.Marshal([]any{name, arg})
	if err != nil {
		return
	}
	frame := append([]byte("42"), payload...)

	m.connsMu.Lock()
	conns := append([]*eventConn(nil), m.conns...)
	m.connsMu.Unlock()
	for _, conn := range conns {
		conn.write(frame)
	}
}

func (m *MockAbodeServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.loginCount++
	fail := m.failLogins
	mode := m.panelMode
	m.mu.Unlock()

	if fail {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]any{
			"errorCode": 401, "message": "invalid credentials",
		})
		return
	}

	http.SetCookie(w, &http.Cookie{Name: "SESSION", Value: "mock-session", Path: "/"})
	writeJSONStatus(w, http.StatusOK, map[string]any{
		"token": "mock-token",
		"panel": map[string]any{
			"version": "mock-1.0",
			"online":  "1",
			"mode":    map[string]string{"area_1": mode},
		},
		"user": map[string]string{"id": "u1", "email": "mock@example.com"},
	})
}

func (m *MockAbodeServer) handleClaims(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, http.StatusOK, map[string]string{"access_token": "mock-bearer"})
}

func (m *MockAbodeServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (m *MockAbodeServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	docs := make([]map[string]any, 0, len(m.devices))
	for _, doc := range m.devices {
		docs = append(docs, doc)
	}
	m.mu.Unlock()
	writeJSONStatus(w, http.StatusOK, docs)
}

func (m *MockAbodeServer) handlePanel(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	mode := m.panelMode
	m.mu.Unlock()
	writeJSONStatus(w, http.StatusOK, map[string]any{
		"version": "mock-1.0",
		"online":  "1",
		"mode":    map[string]string{"area_1": mode},
	})
}

func (m *MockAbodeServer) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var area, mode string
	if _, err := fmt.Sscanf(r.URL.Path, "/api/v1/panel/mode/%1s/%s", &area, &mode); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"message": "bad mode path"})
		return
	}

	m.mu.Lock()
	m.panelMode = mode
	m.modeWrites = append(m.modeWrites, mode)
	m.mu.Unlock()

	writeJSONStatus(w, http.StatusOK, map[string]string{"area": area, "mode": mode})
}

func (m *MockAbodeServer) handleAutomations(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	automations := m.automations
	m.mu.Unlock()
	if automations == nil {
		writeJSONStatus(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	writeJSONStatus(w, http.StatusOK, automations)
}

func (m *MockAbodeServer) handleTimeline(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	timeline := m.timeline
	m.mu.Unlock()
	writeJSONStatus(w, http.StatusOK, timeline)
}

func (m *MockAbodeServer) handleCMSSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		m.mu.Lock()
		settings := make(map[string]any, len(m.cmsSettings))
		for k, v := range m.cmsSettings {
			settings[k] = v
		}
		m.mu.Unlock()
		writeJSONStatus(w, http.StatusOK, settings)

	case http.MethodPost:
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONStatus(w, http.StatusBadRequest, map[string]string{"message": "bad body"})
			return
		}
		m.mu.Lock()
		for k, v := range body {
			m.cmsSettings[k] = v
		}
		m.mu.Unlock()
		writeJSONStatus(w, http.StatusOK, body)

	default:
		writeJSONStatus(w, http.StatusMethodNotAllowed, map[string]string{"message": "method not allowed"})
	}
}

func (m *MockAbodeServer) handleSecurityPanel(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	settings := make(map[string]any, len(m.cmsSettings))
	for k, v := range m.cmsSettings {
		settings[k] = v
	}
	m.mu.Unlock()
	writeJSONStatus(w, http.StatusOK, map[string]any{
		"attributes": map[string]any{"cms": settings},
	})
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
