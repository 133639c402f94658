// Package socketio maintains the persistent Socket.IO connection carrying
// Abode push events. It owns the cookie-gated Engine.IO handshake, ping
// liveness, and the reconnect-with-backoff loop; decoded events are handed
// to a single handler and never processed here.
package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"abodebridge/internal/clock"
)

// Status is the connection state reported to the status handler.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// ErrHandshakeTimeout indicates the session cookie never became available
// within the handshake bound. The reconnect loop retries; this error is
// never surfaced to callers directly.
var ErrHandshakeTimeout = errors.New("handshake timed out waiting for session cookie")

var errStopped = errors.New("transport stopped")

// EventHandler receives every decoded Socket.IO event. It runs on the
// transport's reader goroutine and must not block.
type EventHandler func(name string, args []json.RawMessage)

// StatusHandler receives connection status transitions.
type StatusHandler func(status Status)

// Options configures a Transport.
type Options struct {
	// URL is the websocket endpoint, e.g. wss://host/socket.io/.
	URL string

	// Origin is sent on the handshake request.
	Origin string

	// CookieSource returns the current session Cookie header value, or
	// "" while no session exists. Polled before each handshake.
	CookieSource func() string

	// HandshakeTimeout bounds the wait for the session cookie. The
	// session can be slow to establish, so the default is generous: 15s.
	HandshakeTimeout time.Duration

	// CookiePollInterval is how often CookieSource is re-checked.
	// Default 500ms.
	CookiePollInterval time.Duration

	// MinBackoff/MaxBackoff bound the reconnect delay. Defaults 5s/30s.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 15 * time.Second
	}
	if out.CookiePollInterval <= 0 {
		out.CookiePollInterval = 500 * time.Millisecond
	}
	if out.MinBackoff <= 0 {
		out.MinBackoff = 5 * time.Second
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 30 * time.Second
	}
	return out
}

// Transport drives the persistent event connection on its own goroutine.
type Transport struct {
	opts   Options
	logger *zap.Logger
	clk    clock.Clock

	onEvent  EventHandler
	onStatus StatusHandler

	mu         sync.Mutex
	conn       *websocket.Conn
	running    bool
	connected  bool
	lastPacket time.Time
	stopCh     chan struct{}
	doneCh     chan struct{}

	writeMu sync.Mutex
}

// New creates a Transport. Handlers must be registered before Start.
func New(opts Options, logger *zap.Logger, clk clock.Clock) *Transport {
	return &Transport{
		opts:   opts.withDefaults(),
		logger: logger,
		clk:    clk,
	}
}

// OnEvent registers the event handler.
func (t *Transport) OnEvent(handler EventHandler) {
	t.onEvent = handler
}

// OnStatus registers the status handler.
func (t *Transport) OnStatus(handler StatusHandler) {
	t.onStatus = handler
}

// Start launches the connection loop. It returns an error if the
// transport is already running.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("transport already running")
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})

	go t.run(t.stopCh, t.doneCh)
	return nil
}

// Stop terminates the connection loop and blocks until it has exited.
// Stopping a transport that is not running is a no-op.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	if t.conn != nil {
		t.conn.Close()
	}
	done := t.doneCh
	t.mu.Unlock()

	<-done
}

// Connected reports whether the event connection is currently up.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// LastPacket returns when the last frame (pings included) arrived.
func (t *Transport) LastPacket() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastPacket
}

// run reconnects until stopped, backing off exponentially between
// attempts and resetting the backoff after a session that connected.
func (t *Transport) run(stopCh chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	backoff := t.opts.MinBackoff
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		connected, err := t.connectAndServe(stopCh)
		t.setConnected(false)
		t.notifyStatus(StatusDisconnected)

		if errors.Is(err, errStopped) {
			return
		}
		select {
		case <-stopCh:
			return
		default:
		}

		if connected {
			backoff = t.opts.MinBackoff
		}
		if err != nil {
			t.logger.Warn("Event connection lost",
				zap.Duration("retry_in", backoff),
				zap.Error(err))
		}

		select {
		case <-stopCh:
			return
		case <-t.clk.After(backoff):
		}
		backoff *= 2
		if backoff > t.opts.MaxBackoff {
			backoff = t.opts.MaxBackoff
		}
	}
}

// connectAndServe performs one full connection: cookie wait, handshake,
// then the read loop until the connection fails or the transport stops.
// It reports whether the session reached the connected state.
func (t *Transport) connectAndServe(stopCh chan struct{}) (bool, error) {
	t.notifyStatus(StatusConnecting)

	cookie, err := t.waitForCookie(stopCh)
	if err != nil {
		return false, err
	}

	header := http.Header{}
	header.Set("Cookie", cookie)
	if t.opts.Origin != "" {
		header.Set("Origin", t.opts.Origin)
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.opts.HandshakeTimeout}
	conn, _, err := dialer.Dial(t.opts.URL+"?EIO=3&transport=websocket", header)
	if err != nil {
		return false, fmt.Errorf("websocket dial failed: %w", err)
	}

	t.mu.Lock()
	select {
	case <-stopCh:
		t.mu.Unlock()
		conn.Close()
		return false, errStopped
	default:
	}
	t.conn = conn
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		conn.Close()
	}()

	hs, err := t.readOpen(conn)
	if err != nil {
		return false, err
	}

	pingInterval := time.Duration(hs.PingInterval) * time.Millisecond
	pingTimeout := time.Duration(hs.PingTimeout) * time.Millisecond
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	if pingTimeout <= 0 {
		pingTimeout = 60 * time.Second
	}

	t.setConnected(true)
	t.notifyStatus(StatusConnected)
	t.logger.Info("Event connection established",
		zap.String("sid", hs.SID),
		zap.Duration("ping_interval", pingInterval))

	// Liveness: ping on the advertised interval and tear the connection
	// down proactively when nothing has arrived within the window,
	// rather than waiting for TCP to notice.
	connDone := make(chan struct{})
	defer close(connDone)
	go t.keepAlive(conn, connDone, stopCh, pingInterval, pingTimeout)

	return true, t.readLoop(conn)
}

// waitForCookie polls the cookie source until a session cookie exists,
// bounded by the handshake timeout.
func (t *Transport) waitForCookie(stopCh chan struct{}) (string, error) {
	deadline := t.clk.Now().Add(t.opts.HandshakeTimeout)
	for {
		if cookie := t.opts.CookieSource(); cookie != "" {
			return cookie, nil
		}
		if !t.clk.Now().Before(deadline) {
			return "", ErrHandshakeTimeout
		}
		select {
		case <-stopCh:
			return "", errStopped
		case <-t.clk.After(t.opts.CookiePollInterval):
		}
	}
}

// readOpen consumes frames until the Engine.IO open and Socket.IO connect
// packets have both arrived, returning the handshake parameters.
func (t *Transport) readOpen(conn *websocket.Conn) (handshake, error) {
	var hs handshake
	opened := false

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return hs, fmt.Errorf("handshake read failed: %w", err)
		}
		p, err := decodePacket(raw)
		if err != nil {
			return hs, fmt.Errorf("handshake frame invalid: %w", err)
		}

		switch p.Type {
		case packetOpen:
			if err := json.Unmarshal(p.Data, &hs); err != nil {
				return hs, fmt.Errorf("malformed open packet: %w", err)
			}
			opened = true
		case packetMessage:
			if p.Subtype == messageConnect && opened {
				return hs, nil
			}
			if p.Subtype == messageError {
				return hs, fmt.Errorf("server refused connection: %s", p.Data)
			}
		case packetNoop:
		default:
			return hs, fmt.Errorf("unexpected frame %q during handshake", p.Type)
		}
	}
}

// keepAlive sends pings and enforces the liveness window for one
// connection. Closing the connection unblocks the read loop.
func (t *Transport) keepAlive(conn *websocket.Conn, connDone, stopCh chan struct{}, pingInterval, pingTimeout time.Duration) {
	for {
		select {
		case <-connDone:
			return
		case <-stopCh:
			return
		case <-t.clk.After(pingInterval):
		}

		if silence := t.clk.Since(t.LastPacket()); silence > pingInterval+pingTimeout {
			t.logger.Warn("No packets within liveness window, reconnecting",
				zap.Duration("silence", silence))
			conn.Close()
			return
		}

		if err := t.write(conn, pingFrame); err != nil {
			t.logger.Debug("Ping write failed", zap.Error(err))
			return
		}
	}
}

// readLoop receives frames until the connection drops.
func (t *Transport) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		t.touch()

		p, err := decodePacket(raw)
		if err != nil {
			t.logger.Debug("Dropping undecodable frame", zap.Error(err))
			continue
		}

		switch p.Type {
		case packetPing:
			if err := t.write(conn, pongFrame); err != nil {
				return fmt.Errorf("pong write failed: %w", err)
			}
		case packetPong, packetNoop:
		case packetClose:
			return fmt.Errorf("server closed the connection")
		case packetMessage:
			t.handleMessage(p)
		}
	}
}

func (t *Transport) handleMessage(p packet) {
	if p.Subtype != messageEvent {
		return
	}
	name, args, err := decodeEvent(p.Data)
	if err != nil {
		t.logger.Warn("Dropping malformed event", zap.Error(err))
		return
	}
	if t.onEvent != nil {
		t.onEvent(name, args)
	}
}

func (t *Transport) write(conn *websocket.Conn, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *Transport) setConnected(connected bool) {
	t.mu.Lock()
	t.connected = connected
	if connected {
		t.lastPacket = t.clk.Now()
	}
	t.mu.Unlock()
}

func (t *Transport) touch() {
	t.mu.Lock()
	t.lastPacket = t.clk.Now()
	t.mu.Unlock()
}

func (t *Transport) notifyStatus(status Status) {
	if t.onStatus != nil {
		t.onStatus(status)
	}
}
