package testutil

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"abodebridge/internal/socketio"
	"abodebridge/pkg/bridge"
)

// TestEnv is a complete integration test environment: a mock Abode
// backend plus a bridge logged in against it with the event connection
// running.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv()
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
//
//	env.Server.PushModeChange("away")
type TestEnv struct {
	Server *MockAbodeServer
	Bridge *bridge.Bridge
	Logger *zap.Logger
}

// NewTestEnv starts a mock backend, logs a bridge in against it and opens
// the event connection.
func NewTestEnv() (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	server := NewMockAbodeServer()

	b, err := bridge.New(
		bridge.Config{
			Username: "mock@example.com",
			Password: "mock-password",
			BaseURL:  server.URL(),
		},
		bridge.Options{
			// Fast reconnects keep integration tests snappy.
			Transport: socketio.Options{
				HandshakeTimeout:   2 * time.Second,
				CookiePollInterval: 10 * time.Millisecond,
				MinBackoff:         50 * time.Millisecond,
				MaxBackoff:         200 * time.Millisecond,
			},
		},
		logger,
	)
	if err != nil {
		server.Close()
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Login(ctx); err != nil {
		server.Close()
		return nil, fmt.Errorf("failed to log in: %w", err)
	}

	if err := b.StartEvents(); err != nil {
		server.Close()
		return nil, fmt.Errorf("failed to start events: %w", err)
	}

	env := &TestEnv{
		Server: server,
		Bridge: b,
		Logger: logger,
	}
	if err := env.waitConnected(10 * time.Second); err != nil {
		env.Cleanup()
		return nil, err
	}
	return env, nil
}

// waitConnected blocks until the event connection is up.
func (e *TestEnv) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.Bridge.Events.Connected() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("event connection did not come up within %s", timeout)
}

// WaitReconnected blocks until the event connection is up again after a
// drop.
func (e *TestEnv) WaitReconnected(timeout time.Duration) error {
	return e.waitConnected(timeout)
}

// Cleanup stops the bridge and the mock backend.
func (e *TestEnv) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.Bridge.Stop(ctx)
	e.Server.Close()
}

// WebsocketURL returns the mock backend's socket endpoint.
func (e *TestEnv) WebsocketURL() string {
	return strings.Replace(e.Server.URL(), "http", "ws", 1) + bridge.SocketIOPath
}
