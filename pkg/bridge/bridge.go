// Package bridge wires the Abode HTTP client, settings cache, socket
// transport and event controller into one object, and re-exports the core
// types for external consumers of this module.
package bridge

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"abodebridge/internal/abode"
	"abodebridge/internal/clock"
	"abodebridge/internal/events"
	"abodebridge/internal/socketio"
)

// Re-exported core types.
type (
	// Config holds construction-time client settings.
	Config = abode.Config
	// Device is one Abode device.
	Device = abode.Device
	// Alarm is the panel's armable device.
	Alarm = abode.Alarm
	// Automation is a CUE automation.
	Automation = abode.Automation
	// TimelineEvent is one recorded security event.
	TimelineEvent = abode.TimelineEvent
	// Group names a push-event category.
	Group = events.Group
	// Callback receives timeline events for a subscribed group.
	Callback = events.Callback
	// DeviceCallback receives device-update notifications.
	DeviceCallback = events.DeviceCallback
	// StatusCallback receives event-connection status changes.
	StatusCallback = events.StatusCallback
	// Subscription is the idempotent unsubscribe handle.
	Subscription = events.Subscription
)

// Re-exported event groups.
const (
	GroupAlarm          = events.GroupAlarm
	GroupAlarmEnd       = events.GroupAlarmEnd
	GroupPanelFault     = events.GroupPanelFault
	GroupPanelRestore   = events.GroupPanelRestore
	GroupAutomation     = events.GroupAutomation
	GroupAutomationEdit = events.GroupAutomationEdit
	GroupDisarm         = events.GroupDisarm
	GroupArm            = events.GroupArm
	GroupArmFault       = events.GroupArmFault
	GroupTest           = events.GroupTest
	GroupCapture        = events.GroupCapture
	GroupDevice         = events.GroupDevice
	GroupModeChange     = events.GroupModeChange
)

// Re-exported sentinel errors.
var (
	ErrAuthentication    = abode.ErrAuthentication
	ErrMFARequired       = abode.ErrMFARequired
	ErrInvalidAlarmMode  = abode.ErrInvalidAlarmMode
	ErrInvalidEventGroup = events.ErrInvalidEventGroup
	ErrHandshakeTimeout  = socketio.ErrHandshakeTimeout
)

// SocketIOPath is appended to the account's base URL for the event
// connection.
const SocketIOPath = "/socket.io/"

// Options tunes the event side of the bridge.
type Options struct {
	// SocketURL overrides the derived websocket endpoint, mainly for tests.
	SocketURL string

	// Handshake and controller tuning; zero values use the defaults.
	Transport  socketio.Options
	Controller events.Options
}

// Bridge is one Abode account: an authenticated API client plus its
// real-time event controller.
type Bridge struct {
	Client *abode.Client
	Events *events.Controller

	logger *zap.Logger
}

// New constructs a Bridge. Nothing touches the network until Login or
// StartEvents is called.
func New(cfg Config, opts Options, logger *zap.Logger) (*Bridge, error) {
	clk := clock.NewReal()

	client, err := abode.NewClient(cfg, logger, clk)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	socketURL := opts.SocketURL
	if socketURL == "" {
		base := cfg.BaseURL
		if base == "" {
			base = abode.DefaultBaseURL
		}
		socketURL = strings.Replace(base, "http", "ws", 1) + SocketIOPath
	}

	transportOpts := opts.Transport
	transportOpts.URL = socketURL
	transportOpts.Origin = cfg.BaseURL
	transportOpts.CookieSource = client.SessionCookies

	transport := socketio.New(transportOpts, logger, clk)
	controller := events.NewController(transport, client, opts.Controller, logger, clk)

	return &Bridge{
		Client: client,
		Events: controller,
		logger: logger,
	}, nil
}

// Login authenticates the client.
func (b *Bridge) Login(ctx context.Context) error {
	return b.Client.Login(ctx, "")
}

// StartEvents opens the real-time event connection.
func (b *Bridge) StartEvents() error {
	return b.Events.Start()
}

// Stop closes the event connection and logs out.
func (b *Bridge) Stop(ctx context.Context) {
	b.Events.Stop()
	if err := b.Client.Logout(ctx); err != nil {
		b.logger.Warn("Logout failed during shutdown", zap.Error(err))
	}
}
