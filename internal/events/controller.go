// Package events fans Abode push events out to registered callbacks. The
// transport's reader goroutine never invokes callbacks directly: frames
// are handed to a single dispatcher goroutine, which invokes callbacks in
// registration order, each isolated by recover and a bounded timeout.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"abodebridge/internal/abode"
	"abodebridge/internal/clock"
	"abodebridge/internal/socketio"
)

// Callback receives a parsed timeline event for a subscribed group or
// event code.
type Callback func(event abode.TimelineEvent)

// DeviceCallback receives the id of a device whose state changed.
type DeviceCallback func(deviceID string)

// StatusCallback receives event-connection status transitions.
type StatusCallback func(connected bool)

// Refresher re-fetches device state before device callbacks run, so
// subscribers observe the post-event state. The HTTP client implements it.
type Refresher interface {
	RefreshDevice(ctx context.Context, deviceID string) error
	RefreshAll(ctx context.Context) error
}

// Transport is the connection the controller consumes events from.
type Transport interface {
	Start() error
	Stop()
	OnEvent(socketio.EventHandler)
	OnStatus(socketio.StatusHandler)
	Connected() bool
}

// Subscription is the handle returned by every Add*Callback. Unsubscribe
// is idempotent: removing a callback that is already gone is a no-op.
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	once   sync.Once
	remove func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.remove)
}

// Options tunes the controller.
type Options struct {
	// CallbackTimeout bounds each callback invocation so a hung
	// subscriber cannot stall event processing. Default 10s.
	CallbackTimeout time.Duration

	// RefreshTimeout bounds the device refresh performed before device
	// callbacks run. Default 30s.
	RefreshTimeout time.Duration

	// QueueSize is the dispatch queue depth. Events beyond it are
	// dropped rather than blocking the transport. Default 64.
	QueueSize int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.CallbackTimeout <= 0 {
		out.CallbackTimeout = 10 * time.Second
	}
	if out.RefreshTimeout <= 0 {
		out.RefreshTimeout = 30 * time.Second
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 64
	}
	return out
}

type eventEntry struct {
	id int
	fn Callback
}

type deviceEntry struct {
	id int
	fn DeviceCallback
}

// Controller owns the event connection lifecycle and the callback
// registries.
type Controller struct {
	opts      Options
	logger    *zap.Logger
	clk       clock.Clock
	transport Transport
	refresher Refresher

	// mu guards the registries and status below. Mutations come from
	// subscriber goroutines; dispatch takes defensive copies under the
	// same lock before invoking anything.
	mu                sync.Mutex
	nextID            int
	eventCallbacks    map[Group][]eventEntry
	timelineCallbacks map[string][]eventEntry
	deviceCallbacks   map[string][]deviceEntry
	statusCallbacks   map[string]StatusCallback
	statusOrder       []string
	status            socketio.Status
	running           bool

	dispatchCh chan func()
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewController creates a Controller consuming events from transport.
// refresher may be nil, in which case device callbacks fire without a
// preceding state refresh.
func NewController(transport Transport, refresher Refresher, opts Options, logger *zap.Logger, clk clock.Clock) *Controller {
	return &Controller{
		opts:              opts.withDefaults(),
		logger:            logger,
		clk:               clk,
		transport:         transport,
		refresher:         refresher,
		eventCallbacks:    make(map[Group][]eventEntry),
		timelineCallbacks: make(map[string][]eventEntry),
		deviceCallbacks:   make(map[string][]deviceEntry),
		statusCallbacks:   make(map[string]StatusCallback),
		status:            socketio.StatusDisconnected,
	}
}

// Start wires the transport handlers, launches the dispatcher and opens
// the event connection.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.dispatchCh = make(chan func(), c.opts.QueueSize)
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	c.transport.OnEvent(c.handleEvent)
	c.transport.OnStatus(c.handleStatus)

	go c.dispatchLoop(c.dispatchCh, c.stopCh, c.doneCh)

	if err := c.transport.Start(); err != nil {
		c.shutdownDispatcher()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}
	return nil
}

// Stop closes the event connection and drains the dispatcher.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.transport.Stop()
	c.shutdownDispatcher()
}

func (c *Controller) shutdownDispatcher() {
	close(c.stopCh)
	<-c.doneCh
}

// Status returns the current connection state.
func (c *Controller) Status() socketio.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether the event connection is up.
func (c *Controller) Connected() bool {
	return c.Status() == socketio.StatusConnected
}

// AddEventCallback subscribes cb to a named event group. Dispatch order
// follows registration order.
func (c *Controller) AddEventCallback(group Group, cb Callback) (Subscription, error) {
	if !ValidGroup(group) {
		return nil, ErrInvalidEventGroup
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.eventCallbacks[group] = append(c.eventCallbacks[group], eventEntry{id: id, fn: cb})
	c.mu.Unlock()

	c.logger.Debug("Subscribed to event group", zap.String("group", string(group)))

	return &subscription{remove: func() {
		c.mu.Lock()
		c.eventCallbacks[group] = removeEventEntry(c.eventCallbacks[group], id)
		c.mu.Unlock()
	}}, nil
}

// AddTimelineCallback subscribes cb to a specific timeline event code, or
// to every code with AllTimelineCodes.
func (c *Controller) AddTimelineCallback(eventCode string, cb Callback) (Subscription, error) {
	if eventCode == "" {
		return nil, ErrInvalidEventGroup
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.timelineCallbacks[eventCode] = append(c.timelineCallbacks[eventCode], eventEntry{id: id, fn: cb})
	c.mu.Unlock()

	return &subscription{remove: func() {
		c.mu.Lock()
		c.timelineCallbacks[eventCode] = removeEventEntry(c.timelineCallbacks[eventCode], id)
		c.mu.Unlock()
	}}, nil
}

// AddDeviceCallback subscribes cb to state changes of one device.
func (c *Controller) AddDeviceCallback(deviceID string, cb DeviceCallback) (Subscription, error) {
	if deviceID == "" {
		return nil, ErrInvalidEventGroup
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.deviceCallbacks[deviceID] = append(c.deviceCallbacks[deviceID], deviceEntry{id: id, fn: cb})
	c.mu.Unlock()

	c.logger.Debug("Subscribed to device updates", zap.String("device_id", deviceID))

	return &subscription{remove: func() {
		c.mu.Lock()
		entries := c.deviceCallbacks[deviceID]
		for i, entry := range entries {
			if entry.id == id {
				c.deviceCallbacks[deviceID] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	}}, nil
}

// RemoveDeviceCallbacks unsubscribes every callback for a device. Unknown
// devices are a no-op.
func (c *Controller) RemoveDeviceCallbacks(deviceID string) {
	c.mu.Lock()
	delete(c.deviceCallbacks, deviceID)
	c.mu.Unlock()
}

// AddConnectionStatusCallback registers a status subscriber under a
// caller-chosen unique id.
func (c *Controller) AddConnectionStatusCallback(uniqueID string, cb StatusCallback) {
	if uniqueID == "" {
		return
	}
	c.mu.Lock()
	if _, exists := c.statusCallbacks[uniqueID]; !exists {
		c.statusOrder = append(c.statusOrder, uniqueID)
	}
	c.statusCallbacks[uniqueID] = cb
	c.mu.Unlock()
}

// RemoveConnectionStatusCallback unregisters a status subscriber. Unknown
// ids are a no-op.
func (c *Controller) RemoveConnectionStatusCallback(uniqueID string) {
	c.mu.Lock()
	if _, exists := c.statusCallbacks[uniqueID]; exists {
		delete(c.statusCallbacks, uniqueID)
		for i, id := range c.statusOrder {
			if id == uniqueID {
				c.statusOrder = append(c.statusOrder[:i], c.statusOrder[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
}

func removeEventEntry(entries []eventEntry, id int) []eventEntry {
	for i, entry := range entries {
		if entry.id == id {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

// handleEvent runs on the transport's reader goroutine. It parses just
// enough to build a dispatch job and enqueues it without blocking.
func (c *Controller) handleEvent(name string, args []json.RawMessage) {
	switch name {
	case eventDeviceUpdate:
		deviceID, ok := firstString(args)
		if !ok {
			c.logger.Warn("Device update without device id")
			return
		}
		c.enqueue(func() { c.dispatchDeviceUpdate(deviceID) })

	case eventGatewayMode:
		mode, ok := firstString(args)
		if !ok {
			c.logger.Warn("Mode change without mode")
			return
		}
		c.enqueue(func() { c.dispatchModeChange(mode) })

	case eventGatewayTimeline:
		event, ok := firstTimelineEvent(args)
		if !ok {
			c.logger.Warn("Malformed timeline event")
			return
		}
		c.enqueue(func() { c.dispatchTimeline(event) })

	case eventAutomation:
		event, ok := firstTimelineEvent(args)
		if !ok {
			c.logger.Warn("Malformed automation event")
			return
		}
		c.enqueue(func() { c.dispatchGroup(GroupAutomationEdit, event) })

	default:
		c.logger.Debug("Ignoring unhandled event", zap.String("event", name))
	}
}

// handleStatus runs on the transport goroutine.
func (c *Controller) handleStatus(status socketio.Status) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	c.logger.Debug("Event connection status", zap.String("status", string(status)))

	connected := status == socketio.StatusConnected
	if status == socketio.StatusConnecting {
		return
	}

	if connected && c.refresher != nil {
		// Push events may have been missed while disconnected.
		c.enqueue(func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.RefreshTimeout)
			defer cancel()
			if err := c.refresher.RefreshAll(ctx); err != nil {
				c.logger.Warn("Refresh after reconnect failed", zap.Error(err))
			}
		})
	}

	c.enqueue(func() { c.dispatchStatus(connected) })
}

// enqueue hands a job to the dispatcher without ever blocking the
// transport goroutine. When the queue is full the event is dropped and
// logged; subscribers recover on the next poll or reconnect refresh.
func (c *Controller) enqueue(job func()) {
	c.mu.Lock()
	running := c.running
	ch := c.dispatchCh
	c.mu.Unlock()
	if !running {
		return
	}

	select {
	case ch <- job:
	default:
		c.logger.Warn("Dispatch queue full, dropping event")
	}
}

func (c *Controller) dispatchLoop(jobs <-chan func(), stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		case job := <-jobs:
			job()
		}
	}
}

func (c *Controller) dispatchDeviceUpdate(deviceID string) {
	if c.refresher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RefreshTimeout)
		if err := c.refresher.RefreshDevice(ctx, deviceID); err != nil {
			c.logger.Warn("Device refresh failed",
				zap.String("device_id", deviceID),
				zap.Error(err))
		}
		cancel()
	}

	c.mu.Lock()
	entries := append([]deviceEntry(nil), c.deviceCallbacks[deviceID]...)
	c.mu.Unlock()

	for _, entry := range entries {
		fn := entry.fn
		c.invoke("device callback", func() { fn(deviceID) })
	}
}

func (c *Controller) dispatchModeChange(mode string) {
	event := abode.TimelineEvent{
		EventType: "panel_mode",
		EventName: mode,
	}
	c.dispatchGroup(GroupModeChange, event)

	// The panel is a device too; its subscribers get the mode change.
	c.mu.Lock()
	entries := append([]deviceEntry(nil), c.deviceCallbacks["area_1"]...)
	c.mu.Unlock()
	for _, entry := range entries {
		fn := entry.fn
		c.invoke("device callback", func() { fn("area_1") })
	}
}

func (c *Controller) dispatchTimeline(event abode.TimelineEvent) {
	group := GroupForCode(event.EventCode)

	c.mu.Lock()
	entries := append([]eventEntry(nil), c.eventCallbacks[group]...)
	entries = append(entries, c.timelineCallbacks[event.EventCode]...)
	entries = append(entries, c.timelineCallbacks[AllTimelineCodes]...)
	c.mu.Unlock()

	c.logger.Debug("Dispatching timeline event",
		zap.String("event_code", event.EventCode),
		zap.String("group", string(group)),
		zap.Int("subscribers", len(entries)))

	for _, entry := range entries {
		fn := entry.fn
		c.invoke("event callback", func() { fn(event) })
	}
}

func (c *Controller) dispatchGroup(group Group, event abode.TimelineEvent) {
	c.mu.Lock()
	entries := append([]eventEntry(nil), c.eventCallbacks[group]...)
	c.mu.Unlock()

	for _, entry := range entries {
		fn := entry.fn
		c.invoke("event callback", func() { fn(event) })
	}
}

func (c *Controller) dispatchStatus(connected bool) {
	c.mu.Lock()
	callbacks := make([]StatusCallback, 0, len(c.statusOrder))
	for _, id := range c.statusOrder {
		callbacks = append(callbacks, c.statusCallbacks[id])
	}
	c.mu.Unlock()

	for _, cb := range callbacks {
		fn := cb
		c.invoke("status callback", func() { fn(connected) })
	}
}

// invoke runs one callback isolated from the rest: a panic is logged and
// swallowed, and a callback that exceeds the timeout stops being waited
// on so it cannot stall subsequent events.
func (c *Controller) invoke(label string, fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Callback panicked",
					zap.String("kind", label),
					zap.Any("panic", r))
			}
		}()
		fn()
	}()

	select {
	case <-done:
	case <-c.clk.After(c.opts.CallbackTimeout):
		c.logger.Error("Callback timed out",
			zap.String("kind", label),
			zap.Duration("timeout", c.opts.CallbackTimeout))
	}
}

func firstString(args []json.RawMessage) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(args[0], &s); err == nil && s != "" {
		return s, true
	}
	// Some events wrap the value in a single-element array.
	var list []string
	if err := json.Unmarshal(args[0], &list); err == nil && len(list) > 0 && list[0] != "" {
		return list[0], true
	}
	return "", false
}

func firstTimelineEvent(args []json.RawMessage) (abode.TimelineEvent, bool) {
	var event abode.TimelineEvent
	if len(args) == 0 {
		return event, false
	}
	if err := json.Unmarshal(args[0], &event); err == nil && (event.EventCode != "" || event.EventType != "") {
		return event, true
	}
	var list []abode.TimelineEvent
	if err := json.Unmarshal(args[0], &list); err == nil && len(list) > 0 {
		return list[0], true
	}
	return event, false
}
