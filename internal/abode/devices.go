package abode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// GetDevices returns all known devices, fetching from the API when the
// registry is empty. Registry objects are refreshed in place under the
// lock; callers get snapshot copies they may read without it.
func (c *Client) GetDevices(ctx context.Context) ([]*Device, error) {
	c.devicesMu.RLock()
	loaded := len(c.devices) > 0
	c.devicesMu.RUnlock()

	if !loaded {
		if err := c.RefreshDevices(ctx); err != nil {
			return nil, err
		}
	}

	c.devicesMu.RLock()
	defer c.devicesMu.RUnlock()
	out := make([]*Device, 0, len(c.devices))
	for _, device := range c.devices {
		snapshot := *device
		out = append(out, &snapshot)
	}
	return out, nil
}

// RefreshDevices re-fetches all device state and the panel, merging new
// attribute values into existing device objects.
func (c *Client) RefreshDevices(ctx context.Context) error {
	body, err := c.SendRequest(ctx, http.MethodGet, devicesPath, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch devices: %w", err)
	}

	var docs []Device
	if err := json.Unmarshal(body, &docs); err != nil {
		return fmt.Errorf("failed to parse devices response: %w", err)
	}

	now := c.clk.Now()
	c.devicesMu.Lock()
	for i := range docs {
		doc := &docs[i]
		if doc.ID == "" {
			c.logger.Debug("Skipping device without id", zap.String("name", doc.Name))
			continue
		}
		if existing, ok := c.devices[doc.ID]; ok {
			existing.merge(doc, now)
		} else {
			doc.LastUpdated = now
			c.devices[doc.ID] = doc
		}
	}
	c.devicesMu.Unlock()

	// The panel itself is exposed as an armable alarm device.
	return c.refreshAlarm(ctx)
}

// refreshAlarm fetches the panel endpoint and materializes the alarm device.
func (c *Client) refreshAlarm(ctx context.Context) error {
	body, err := c.SendRequest(ctx, http.MethodGet, panelPath, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch panel: %w", err)
	}

	var panel Panel
	if err := json.Unmarshal(body, &panel); err != nil {
		return fmt.Errorf("failed to parse panel response: %w", err)
	}

	c.sessionMu.Lock()
	c.panel = &panel
	c.sessionMu.Unlock()

	now := c.clk.Now()
	c.devicesMu.Lock()
	if c.alarm == nil {
		c.alarm = &Alarm{
			Device: Device{
				ID:          alarmDeviceID("1"),
				Name:        "Abode Alarm",
				Type:        "Alarm",
				TypeTag:     "device_type.alarm",
				GenericType: "alarm",
			},
		}
	}
	c.alarm.Mode = panel.Mode.Area1
	c.alarm.Status = panel.Mode.Area1
	c.alarm.LastUpdated = now
	c.devicesMu.Unlock()

	return nil
}

// RefreshDevice refreshes the full device registry after a push update
// for the given device. The panel pushes deltas without payloads, so a
// full re-fetch is the only way to see the new state.
func (c *Client) RefreshDevice(ctx context.Context, deviceID string) error {
	if err := c.RefreshDevices(ctx); err != nil {
		return err
	}
	if device := c.GetDevice(deviceID); device == nil {
		c.logger.Debug("Push update for unknown device", zap.String("device_id", deviceID))
	}
	return nil
}

// RefreshAll re-fetches devices, panel and automations. Used after the
// event connection (re)connects, when pushes may have been missed.
func (c *Client) RefreshAll(ctx context.Context) error {
	if err := c.RefreshDevices(ctx); err != nil {
		return err
	}
	return c.RefreshAutomations(ctx)
}

// GetDevice returns a snapshot of a device from the registry, or nil
// when unknown. Devices must have been loaded via GetDevices first.
func (c *Client) GetDevice(deviceID string) *Device {
	c.devicesMu.RLock()
	defer c.devicesMu.RUnlock()
	if c.alarm != nil && c.alarm.ID == deviceID {
		snapshot := c.alarm.Device
		return &snapshot
	}
	device, ok := c.devices[deviceID]
	if !ok {
		return nil
	}
	snapshot := *device
	return &snapshot
}

// GetAlarm returns a snapshot of the panel's alarm device, fetching when
// not yet loaded.
func (c *Client) GetAlarm(ctx context.Context) (*Alarm, error) {
	c.devicesMu.RLock()
	loaded := c.alarm != nil
	c.devicesMu.RUnlock()

	if !loaded {
		if err := c.refreshAlarm(ctx); err != nil {
			return nil, err
		}
	}

	c.devicesMu.RLock()
	defer c.devicesMu.RUnlock()
	if c.alarm == nil {
		return nil, nil
	}
	snapshot := *c.alarm
	return &snapshot, nil
}

// SetAlarmMode arms or disarms the panel. Mode must be one of away, home
// or standby.
func (c *Client) SetAlarmMode(ctx context.Context, mode string) error {
	switch mode {
	case ModeAway, ModeHome, ModeStandby:
	default:
		return fmt.Errorf("mode %q: %w", mode, ErrInvalidAlarmMode)
	}

	path := fmt.Sprintf(panelModePath, "1", mode)
	if _, err := c.SendRequest(ctx, http.MethodPut, path, nil); err != nil {
		return fmt.Errorf("failed to set alarm mode %s: %w", mode, err)
	}

	c.devicesMu.Lock()
	if c.alarm != nil {
		c.alarm.Mode = mode
		c.alarm.Status = mode
		c.alarm.LastUpdated = c.clk.Now()
	}
	c.devicesMu.Unlock()

	c.logger.Info("Alarm mode set", zap.String("mode", mode))
	return nil
}

// Arm sets the panel to the configured default arm mode.
func (c *Client) Arm(ctx context.Context) error {
	return c.SetAlarmMode(ctx, c.cfg.DefaultAlarmMode)
}

// Disarm sets the panel to standby.
func (c *Client) Disarm(ctx context.Context) error {
	return c.SetAlarmMode(ctx, ModeStandby)
}

// SetDeviceStatus writes a status value to a device control endpoint.
func (c *Client) SetDeviceStatus(ctx context.Context, deviceID, status string) error {
	if deviceID == "" {
		return fmt.Errorf("device id is required")
	}

	path := fmt.Sprintf("/api/v1/control/%s", deviceID)
	body := map[string]string{"status": status}
	if _, err := c.SendRequest(ctx, http.MethodPut, path, body); err != nil {
		return fmt.Errorf("failed to set status for device %s: %w", deviceID, err)
	}

	now := c.clk.Now()
	c.devicesMu.Lock()
	if device, ok := c.devices[deviceID]; ok {
		device.Status = status
		device.LastUpdated = now
	}
	c.devicesMu.Unlock()

	return nil
}
