package abode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// GetAutomations returns the account's CUE automations. A 404 from the
// automations endpoint is treated as an account with zero automations.
func (c *Client) GetAutomations(ctx context.Context) ([]*Automation, error) {
	c.devicesMu.RLock()
	loaded := len(c.automations) > 0
	c.devicesMu.RUnlock()

	if !loaded {
		if err := c.RefreshAutomations(ctx); err != nil {
			return nil, err
		}
	}

	c.devicesMu.RLock()
	defer c.devicesMu.RUnlock()
	out := make([]*Automation, 0, len(c.automations))
	for _, automation := range c.automations {
		out = append(out, automation)
	}
	return out, nil
}

// RefreshAutomations re-fetches all automations, updating existing
// objects in place.
func (c *Client) RefreshAutomations(ctx context.Context) error {
	body, err := c.SendRequest(ctx, http.MethodGet, automationsPath, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			c.logger.Info("Automations endpoint unavailable, assuming zero automations")
			return nil
		}
		return fmt.Errorf("failed to fetch automations: %w", err)
	}

	var docs []Automation
	if err := json.Unmarshal(body, &docs); err != nil {
		return fmt.Errorf("failed to parse automations response: %w", err)
	}

	c.devicesMu.Lock()
	for i := range docs {
		doc := &docs[i]
		if existing, ok := c.automations[doc.ID.String()]; ok {
			existing.Name = doc.Name
			existing.Enabled = doc.Enabled
		} else {
			c.automations[doc.ID.String()] = doc
		}
	}
	c.devicesMu.Unlock()

	return nil
}

// GetAutomation returns a single automation by id, or nil when unknown.
func (c *Client) GetAutomation(automationID string) *Automation {
	c.devicesMu.RLock()
	defer c.devicesMu.RUnlock()
	return c.automations[automationID]
}

// EnableAutomation turns an automation on or off.
func (c *Client) EnableAutomation(ctx context.Context, automationID string, enabled bool) error {
	path := fmt.Sprintf("%s/%s", automationsPath, automationID)
	body := map[string]bool{"enabled": enabled}
	if _, err := c.SendRequest(ctx, http.MethodPatch, path, body); err != nil {
		return fmt.Errorf("failed to update automation %s: %w", automationID, err)
	}

	c.devicesMu.Lock()
	if automation, ok := c.automations[automationID]; ok {
		automation.Enabled = enabled
	}
	c.devicesMu.Unlock()

	c.logger.Info("Automation updated",
		zap.String("automation_id", automationID),
		zap.Bool("enabled", enabled))
	return nil
}

// TriggerAutomation manually applies an automation.
func (c *Client) TriggerAutomation(ctx context.Context, automationID string) error {
	path := fmt.Sprintf("%s/%s/apply", automationsPath, automationID)
	if _, err := c.SendRequest(ctx, http.MethodPost, path, nil); err != nil {
		return fmt.Errorf("failed to trigger automation %s: %w", automationID, err)
	}
	c.logger.Info("Automation triggered", zap.String("automation_id", automationID))
	return nil
}
