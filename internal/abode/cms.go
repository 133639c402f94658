package abode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"abodebridge/internal/settings"
)

// GetCMSSettings returns the panel's CMS configuration through the
// settings cache. Reads within the cache TTL are served from memory.
func (c *Client) GetCMSSettings(ctx context.Context) (map[string]any, error) {
	return c.settings.Get(ctx)
}

// GetCMSSetting returns a single CMS setting. ok is false when the key is
// not present on either endpoint.
func (c *Client) GetCMSSetting(ctx context.Context, key string) (any, bool, error) {
	return c.settings.Lookup(ctx, key)
}

// SetCMSSetting writes one CMS setting and updates the cache so a read
// immediately after the write is never stale.
func (c *Client) SetCMSSetting(ctx context.Context, key string, value bool) error {
	canonical := settings.CanonicalKey(key)

	body, err := c.SendRequest(ctx, http.MethodPost, cmsSettingsPath, map[string]bool{canonical: value})
	if err != nil {
		return fmt.Errorf("failed to set CMS setting %s: %w", canonical, err)
	}

	var updated map[string]any
	if err := json.Unmarshal(body, &updated); err != nil {
		return fmt.Errorf("unexpected CMS settings response: %w", err)
	}

	echoed, ok := updated[canonical]
	if !ok {
		return fmt.Errorf("CMS settings response missing %s", canonical)
	}
	if echoedBool, isBool := echoed.(bool); isBool && echoedBool != value {
		return fmt.Errorf("CMS setting %s write not applied: got %v, want %v", canonical, echoedBool, value)
	}

	// Keep the cache coherent with the write rather than serving the
	// pre-write snapshot until the TTL expires.
	c.settings.Put(canonical, value)

	c.logger.Info("CMS setting updated",
		zap.String("key", canonical),
		zap.Bool("value", value))
	return nil
}

// GetTestMode reports whether the monitoring service is in test mode.
func (c *Client) GetTestMode(ctx context.Context) (bool, error) {
	c.testModeMu.Lock()
	supported := c.testModeSupported
	c.testModeMu.Unlock()
	if !supported {
		return false, nil
	}

	value, ok, err := c.GetCMSSetting(ctx, "testModeActive")
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	active, _ := value.(bool)
	return active, nil
}

// SetTestMode enables or disables monitoring-service test mode. Test mode
// automatically turns off server-side after 30 minutes.
func (c *Client) SetTestMode(ctx context.Context, enabled bool) error {
	if err := c.SetCMSSetting(ctx, "testModeActive", enabled); err != nil {
		return fmt.Errorf("failed to set test mode: %w", err)
	}
	c.logger.Info("Test mode changed", zap.Bool("enabled", enabled))
	return nil
}

// fetchCMSSettings is the cache's primary fetch: the dedicated CMS
// settings endpoint.
func (c *Client) fetchCMSSettings(ctx context.Context) (map[string]any, error) {
	body, err := c.SendRequest(ctx, http.MethodGet, cmsSettingsPath, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("failed to fetch CMS settings: %w", err)
	}

	var values map[string]any
	if err := json.Unmarshal(body, &values); err != nil {
		return nil, fmt.Errorf("failed to parse CMS settings: %w", err)
	}
	return values, nil
}

// fetchPanelCMS is the cache's secondary fetch: the security panel
// endpoint, which nests CMS settings under attributes.cms. A 404 here
// disables test-mode support for the session.
func (c *Client) fetchPanelCMS(ctx context.Context) (map[string]any, error) {
	body, err := c.SendRequest(ctx, http.MethodGet, securityPanelPath, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			c.testModeMu.Lock()
			c.testModeSupported = false
			c.testModeMu.Unlock()
			c.logger.Info("Security panel endpoint unavailable, disabling test mode support")
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("failed to fetch security panel: %w", err)
	}

	var envelope struct {
		Attributes struct {
			CMS map[string]any `json:"cms"`
		} `json:"attributes"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse security panel response: %w", err)
	}
	if envelope.Attributes.CMS == nil {
		return map[string]any{}, nil
	}
	return envelope.Attributes.CMS, nil
}
