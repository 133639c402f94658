package abode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// GetTimelineEvents fetches the most recent timeline events.
func (c *Client) GetTimelineEvents(ctx context.Context, size int) ([]TimelineEvent, error) {
	if size <= 0 {
		size = 10
	}

	path := fmt.Sprintf("%s?size=%d", timelinePath, size)
	body, err := c.SendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch timeline: %w", err)
	}

	var events []TimelineEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("failed to parse timeline response: %w", err)
	}

	c.logger.Debug("Fetched timeline events", zap.Int("count", len(events)))
	return events, nil
}

// AcknowledgeTimelineEvent verifies a timeline alarm event with the
// monitoring service.
func (c *Client) AcknowledgeTimelineEvent(ctx context.Context, timelineID string) error {
	return c.processTimelineEvent(ctx, timelineID, "verify", "acknowledged")
}

// DismissTimelineEvent ignores a timeline alarm event.
func (c *Client) DismissTimelineEvent(ctx context.Context, timelineID string) error {
	return c.processTimelineEvent(ctx, timelineID, "ignore", "dismissed")
}

func (c *Client) processTimelineEvent(ctx context.Context, timelineID, action, past string) error {
	if timelineID == "" {
		return ErrMissingTimelineID
	}

	path := fmt.Sprintf("%s/%s/%s", timelinePath, timelineID, action)
	body, err := c.SendRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		// The API reports an event that was already handled as an
		// error; treat that as success.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			c.logger.Info("Timeline event already processed",
				zap.String("timeline_id", timelineID),
				zap.String("action", past))
			return nil
		}
		return fmt.Errorf("failed to %s timeline event %s: %w", action, timelineID, err)
	}

	var resp timelineActionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("unexpected response for timeline event %s: %w", timelineID, err)
	}

	if resp.Code.String() == fmt.Sprint(timelineAlreadyProcessedCode) {
		c.logger.Info("Timeline event already processed",
			zap.String("timeline_id", timelineID),
			zap.String("action", past))
		return nil
	}

	if resp.TID.String() != timelineID {
		return fmt.Errorf("timeline response for %s referenced event %s", timelineID, resp.TID)
	}

	c.logger.Info("Timeline event processed",
		zap.String("timeline_id", timelineID),
		zap.String("action", past))
	return nil
}
