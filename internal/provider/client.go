// internal/provider/client.go
package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sstent/veloengine/internal/codec"
	"github.com/sstent/veloengine/internal/models"
)

// ErrNotFound is returned when the provider does not know an activity.
var ErrNotFound = errors.New("activity not found at provider")

// Client talks to the external activity-metadata service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// ProviderActivity is the provider's view of one activity. Skyline is a
// base64 encoded zone skyline.
type ProviderActivity struct {
	ActivityID   string   `json:"activityId"`
	ActivityName string   `json:"activityName"`
	AvgHR        *float64 `json:"avgHR"`
	AvgPower     *float64 `json:"avgPower"`
	Skyline      string   `json:"skyline"`
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetActivityDetails retrieves one activity.
func (c *Client) GetActivityDetails(ctx context.Context, activityID string) (*ProviderActivity, error) {
	var activity ProviderActivity
	if err := c.get(ctx, "/activities/"+url.PathEscape(activityID), &activity); err != nil {
		return nil, err
	}
	if activity.ActivityID == "" {
		activity.ActivityID = activityID
	}
	return &activity, nil
}

// FetchMetrics retrieves metrics for each id. Activities unknown to the
// provider are skipped; any other failure aborts the batch.
func (c *Client) FetchMetrics(ctx context.Context, ids []string) ([]models.ActivityMetrics, error) {
	var out []models.ActivityMetrics
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		activity, err := c.GetActivityDetails(ctx, id)
		if errors.Is(err, ErrNotFound) {
			c.logger.Debug("activity unknown to provider", "activity_id", id)
			continue
		}
		if err != nil {
			return out, fmt.Errorf("failed to fetch activity %s: %w", id, err)
		}
		out = append(out, c.toMetrics(id, activity))
	}
	return out, nil
}

func (c *Client) toMetrics(id string, a *ProviderActivity) models.ActivityMetrics {
	m := models.ActivityMetrics{
		ActivityID:   id,
		AvgHeartRate: a.AvgHR,
		AvgPower:     a.AvgPower,
	}
	if name := strings.TrimSpace(a.ActivityName); name != "" {
		m.Name = &name
	}
	if a.Skyline != "" {
		raw, err := base64.StdEncoding.DecodeString(a.Skyline)
		if _, ok := codec.DecodeSkyline(raw); err != nil || !ok {
			c.logger.Warn("dropping malformed skyline", "activity_id", id)
		} else {
			m.Skyline = raw
		}
	}
	return m
}
