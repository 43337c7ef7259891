package userconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client resolves per-user configuration from the config service. Workers
// call it once per task pickup.
type Client struct {
	baseURL   string
	bearerKey string
	http      *http.Client
}

// NewClient builds a resolver client against the config service.
func NewClient(baseURL, bearerKey string) *Client {
	return &Client{
		baseURL:   baseURL,
		bearerKey: bearerKey,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Resolve fetches the merged configuration for a user. A missing per-user
// row still succeeds: the service answers with ambient defaults.
func (c *Client) Resolve(ctx context.Context, platform, username string) (Data, error) {
	u := fmt.Sprintf("%s/config/%s/%s", c.baseURL, url.PathEscape(platform), url.PathEscape(username))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Data{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.bearerKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Data{}, fmt.Errorf("config lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Data{}, fmt.Errorf("config lookup: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
		Data   Data   `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Data{}, fmt.Errorf("decode config response: %w", err)
	}
	if body.Status != "success" {
		return Data{}, fmt.Errorf("config lookup: status %q", body.Status)
	}
	return body.Data, nil
}
