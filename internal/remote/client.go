// Package remote implements the HTTP client for the collaborator media
// indexing service: enumerating configured libraries at startup and
// triggering a targeted rescan of one library section's subtree.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

// Library is one configured library section returned by Libraries.
type Library struct {
	Section int      `json:"section"`
	Paths   []string `json:"paths"`
}

type librariesResponse struct {
	Libraries []Library `json:"libraries"`
}

// Client talks to the remote media indexing service over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New returns a Client for baseURL, authenticating with token via the
// X-Scan-Token header. httpClient may be nil to use http.DefaultClient.
func New(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Libraries enumerates every configured library section and the
// filesystem paths backing it.
func (c *Client) Libraries(ctx context.Context) ([]Library, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/libraries", nil)
	if err != nil {
		return nil, fmt.Errorf("building libraries request: %w", err)
	}

	req.Header.Set("X-Scan-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting libraries: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("libraries request failed: status %d", resp.StatusCode)
	}

	var parsed librariesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding libraries response: %w", err)
	}

	return parsed.Libraries, nil
}

// TriggerScan asks the remote service to rescan path under the given
// library section. A non-2xx response or transport error is returned to
// the caller, which per policy logs it and does not retry — unlike the
// startup Libraries call, a single missed rescan trigger is not fatal.
func (c *Client) TriggerScan(ctx context.Context, section int, path string) error {
	u := c.baseURL + "/libraries/" + strconv.Itoa(section) + "/rescan?path=" + url.QueryEscape(path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("building rescan request: %w", err)
	}

	req.Header.Set("X-Scan-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting rescan: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("rescan request failed: status %d", resp.StatusCode)
	}

	c.logger.Debug("remote: triggered rescan", slog.Int("section", section), slog.String("path", path))

	return nil
}
