// Package client wraps HTTP access to the origin server: authenticated
// API requests that resolve protocol links into direct download URLs, and
// ranged GET requests for the file transfers themselves.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/modpull/modpull/internal/config"
	"github.com/modpull/modpull/internal/downloads"
	"github.com/modpull/modpull/internal/nxm"
)

var (
	// ErrAPIKeyMissing means no API key is configured; link resolution is
	// impossible without one.
	ErrAPIKeyMissing = errors.New("origin API key is not configured")

	// ErrAPIStatus means the origin API answered with a non-success
	// status.
	ErrAPIStatus = errors.New("origin API error")
)

// Client talks to the origin server. API calls and file transfers use
// separate HTTP clients: an overall timeout is right for small API
// responses but would cut long downloads short, so the transfer client
// only bounds the time to response headers.
type Client struct {
	api     *http.Client
	stream  *http.Client
	baseURL string
	apikey  string
	logger  zerolog.Logger
}

// New creates a client from origin configuration.
func New(cfg config.OriginConfig, logger zerolog.Logger) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		api: &http.Client{Timeout: timeout},
		stream: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: timeout,
			},
		},
		baseURL: "https://" + cfg.Host,
		apikey:  cfg.APIKey,
		logger:  logger.With().Str("component", "client").Logger(),
	}
}

// Resolve asks the origin API for the direct download URL of the file a
// protocol link points at, returning the file descriptor along with it.
func (c *Client) Resolve(ctx context.Context, link *nxm.Link) (downloads.FileInfo, string, error) {
	var fi downloads.FileInfo

	if c.apikey == "" {
		return fi, "", ErrAPIKeyMissing
	}

	endpoint := fmt.Sprintf("%s/v1/games/%s/mods/%d/files/%d/download_link.json",
		c.baseURL, url.PathEscape(link.Game), link.ModID, link.FileID)
	params := url.Values{}
	params.Set("key", link.Key)
	params.Set("expires", strconv.FormatInt(link.Expires, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return fi, "", err
	}
	c.setHeaders(req)

	resp, err := c.api.Do(req)
	if err != nil {
		return fi, "", fmt.Errorf("failed to reach origin API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fi, "", fmt.Errorf("%w: download link request returned %d", ErrAPIStatus, resp.StatusCode)
	}

	var payload struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		URI     string `json:"URI"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fi, "", fmt.Errorf("failed to decode download link response: %w", err)
	}
	if payload.Name == "" || payload.URI == "" {
		return fi, "", fmt.Errorf("%w: download link response is incomplete", ErrAPIStatus)
	}

	fi = downloads.FileInfo{
		FileID:   link.FileID,
		FileName: payload.Name,
		ModID:    link.ModID,
		Game:     link.Game,
		Version:  payload.Version,
	}

	c.logger.Debug().Int64("fileId", fi.FileID).Str("file", fi.FileName).Msg("Resolved download link")
	return fi, payload.URI, nil
}

// Get issues the transfer request. A positive offset asks the server for
// the remaining bytes via a range header; the caller interprets the
// response status. The response body is a stream the caller owns.
func (c *Client) Get(ctx context.Context, rawURL string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	return c.stream.Do(req)
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apikey != "" {
		req.Header.Set("apikey", c.apikey)
	}
	req.Header.Set("User-Agent", "modpull/"+config.Version)
}
