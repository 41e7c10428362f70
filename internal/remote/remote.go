// Package remote talks to the release server's version endpoint.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/logging"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/retry"
)

const (
	// VersionPath is appended to the API base URL.
	VersionPath = "/client/version"
	// DefaultTimeout bounds a version check.
	DefaultTimeout = 30 * time.Second
	// maxBody caps the version response; it is a few dozen bytes in practice.
	maxBody = 1 << 20
)

// ErrNoBaseURL is returned when no API base URL is configured.
var ErrNoBaseURL = errors.New("api base url is not configured")

// VersionInfo is the release server's answer.
type VersionInfo struct {
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
}

// Options configures a Client. Zero values select defaults.
type Options struct {
	HTTPClient *http.Client
	UserAgent  string
	Logger     logging.Logger
}

// Client queries the version endpoint.
type Client struct {
	baseURL   string
	client    *http.Client
	userAgent string
	logger    logging.Logger
}

// New creates a client for the API at baseURL.
func New(baseURL string, opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "clientsync/1.0"
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    client,
		userAgent: ua,
		logger:    logging.OrNop(opts.Logger),
	}
}

// Latest fetches the currently published version.
func (c *Client) Latest(ctx context.Context) (*VersionInfo, error) {
	if c.baseURL == "" {
		return nil, ErrNoBaseURL
	}
	url := c.baseURL + VersionPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, payload.NetworkError("create request", url, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		nerr := payload.NetworkError("fetch version", url, err)
		if ctx.Err() != nil {
			return nil, nerr
		}
		return nil, retry.Retryable(nerr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		nerr := payload.NetworkError("fetch version", url, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
		if resp.StatusCode >= 500 {
			return nil, retry.Retryable(nerr)
		}
		return nil, nerr
	}

	var info VersionInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&info); err != nil {
		return nil, payload.NetworkError("decode version response", url, err)
	}
	info.Version = strings.TrimSpace(info.Version)
	info.DownloadURL = strings.TrimSpace(info.DownloadURL)
	if info.Version == "" {
		return nil, payload.NetworkError("decode version response", url, errors.New("missing version"))
	}
	if info.DownloadURL == "" {
		return nil, payload.NetworkError("decode version response", url, errors.New("missing download_url"))
	}

	c.logger.Debug("remote version fetched", "version", info.Version, "url", info.DownloadURL)
	return &info, nil
}
