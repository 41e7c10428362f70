// Package fetch streams a remote payload archive to a local writer.
//
// Two URL schemes are understood: http(s) URLs are fetched with net/http and
// s3://bucket/key URLs are fetched from S3 with the default AWS credential
// chain. The Fetcher never retries; it marks transient failures with
// retry.Retryable so callers can apply their own policy.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/logging"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/retry"
)

const (
	// DefaultUserAgent is the User-Agent header sent with requests
	DefaultUserAgent = "clientsync/1.0"
	// maxRedirects bounds redirect chains from the download host
	maxRedirects = 10
)

// Progress is reported while bytes are copied. BytesTotal is the size
// announced by the server and is always > 0 when reported.
type Progress struct {
	BytesTransferred int64
	BytesTotal       int64
}

// ProgressFunc receives transfer progress.
type ProgressFunc func(Progress)

// Options configures a Fetcher. Zero values select defaults.
type Options struct {
	HTTPClient *http.Client
	UserAgent  string
	// Timeout bounds a whole HTTP request when HTTPClient is nil. Zero means
	// no overall timeout, which suits large archives on slow links.
	Timeout time.Duration
	// S3 overrides the lazily constructed S3 client.
	S3     S3API
	Logger logging.Logger
}

// Fetcher downloads archives over HTTP or from S3.
type Fetcher struct {
	client    *http.Client
	userAgent string
	logger    logging.Logger

	s3Once sync.Once
	s3     S3API
	s3Err  error
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	f := &Fetcher{
		client:    client,
		userAgent: ua,
		logger:    logging.OrNop(opts.Logger),
	}
	if opts.S3 != nil {
		f.s3 = opts.S3
		f.s3Once.Do(func() {})
	}
	return f
}

// Download streams rawURL into w and returns the number of bytes written.
// onProgress may be nil; it is only invoked when the total size is known.
func (f *Fetcher) Download(ctx context.Context, rawURL string, w io.Writer, onProgress ProgressFunc) (int64, error) {
	body, total, err := f.open(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	f.logger.Debug("download started", "url", rawURL, "bytes_total", total)

	cw := &countingWriter{w: w, total: total, onProgress: onProgress}
	if _, err := io.Copy(cw, body); err != nil {
		if cw.writeErr != nil {
			return cw.n, payload.IOError("write download", "", cw.writeErr)
		}
		if ctx.Err() != nil {
			return cw.n, payload.NetworkError("read response body", rawURL, ctx.Err())
		}
		return cw.n, retry.Retryable(payload.NetworkError("read response body", rawURL, err))
	}
	if total > 0 && cw.n < total {
		return cw.n, retry.Retryable(payload.NetworkError("read response body", rawURL,
			fmt.Errorf("short body: got %d of %d bytes", cw.n, total)))
	}

	f.logger.Debug("download finished", "url", rawURL, "bytes", cw.n)
	return cw.n, nil
}

// DownloadToFile downloads rawURL to destPath, creating parent directories.
// A partially written file is removed on failure, and a transfer that yields
// zero bytes fails with an EmptyPayloadError.
func (f *Fetcher) DownloadToFile(ctx context.Context, rawURL, destPath string, onProgress ProgressFunc) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return 0, payload.IOError("create dest dir", filepath.Dir(destPath), err)
	}

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, payload.IOError("create archive file", destPath, err)
	}

	cleanupNeeded := true
	defer func() {
		out.Close()
		if cleanupNeeded {
			os.Remove(destPath)
		}
	}()

	n, err := f.Download(ctx, rawURL, out, onProgress)
	if err != nil {
		return n, err
	}
	if err := out.Sync(); err != nil {
		return n, payload.IOError("sync archive file", destPath, err)
	}
	if err := out.Close(); err != nil {
		return n, payload.IOError("close archive file", destPath, err)
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return n, payload.IOError("stat archive file", destPath, err)
	}
	if info.Size() == 0 {
		return 0, payload.EmptyPayloadError(destPath)
	}

	cleanupNeeded = false
	return info.Size(), nil
}

// Stat returns the size the server announces for rawURL, or -1 when unknown.
func (f *Fetcher) Stat(ctx context.Context, rawURL string) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return -1, payload.NetworkError("parse url", rawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return f.statHTTP(ctx, rawURL)
	case "s3":
		return f.statS3(ctx, u)
	default:
		return -1, payload.NetworkError("parse url", rawURL, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
}

func (f *Fetcher) open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, payload.NetworkError("parse url", rawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return f.openHTTP(ctx, rawURL)
	case "s3":
		return f.openS3(ctx, u)
	default:
		return nil, 0, payload.NetworkError("parse url", rawURL, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
}

func (f *Fetcher) openHTTP(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, payload.NetworkError("create request", rawURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, transportError(ctx, rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, statusError(rawURL, resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

func (f *Fetcher) statHTTP(ctx context.Context, rawURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return -1, payload.NetworkError("create request", rawURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return -1, transportError(ctx, rawURL, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return -1, statusError(rawURL, resp.StatusCode)
	}
	return resp.ContentLength, nil
}

func transportError(ctx context.Context, rawURL string, err error) error {
	nerr := payload.NetworkError("execute request", rawURL, err)
	if ctx.Err() != nil {
		return nerr
	}
	return retry.Retryable(nerr)
}

func statusError(rawURL string, code int) error {
	err := payload.NetworkError("execute request", rawURL, fmt.Errorf("unexpected status code: %d", code))
	if code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return retry.Retryable(err)
	}
	return err
}

// countingWriter forwards writes and reports progress. Write errors are kept
// apart from read errors so the caller can tell disk faults from network ones.
type countingWriter struct {
	w          io.Writer
	n          int64
	total      int64
	onProgress ProgressFunc
	writeErr   error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if err != nil {
		c.writeErr = err
		return n, err
	}
	if c.onProgress != nil && c.total > 0 {
		c.onProgress(Progress{BytesTransferred: c.n, BytesTotal: c.total})
	}
	return n, nil
}

var errNoKey = errors.New("s3 url has no object key")

func splitS3URL(u *url.URL) (bucket, key string, err error) {
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" {
		return "", "", errors.New("s3 url has no bucket")
	}
	if key == "" {
		return "", "", errNoKey
	}
	return bucket, key, nil
}
