// Package metadata implements the token-authenticated instance metadata
// service client (spec.md §4.A). It is deliberately small: a token fetcher,
// a generic signed GET, and typed accessors layered on top.
package metadata

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/duffcloud/vminit/pkg/ezerrors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultAddr    = "169.254.169.254"
	tokenTTL       = 6 * time.Hour
	tokenHeader    = "X-vminit-Token"
	tokenTTLHeader = "X-vminit-Token-Ttl-Seconds"

	requestTimeout = 2 * time.Second
	maxRetries     = 3
)

// ErrAbsent is returned by accessors whose backing path 404s, per spec.md
// §4.A ("404 from user-data and iam-role is returned as Absent, not
// failure").
var ErrAbsent = fmt.Errorf("metadata: resource absent")

// Client is a token-authenticated HTTP client for the metadata service.
type Client struct {
	addr   string
	http   *http.Client
	log    *logrus.Entry
	token  string
	tokenAt time.Time
}

// New builds a Client against addr (host:port or bare host; DefaultAddr is
// used when addr is empty). The kernel-cmdline override
// "vminit.metadata-addr=" is applied by the caller before this is invoked.
func New(addr string, log *logrus.Entry) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Client{
		addr: addr,
		http: &http.Client{Timeout: requestTimeout},
		log:  log,
	}
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("http://%s%s", c.addr, path)
}

// ensureToken returns a cached session token, fetching (or refreshing, if stale
// beyond its TTL) one if necessary.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	if c.token != "" && time.Since(c.tokenAt) < tokenTTL-time.Minute {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url("/latest/api/token"), nil)
	if err != nil {
		return "", ezerrors.Network("metadata", "building token request", err)
	}
	req.Header.Set(tokenTTLHeader, fmt.Sprintf("%d", int(tokenTTL.Seconds())))

	body, _, err := c.doWithRetry(req)
	if err != nil {
		return "", err
	}
	c.token = string(body)
	c.tokenAt = time.Now()
	return c.token, nil
}

// get issues a token-authenticated GET against path. A 404 yields ErrAbsent.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return nil, ezerrors.Network("metadata", "building request for "+path, err)
	}
	req.Header.Set(tokenHeader, token)

	body, status, err := c.doWithRetry(req)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, ErrAbsent
		}
		return nil, err
	}
	return body, nil
}

// doWithRetry implements the 3-try exponential backoff on connect and 5xx
// errors documented in spec.md §4.A. It returns the response status even on
// error so callers can special-case 404.
func (c *Client) doWithRetry(req *http.Request) ([]byte, int, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			select {
			case <-req.Context().Done():
				return nil, 0, ezerrors.Network("metadata", "request canceled", req.Context().Err())
			case <-time.After(backoff):
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = ezerrors.Network("metadata", "connecting to metadata service", err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = ezerrors.Network("metadata", "reading metadata response", readErr)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, resp.StatusCode, nil
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, resp.StatusCode, fmt.Errorf("metadata %s: not found", req.URL.Path)
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("metadata %s: status %d", req.URL.Path, resp.StatusCode)
			continue
		}
		// Any other non-2xx is not retried.
		return nil, resp.StatusCode, ezerrors.Network("metadata", fmt.Sprintf("unexpected status %d for %s", resp.StatusCode, req.URL.Path), nil)
	}
	return nil, 0, ezerrors.Network("metadata", "exhausted retries", lastErr)
}
