// Package transport implements the two out-of-band HTTP calls the worker
// makes: the per-connection-attempt start handshake (§4.2) and the response
// buffer's flush fallback (§4.6). Both share one underlying *http.Client and
// the bearer-auth-plus-retry shape of arikawa's utils/httputil.Client,
// simplified to a single concrete driver since this protocol has no need
// for a pluggable transport.
package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Retries is the default number of attempts for a request before giving up,
// retrying on 429 and 5xx responses. Grounded on arikawa's
// utils/httputil.Retries.
var Retries uint = 3

// Client wraps an *http.Client with the headers and retry policy shared by
// the start and flush calls.
type Client struct {
	HTTP *http.Client

	BaseURL        string
	SigningKey     string
	FallbackKey    string
	Environment    string
	Platform       string
	SDKVersion     string

	Retries uint
}

// NewClient builds a Client with a sane default timeout, mirroring
// arikawa's NewClient default construction.
func NewClient(baseURL, signingKey, fallbackKey, env string) *Client {
	return &Client{
		HTTP:        &http.Client{Timeout: 15 * time.Second},
		BaseURL:     baseURL,
		SigningKey:  signingKey,
		FallbackKey: fallbackKey,
		Environment: env,
		Platform:    "go",
		SDKVersion:  "v1",
		Retries:     Retries,
	}
}

// hashKey returns the SHA-256 hex digest of a signing key, which is what
// travels in the Authorization header rather than the raw key (§6).
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// keyFor resolves the literal key string for "primary" or "fallback".
func (c *Client) keyFor(useFallback bool) string {
	if useFallback {
		return c.FallbackKey
	}
	return c.SigningKey
}

// do issues one request with retry-on-{429,5xx} semantics, mirroring
// arikawa's utils/httputil.Client.Request retry loop. method/path/body
// describe the request; useFallbackKey selects which signing key
// authenticates it. The response to the final attempt is returned as is,
// whatever its status, so callers can map it to their own errors.
func (c *Client) do(ctx context.Context, method, path string, body []byte, useFallbackKey bool) (*http.Response, error) {
	key := c.keyFor(useFallbackKey)

	var lastErr error
	retries := c.Retries
	if retries < 1 {
		retries = 1
	}

	for attempt := uint(0); attempt < retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, RequestError{err}
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+hashKey(key))
		req.Header.Set("X-Inngest-Env", c.Environment)
		req.Header.Set("X-Inngest-Platform", c.Platform)
		req.Header.Set("X-Inngest-SDK-Version", c.SDKVersion)

		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if retryable && attempt+1 < retries {
			resp.Body.Close()
			lastErr = errors.Errorf("retryable status %d", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, RequestError{lastErr}
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}
	return b, nil
}

func httpErrorFor(resp *http.Response, body []byte) *HTTPError {
	return &HTTPError{Status: resp.StatusCode, Body: body}
}
