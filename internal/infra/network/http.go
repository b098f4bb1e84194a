// Package network adapts external verification networks and payment rails
// to domain.NetworkClient.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// HTTPConfig describes one HTTP-reachable network or rail.
type HTTPConfig struct {
	ID         string
	Endpoint   string  // base URL; requests go to {Endpoint}/{kind}
	RatePerSec float64 // 0 disables limiting
	Burst      int
	Currency   string // native currency, rails only
}

// HTTPClient posts JSON requests to a network endpoint. Requests are paced by
// a token bucket so a busy pipeline stays within the network's rate limit.
type HTTPClient struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient creates a client. A nil httpClient uses a default with no
// timeout of its own; deadlines come from the caller's context.
func NewHTTPClient(cfg HTTPConfig, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	c := &HTTPClient{cfg: cfg, client: httpClient}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return c
}

// ID implements domain.NetworkClient.
func (c *HTTPClient) ID() string { return c.cfg.ID }

// NativeCurrency implements domain.Rail.
func (c *HTTPClient) NativeCurrency() string { return c.cfg.Currency }

// Send implements domain.NetworkClient.
func (c *HTTPClient) Send(ctx context.Context, req domain.NetworkRequest) (domain.NetworkResponse, error) {
	var out domain.NetworkResponse

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return out, c.fail(0, err)
		}
	}

	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/" + string(req.Kind)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Payload))
	if err != nil {
		return out, fmt.Errorf("network %s: build request: %w", c.cfg.ID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return out, c.fail(0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return out, c.fail(0, err)
	}
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return out, c.fail(resp.StatusCode, errors.New(msg))
	}

	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return out, &domain.NetworkError{Network: c.cfg.ID, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return out, nil
}

// fail classifies a transport or status failure. Transport errors and
// retryable statuses wrap ErrNetworkUnavailable.
func (c *HTTPClient) fail(status int, err error) error {
	ne := &domain.NetworkError{Network: c.cfg.ID, StatusCode: status, Err: err}
	if ne.Transient() && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		ne.Err = fmt.Errorf("%w: %w", domain.ErrNetworkUnavailable, err)
	}
	return ne
}
