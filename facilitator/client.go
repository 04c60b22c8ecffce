// Package facilitator implements x402.FacilitatorClient over the facilitator's
// HTTP API (POST /verify, POST /settle, GET /supported).
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"

	x402 "github.com/becomeliminal/x402-resource-server"
)

var log = logging.Logger("x402/facilitator")

const (
	defaultVerifyTimeout = 10 * time.Second
	defaultSettleTimeout = 30 * time.Second
	maxErrorBody         = 1024
)

// Options tunes the HTTP client.
type Options struct {
	// VerifyTimeout bounds POST /verify. Defaults to 10s.
	VerifyTimeout time.Duration

	// SettleTimeout bounds POST /settle. Defaults to 30s.
	SettleTimeout time.Duration

	// HTTPClient is used for all calls. Its own Timeout should be zero or
	// larger than the per-call timeouts.
	HTTPClient *http.Client

	// Headers are added to every request (e.g. an API key).
	Headers http.Header
}

// HTTPClient handles communication with a V2 x402 facilitator service.
// It is safe for concurrent use.
type HTTPClient struct {
	baseURL       string
	httpClient    *http.Client
	headers       http.Header
	verifyTimeout time.Duration
	settleTimeout time.Duration
}

var _ x402.FacilitatorClient = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the facilitator at baseURL. A missing or
// malformed URL is a startup error.
func NewHTTPClient(baseURL string, opts Options) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidConfig, "facilitator URL is required", nil)
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidConfig, fmt.Sprintf("invalid facilitator URL %q", baseURL), err)
	}

	c := &HTTPClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    opts.HTTPClient,
		headers:       opts.Headers,
		verifyTimeout: opts.VerifyTimeout,
		settleTimeout: opts.SettleTimeout,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.verifyTimeout <= 0 {
		c.verifyTimeout = defaultVerifyTimeout
	}
	if c.settleTimeout <= 0 {
		c.settleTimeout = defaultSettleTimeout
	}
	return c, nil
}

// Verify checks if a payment is valid via POST /verify.
func (c *HTTPClient) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	req := &x402.FacilitatorRequest{
		X402Version:         payloadVersion(payload),
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	var resp x402.VerifyResponse
	if err := c.do(ctx, http.MethodPost, "/verify", c.verifyTimeout, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle executes the payment on-chain via POST /settle. It is never retried.
func (c *HTTPClient) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	req := &x402.FacilitatorRequest{
		X402Version:         payloadVersion(payload),
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	var resp x402.SettleResponse
	if err := c.do(ctx, http.MethodPost, "/settle", c.settleTimeout, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Supported fetches supported kinds, extensions, and signers via GET /supported.
func (c *HTTPClient) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	var resp x402.SupportedResponse
	if err := c.do(ctx, http.MethodGet, "/supported", c.verifyTimeout, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitSupported polls /supported with exponential backoff until it answers,
// ctx ends, or attempts run out. Meant for startup, never for request serving.
func (c *HTTPClient) WaitSupported(ctx context.Context, attempts int) (*x402.SupportedResponse, error) {
	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		supported, err := c.Supported(ctx)
		if err == nil {
			return supported, nil
		}
		lastErr = err

		wait := b.Duration()
		log.Warnw("facilitator not ready", "url", c.baseURL, "attempt", i+1, "retryIn", wait, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("facilitator %s unavailable after %d attempts: %w", c.baseURL, attempts, lastErr)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, timeout time.Duration, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return x402.NewPaymentError(x402.ErrCodeFacilitatorProtocol, "failed to marshal request", err)
		}
		body = bytes.NewReader(buf)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return x402.NewPaymentError(x402.ErrCodeFacilitatorProtocol, "failed to create request", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, values := range c.headers {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classifyTransportError(ctx, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return x402.NewPaymentError(x402.ErrCodeFacilitatorProtocol,
			fmt.Sprintf("facilitator %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(bodyBytes))), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if isTimeout(ctx, err) {
			return x402.NewPaymentError(x402.ErrCodeFacilitatorTimeout, fmt.Sprintf("facilitator %s timed out", path), err)
		}
		return x402.NewPaymentError(x402.ErrCodeFacilitatorProtocol, fmt.Sprintf("failed to decode %s response", path), err)
	}
	return nil
}

func classifyTransportError(ctx context.Context, path string, err error) error {
	if isTimeout(ctx, err) {
		return x402.NewPaymentError(x402.ErrCodeFacilitatorTimeout, fmt.Sprintf("facilitator %s timed out", path), err)
	}
	return x402.NewPaymentError(x402.ErrCodeFacilitatorUnreachable, fmt.Sprintf("failed to call facilitator %s", path), err)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func payloadVersion(payload *x402.PaymentPayload) int {
	if payload != nil && payload.X402Version > 0 {
		return payload.X402Version
	}
	return x402.ProtocolVersion
}
