package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultFacilitatorTimeout bounds each facilitator call.
const DefaultFacilitatorTimeout = 30 * time.Second

const (
	rateLimitRetries   = 3
	rateLimitBaseDelay = 500 * time.Millisecond
	maxFacilitatorBody = 1 << 20
)

// ErrFacilitatorUnavailable wraps transport failures and unexpected
// responses from the facilitator.
var ErrFacilitatorUnavailable = errors.New("x402: facilitator unavailable")

// FacilitatorClient calls a facilitator's /verify and /settle endpoints.
// The base URL is supplied per call because each wrapped endpoint names
// its own facilitator.
type FacilitatorClient struct {
	httpClient *http.Client
	// Header, when set, is applied to every outgoing request.
	Header func(h http.Header)
}

// NewFacilitatorClient creates a client. A zero timeout uses
// DefaultFacilitatorTimeout.
func NewFacilitatorClient(timeout time.Duration) *FacilitatorClient {
	if timeout <= 0 {
		timeout = DefaultFacilitatorTimeout
	}
	return &FacilitatorClient{httpClient: &http.Client{Timeout: timeout}}
}

// Verify asks the facilitator whether payload satisfies req.
func (c *FacilitatorClient) Verify(ctx context.Context, baseURL string, payload *PaymentPayloadV2, req PaymentRequirementsV2) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := c.post(ctx, baseURL, "/verify", payload, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle asks the facilitator to execute the payment.
func (c *FacilitatorClient) Settle(ctx context.Context, baseURL string, payload *PaymentPayloadV2, req PaymentRequirementsV2) (*SettleResponse, error) {
	var out SettleResponse
	if err := c.post(ctx, baseURL, "/settle", payload, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// post sends the request, retrying 429s with exponential backoff. A
// non-200 answer that still decodes is returned to the caller, since
// facilitators report rejections with 4xx bodies.
func (c *FacilitatorClient) post(ctx context.Context, baseURL, path string, payload *PaymentPayloadV2, req PaymentRequirementsV2, out any) error {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         Version,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	})
	if err != nil {
		return fmt.Errorf("x402: marshal %s request: %w", path, err)
	}
	endpoint := strings.TrimSuffix(baseURL, "/") + path

	var lastErr error
	for attempt := range rateLimitRetries {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: build %s request: %v", ErrFacilitatorUnavailable, path, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/json")
		if c.Header != nil {
			c.Header(httpReq.Header)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrFacilitatorUnavailable, path, err)
		}
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxFacilitatorBody))
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("%w: read %s response: %v", ErrFacilitatorUnavailable, path, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("%w: %s rate limited", ErrFacilitatorUnavailable, path)
			if attempt == rateLimitRetries-1 {
				break
			}
			select {
			case <-time.After(rateLimitBaseDelay * time.Duration(1<<uint(attempt))):
				continue
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrFacilitatorUnavailable, ctx.Err())
			}
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: %s returned %d: %s", ErrFacilitatorUnavailable, path, resp.StatusCode, truncate(respBody))
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %s returned %d", ErrFacilitatorUnavailable, path, resp.StatusCode)
		}
		return nil
	}
	return lastErr
}

func truncate(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
