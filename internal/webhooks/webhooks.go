// Package webhooks delivers signed JSON notifications to owner-supplied URLs.
//
// Receivers authenticate a delivery by recomputing the HMAC-SHA256 of the
// raw body with the shared secret and comparing it to SignatureHeader.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/x402gate/internal/idgen"
	"github.com/mbd888/x402gate/internal/logging"
	"github.com/mbd888/x402gate/internal/metrics"
	"github.com/mbd888/x402gate/internal/retry"
)

// Delivery headers.
const (
	EventHeader     = "X-X402gate-Event"
	TimestampHeader = "X-X402gate-Timestamp"
	SignatureHeader = "X-X402gate-Signature"
)

// EventType represents the type of webhook event
type EventType string

// EventAutomationNotify is sent by the automation notify action.
const EventAutomationNotify EventType = "automation.notify"

// ErrDeliveryFailed is returned when every attempt failed.
var ErrDeliveryFailed = errors.New("webhooks: delivery failed")

// Event represents a webhook event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(t EventType, data map[string]interface{}) *Event {
	return &Event{ID: idgen.WithPrefix("evt_"), Type: t, Timestamp: time.Now().UTC(), Data: data}
}

// Sender posts events. It is safe for concurrent use.
type Sender struct {
	client *http.Client
	secret string
	policy retry.Policy
	logger *slog.Logger
}

// NewSender creates a sender. An empty secret sends unsigned deliveries.
func NewSender(secret string, logger *slog.Logger) *Sender {
	return &Sender{
		client: &http.Client{Timeout: 10 * time.Second},
		secret: secret,
		policy: retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		logger: logger.With("component", "webhooks"),
	}
}

// WithPolicy overrides the retry policy.
func (s *Sender) WithPolicy(p retry.Policy) *Sender {
	s.policy = p
	return s
}

// Send delivers event to url. 5xx and transport errors are retried;
// other non-2xx statuses fail immediately.
func (s *Sender) Send(ctx context.Context, url string, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	err = retry.Do(ctx, s.policy, func(attempt int) error {
		return s.post(ctx, url, event, payload)
	})
	log := logging.Ctx(ctx, s.logger)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		log.Warn("webhook delivery failed", "event_id", event.ID, "type", event.Type, "error", err)
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	log.Debug("webhook delivered", "event_id", event.ID, "type", event.Type)
	return nil
}

func (s *Sender) post(ctx context.Context, url string, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(event.Type))
	req.Header.Set(TimestampHeader, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if s.secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}
