// Package paywall enforces x402 payment before a wrapped call is proxied.
package paywall

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/x402gate/internal/logging"
	"github.com/mbd888/x402gate/internal/metrics"
	"github.com/mbd888/x402gate/internal/traces"
	"github.com/mbd888/x402gate/pkg/x402"
)

const paymentKey = "x402gate.payment"

// DefaultMaxTimeoutSeconds is advertised in every challenge.
const DefaultMaxTimeoutSeconds = 300

// Facilitator verifies and settles payment payloads.
type Facilitator interface {
	Verify(ctx context.Context, baseURL string, payload *x402.PaymentPayloadV2, req x402.PaymentRequirementsV2) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, baseURL string, payload *x402.PaymentPayloadV2, req x402.PaymentRequirementsV2) (*x402.SettleResponse, error)
}

// Requirement is what one call costs and where the money goes.
type Requirement struct {
	Price          float64 // STX
	Recipient      string
	Network        string // TESTNET or MAINNET
	FacilitatorURL string
	Resource       string
	Description    string
}

// Payment is a settled payment, available to later handlers.
type Payment struct {
	Transaction string  `json:"transaction"`
	Payer       string  `json:"payer"`
	Network     string  `json:"network"`
	Amount      string  `json:"amount"` // micro-STX
	Price       float64 `json:"price"`  // STX
}

// Gate runs the PENDING -> PAID | DENIED state machine for a request.
type Gate struct {
	facilitator Facilitator
	logger      *slog.Logger
	now         func() time.Time
}

// NewGate creates a payment gate.
func NewGate(f Facilitator, logger *slog.Logger) *Gate {
	return &Gate{facilitator: f, logger: logger.With("component", "paywall"), now: time.Now}
}

// Requirements builds the advertised payment requirements for req.
func Requirements(req Requirement) (x402.PaymentRequirementsV2, error) {
	network, err := x402.StacksNetwork(req.Network)
	if err != nil {
		return x402.PaymentRequirementsV2{}, err
	}
	amount, err := x402.STXToMicroSTX(req.Price)
	if err != nil {
		return x402.PaymentRequirementsV2{}, err
	}
	return x402.PaymentRequirementsV2{
		Scheme:            x402.SchemeExact,
		Network:           network,
		Asset:             x402.AssetSTX,
		Amount:            amount,
		PayTo:             req.Recipient,
		MaxTimeoutSeconds: DefaultMaxTimeoutSeconds,
	}, nil
}

// Enforce returns the settled payment, or writes a 402 challenge, aborts
// the context, and returns false. Every failure, including an unreachable
// facilitator, is answered with a challenge. An error is returned only
// when the requirement itself cannot be built.
func (g *Gate) Enforce(c *gin.Context, req Requirement) (*Payment, bool, error) {
	accepts, err := Requirements(req)
	if err != nil {
		return nil, false, err
	}
	ctx, span := traces.StartSpan(c.Request.Context(), "paywall.Enforce", traces.Network(accepts.Network))
	defer span.End()
	log := logging.Ctx(ctx, g.logger).With("amount", accepts.Amount, "pay_to", accepts.PayTo)

	header := c.GetHeader(x402.HeaderPaymentSignature)
	if header == "" {
		metrics.PaymentsTotal.WithLabelValues("challenged").Inc()
		g.challenge(c, req, accepts, x402.ErrCodePaymentRequired)
		return nil, false, nil
	}

	var payload x402.PaymentPayloadV2
	if err := x402.DecodeHeader(header, &payload); err != nil || payload.X402Version != x402.Version {
		log.Info("payment header rejected", "error", err, "version", payload.X402Version)
		metrics.PaymentsTotal.WithLabelValues("rejected").Inc()
		g.challenge(c, req, accepts, x402.ErrCodeInvalidPaymentHeader)
		return nil, false, nil
	}

	start := g.now()
	vr, err := g.facilitator.Verify(ctx, req.FacilitatorURL, &payload, accepts)
	metrics.FacilitatorDuration.WithLabelValues("verify").Observe(g.now().Sub(start).Seconds())
	if err != nil {
		log.Warn("facilitator verify failed", "error", err)
		metrics.PaymentsTotal.WithLabelValues("unavailable").Inc()
		g.challenge(c, req, accepts, x402.ErrCodeFacilitatorUnavailable)
		return nil, false, nil
	}
	if !vr.IsValid {
		log.Info("payment invalid", "reason", vr.InvalidReason, "payer", vr.Payer)
		metrics.PaymentsTotal.WithLabelValues("rejected").Inc()
		g.challenge(c, req, accepts, reasonOr(vr.InvalidReason, "invalid_payment"))
		return nil, false, nil
	}

	start = g.now()
	sr, err := g.facilitator.Settle(ctx, req.FacilitatorURL, &payload, accepts)
	metrics.FacilitatorDuration.WithLabelValues("settle").Observe(g.now().Sub(start).Seconds())
	if err != nil {
		log.Warn("facilitator settle failed", "error", err)
		metrics.PaymentsTotal.WithLabelValues("unavailable").Inc()
		g.challenge(c, req, accepts, x402.ErrCodeFacilitatorUnavailable)
		return nil, false, nil
	}
	if !sr.Success {
		log.Info("payment settlement failed", "reason", sr.ErrorReason, "payer", sr.Payer)
		metrics.PaymentsTotal.WithLabelValues("rejected").Inc()
		g.challenge(c, req, accepts, reasonOr(sr.ErrorReason, "settlement_failed"))
		return nil, false, nil
	}

	if sr.Network == "" {
		sr.Network = accepts.Network
	}
	if sr.Payer == "" {
		sr.Payer = vr.Payer
	}
	if encoded, err := x402.EncodeHeader(sr); err == nil {
		c.Header(x402.HeaderPaymentResponse, encoded)
	}

	p := &Payment{
		Transaction: sr.Transaction,
		Payer:       sr.Payer,
		Network:     sr.Network,
		Amount:      accepts.Amount,
		Price:       req.Price,
	}
	span.SetAttributes(traces.Payer(p.Payer), traces.TxID(p.Transaction))
	c.Set(paymentKey, p)
	metrics.PaymentsTotal.WithLabelValues("settled").Inc()
	log.Info("payment settled", "transaction", p.Transaction, "payer", p.Payer)
	return p, true, nil
}

func (g *Gate) challenge(c *gin.Context, req Requirement, accepts x402.PaymentRequirementsV2, reason string) {
	body := x402.PaymentRequiredV2{
		X402Version: x402.Version,
		Error:       reason,
		Resource:    &x402.ResourceInfoV2{URL: req.Resource, Description: req.Description, MimeType: "application/json"},
		Accepts:     []x402.PaymentRequirementsV2{accepts},
	}
	if encoded, err := x402.EncodeHeader(body); err == nil {
		c.Header(x402.HeaderPaymentRequired, encoded)
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, body)
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

// GetPayment returns the payment settled for this request, or nil.
func GetPayment(c *gin.Context) *Payment {
	if v, ok := c.Get(paymentKey); ok {
		if p, ok := v.(*Payment); ok {
			return p
		}
	}
	return nil
}
