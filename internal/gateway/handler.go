// Package gateway serves wrapped endpoints: it authorizes the calling
// agent, collects an x402 payment, forwards the call upstream, and hands
// the outcome to the metrics sink.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/x402gate/internal/agentauth"
	"github.com/mbd888/x402gate/internal/automation"
	"github.com/mbd888/x402gate/internal/endpoints"
	"github.com/mbd888/x402gate/internal/idgen"
	"github.com/mbd888/x402gate/internal/logging"
	"github.com/mbd888/x402gate/internal/metrics"
	"github.com/mbd888/x402gate/internal/payments"
	"github.com/mbd888/x402gate/internal/paywall"
	"github.com/mbd888/x402gate/internal/realtime"
	"github.com/mbd888/x402gate/internal/registry"
	"github.com/mbd888/x402gate/internal/requestlog"
	"github.com/mbd888/x402gate/internal/respond"
	"github.com/mbd888/x402gate/internal/traces"
	"github.com/mbd888/x402gate/internal/validation"
)

// HeaderLatency reports how long the gateway spent on the call.
const HeaderLatency = "X-Gateway-Latency-Ms"

// Error codes written by the gateway.
const (
	CodeAPINotFound         = "API_NOT_FOUND"
	CodeAPIInactive         = "API_INACTIVE"
	CodeMissingHeaders      = "MISSING_HEADERS"
	CodeRequestTooLarge     = "REQUEST_TOO_LARGE"
	CodeInvalidTransaction  = "INVALID_TRANSACTION"
	CodeAgentNotAllowed     = "AGENT_NOT_ALLOWED"
	CodeInvalidSignature    = "INVALID_SIGNATURE"
	CodeSignatureError      = "SIGNATURE_VERIFICATION_ERROR"
	CodeProxyError          = "PROXY_ERROR"
	CodeInternalServerError = "INTERNAL_SERVER_ERROR"
)

// Metric outcomes that are not error codes.
const (
	outcomePaymentRequired = "PAYMENT_REQUIRED"
	outcomeOK              = "OK"
)

// Registry resolves the authorization record named by a transaction id.
type Registry interface {
	Lookup(ctx context.Context, txID string, network registry.Network) (*registry.Record, error)
}

// JobSink accepts post-response work.
type JobSink interface {
	Submit(job Job) error
}

// Deps is everything the pipeline talks to.
type Deps struct {
	Endpoints endpoints.Reader
	Registry  Registry
	Verifier  *agentauth.Verifier
	Gate      *paywall.Gate
	Guard     *payments.Guard
	Forwarder *Forwarder
	Sink      JobSink
	Publisher automation.Publisher // optional
	BaseURL   string
	Now       func() time.Time
	Logger    *slog.Logger
	// Dev adds error details to 500 responses.
	Dev bool
}

// Handler serves ANY /w/:endpointId/*path.
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandler creates the wrapper handler.
func NewHandler(deps Deps) *Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Verifier == nil {
		deps.Verifier = agentauth.NewVerifier(0, deps.Now)
	}
	if deps.Forwarder == nil {
		deps.Forwarder = NewForwarder(0, 0)
	}
	deps.BaseURL = strings.TrimRight(deps.BaseURL, "/")
	return &Handler{deps: deps, logger: deps.Logger.With("component", "gateway")}
}

// RegisterRoutes mounts the wrapper on r for every method.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.Any("/w/:endpointId", h.Handle)
	r.Any("/w/:endpointId/*path", h.Handle)
}

// Handle runs one wrapped call through the pipeline.
func (h *Handler) Handle(c *gin.Context) {
	start := h.deps.Now()
	id := c.Param("endpointId")

	ctx, span := traces.StartSpan(c.Request.Context(), "gateway.Handle", traces.EndpointID(id))
	var spanErr error
	defer func() { traces.End(span, spanErr) }()
	c.Request = c.Request.WithContext(ctx)
	log := logging.Ctx(ctx, h.logger).With("api_id", id)

	ep, err := h.deps.Endpoints.Get(ctx, id)
	if errors.Is(err, endpoints.ErrNotFound) {
		h.fail(c, http.StatusNotFound, CodeAPINotFound, "API not found", nil)
		return
	}
	if err != nil {
		spanErr = err
		h.internal(c, log, "load endpoint", err)
		return
	}
	if !ep.IsActive {
		h.fail(c, http.StatusForbidden, CodeAPIInactive, "API is not active", nil)
		return
	}

	claim, err := agentauth.ExtractClaim(c.Request.Header)
	if err != nil {
		var mh *agentauth.MissingHeadersError
		details := gin.H{"required": agentauth.RequiredHeaders}
		if errors.As(err, &mh) {
			details["missing"] = mh.Missing
		}
		h.fail(c, http.StatusBadRequest, CodeMissingHeaders, "Missing required agent headers", details)
		return
	}
	span.SetAttributes(traces.AgentWallet(claim.Wallet), traces.TxID(claim.TxID))
	log = log.With("agent", claim.Wallet)

	body, err := readBody(c.Request)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.fail(c, http.StatusRequestEntityTooLarge, CodeRequestTooLarge, "Request body too large", gin.H{"limit": maxErr.Limit})
			return
		}
		spanErr = err
		h.internal(c, log, "read request body", err)
		return
	}

	network, err := registry.ParseNetwork(string(ep.Network))
	if err != nil {
		spanErr = err
		h.internal(c, log, "endpoint network", err)
		return
	}
	if !validation.IsValidTxID(claim.TxID) {
		h.fail(c, http.StatusForbidden, CodeInvalidTransaction, "Transaction not found in registry", nil)
		return
	}
	claim.TxID = validation.NormalizeTxID(claim.TxID)
	record, err := h.deps.Registry.Lookup(ctx, claim.TxID, network)
	if err != nil {
		log.Info("authorization record not found", "tx_id", claim.TxID, "error", err)
		h.fail(c, http.StatusForbidden, CodeInvalidTransaction, "Transaction not found in registry", nil)
		return
	}

	if record.VerifyAgent {
		if err := agentauth.CheckAllowed(record.AllowedAgents, claim.Wallet); err != nil {
			log.Info("agent not in allow-list")
			h.fail(c, http.StatusForbidden, CodeAgentNotAllowed, "Agent is not allowed to call this API", nil)
			return
		}
		if err := h.deps.Verifier.Verify(claim, id, body); err != nil {
			log.Info("agent signature rejected", "error", err)
			if errors.Is(err, agentauth.ErrInvalidSignature) || errors.Is(err, agentauth.ErrStaleTimestamp) {
				h.fail(c, http.StatusForbidden, CodeInvalidSignature, "Invalid agent signature", nil)
				return
			}
			h.fail(c, http.StatusForbidden, CodeSignatureError, "Signature could not be verified", nil)
			return
		}
	}

	payment, ok, err := h.deps.Gate.Enforce(c, paywall.Requirement{
		Price:          ep.PricePerRequest,
		Recipient:      ep.StacksAddress,
		Network:        string(ep.Network),
		FacilitatorURL: ep.FacilitatorURL,
		Resource:       h.deps.BaseURL + "/w/" + id,
		Description:    "Pay-per-call access to " + ep.Name,
	})
	if err != nil {
		spanErr = err
		h.internal(c, log, "build payment requirement", err)
		return
	}
	if !ok {
		metrics.GatewayRequestsTotal.WithLabelValues(outcomePaymentRequired).Inc()
		return
	}
	log = log.With("transaction", payment.Transaction)

	if h.deps.Guard.Record(ctx, id, payment.Transaction, payment.Payer, payment.Price) == payments.Recorded && h.deps.Publisher != nil {
		h.deps.Publisher.Publish(realtime.EventPaymentSettled, id, realtime.PaymentData{
			Transaction: payment.Transaction,
			Payer:       payment.Payer,
			Amount:      payment.Price,
		})
	}

	res, err := h.deps.Forwarder.Forward(ctx, c.Request, ep.OriginalURL, id)
	if err != nil {
		spanErr = err
		var ue *UpstreamError
		if !errors.As(err, &ue) {
			h.submit(log, Job{Log: h.entry(id, start, http.StatusInternalServerError)})
			h.internal(c, log, "forward", err)
			return
		}
		metrics.UpstreamErrorsTotal.WithLabelValues(ue.Kind()).Inc()
		log.Warn("upstream "+ue.Kind(), "upstream", ep.OriginalURL, "error", ue.Cause)
		h.submit(log, Job{Log: h.entry(id, start, http.StatusBadGateway)})
		h.fail(c, http.StatusBadGateway, CodeProxyError, "Failed to reach upstream API", nil)
		return
	}
	metrics.UpstreamDuration.Observe(res.Latency.Seconds())
	span.SetAttributes(traces.UpstreamStatus(res.StatusCode))

	entry := h.entry(id, start, res.StatusCode)
	relay(c, res, entry.ResponseMs)
	metrics.GatewayRequestsTotal.WithLabelValues(outcomeOK).Inc()

	h.submit(log, Job{
		Log:    entry,
		Events: []automation.EventType{automation.EventPaymentSuccess, automation.EventAPIRequest},
		Context: automation.TriggerContext{
			Payment: &automation.PaymentContext{Amount: payment.Price, Payer: payment.Payer},
			Request: &automation.RequestContext{Success: entry.Success, ResponseMs: entry.ResponseMs},
		},
	})
}

func (h *Handler) entry(id string, start time.Time, status int) requestlog.Entry {
	now := h.deps.Now()
	return requestlog.Entry{
		ID:         idgen.WithPrefix("req_"),
		APIID:      id,
		Success:    status >= 200 && status < 300,
		ResponseMs: now.Sub(start).Milliseconds(),
		StatusCode: status,
		CreatedAt:  now.UTC(),
	}
}

func (h *Handler) submit(log *slog.Logger, job Job) {
	if h.deps.Sink == nil {
		return
	}
	if err := h.deps.Sink.Submit(job); err != nil {
		log.Warn("request log not submitted", "error", err)
	}
}

// relay writes the upstream response verbatim, plus the latency header.
func relay(c *gin.Context, res *ForwardResult, latencyMs int64) {
	header := c.Writer.Header()
	for name, values := range res.Header {
		header[name] = values
	}
	header.Set(HeaderLatency, strconv.FormatInt(latencyMs, 10))
	c.Status(res.StatusCode)
	if len(res.Body) > 0 {
		_, _ = c.Writer.Write(res.Body)
	} else {
		c.Writer.WriteHeaderNow()
	}
}

// readBody buffers the request body and rewinds it for the forwarder.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func (h *Handler) fail(c *gin.Context, status int, code, message string, details interface{}) {
	metrics.GatewayRequestsTotal.WithLabelValues(code).Inc()
	respondError(c, status, code, message, details)
}

func (h *Handler) internal(c *gin.Context, log *slog.Logger, op string, err error) {
	log.Error("gateway pipeline failed", "op", op, "error", err)
	var details interface{}
	if h.deps.Dev {
		details = gin.H{"op": op, "error": err.Error()}
	}
	h.fail(c, http.StatusInternalServerError, CodeInternalServerError, "Internal server error", details)
}

// respondError writes the error envelope and aborts the chain.
func respondError(c *gin.Context, status int, code, message string, details interface{}) {
	respond.Error(c, status, code, message, details)
}
