package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/mbd888/x402gate/internal/traces"
	"github.com/mbd888/x402gate/pkg/x402"
)

// Defaults for upstream calls.
const (
	DefaultUpstreamTimeout  = 30 * time.Second
	DefaultMaxResponseBytes = 10 << 20
)

// Upstream failure kinds. All of them reach the client as 502 PROXY_ERROR.
var (
	ErrUpstreamRefused     = errors.New("gateway: upstream refused connection")
	ErrUpstreamDNS         = errors.New("gateway: upstream host not found")
	ErrUpstreamTimeout     = errors.New("gateway: upstream timed out")
	ErrUpstreamUnreachable = errors.New("gateway: upstream unreachable")
	ErrUpstreamTooLarge    = errors.New("gateway: upstream response too large")
)

// UpstreamError pairs a failure kind with the transport error behind it.
type UpstreamError struct {
	Err   error // one of the ErrUpstream* kinds
	Cause error
}

func (e *UpstreamError) Error() string {
	if e.Cause == nil {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Cause.Error()
}

func (e *UpstreamError) Unwrap() []error { return []error{e.Err, e.Cause} }

// Kind is a short label for logs and metrics.
func (e *UpstreamError) Kind() string {
	switch e.Err {
	case ErrUpstreamRefused:
		return "refused"
	case ErrUpstreamDNS:
		return "dns"
	case ErrUpstreamTimeout:
		return "timeout"
	case ErrUpstreamTooLarge:
		return "too_large"
	default:
		return "unreachable"
	}
}

// hopHeaders are connection-scoped and never forwarded (RFC 7230 6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// paymentHeaders belong to the gateway's exchange with the agent.
var paymentHeaders = []string{
	x402.HeaderPaymentSignature,
	x402.HeaderPaymentRequired,
	x402.HeaderPaymentResponse,
}

// ForwardResult is the upstream response, fully buffered.
type ForwardResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Latency    time.Duration
}

// Forwarder relays wrapper calls to upstream APIs.
type Forwarder struct {
	client  *http.Client
	maxBody int64
}

// NewForwarder creates a forwarder. Zero values select
// DefaultUpstreamTimeout and DefaultMaxResponseBytes.
func NewForwarder(timeout time.Duration, maxBody int64) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxResponseBytes
	}
	return &Forwarder{
		client: &http.Client{
			Timeout: timeout,
			// Redirects are the caller's business; relay them as-is.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		maxBody: maxBody,
	}
}

// TargetURL maps /w/{endpointID}/rest?query onto upstreamBase/rest?query.
func TargetURL(upstreamBase string, in *url.URL, endpointID string) (*url.URL, error) {
	rest := strings.TrimPrefix(in.EscapedPath(), "/w/"+url.PathEscape(endpointID))
	if rest == "" {
		rest = "/"
	}
	raw := strings.TrimRight(upstreamBase, "/") + rest
	if in.RawQuery != "" {
		raw += "?" + in.RawQuery
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("build upstream url: %w", err)
	}
	return target, nil
}

// Forward sends r to the upstream and buffers its response. Any upstream
// status is a successful forward; only transport failures return an
// *UpstreamError.
func (f *Forwarder) Forward(ctx context.Context, r *http.Request, upstreamBase, endpointID string) (*ForwardResult, error) {
	target, err := TargetURL(upstreamBase, r.URL, endpointID)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		buf, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		if len(buf) > 0 {
			body = bytes.NewReader(buf)
		}
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	out.Header = outboundHeaders(r.Header)
	out.Host = target.Host
	traces.InjectHeaders(ctx, out.Header)

	start := time.Now()
	resp, err := f.client.Do(out)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, classify(err)
	}
	if int64(len(respBody)) > f.maxBody {
		return nil, &UpstreamError{Err: ErrUpstreamTooLarge, Cause: fmt.Errorf("exceeds %d bytes", f.maxBody)}
	}

	header := resp.Header.Clone()
	stripHop(header)
	return &ForwardResult{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       respBody,
		Latency:    time.Since(start),
	}, nil
}

func outboundHeaders(in http.Header) http.Header {
	h := in.Clone()
	stripHop(h)
	for _, name := range paymentHeaders {
		h.Del(name)
	}
	h.Del("Host")
	return h
}

func stripHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func classify(err error) *UpstreamError {
	var (
		dnsErr *net.DNSError
		netErr net.Error
	)
	switch {
	case errors.As(err, &dnsErr) && !dnsErr.IsTimeout:
		return &UpstreamError{Err: ErrUpstreamDNS, Cause: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &UpstreamError{Err: ErrUpstreamRefused, Cause: err}
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &UpstreamError{Err: ErrUpstreamTimeout, Cause: err}
	default:
		return &UpstreamError{Err: ErrUpstreamUnreachable, Cause: err}
	}
}
