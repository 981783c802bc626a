package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/x402gate/internal/circuitbreaker"
	"github.com/mbd888/x402gate/internal/metrics"
	"github.com/mbd888/x402gate/internal/retry"
	"github.com/mbd888/x402gate/internal/traces"
)

// Defaults for Config fields left zero.
const (
	DefaultTestnetURL = "https://api.testnet.hiro.so"
	DefaultMainnetURL = "https://api.mainnet.hiro.so"
	DefaultContractID = "ST3AW560S3EET4NNSC3NG9N6CPNMPGASTMKWX11KG.api-registry"
	DefaultTimeout    = 10 * time.Second
)

// maxTxDocument bounds the indexer response we are willing to parse.
const maxTxDocument = 1 << 20

// Config configures a Client.
type Config struct {
	TestnetURL  string
	MainnetURL  string
	ContractID  string
	Timeout     time.Duration
	MaxAttempts int
}

// Client looks up authorization records by transaction id.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// errTransient marks indexer failures worth retrying and counting against
// the circuit.
var errTransient = errors.New("registry: indexer unavailable")

// errMissing marks a definitive 404 from the indexer.
var errMissing = errors.New("registry: transaction does not exist")

// NewClient creates a registry client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.TestnetURL == "" {
		cfg.TestnetURL = DefaultTestnetURL
	}
	if cfg.MainnetURL == "" {
		cfg.MainnetURL = DefaultMainnetURL
	}
	if cfg.ContractID == "" {
		cfg.ContractID = DefaultContractID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	cfg.TestnetURL = strings.TrimSuffix(cfg.TestnetURL, "/")
	cfg.MainnetURL = strings.TrimSuffix(cfg.MainnetURL, "/")

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger.With("component", "registry"),
	}
}

// WithBreaker replaces the circuit breaker. Intended for tests.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

func (c *Client) baseURL(n Network) string {
	if n == Mainnet {
		return c.cfg.MainnetURL
	}
	return c.cfg.TestnetURL
}

// Lookup fetches the transaction and decodes it into a Record. Every
// failure, including an open circuit, is reported as ErrNotFound.
func (c *Client) Lookup(ctx context.Context, txID string, network Network) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "registry.Lookup", traces.TxID(txID), traces.Network(string(network)))
	var spanErr error
	defer func() { traces.End(span, spanErr) }()

	log := c.logger.With("tx_id", txID, "network", string(network))

	var tx *hiroTx
	err := c.breaker.Do(string(network), func(err error) bool { return errors.Is(err, errTransient) }, func() error {
		return retry.Do(ctx, retry.Policy{MaxAttempts: c.cfg.MaxAttempts, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
			func(attempt int) error {
				var ferr error
				tx, ferr = c.fetch(ctx, txID, network)
				if ferr != nil && !errors.Is(ferr, errTransient) {
					return retry.Permanent(ferr)
				}
				if ferr != nil {
					log.Warn("registry fetch failed", "attempt", attempt+1, "error", ferr)
				}
				return ferr
			})
	})
	if err != nil {
		spanErr = err
		result := "not_found"
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			result = "circuit_open"
		case errors.Is(err, errTransient), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			result = "unavailable"
		}
		metrics.RegistryLookupsTotal.WithLabelValues(string(network), result).Inc()
		log.Warn("registry lookup failed", "result", result, "error", err)
		return nil, ErrNotFound
	}

	rec, err := c.decode(tx)
	if err != nil {
		spanErr = err
		metrics.RegistryLookupsTotal.WithLabelValues(string(network), "invalid").Inc()
		log.Warn("registry record rejected", "error", err)
		return nil, ErrNotFound
	}

	metrics.RegistryLookupsTotal.WithLabelValues(string(network), "found").Inc()
	log.Debug("registry record loaded", "api_name", rec.APIName, "verify_agent", rec.VerifyAgent)
	return rec, nil
}

func (c *Client) fetch(ctx context.Context, txID string, network Network) (*hiroTx, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := c.baseURL(network) + "/extended/v1/tx/" + url.PathEscape(txID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	traces.InjectHeaders(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", errTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errMissing
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", errTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("registry: unexpected status %d", resp.StatusCode)
	}

	var tx hiroTx
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTxDocument)).Decode(&tx); err != nil {
		return nil, fmt.Errorf("registry: decode transaction: %w", err)
	}
	return &tx, nil
}

func (c *Client) decode(tx *hiroTx) (*Record, error) {
	if tx.TxStatus != "success" {
		return nil, fmt.Errorf("tx_status is %q", tx.TxStatus)
	}
	if tx.TxType != "contract_call" || tx.ContractCall == nil {
		return nil, fmt.Errorf("tx_type is %q, not a contract call", tx.TxType)
	}
	cc := tx.ContractCall
	if cc.ContractID != c.cfg.ContractID {
		return nil, fmt.Errorf("contract %q is not the registry", cc.ContractID)
	}
	if cc.FunctionName != fnCreateAPI && cc.FunctionName != fnUpdateAPI {
		return nil, fmt.Errorf("function %q does not publish a record", cc.FunctionName)
	}

	args := make(map[string]string, len(cc.FunctionArgs))
	for _, a := range cc.FunctionArgs {
		args[a.Name] = a.Hex
	}
	for _, name := range []string{argAPIName, argAllowedAgents, argCooldownBlocks, argVerifyAgent} {
		if _, ok := args[name]; !ok {
			return nil, fmt.Errorf("missing argument %s", name)
		}
	}

	rec := &Record{TxID: tx.TxID}
	var err error
	if rec.APIName, err = DecodeString(args[argAPIName]); err != nil {
		return nil, fmt.Errorf("%s: %w", argAPIName, err)
	}
	if rec.AllowedAgents, err = DecodeString(args[argAllowedAgents]); err != nil {
		return nil, fmt.Errorf("%s: %w", argAllowedAgents, err)
	}
	if rec.CooldownBlocks, err = DecodeUint(args[argCooldownBlocks]); err != nil {
		return nil, fmt.Errorf("%s: %w", argCooldownBlocks, err)
	}
	if rec.VerifyAgent, err = DecodeBool(args[argVerifyAgent]); err != nil {
		return nil, fmt.Errorf("%s: %w", argVerifyAgent, err)
	}
	return rec, nil
}
