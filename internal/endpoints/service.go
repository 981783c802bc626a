package endpoints

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/x402gate/internal/idgen"
	"github.com/mbd888/x402gate/internal/logging"
	"github.com/mbd888/x402gate/internal/pagination"
	"github.com/mbd888/x402gate/internal/payments"
	"github.com/mbd888/x402gate/internal/requestlog"
	"github.com/mbd888/x402gate/internal/security"
	"github.com/mbd888/x402gate/internal/validation"
)

// CreateRequest registers a new wrapped endpoint.
type CreateRequest struct {
	Name            string   `json:"name"`
	OriginalURL     string   `json:"originalUrl"`
	PricePerRequest float64  `json:"pricePerRequest"`
	MinPrice        *float64 `json:"minPrice,omitempty"`
	MaxPrice        *float64 `json:"maxPrice,omitempty"`
	Network         Network  `json:"network,omitempty"`
	FacilitatorURL  string   `json:"facilitatorUrl"`
	StacksAddress   string   `json:"stacksAddress"`
}

// UpdateRequest changes selected fields. Nil fields are left alone.
type UpdateRequest struct {
	PricePerRequest *float64 `json:"pricePerRequest,omitempty"`
	MinPrice        *float64 `json:"minPrice,omitempty"`
	MaxPrice        *float64 `json:"maxPrice,omitempty"`
	IsActive        *bool    `json:"isActive,omitempty"`
	Network         *Network `json:"network,omitempty"`
	FacilitatorURL  *string  `json:"facilitatorUrl,omitempty"`
	StacksAddress   *string  `json:"stacksAddress,omitempty"`
}

// Metrics summarizes all-time traffic and revenue for an endpoint.
type Metrics struct {
	TotalRequests      int     `json:"totalRequests"`
	SuccessfulRequests int     `json:"successfulRequests"`
	FailedRequests     int     `json:"failedRequests"`
	SuccessRate        float64 `json:"successRate"` // percent
	TotalRevenue       float64 `json:"totalRevenue"`
}

// Analytics summarizes one reporting period.
type Analytics struct {
	Period   string    `json:"period"`
	Since    time.Time `json:"since"`
	Requests struct {
		Total           int     `json:"total"`
		Successful      int     `json:"successful"`
		SuccessRate     float64 `json:"successRate"`
		AvgResponseTime string  `json:"avgResponseTime"`
	} `json:"requests"`
	Revenue struct {
		Total        float64 `json:"total"`
		Currency     string  `json:"currency"`
		PaymentCount int     `json:"paymentCount"`
	} `json:"revenue"`
	UniquePayers int `json:"uniquePayers"`
}

var periodDays = map[string]int{"7d": 7, "30d": 30, "90d": 90, "1y": 365}

// DefaultPeriod is used for unknown analytics periods.
const DefaultPeriod = "30d"

// Service implements endpoint management.
type Service struct {
	store        Store
	payments     payments.Store
	requests     requestlog.Store
	baseURL      string
	allowPrivate bool
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates an endpoint service. baseURL prefixes wrapper URLs;
// allowPrivate permits loopback and private upstreams for development.
func NewService(store Store, pay payments.Store, requests requestlog.Store, baseURL string, allowPrivate bool, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		payments:     pay,
		requests:     requests,
		baseURL:      strings.TrimRight(baseURL, "/"),
		allowPrivate: allowPrivate,
		logger:       logger.With("component", "endpoints"),
		now:          time.Now,
	}
}

// WithClock overrides the clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Create validates req and stores a new active endpoint.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Endpoint, error) {
	minPrice, maxPrice := DefaultMinPrice, DefaultMaxPrice
	if req.MinPrice != nil {
		minPrice = *req.MinPrice
	}
	if req.MaxPrice != nil {
		maxPrice = *req.MaxPrice
	}
	if req.Network == "" {
		req.Network = Testnet
	}
	req.Name = validation.SanitizeString(req.Name, validation.MaxNameLength+1)

	if err := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, validation.MaxNameLength),
		validation.HTTPURL("originalUrl", req.OriginalURL),
		validation.Positive("pricePerRequest", req.PricePerRequest),
		validation.Positive("minPrice", minPrice),
		validation.Positive("maxPrice", maxPrice),
		validation.OneOf("network", string(req.Network), string(Testnet), string(Mainnet)),
		validation.HTTPURL("facilitatorUrl", req.FacilitatorURL),
		validation.StacksAddress("stacksAddress", req.StacksAddress),
	); err != nil {
		return nil, err
	}
	if err := validation.Validate(validation.PriceBounds(req.PricePerRequest, minPrice, maxPrice)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPriceBounds, err)
	}
	if err := security.ValidateUpstreamURL(req.OriginalURL, s.allowPrivate); err != nil {
		return nil, validation.Errors{{Field: "originalUrl", Message: err.Error()}}
	}

	now := s.now().UTC()
	e := &Endpoint{
		ID:              idgen.WithPrefix(IDPrefix),
		Name:            req.Name,
		OriginalURL:     strings.TrimRight(req.OriginalURL, "/"),
		PricePerRequest: RoundPrice(req.PricePerRequest),
		MinPrice:        RoundPrice(minPrice),
		MaxPrice:        RoundPrice(maxPrice),
		Network:         req.Network,
		StacksAddress:   req.StacksAddress,
		FacilitatorURL:  req.FacilitatorURL,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	logging.Ctx(ctx, s.logger).Info("endpoint created",
		"api_id", e.ID, "name", e.Name, "price", e.PricePerRequest, "network", e.Network)
	return s.decorate(e), nil
}

// Get returns one endpoint.
func (s *Service) Get(ctx context.Context, id string) (*Endpoint, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.decorate(e), nil
}

// List returns a page of endpoints, newest first.
func (s *Service) List(ctx context.Context, cursor string, limit int) (pagination.Page[*Endpoint], error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return pagination.Page[*Endpoint]{}, err
	}
	items, err := s.store.List(ctx, after, limit+1)
	if err != nil {
		return pagination.Page[*Endpoint]{}, fmt.Errorf("list endpoints: %w", err)
	}
	for _, e := range items {
		s.decorate(e)
	}
	return pagination.ComputePage(items, limit, func(e *Endpoint) (time.Time, string) {
		return e.CreatedAt, e.ID
	}), nil
}

// Update applies req. When any price field changes the price is clamped
// into the effective bounds.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*Endpoint, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var rules []validation.Rule
	if req.PricePerRequest != nil {
		rules = append(rules, validation.Positive("pricePerRequest", *req.PricePerRequest))
	}
	if req.MinPrice != nil {
		rules = append(rules, validation.Positive("minPrice", *req.MinPrice))
	}
	if req.MaxPrice != nil {
		rules = append(rules, validation.Positive("maxPrice", *req.MaxPrice))
	}
	if req.Network != nil {
		rules = append(rules, validation.OneOf("network", string(*req.Network), string(Testnet), string(Mainnet)))
	}
	if req.FacilitatorURL != nil {
		rules = append(rules, validation.HTTPURL("facilitatorUrl", *req.FacilitatorURL))
	}
	if req.StacksAddress != nil {
		rules = append(rules, validation.StacksAddress("stacksAddress", *req.StacksAddress))
	}
	if err := validation.Validate(rules...); err != nil {
		return nil, err
	}

	if req.PricePerRequest != nil || req.MinPrice != nil || req.MaxPrice != nil {
		minPrice, maxPrice, price := e.MinPrice, e.MaxPrice, e.PricePerRequest
		if req.MinPrice != nil {
			minPrice = RoundPrice(*req.MinPrice)
		}
		if req.MaxPrice != nil {
			maxPrice = RoundPrice(*req.MaxPrice)
		}
		if req.PricePerRequest != nil {
			price = RoundPrice(*req.PricePerRequest)
		}
		if minPrice > maxPrice {
			return nil, fmt.Errorf("%w: minPrice cannot be greater than maxPrice", ErrInvalidPriceBounds)
		}
		clamped, changed := Clamp(price, minPrice, maxPrice)
		if changed {
			logging.Ctx(ctx, s.logger).Info("price clamped to bounds",
				"api_id", id, "requested", price, "clamped", clamped, "min", minPrice, "max", maxPrice)
		}
		e.MinPrice, e.MaxPrice, e.PricePerRequest = minPrice, maxPrice, clamped
	}
	if req.IsActive != nil {
		e.IsActive = *req.IsActive
	}
	if req.Network != nil {
		e.Network = *req.Network
	}
	if req.FacilitatorURL != nil {
		e.FacilitatorURL = *req.FacilitatorURL
	}
	if req.StacksAddress != nil {
		e.StacksAddress = *req.StacksAddress
	}
	e.UpdatedAt = s.now().UTC()

	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("update endpoint: %w", err)
	}
	logging.Ctx(ctx, s.logger).Info("endpoint updated", "api_id", id, "price", e.PricePerRequest, "active", e.IsActive)
	return s.decorate(e), nil
}

// Delete removes an endpoint and, through the schema, its history.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	logging.Ctx(ctx, s.logger).Info("endpoint deleted", "api_id", id)
	return nil
}

// Metrics returns all-time request and revenue totals.
func (s *Service) Metrics(ctx context.Context, id string) (*Metrics, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	stats, err := s.requests.Stats(ctx, id, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("request stats: %w", err)
	}
	rev, err := s.payments.Revenue(ctx, id, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("revenue: %w", err)
	}
	return &Metrics{
		TotalRequests:      stats.Total,
		SuccessfulRequests: stats.Successful,
		FailedRequests:     stats.Failed(),
		SuccessRate:        round2(stats.SuccessRate()),
		TotalRevenue:       round2(rev.Total),
	}, nil
}

// Analytics returns totals for period (7d, 30d, 90d or 1y; anything else
// means 30d).
func (s *Service) Analytics(ctx context.Context, id, period string) (*Analytics, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	days, ok := periodDays[period]
	if !ok {
		period, days = DefaultPeriod, periodDays[DefaultPeriod]
	}
	since := s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	stats, err := s.requests.Stats(ctx, id, since)
	if err != nil {
		return nil, fmt.Errorf("request stats: %w", err)
	}
	rev, err := s.payments.Revenue(ctx, id, since)
	if err != nil {
		return nil, fmt.Errorf("revenue: %w", err)
	}

	out := &Analytics{Period: period, Since: since, UniquePayers: rev.UniquePayers}
	out.Requests.Total = stats.Total
	out.Requests.Successful = stats.Successful
	out.Requests.SuccessRate = math.Round(stats.SuccessRate()*10) / 10
	out.Requests.AvgResponseTime = fmt.Sprintf("%dms", int64(math.Round(stats.AvgResponseMs)))
	out.Revenue.Total = rev.Total
	out.Revenue.Currency = "STX"
	out.Revenue.PaymentCount = rev.PaymentCount
	return out, nil
}

func (s *Service) decorate(e *Endpoint) *Endpoint {
	e.WrapperURL = s.baseURL + "/w/" + url.PathEscape(e.ID)
	return e
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
