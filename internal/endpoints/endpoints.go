// Package endpoints manages wrapped endpoints: the upstream API, its price
// bounds, and the payment recipient behind each /w/{id} wrapper URL.
package endpoints

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/mbd888/x402gate/internal/pagination"
)

var (
	ErrNotFound           = errors.New("endpoints: endpoint not found")
	ErrInvalidPriceBounds = errors.New("endpoints: price must lie within [minPrice, maxPrice]")
	ErrPriceConflict      = errors.New("endpoints: price changed concurrently")
)

// Network selects the Stacks chain an endpoint is paid and authorized on.
type Network string

const (
	Testnet Network = "TESTNET"
	Mainnet Network = "MAINNET"
)

// Price bounds applied when the owner leaves them out.
const (
	DefaultMinPrice = 1.0
	DefaultMaxPrice = 1000.0
)

// IDPrefix starts every endpoint id.
const IDPrefix = "api_"

// Endpoint is a wrapped upstream API.
type Endpoint struct {
	ID              string    `json:"apiId"`
	Name            string    `json:"name"`
	OriginalURL     string    `json:"originalUrl"`
	WrapperURL      string    `json:"wrapperUrl"`
	PricePerRequest float64   `json:"pricePerRequest"` // STX
	MinPrice        float64   `json:"minPrice"`
	MaxPrice        float64   `json:"maxPrice"`
	Network         Network   `json:"network"`
	StacksAddress   string    `json:"stacksAddress"`
	FacilitatorURL  string    `json:"facilitatorUrl"`
	IsActive        bool      `json:"isActive"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// InBounds reports whether the price lies within [MinPrice, MaxPrice].
func (e *Endpoint) InBounds() bool {
	return e.MinPrice <= e.PricePerRequest && e.PricePerRequest <= e.MaxPrice
}

// Clamp forces price into [min, max]. NaN collapses to min.
func Clamp(price, min, max float64) (float64, bool) {
	switch {
	case math.IsNaN(price), price < min:
		return min, true
	case price > max:
		return max, true
	}
	return price, false
}

// RoundPrice rounds to micro-STX so stored prices compare exactly.
func RoundPrice(p float64) float64 {
	return math.Round(p*1e6) / 1e6
}

// Reader is the read path the gateway needs.
type Reader interface {
	Get(ctx context.Context, id string) (*Endpoint, error)
}

// Store persists endpoints.
type Store interface {
	Reader
	Create(ctx context.Context, e *Endpoint) error
	// List returns up to limit endpoints after the cursor, newest first.
	List(ctx context.Context, after *pagination.Cursor, limit int) ([]*Endpoint, error)
	Update(ctx context.Context, e *Endpoint) error
	// UpdatePrice sets the price only if it still equals expectedOld,
	// returning ErrPriceConflict otherwise.
	UpdatePrice(ctx context.Context, id string, expectedOld, newPrice float64) error
	Delete(ctx context.Context, id string) error
}
