// Package validation provides input validation helpers for gateway requests.
package validation

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxNameLength bounds human-readable names.
const MaxNameLength = 255

var (
	stacksAddressRe = regexp.MustCompile(`^S[0-9A-Z]{38,40}$`)
	txIDRe          = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		}
		c.Next()
	}
}

// IsValidStacksAddress checks the shape of a Stacks principal (S + 38-40 c32 chars).
func IsValidStacksAddress(addr string) bool {
	return stacksAddressRe.MatchString(addr)
}

// IsValidTxID checks for a 32-byte hex transaction id, with or without 0x.
func IsValidTxID(id string) bool {
	return txIDRe.MatchString(id)
}

// NormalizeTxID lowercases a transaction id and ensures the 0x prefix.
func NormalizeTxID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if !strings.HasPrefix(id, "0x") {
		id = "0x" + id
	}
	return id
}

// SanitizeString trims whitespace, strips NUL bytes, and truncates.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// FieldError is a single field validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of field errors.
type Errors []FieldError

// Error implements the error interface
func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Rule produces a FieldError or nil.
type Rule func() *FieldError

// Validate runs rules and collects failures. It returns nil when all pass.
func Validate(rules ...Rule) error {
	var errs Errors
	for _, r := range rules {
		if fe := r(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Required checks that value is non-blank.
func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks that value is at most max bytes.
func MaxLength(field, value string, max int) Rule {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: fmt.Sprintf("must not exceed %d characters", max)}
		}
		return nil
	}
}

// HTTPURL checks that value is an absolute http(s) URL.
func HTTPURL(field, value string) Rule {
	return func() *FieldError {
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &FieldError{Field: field, Message: "must be a valid http(s) URL"}
		}
		return nil
	}
}

// StacksAddress checks that value is a Stacks principal.
func StacksAddress(field, value string) Rule {
	return func() *FieldError {
		if !IsValidStacksAddress(value) {
			return &FieldError{Field: field, Message: "must be a valid Stacks address starting with S"}
		}
		return nil
	}
}

// Positive checks that v is a finite number greater than zero.
func Positive(field string, v float64) Rule {
	return func() *FieldError {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return &FieldError{Field: field, Message: "must be a positive number"}
		}
		return nil
	}
}

// OneOf checks that value is one of allowed.
func OneOf(field, value string, allowed ...string) Rule {
	return func() *FieldError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &FieldError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// PriceBounds checks min <= price <= max.
func PriceBounds(price, min, max float64) Rule {
	return func() *FieldError {
		switch {
		case min > max:
			return &FieldError{Field: "minPrice", Message: "cannot be greater than maxPrice"}
		case price < min:
			return &FieldError{Field: "pricePerRequest", Message: "cannot be less than minPrice"}
		case price > max:
			return &FieldError{Field: "pricePerRequest", Message: "cannot be greater than maxPrice"}
		}
		return nil
	}
}
