// Package x402 implements the HTTP 402 payment protocol (version 2) wire
// format for Stacks payments: challenge and payload headers, facilitator
// verify/settle calls, and helpers for agent-side clients.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Version is the protocol version this package speaks.
const Version = 2

// Header names. HTTP header lookup is case-insensitive.
const (
	HeaderPaymentSignature = "Payment-Signature"
	HeaderPaymentRequired  = "Payment-Required"
	HeaderPaymentResponse  = "Payment-Response"
)

// SchemeExact pays exactly the requested amount.
const SchemeExact = "exact"

// AssetSTX is the native Stacks token.
const AssetSTX = "STX"

// CAIP-2 style Stacks network identifiers.
const (
	NetworkStacksMainnet = "stacks:1"
	NetworkStacksTestnet = "stacks:2147483648"
)

// Challenge error codes produced by the gateway itself. Facilitator
// rejections carry the facilitator's own reason string.
const (
	ErrCodeInvalidPaymentHeader   = "invalid_payment_header"
	ErrCodeFacilitatorUnavailable = "facilitator_unavailable"
	ErrCodePaymentRequired        = "payment_required"
)

// ErrMalformedHeader is returned by DecodeHeader for bad base64 or JSON.
var ErrMalformedHeader = errors.New("x402: malformed header")

// PaymentRequirementsV2 is one acceptable way to pay.
type PaymentRequirementsV2 struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	Asset             string         `json:"asset"`
	Amount            string         `json:"amount"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// ResourceInfoV2 describes the resource being paid for.
type ResourceInfoV2 struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequiredV2 is the 402 challenge.
type PaymentRequiredV2 struct {
	X402Version int                     `json:"x402Version"`
	Error       string                  `json:"error,omitempty"`
	Resource    *ResourceInfoV2         `json:"resource,omitempty"`
	Accepts     []PaymentRequirementsV2 `json:"accepts"`
}

// PaymentPayloadV2 is what a client sends in Payment-Signature. Payload is
// kept raw because its shape depends on the scheme and network.
type PaymentPayloadV2 struct {
	X402Version int                   `json:"x402Version"`
	Accepted    PaymentRequirementsV2 `json:"accepted"`
	Payload     json.RawMessage       `json:"payload"`
	Resource    *ResourceInfoV2       `json:"resource,omitempty"`
}

// VerifyResponse is the facilitator's /verify answer.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's /settle answer, echoed to the client
// in Payment-Response.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// facilitatorRequest is the body of /verify and /settle.
type facilitatorRequest struct {
	X402Version         int                   `json:"x402Version"`
	PaymentPayload      *PaymentPayloadV2     `json:"paymentPayload"`
	PaymentRequirements PaymentRequirementsV2 `json:"paymentRequirements"`
}

// EncodeHeader returns base64(JSON(v)).
func EncodeHeader(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("x402: encode header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeader parses base64(JSON) into v. Both standard and URL-safe
// alphabets are accepted, padded or not.
func DecodeHeader(value string, v any) error {
	if value == "" {
		return fmt.Errorf("%w: empty", ErrMalformedHeader)
	}
	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err = enc.DecodeString(value); err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return nil
}

// StacksNetwork maps "mainnet"/"testnet" (any case) to its CAIP-2 id.
func StacksNetwork(name string) (string, error) {
	switch strings.ToLower(name) {
	case "mainnet":
		return NetworkStacksMainnet, nil
	case "testnet":
		return NetworkStacksTestnet, nil
	default:
		return "", fmt.Errorf("x402: unknown stacks network %q", name)
	}
}

// STXToMicroSTX converts a price in STX to a decimal micro-STX string,
// rounding to the nearest unit.
func STXToMicroSTX(stx float64) (string, error) {
	if math.IsNaN(stx) || math.IsInf(stx, 0) || stx < 0 {
		return "", fmt.Errorf("x402: invalid STX amount %v", stx)
	}
	micro := math.Round(stx * 1e6)
	if micro > math.MaxInt64 {
		return "", fmt.Errorf("x402: STX amount %v overflows", stx)
	}
	return strconv.FormatInt(int64(micro), 10), nil
}
