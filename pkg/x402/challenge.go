package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ParseChallenge extracts the payment challenge from a 402 response. The
// Payment-Required header is preferred; the JSON body is the fallback.
// The response body is not closed.
func ParseChallenge(resp *http.Response) (*PaymentRequiredV2, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("x402: expected status 402, got %d", resp.StatusCode)
	}

	var pr PaymentRequiredV2
	if h := resp.Header.Get(HeaderPaymentRequired); h != "" {
		if err := DecodeHeader(h, &pr); err != nil {
			return nil, err
		}
		return &pr, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFacilitatorBody))
	if err != nil {
		return nil, fmt.Errorf("x402: read challenge body: %w", err)
	}
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, fmt.Errorf("%w: challenge body: %v", ErrMalformedHeader, err)
	}
	if len(pr.Accepts) == 0 {
		return nil, fmt.Errorf("%w: challenge lists no accepted payments", ErrMalformedHeader)
	}
	return &pr, nil
}

// Select returns the first accepted requirement on network, or false.
func (p *PaymentRequiredV2) Select(network string) (PaymentRequirementsV2, bool) {
	for _, r := range p.Accepts {
		if r.Network == network {
			return r, true
		}
	}
	return PaymentRequirementsV2{}, false
}

// ParseSettlement decodes the Payment-Response header of a paid response.
func ParseSettlement(resp *http.Response) (*SettleResponse, error) {
	var sr SettleResponse
	if err := DecodeHeader(resp.Header.Get(HeaderPaymentResponse), &sr); err != nil {
		return nil, err
	}
	return &sr, nil
}

// AttachPayment encodes payload into req's Payment-Signature header.
func AttachPayment(req *http.Request, payload *PaymentPayloadV2) error {
	v, err := EncodeHeader(payload)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderPaymentSignature, v)
	return nil
}
