package agentauth

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingHeaders     = errors.New("agentauth: missing required headers")
	ErrInvalidSignature   = errors.New("agentauth: signature does not match wallet")
	ErrSignatureMalformed = errors.New("agentauth: malformed signature or wallet")
	ErrStaleTimestamp     = errors.New("agentauth: timestamp outside allowed window")
	ErrAgentNotAllowed    = errors.New("agentauth: agent wallet not in allow-list")
)

// MissingHeadersError names the claim headers absent from a request.
type MissingHeadersError struct {
	Missing []string
}

func (e *MissingHeadersError) Error() string {
	return ErrMissingHeaders.Error() + ": " + strings.Join(e.Missing, ", ")
}

func (e *MissingHeadersError) Unwrap() error { return ErrMissingHeaders }

// Verifier checks claim signatures.
type Verifier struct {
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier creates a verifier. A maxSkew of zero disables the timestamp
// freshness check. now defaults to time.Now.
func NewVerifier(maxSkew time.Duration, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{maxSkew: maxSkew, now: now}
}

// Verify rebuilds the canonical message for endpointID and body and checks
// that claim.Signature was produced by claim.Wallet. Wallets given as a
// 0x address use EIP-191 hashing; anything else is treated as a hex
// secp256k1 public key with Stacks message hashing.
func (v *Verifier) Verify(claim Claim, endpointID string, body []byte) error {
	if err := v.checkFresh(claim.Timestamp); err != nil {
		return err
	}

	message := CanonicalMessage(endpointID, claim.Timestamp, body)
	if evmAddressRe.MatchString(claim.Wallet) {
		return verifyEVM(message, claim.Signature, claim.Wallet)
	}
	return verifyStacks(message, claim.Signature, claim.Wallet)
}

func (v *Verifier) checkFresh(raw string) error {
	if v.maxSkew <= 0 {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	var ts time.Time
	if n > 1e12 {
		ts = time.UnixMilli(n)
	} else {
		ts = time.Unix(n, 0)
	}
	d := v.now().Sub(ts)
	if d < 0 {
		d = -d
	}
	if d > v.maxSkew {
		return ErrStaleTimestamp
	}
	return nil
}

// AllowList splits a comma-separated allow-list, dropping blank entries.
func AllowList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CheckAllowed reports ErrAgentNotAllowed unless wallet appears in the
// comma-separated allowedAgents list. Comparison ignores case.
func CheckAllowed(allowedAgents, wallet string) error {
	for _, a := range AllowList(allowedAgents) {
		if strings.EqualFold(a, wallet) {
			return nil
		}
	}
	return ErrAgentNotAllowed
}
