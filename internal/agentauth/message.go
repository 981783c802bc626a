// Package agentauth verifies that a wrapped-endpoint call was signed by the
// agent it claims to come from.
package agentauth

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
)

// Agent claim headers.
const (
	HeaderWallet    = "X-Agent-Wallet"
	HeaderSignature = "X-Agent-Signature"
	HeaderTimestamp = "X-Agent-Timestamp"
	HeaderTxID      = "X-Validator-Txid"
)

// RequiredHeaders lists the claim headers in the order they are reported
// to callers.
var RequiredHeaders = []string{"x-agent-wallet", "x-agent-signature", "x-agent-timestamp", "x-validator-txid"}

// Claim is what the caller asserts about itself.
type Claim struct {
	Wallet    string
	Signature string
	Timestamp string
	TxID      string
}

// ExtractClaim reads the claim headers. It returns a *MissingHeadersError
// naming every absent header.
func ExtractClaim(h http.Header) (Claim, error) {
	claim := Claim{
		Wallet:    strings.TrimSpace(h.Get(HeaderWallet)),
		Signature: strings.TrimSpace(h.Get(HeaderSignature)),
		Timestamp: strings.TrimSpace(h.Get(HeaderTimestamp)),
		TxID:      strings.TrimSpace(h.Get(HeaderTxID)),
	}

	var missing []string
	for i, v := range []string{claim.Wallet, claim.Signature, claim.Timestamp, claim.TxID} {
		if v == "" {
			missing = append(missing, RequiredHeaders[i])
		}
	}
	if len(missing) > 0 {
		return Claim{}, &MissingHeadersError{Missing: missing}
	}
	return claim, nil
}

// CanonicalMessage builds the string an agent signs:
//
//	endpointID|timestamp|timestamp|hex(sha256(json(body)))
//
// The timestamp doubles as the nonce. An empty body hashes as "{}".
func CanonicalMessage(endpointID, timestamp string, body []byte) string {
	sum := sha256.Sum256(canonicalBody(body))
	return endpointID + "|" + timestamp + "|" + timestamp + "|" + hex.EncodeToString(sum[:])
}

func canonicalBody(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return []byte("{}")
	}
	if json.Valid(trimmed) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err == nil {
			return buf.Bytes()
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(string(body))
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}
