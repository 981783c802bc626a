package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequirements() PaymentRequirementsV2 {
	return PaymentRequirementsV2{
		Scheme:            SchemeExact,
		Network:           NetworkStacksTestnet,
		Asset:             AssetSTX,
		Amount:            "1000000",
		PayTo:             "ST3AW560S3EET4NNSC3NG9N6CPNMPGASTMKWX11KG",
		MaxTimeoutSeconds: 300,
	}
}

func TestHeaderCodec(t *testing.T) {
	challenge := PaymentRequiredV2{
		X402Version: Version,
		Error:       ErrCodePaymentRequired,
		Resource:    &ResourceInfoV2{URL: "http://gw/w/api_1/data"},
		Accepts:     []PaymentRequirementsV2{testRequirements()},
	}
	h, err := EncodeHeader(challenge)
	require.NoError(t, err)

	var got PaymentRequiredV2
	require.NoError(t, DecodeHeader(h, &got))
	assert.Equal(t, challenge, got)

	raw, _ := json.Marshal(challenge)
	require.NoError(t, DecodeHeader(base64.RawURLEncoding.EncodeToString(raw), &got), "url-safe unpadded is accepted")
}

func TestDecodeHeader_Malformed(t *testing.T) {
	var v PaymentPayloadV2
	for _, bad := range []string{"", "!!!not base64", base64.StdEncoding.EncodeToString([]byte("not json"))} {
		assert.ErrorIs(t, DecodeHeader(bad, &v), ErrMalformedHeader, bad)
	}
}

func TestSTXToMicroSTX(t *testing.T) {
	tests := []struct {
		stx  float64
		want string
	}{
		{1, "1000000"},
		{0.1, "100000"},
		{0.0000015, "2"},
		{1.1, "1100000"},
		{0, "0"},
	}
	for _, tt := range tests {
		got, err := STXToMicroSTX(tt.stx)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v STX", tt.stx)
	}

	_, err := STXToMicroSTX(-1)
	assert.Error(t, err)
}

func TestStacksNetwork(t *testing.T) {
	n, err := StacksNetwork("TESTNET")
	require.NoError(t, err)
	assert.Equal(t, NetworkStacksTestnet, n)

	n, err = StacksNetwork("mainnet")
	require.NoError(t, err)
	assert.Equal(t, NetworkStacksMainnet, n)

	_, err = StacksNetwork("regtest")
	assert.Error(t, err)
}

func TestFacilitator_VerifyAndSettle(t *testing.T) {
	var verifyBody facilitatorRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/verify":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&verifyBody))
			_ = json.NewEncoder(w).Encode(VerifyResponse{IsValid: true, Payer: "ST1PAYER"})
		case "/settle":
			_ = json.NewEncoder(w).Encode(SettleResponse{Success: true, Transaction: "0xabc", Network: NetworkStacksTestnet, Payer: "ST1PAYER"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	payload := &PaymentPayloadV2{X402Version: Version, Accepted: testRequirements(), Payload: json.RawMessage(`{"transaction":"0001"}`)}
	c := NewFacilitatorClient(time.Second)

	vr, err := c.Verify(context.Background(), srv.URL+"/", payload, testRequirements())
	require.NoError(t, err)
	assert.True(t, vr.IsValid)
	assert.Equal(t, Version, verifyBody.X402Version)
	assert.Equal(t, "1000000", verifyBody.PaymentRequirements.Amount)
	assert.JSONEq(t, `{"transaction":"0001"}`, string(verifyBody.PaymentPayload.Payload))

	sr, err := c.Settle(context.Background(), srv.URL, payload, testRequirements())
	require.NoError(t, err)
	assert.Equal(t, "0xabc", sr.Transaction)
}

func TestFacilitator_RejectionBodyIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(VerifyResponse{IsValid: false, InvalidReason: "insufficient_funds"})
	}))
	defer srv.Close()

	vr, err := NewFacilitatorClient(time.Second).Verify(context.Background(), srv.URL, &PaymentPayloadV2{}, testRequirements())
	require.NoError(t, err)
	assert.False(t, vr.IsValid)
	assert.Equal(t, "insufficient_funds", vr.InvalidReason)
}

func TestFacilitator_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	c := NewFacilitatorClient(time.Second)
	_, err := c.Verify(context.Background(), srv.URL, &PaymentPayloadV2{}, testRequirements())
	assert.ErrorIs(t, err, ErrFacilitatorUnavailable)

	srv.Close()
	_, err = c.Settle(context.Background(), srv.URL, &PaymentPayloadV2{}, testRequirements())
	assert.ErrorIs(t, err, ErrFacilitatorUnavailable)
}

func TestFacilitator_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(VerifyResponse{IsValid: true})
	}))
	defer srv.Close()

	vr, err := NewFacilitatorClient(time.Second).Verify(context.Background(), srv.URL, &PaymentPayloadV2{}, testRequirements())
	require.NoError(t, err)
	assert.True(t, vr.IsValid)
	assert.Equal(t, int32(2), calls.Load())
}

func TestParseChallenge(t *testing.T) {
	challenge := PaymentRequiredV2{X402Version: Version, Accepts: []PaymentRequirementsV2{testRequirements()}}
	h, err := EncodeHeader(challenge)
	require.NoError(t, err)

	resp := &http.Response{StatusCode: http.StatusPaymentRequired, Header: http.Header{}, Body: http.NoBody}
	resp.Header.Set(HeaderPaymentRequired, h)
	got, err := ParseChallenge(resp)
	require.NoError(t, err)
	req, ok := got.Select(NetworkStacksTestnet)
	require.True(t, ok)
	assert.Equal(t, "1000000", req.Amount)
	_, ok = got.Select(NetworkStacksMainnet)
	assert.False(t, ok)

	raw, _ := json.Marshal(challenge)
	resp = &http.Response{StatusCode: http.StatusPaymentRequired, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(string(raw)))}
	got, err = ParseChallenge(resp)
	require.NoError(t, err)
	assert.Len(t, got.Accepts, 1)

	_, err = ParseChallenge(&http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: http.NoBody})
	assert.Error(t, err)
}

func TestAttachPaymentAndParseSettlement(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/w/api_1", nil)
	payload := &PaymentPayloadV2{X402Version: Version, Accepted: testRequirements(), Payload: json.RawMessage(`{}`)}
	require.NoError(t, AttachPayment(req, payload))

	var decoded PaymentPayloadV2
	require.NoError(t, DecodeHeader(req.Header.Get("payment-signature"), &decoded))
	assert.Equal(t, payload.Accepted, decoded.Accepted)

	h, _ := EncodeHeader(SettleResponse{Success: true, Transaction: "0x1"})
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set(HeaderPaymentResponse, h)
	sr, err := ParseSettlement(resp)
	require.NoError(t, err)
	assert.Equal(t, "0x1", sr.Transaction)

	_, err = ParseSettlement(&http.Response{Header: http.Header{}})
	assert.True(t, errors.Is(err, ErrMalformedHeader))
}
