package evm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/becomeliminal/x402-resource-server"
	"github.com/becomeliminal/x402-resource-server/facilitator"
	"github.com/becomeliminal/x402-resource-server/facilitator/facilitatortest"
	"github.com/becomeliminal/x402-resource-server/schemes/exact/evm"
)

const (
	network = "eip155:1001"
	asset   = "0x35ad55addadcd1867f8d036ed24f0431c8ef86a6"
	payTo   = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	payer   = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
)

var (
	validSignature = "0x" + strings.Repeat("ab", 65)
	validNonce     = "0x" + strings.Repeat("01", 32)
)

func requirement() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            evm.SchemeName,
		Network:           network,
		Amount:            "1000",
		Asset:             asset,
		PayTo:             payTo,
		MaxTimeoutSeconds: 60,
	}
}

func authorization() *evm.Authorization {
	return &evm.Authorization{
		From:        payer,
		To:          payTo,
		Value:       "1000",
		ValidAfter:  0,
		ValidBefore: evm.UnixTime(time.Now().Add(time.Hour).Unix()),
		Nonce:       validNonce,
	}
}

func payloadFor(t *testing.T, req x402.PaymentRequirements, signature string, auth *evm.Authorization) *x402.PaymentPayload {
	t.Helper()
	raw, err := json.Marshal(&evm.ExactPayload{Signature: signature, Authorization: auth})
	require.NoError(t, err)
	return &x402.PaymentPayload{X402Version: 2, Accepted: req, Payload: raw}
}

func newScheme(t *testing.T) (*evm.Scheme, *facilitatortest.Server) {
	t.Helper()
	srv := facilitatortest.NewServer()
	t.Cleanup(srv.Close)
	client, err := facilitator.NewHTTPClient(srv.URL, facilitator.Options{})
	require.NoError(t, err)
	return evm.NewScheme(client), srv
}

func TestUnixTime_AcceptsStringsAndNumbers(t *testing.T) {
	var auth evm.Authorization
	require.NoError(t, json.Unmarshal([]byte(`{"validAfter":"10","validBefore":20}`), &auth))
	assert.Equal(t, evm.UnixTime(10), auth.ValidAfter)
	assert.Equal(t, evm.UnixTime(20), auth.ValidBefore)

	out, err := json.Marshal(auth.ValidBefore)
	require.NoError(t, err)
	assert.Equal(t, `"20"`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"validAfter":"soon"}`), &auth))
}

func TestScheme_VerifyLocalChecks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(req *x402.PaymentRequirements, sig *string, auth *evm.Authorization)
		raw    string
		want   string
	}{
		{
			name: "insufficient value",
			mutate: func(req *x402.PaymentRequirements, sig *string, auth *evm.Authorization) {
				auth.Value = "999"
			},
			want: x402.ReasonInsufficientAmount,
		},
		{
			name: "wrong recipient",
			mutate: func(req *x402.PaymentRequirements, sig *string, auth *evm.Authorization) {
				auth.To = payer
			},
			want: x402.ReasonRecipientMismatch,
		},
		{
			name: "short signature",
			mutate: func(req *x402.PaymentRequirements, sig *string, auth *evm.Authorization) {
				*sig = "0xdeadbeef"
			},
			want: x402.ReasonInvalidSignature,
		},
		{
			name: "short nonce",
			mutate: func(req *x402.PaymentRequirements, sig *string, auth *evm.Authorization) {
				auth.Nonce = "0x01"
			},
			want: x402.ReasonInvalidPayload,
		},
		{
			name: "bad payer address",
			mutate: func(req *x402.PaymentRequirements, sig *string, auth *evm.Authorization) {
				auth.From = "alice"
			},
			want: x402.ReasonInvalidPayload,
		},
		{
			name: "expired",
			mutate: func(req *x402.PaymentRequirements, sig *string, auth *evm.Authorization) {
				auth.ValidBefore = evm.UnixTime(time.Now().Add(-time.Minute).Unix())
			},
			want: x402.ReasonExpired,
		},
		{
			name: "not yet valid",
			mutate: func(req *x402.PaymentRequirements, sig *string, auth *evm.Authorization) {
				auth.ValidAfter = evm.UnixTime(time.Now().Add(time.Hour).Unix())
			},
			want: x402.ReasonNotYetValid,
		},
		{
			name: "non-evm network",
			mutate: func(req *x402.PaymentRequirements, sig *string, auth *evm.Authorization) {
				req.Network = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
			},
			want: x402.ReasonNetworkMismatch,
		},
		{
			name: "malformed payee",
			mutate: func(req *x402.PaymentRequirements, sig *string, auth *evm.Authorization) {
				req.PayTo = "merchant"
			},
			want: x402.ReasonInvalidRequirements,
		},
		{
			name: "missing authorization",
			raw:  `{"signature":"0x00"}`,
			want: x402.ReasonInvalidPayload,
		},
		{
			name: "not json",
			raw:  `"exact"`,
			want: x402.ReasonInvalidPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheme, srv := newScheme(t)

			req := requirement()
			sig := validSignature
			auth := authorization()
			var payload *x402.PaymentPayload
			if tt.raw != "" {
				payload = &x402.PaymentPayload{X402Version: 2, Accepted: req, Payload: json.RawMessage(tt.raw)}
			} else {
				tt.mutate(&req, &sig, auth)
				payload = payloadFor(t, requirement(), sig, auth)
				payload.Accepted.Network = req.Network
			}

			result, err := scheme.Verify(context.Background(), &req, payload)
			require.NoError(t, err)
			assert.False(t, result.Valid)
			assert.Equal(t, tt.want, result.Reason)
			assert.Zero(t, srv.VerifyCalls(), "local rejections never reach the facilitator")
		})
	}
}

func TestScheme_VerifyAndSettle(t *testing.T) {
	scheme, srv := newScheme(t)
	req := requirement()
	payload := payloadFor(t, req, validSignature, authorization())

	result, err := scheme.Verify(context.Background(), &req, payload)
	require.NoError(t, err)
	require.True(t, result.Valid)
	assert.Equal(t, payer, result.Payer)
	assert.Equal(t, 1, srv.VerifyCalls())

	settled, err := scheme.Settle(context.Background(), &req, result.Context)
	require.NoError(t, err)
	assert.True(t, settled.Success())
	assert.Equal(t, network, settled.Network)
	assert.Equal(t, payer, settled.Payer)
	assert.False(t, settled.SettledAt.IsZero())

	// Settle submits exactly what Verify saw.
	require.Len(t, srv.SettleRequests(), 1)
	sent := srv.SettleRequests()[0]
	assert.JSONEq(t, string(payload.Payload), string(sent.PaymentPayload.Payload))
	assert.Equal(t, "1000", sent.PaymentRequirements.Amount)
}

func TestScheme_FacilitatorRejects(t *testing.T) {
	scheme, srv := newScheme(t)
	srv.VerifyFunc = func(req *x402.FacilitatorRequest) (*x402.VerifyResponse, int) {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: "insufficient_funds"}, http.StatusOK
	}

	req := requirement()
	result, err := scheme.Verify(context.Background(), &req, payloadFor(t, req, validSignature, authorization()))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "insufficient_funds", result.Reason)
}

func TestScheme_FacilitatorFailure(t *testing.T) {
	scheme, srv := newScheme(t)
	srv.VerifyFunc = func(req *x402.FacilitatorRequest) (*x402.VerifyResponse, int) {
		return nil, http.StatusInternalServerError
	}

	req := requirement()
	_, err := scheme.Verify(context.Background(), &req, payloadFor(t, req, validSignature, authorization()))
	assert.ErrorIs(t, err, x402.ErrFacilitatorProtocol)
}

func TestScheme_SettleFailures(t *testing.T) {
	scheme, srv := newScheme(t)
	req := requirement()

	result, err := scheme.Settle(context.Background(), &req, "not a settlement context")
	require.NoError(t, err)
	assert.Equal(t, x402.SettlementFailed, result.Status)
	assert.Equal(t, x402.ReasonInvalidContext, result.Reason)
	assert.Zero(t, srv.SettleCalls())

	srv.SettleFunc = func(r *x402.FacilitatorRequest) (*x402.SettleResponse, int) {
		return &x402.SettleResponse{Success: false, ErrorReason: "nonce_already_used"}, http.StatusOK
	}
	verified, err := scheme.Verify(context.Background(), &req, payloadFor(t, req, validSignature, authorization()))
	require.NoError(t, err)
	require.True(t, verified.Valid)

	result, err = scheme.Settle(context.Background(), &req, verified.Context)
	require.NoError(t, err)
	assert.Equal(t, x402.SettlementFailed, result.Status)
	assert.Equal(t, "nonce_already_used", result.Reason)
	assert.Equal(t, network, result.Network)
}

func TestRegister_DefaultsToFamily(t *testing.T) {
	registry := x402.NewSchemeRegistry()
	require.NoError(t, evm.Register(registry, nil))

	_, err := registry.Resolve(evm.SchemeName, "eip155:8453")
	assert.NoError(t, err)
	_, err = registry.Resolve(evm.SchemeName, "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1")
	assert.ErrorIs(t, err, x402.ErrUnsupportedScheme)

	assert.ErrorIs(t, evm.Register(registry, nil), x402.ErrDuplicateScheme)
}

// scenario wires the exact EVM scheme, a fake facilitator and the HTTP
// middleware around a handler that returns status.
func scenario(t *testing.T, status int) (http.Handler, *facilitatortest.Server, *atomic.Int32) {
	t.Helper()
	srv := facilitatortest.NewServer()
	t.Cleanup(srv.Close)

	client, err := facilitator.NewHTTPClient(srv.URL, facilitator.Options{})
	require.NoError(t, err)

	registry := x402.NewSchemeRegistry()
	require.NoError(t, evm.Register(registry, client, network))
	server := x402.NewResourceServer(registry)

	cfg := x402.Config{
		Routes: map[string]x402.RouteConfig{
			"/r": {Accepts: []x402.PaymentOption{{Network: network, PayTo: payTo, Amount: "1000", Asset: asset}}},
		},
	}
	calls := &atomic.Int32{}
	handler := x402.PaymentMiddleware(cfg, server)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
		w.Write([]byte(`{"ok":true}`))
	}))
	return handler, srv, calls
}

func paidRequest(t *testing.T, auth *evm.Authorization) *http.Request {
	t.Helper()
	header, err := x402.EncodePaymentPayload(payloadFor(t, requirement(), validSignature, auth))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/r", nil)
	req.Header.Set(x402.HeaderPaymentSignature, header)
	return req
}

func TestScenario_ExactEVM_SettlesAfter200(t *testing.T) {
	handler, srv, calls := scenario(t, http.StatusOK)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, paidRequest(t, authorization()))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), calls.Load())
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, 1, srv.VerifyCalls())
	assert.Equal(t, 1, srv.SettleCalls())

	resp, err := x402.DecodePaymentResponse(rec.Header().Get(x402.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, network, resp.Network)
	assert.Equal(t, payer, resp.Payer)
	assert.Len(t, resp.Transaction, 66)
}

func TestScenario_ExactEVM_NoSettlementAfter500(t *testing.T) {
	handler, srv, calls := scenario(t, http.StatusInternalServerError)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, paidRequest(t, authorization()))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, srv.VerifyCalls())
	assert.Zero(t, srv.SettleCalls())
	assert.Empty(t, rec.Header().Get(x402.HeaderPaymentResponse))
}

func TestScenario_ExactEVM_InsufficientAmount(t *testing.T) {
	handler, srv, calls := scenario(t, http.StatusOK)

	auth := authorization()
	auth.Value = "500"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, paidRequest(t, auth))

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Zero(t, calls.Load(), "handler must not run")
	assert.Zero(t, srv.VerifyCalls())
	assert.Zero(t, srv.SettleCalls())

	required, err := x402.ReadPaymentRequirements(rec.Result())
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonInsufficientAmount, required.Error)
	require.Len(t, required.Accepts, 1)
	assert.Equal(t, "1000", required.Accepts[0].Amount)
}
