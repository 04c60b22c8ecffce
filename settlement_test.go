package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload(req PaymentRequirements) *PaymentPayload {
	return &PaymentPayload{
		X402Version: 2,
		Accepted:    req,
		Payload:     json.RawMessage(`{"nonce":"n1"}`),
	}
}

func testRequirement() PaymentRequirements {
	return PaymentRequirements{Scheme: "exact", Network: testNetwork, Amount: "1000", Asset: testAsset, PayTo: testPayTo}
}

func TestRequestState_Transitions(t *testing.T) {
	assert.True(t, StateNoProof.canTransition(StateVerifying))
	assert.True(t, StateVerifying.canTransition(StateRejected))
	assert.True(t, StateHandlerPending.canTransition(StateHandlerFailed))
	assert.True(t, StateHandlerSucceeded.canTransition(StateSettling))

	assert.False(t, StateVerified.canTransition(StateSettling), "settlement requires a handler outcome")
	assert.False(t, StateHandlerFailed.canTransition(StateSettling))
	assert.False(t, StateRejected.canTransition(StateHandlerPending))
	assert.False(t, StateSettled.canTransition(StateSettling))

	for _, s := range []RequestState{StateRejected, StateHandlerFailed, StateSettled, StateSettlementFailed} {
		assert.True(t, s.Terminal(), s.String())
	}
	assert.False(t, StateVerified.Terminal())
	assert.Equal(t, "handler-pending", StateHandlerPending.String())
}

func TestSettlementController_FullLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	scheme := &MockScheme{}
	server := newTestServer(t, scheme, WithMetrics(metrics))

	req := testRequirement()
	c := server.NewController([]PaymentRequirements{req})
	assert.Equal(t, StateNoProof, c.State())
	assert.NotEmpty(t, c.Outcome().RequestID)

	require.NoError(t, c.Verify(context.Background(), testPayload(req)))
	assert.Equal(t, StateVerified, c.State())
	assert.Equal(t, "1000", c.Outcome().Requirement.Amount)

	payment, err := c.BeginHandler()
	require.NoError(t, err)
	assert.Equal(t, testPayer, payment.PayerAddress)
	assert.Equal(t, c.Outcome().RequestID, payment.RequestID)

	result := c.CompleteStatus(context.Background(), 200)
	require.NotNil(t, result)
	assert.True(t, result.Success())
	assert.Equal(t, "0xtxn1", result.Transaction)
	assert.Equal(t, testPayer, result.Payer)
	assert.Equal(t, StateSettled, c.State())

	// A second completion never settles again.
	again := c.Complete(context.Background(), true)
	assert.Same(t, result, again)
	assert.Equal(t, 1, scheme.SettleCalls())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Verifications.WithLabelValues(testNetwork, "valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HandlerOutcomes.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Settlements.WithLabelValues(testNetwork, "settled")))
}

func TestSettlementController_HandlerFailed(t *testing.T) {
	scheme := &MockScheme{}
	server := newTestServer(t, scheme)
	req := testRequirement()
	c := server.NewController([]PaymentRequirements{req})

	require.NoError(t, c.Verify(context.Background(), testPayload(req)))
	_, err := c.BeginHandler()
	require.NoError(t, err)

	assert.Nil(t, c.CompleteStatus(context.Background(), 503))
	assert.Equal(t, StateHandlerFailed, c.State())
	assert.Nil(t, c.Outcome().Settlement)
	assert.Zero(t, scheme.SettleCalls())
}

func TestSettlementController_OutOfOrder(t *testing.T) {
	scheme := &MockScheme{}
	server := newTestServer(t, scheme)
	req := testRequirement()
	c := server.NewController([]PaymentRequirements{req})

	// Nothing verified: no handler, no settlement.
	_, err := c.BeginHandler()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Nil(t, c.Complete(context.Background(), true))
	assert.Zero(t, scheme.SettleCalls())

	// A missing proof leaves the request where it was.
	assert.ErrorIs(t, c.Verify(context.Background(), nil), ErrMissingProof)
	assert.Equal(t, StateNoProof, c.State())

	require.NoError(t, c.Verify(context.Background(), testPayload(req)))
	assert.ErrorIs(t, c.Verify(context.Background(), testPayload(req)), ErrInvalidState, "verify runs once")
	assert.Nil(t, c.Complete(context.Background(), true), "handler never started")
	assert.Zero(t, scheme.SettleCalls())
}

func TestSettlementController_VerifyCanceled(t *testing.T) {
	scheme := &MockScheme{
		VerifyFunc: func(ctx context.Context, requirements *PaymentRequirements, payload *PaymentPayload) (*VerificationResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	server := newTestServer(t, scheme)
	req := testRequirement()
	c := server.NewController([]PaymentRequirements{req})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Verify(ctx, testPayload(req))
	require.Error(t, err)
	assert.Equal(t, StateRejected, c.State())
	assert.Equal(t, ReasonCanceled, c.RejectionReason())
}

func TestSettlementController_SettleDetachedFromRequest(t *testing.T) {
	var settleErr error
	scheme := &MockScheme{
		SettleFunc: func(ctx context.Context, requirements *PaymentRequirements, sc SettlementContext) (*SettlementResult, error) {
			settleErr = ctx.Err()
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline, "settlement is bounded by its own timeout")
			return &SettlementResult{Status: SettlementSettled, Transaction: "0xabc"}, nil
		},
	}
	server := newTestServer(t, scheme, WithSettlementTimeout(5*time.Second))
	req := testRequirement()
	c := server.NewController([]PaymentRequirements{req})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Verify(ctx, testPayload(req)))
	_, err := c.BeginHandler()
	require.NoError(t, err)

	// Client disconnects after the resource was produced.
	cancel()
	result := c.Complete(ctx, true)
	require.NotNil(t, result)
	assert.NoError(t, settleErr)
	assert.True(t, result.Success())
}

func TestSettlementController_SettleTimeout(t *testing.T) {
	scheme := &MockScheme{
		SettleFunc: func(ctx context.Context, requirements *PaymentRequirements, sc SettlementContext) (*SettlementResult, error) {
			<-ctx.Done()
			return nil, NewPaymentError(ErrCodeFacilitatorTimeout, "settle timed out", ctx.Err())
		},
	}
	server := newTestServer(t, scheme, WithSettlementTimeout(20*time.Millisecond))
	req := testRequirement()
	c := server.NewController([]PaymentRequirements{req})

	require.NoError(t, c.Verify(context.Background(), testPayload(req)))
	_, err := c.BeginHandler()
	require.NoError(t, err)

	result := c.Complete(context.Background(), true)
	require.NotNil(t, result)
	assert.Equal(t, SettlementTimedOut, result.Status)
	assert.Equal(t, ReasonTimeout, result.Reason)
	assert.Equal(t, testNetwork, result.Network)
	assert.Equal(t, StateSettlementFailed, c.State())
	assert.Equal(t, 1, scheme.SettleCalls(), "timeouts are never retried")
}

func TestSettlementController_BindsDeclaredRequirement(t *testing.T) {
	cheap := testRequirement()
	pricey := testRequirement()
	pricey.Amount = "5000"

	var verifiedAgainst *PaymentRequirements
	scheme := &MockScheme{
		VerifyFunc: func(ctx context.Context, requirements *PaymentRequirements, payload *PaymentPayload) (*VerificationResult, error) {
			verifiedAgainst = requirements
			// A scheme echoing a different requirement cannot rebind the proof.
			return NewValidResult(&cheap, testPayer, nil), nil
		},
	}
	server := newTestServer(t, scheme)
	c := server.NewController([]PaymentRequirements{cheap, pricey})

	require.NoError(t, c.Verify(context.Background(), testPayload(pricey)))
	require.NotNil(t, verifiedAgainst)
	assert.Equal(t, "5000", verifiedAgainst.Amount)
	assert.Equal(t, "5000", c.Outcome().Verification.Requirement.Amount)
}

func TestSettlementFromError(t *testing.T) {
	r := SettlementFromError(NewPaymentError(ErrCodeFacilitatorUnreachable, "down", nil), testNetwork)
	assert.Equal(t, SettlementFailed, r.Status)
	assert.Equal(t, ReasonFacilitatorUnreachable, r.Reason)

	r = SettlementFromError(NewPaymentError(ErrCodeFacilitatorTimeout, "slow", nil), testNetwork)
	assert.Equal(t, SettlementTimedOut, r.Status)
	assert.Equal(t, "timeout", r.Status.String())
}

func TestSettlementController_MetricLabelsBounded(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	scheme := &MockScheme{
		VerifyFunc: func(ctx context.Context, requirements *PaymentRequirements, payload *PaymentPayload) (*VerificationResult, error) {
			return NewInvalidResult("facilitator says: " + string(payload.Payload)), nil
		},
	}
	server := newTestServer(t, scheme, WithMetrics(metrics))
	req := testRequirement()

	for i := 0; i < 50; i++ {
		// Networks nobody registered.
		junk := req
		junk.Network = fmt.Sprintf("eip155:%d", 900000+i)
		c := server.NewController([]PaymentRequirements{req})
		assert.Error(t, c.Verify(context.Background(), testPayload(junk)))

		// Registered network, but no declared requirement matches.
		unmatched := req
		unmatched.PayTo = fmt.Sprintf("0x%040d", i)
		c = server.NewController([]PaymentRequirements{req})
		assert.Error(t, c.Verify(context.Background(), testPayload(unmatched)))

		// Free-form rejection reasons.
		payload := testPayload(req)
		payload.Payload = json.RawMessage(fmt.Sprintf(`{"nonce":"n%d"}`, i))
		c = server.NewController([]PaymentRequirements{req})
		assert.Error(t, c.Verify(context.Background(), payload))
	}

	assert.Equal(t, 3, testutil.CollectAndCount(metrics.Verifications))
	assert.Equal(t, 50.0, testutil.ToFloat64(metrics.Verifications.WithLabelValues(unboundNetwork, ReasonUnsupportedScheme)))
	assert.Equal(t, 50.0, testutil.ToFloat64(metrics.Verifications.WithLabelValues(unboundNetwork, ReasonNoMatchingRequirement)))
	assert.Equal(t, 50.0, testutil.ToFloat64(metrics.Verifications.WithLabelValues(testNetwork, "other")))
}
