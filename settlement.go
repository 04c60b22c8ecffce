package x402

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RequestState is the position of one request in the payment state machine.
type RequestState int

const (
	StateNoProof RequestState = iota
	StateVerifying
	StateVerified
	StateRejected
	StateHandlerPending
	StateHandlerSucceeded
	StateHandlerFailed
	StateSettling
	StateSettled
	StateSettlementFailed
)

var stateNames = map[RequestState]string{
	StateNoProof:          "no-proof",
	StateVerifying:        "verifying",
	StateVerified:         "verified",
	StateRejected:         "rejected",
	StateHandlerPending:   "handler-pending",
	StateHandlerSucceeded: "handler-succeeded",
	StateHandlerFailed:    "handler-failed",
	StateSettling:         "settling",
	StateSettled:          "settled",
	StateSettlementFailed: "settlement-failed",
}

func (s RequestState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[RequestState][]RequestState{
	StateNoProof:          {StateVerifying},
	StateVerifying:        {StateVerified, StateRejected},
	StateVerified:         {StateHandlerPending},
	StateHandlerPending:   {StateHandlerSucceeded, StateHandlerFailed},
	StateHandlerSucceeded: {StateSettling},
	StateSettling:         {StateSettled, StateSettlementFailed},
}

// Terminal reports whether no further transition is possible.
func (s RequestState) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s RequestState) canTransition(to RequestState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// SettlementController drives one request through verify, handler and settle.
// It belongs to the goroutine serving that request. Settlement runs at most
// once and only after Complete reports a successful handler.
type SettlementController struct {
	server       *ResourceServer
	accepts      []PaymentRequirements
	outcome      *RequestOutcome
	scheme       Scheme
	verification *VerificationResult
	settleOnce   sync.Once
}

// Outcome returns the request's outcome record.
func (c *SettlementController) Outcome() *RequestOutcome {
	return c.outcome
}

// State returns the current state.
func (c *SettlementController) State() RequestState {
	return c.outcome.State
}

// Accepts returns the route's requirements in declared order.
func (c *SettlementController) Accepts() []PaymentRequirements {
	return c.accepts
}

// RejectionReason returns the reason code of a rejected proof.
func (c *SettlementController) RejectionReason() string {
	if c.outcome.Verification == nil || c.outcome.Verification.Valid {
		return ""
	}
	return c.outcome.Verification.Reason
}

func (c *SettlementController) transition(to RequestState) error {
	from := c.outcome.State
	if !from.canTransition(to) {
		return NewPaymentError(ErrCodeInvalidState, fmt.Sprintf("%s -> %s", from, to), nil)
	}
	c.outcome.State = to
	return nil
}

func (c *SettlementController) reject(reason string) {
	c.outcome.Verification = NewInvalidResult(reason)
	_ = c.transition(StateRejected)
}

// Verify validates the proof. A nil payload leaves the request in NoProof and
// returns ErrMissingProof. Every failure is fail-closed: the handler must not
// run unless Verify returns nil.
func (c *SettlementController) Verify(ctx context.Context, payload *PaymentPayload) error {
	if payload == nil {
		return NewPaymentError(ErrCodeMissingProof, "payment required", nil)
	}
	if err := c.transition(StateVerifying); err != nil {
		return err
	}

	// Until the proof is bound to a declared requirement its network is
	// client input and never becomes a metric label.
	scheme, err := c.server.registry.Resolve(payload.Scheme(), payload.Network())
	if err != nil {
		c.reject(ReasonUnsupportedScheme)
		c.server.metrics.observeVerification(unboundNetwork, ReasonUnsupportedScheme, 0)
		return err
	}

	requirement, ok := matchRequirement(c.accepts, payload)
	if !ok {
		c.reject(ReasonNoMatchingRequirement)
		c.server.metrics.observeVerification(unboundNetwork, ReasonNoMatchingRequirement, 0)
		return NewPaymentError(ErrCodeInvalidProof, ReasonNoMatchingRequirement, nil)
	}
	c.outcome.Requirement = requirement
	network := requirement.Network

	start := time.Now()
	result, err := scheme.Verify(ctx, requirement, payload)
	elapsed := time.Since(start)

	if cerr := ctx.Err(); cerr != nil {
		c.reject(ReasonCanceled)
		return NewPaymentError(ErrCodeInvalidProof, ReasonCanceled, cerr)
	}

	if err != nil {
		reason := VerifyFailureReason(err)
		c.reject(reason)
		c.server.metrics.observeVerification(network, reason, elapsed)
		log.Warnw("verification failed closed", "request", c.outcome.RequestID, "network", network, "reason", reason, "err", err)

		code := GetPaymentErrorCode(err)
		if code == "" {
			code = ErrCodeInvalidProof
		}
		return NewPaymentError(code, reason, err)
	}

	if result == nil || !result.Valid {
		reason := ReasonInvalidPayload
		if result != nil && result.Reason != "" {
			reason = result.Reason
		}
		c.reject(reason)
		c.server.metrics.observeVerification(network, reason, elapsed)
		log.Debugw("payment rejected", "request", c.outcome.RequestID, "network", network, "reason", reason)
		return NewPaymentError(ErrCodeInvalidProof, reason, nil)
	}

	// The proof is bound to the requirement it was matched against, whatever
	// the scheme echoed back.
	result.Requirement = requirement
	c.scheme = scheme
	c.verification = result
	c.outcome.Verification = result
	c.server.metrics.observeVerification(network, "valid", elapsed)

	return c.transition(StateVerified)
}

// BeginHandler moves a verified request to HandlerPending and returns the
// payment details exposed to the handler.
func (c *SettlementController) BeginHandler() (*PaymentContext, error) {
	if err := c.transition(StateHandlerPending); err != nil {
		return nil, err
	}

	req := c.verification.Requirement
	return &PaymentContext{
		Verified:     true,
		RequestID:    c.outcome.RequestID,
		PayerAddress: c.verification.Payer,
		Amount:       req.Amount,
		Asset:        req.Asset,
		Scheme:       req.Scheme,
		Network:      req.Network,
	}, nil
}

// CompleteStatus is Complete for transports that report an HTTP status.
func (c *SettlementController) CompleteStatus(ctx context.Context, status int) *SettlementResult {
	return c.Complete(ctx, c.server.HandlerSucceeded(status))
}

// Complete records the handler outcome. On success it settles with the
// context captured at verification and returns the result; on failure it
// returns nil and never settles. Settlement is detached from ctx cancellation
// so a delivered resource is not left without a settlement attempt.
func (c *SettlementController) Complete(ctx context.Context, handlerSucceeded bool) *SettlementResult {
	if c.outcome.State != StateHandlerPending {
		log.Warnw("complete called out of order", "request", c.outcome.RequestID, "state", c.outcome.State)
		return c.outcome.Settlement
	}

	c.server.metrics.observeHandler(handlerSucceeded)
	if !handlerSucceeded {
		_ = c.transition(StateHandlerFailed)
		return nil
	}
	_ = c.transition(StateHandlerSucceeded)

	return c.settle(ctx)
}

func (c *SettlementController) settle(ctx context.Context) *SettlementResult {
	c.settleOnce.Do(func() {
		_ = c.transition(StateSettling)

		req := c.verification.Requirement
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.server.settlementTimeout)
		defer cancel()

		start := time.Now()
		result, err := c.scheme.Settle(sctx, req, c.verification.Context)
		elapsed := time.Since(start)

		switch {
		case err != nil:
			result = SettlementFromError(err, req.Network)
		case result == nil:
			result = &SettlementResult{Status: SettlementFailed, Reason: "empty settlement result"}
		}
		if result.Network == "" {
			result.Network = req.Network
		}
		if result.Payer == "" {
			result.Payer = c.verification.Payer
		}

		c.outcome.Settlement = result
		c.server.metrics.observeSettlement(req.Network, result.Status, elapsed)

		if result.Success() {
			if result.SettledAt.IsZero() {
				result.SettledAt = time.Now()
			}
			_ = c.transition(StateSettled)
			log.Infow("payment settled", "request", c.outcome.RequestID, "network", result.Network, "transaction", result.Transaction, "payer", result.Payer)
			return
		}

		_ = c.transition(StateSettlementFailed)
		if result.Status == SettlementTimedOut {
			log.Warnw("settlement outcome unknown, reconcile out of band", "request", c.outcome.RequestID, "network", result.Network, "payer", result.Payer, "amount", req.Amount)
			return
		}
		log.Errorw("settlement failed after resource delivery", "request", c.outcome.RequestID, "network", result.Network, "payer", result.Payer, "reason", result.Reason, "err", err)
	})
	return c.outcome.Settlement
}
