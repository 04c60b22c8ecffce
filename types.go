package x402

import (
	"context"
	"encoding/json"
	"time"
)

// ProtocolVersion is the x402 protocol version emitted in 402 responses.
const ProtocolVersion = 2

// PaymentRequirements describes one acceptable payment offer for a resource.
// Uses CAIP-2 network identifiers (e.g., "eip155:8453").
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"` // CAIP-2: "eip155:8453"
	Amount            string                 `json:"amount"`  // atomic units
	Asset             string                 `json:"asset"`   // token contract address or mint
	PayTo             string                 `json:"payTo"`   // recipient address
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	Resource          string                 `json:"resource,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentPayload is the client-submitted payment proof. The scheme-specific
// Payload is kept as raw bytes; only Accepted.Scheme and Accepted.Network are
// read by the resource server for dispatch.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Accepted    PaymentRequirements    `json:"accepted"`
	Payload     json.RawMessage        `json:"payload"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// Scheme returns the scheme identifier the payload declares.
func (p *PaymentPayload) Scheme() string { return p.Accepted.Scheme }

// Network returns the CAIP-2 network the payload declares.
func (p *PaymentPayload) Network() string { return p.Accepted.Network }

// SettlementContext is scheme-owned data produced by Verify and handed back,
// unmodified, to Settle for the same request.
type SettlementContext interface{}

// VerificationResult is the outcome of verifying a payment proof.
// When Valid is false only Reason is meaningful.
type VerificationResult struct {
	Valid       bool
	Reason      string
	Payer       string
	Requirement *PaymentRequirements
	Context     SettlementContext
}

// NewValidResult binds a verified proof to the requirement it satisfied.
func NewValidResult(requirement *PaymentRequirements, payer string, sc SettlementContext) *VerificationResult {
	return &VerificationResult{
		Valid:       true,
		Payer:       payer,
		Requirement: requirement,
		Context:     sc,
	}
}

// NewInvalidResult rejects a proof with a reason code.
func NewInvalidResult(reason string) *VerificationResult {
	return &VerificationResult{Valid: false, Reason: reason}
}

// SettlementStatus is the terminal status of a settlement attempt.
type SettlementStatus int

const (
	SettlementSettled SettlementStatus = iota + 1
	SettlementFailed
	// SettlementTimedOut means the outcome is unknown. It must not be retried
	// automatically since the transfer may have landed.
	SettlementTimedOut
)

func (s SettlementStatus) String() string {
	switch s {
	case SettlementSettled:
		return "settled"
	case SettlementFailed:
		return "failed"
	case SettlementTimedOut:
		return "timeout"
	default:
		return "unknown"
	}
}

// SettlementResult contains the result of payment settlement.
type SettlementResult struct {
	Status      SettlementStatus
	Transaction string
	Network     string // CAIP-2
	Payer       string
	Reason      string
	SettledAt   time.Time
}

// Success reports whether the payment was moved on-chain.
func (r *SettlementResult) Success() bool {
	return r != nil && r.Status == SettlementSettled
}

// PaymentResponse is sent in the PAYMENT-RESPONSE header.
type PaymentResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"` // CAIP-2
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// ResourceInfo describes the protected resource in a 402 response.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequiredResponse is the 402 response body.
type PaymentRequiredResponse struct {
	X402Version int                    `json:"x402Version"`
	Error       string                 `json:"error,omitempty"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Accepts     []PaymentRequirements  `json:"accepts"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// RequestOutcome is the per-request record of what the payment gate decided.
// It lives in the request context and is never persisted.
type RequestOutcome struct {
	RequestID    string
	State        RequestState
	Requirement  *PaymentRequirements
	Verification *VerificationResult
	Settlement   *SettlementResult
}

// PaymentContext contains payment information that can be extracted in handlers.
// Settlement has not happened yet when the handler runs.
type PaymentContext struct {
	Verified     bool
	RequestID    string
	PayerAddress string
	Amount       string
	Asset        string
	Scheme       string
	Network      string // CAIP-2
}

type contextKey string

const (
	// PaymentContextKey is the key used to store payment context in request context.
	PaymentContextKey contextKey = "x402-payment"

	outcomeContextKey contextKey = "x402-outcome"
)

// LegacyPayment represents a parsed V1 X-PAYMENT header.
type LegacyPayment struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// GetPaymentFromContext extracts payment information from the request context.
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// GetOutcomeFromContext returns the outcome record of the current request.
func GetOutcomeFromContext(ctx context.Context) (*RequestOutcome, bool) {
	outcome, ok := ctx.Value(outcomeContextKey).(*RequestOutcome)
	return outcome, ok
}

// RequirePayment extracts payment from context and returns error if not found.
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, NewPaymentError(ErrCodeMissingProof, "payment context not found", nil)
	}
	if !payment.Verified {
		return nil, NewPaymentError(ErrCodeInvalidProof, "payment not verified", nil)
	}
	return payment, nil
}

// WithPayment returns a copy of ctx carrying the verified payment and outcome.
func WithPayment(ctx context.Context, payment *PaymentContext, outcome *RequestOutcome) context.Context {
	ctx = context.WithValue(ctx, PaymentContextKey, payment)
	if outcome != nil {
		ctx = context.WithValue(ctx, outcomeContextKey, outcome)
	}
	return ctx
}
