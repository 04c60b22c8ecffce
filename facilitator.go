package x402

import "context"

// FacilitatorClient is the narrow contract with the remote facilitator.
// Implementations translate transport failures into ErrFacilitatorUnreachable,
// ErrFacilitatorProtocol or ErrFacilitatorTimeout.
type FacilitatorClient interface {
	// Verify checks a payment against requirements without touching the ledger.
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error)

	// Settle moves the payment on-chain. Callers must not retry on timeout.
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error)
}

// FacilitatorRequest is the body of POST /verify and POST /settle.
type FacilitatorRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse is the response from /verify.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the response from /settle.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"` // CAIP-2
}

// SupportedKind represents a supported scheme+network pair.
type SupportedKind struct {
	X402Version int    `json:"x402Version,omitempty"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"` // CAIP-2
}

// SupportedResponse is returned by the facilitator's supported endpoint.
type SupportedResponse struct {
	Kinds      []SupportedKind   `json:"kinds"`
	Extensions []string          `json:"extensions,omitempty"`
	Signers    map[string]string `json:"signers,omitempty"` // CAIP-2 network -> facilitator address
}
