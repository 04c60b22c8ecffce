package x402

import "context"

// Scheme validates and settles payments for one payment mechanism on one
// network family (e.g. "exact" on EVM chains).
//
// Verify must not change ledger state. A non-nil error means the scheme could
// not reach a decision; the resource server treats it as a rejection.
//
// Settle receives the SettlementContext from the Verify call of the same
// request. The resource server calls it at most once per context.
type Scheme interface {
	Verify(ctx context.Context, requirements *PaymentRequirements, payload *PaymentPayload) (*VerificationResult, error)
	Settle(ctx context.Context, requirements *PaymentRequirements, sc SettlementContext) (*SettlementResult, error)
}
