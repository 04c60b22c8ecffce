package x402

import (
	"errors"
	"fmt"
)

// PaymentError represents an error related to payment processing.
type PaymentError struct {
	Code    string
	Message string
	Cause   error
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Is matches any PaymentError carrying the same code, so the sentinels below
// work with errors.Is.
func (e *PaymentError) Is(target error) bool {
	t, ok := target.(*PaymentError)
	return ok && t.Code == e.Code
}

// Error codes.
const (
	ErrCodeMissingProof           = "MISSING_PROOF"
	ErrCodeInvalidPayment         = "INVALID_PAYMENT"
	ErrCodeInvalidProof           = "INVALID_PROOF"
	ErrCodeUnsupportedScheme      = "UNSUPPORTED_SCHEME"
	ErrCodeFacilitatorUnreachable = "FACILITATOR_UNREACHABLE"
	ErrCodeFacilitatorProtocol    = "FACILITATOR_PROTOCOL_ERROR"
	ErrCodeFacilitatorTimeout     = "FACILITATOR_TIMEOUT"
	ErrCodeHandlerError           = "HANDLER_ERROR"
	ErrCodeSettlementFailed       = "SETTLEMENT_FAILED"
	ErrCodeInvalidConfig          = "INVALID_CONFIG"
	ErrCodeDuplicateScheme        = "DUPLICATE_SCHEME"
	ErrCodeRegistryFrozen         = "REGISTRY_FROZEN"
	ErrCodeInvalidState           = "INVALID_STATE"
	ErrCodeRequestCanceled        = "REQUEST_CANCELED"
)

// Sentinels for errors.Is.
var (
	ErrMissingProof           = &PaymentError{Code: ErrCodeMissingProof, Message: "payment required"}
	ErrInvalidProof           = &PaymentError{Code: ErrCodeInvalidProof, Message: "payment proof rejected"}
	ErrUnsupportedScheme      = &PaymentError{Code: ErrCodeUnsupportedScheme, Message: "unsupported scheme"}
	ErrFacilitatorUnreachable = &PaymentError{Code: ErrCodeFacilitatorUnreachable, Message: "facilitator unreachable"}
	ErrFacilitatorProtocol    = &PaymentError{Code: ErrCodeFacilitatorProtocol, Message: "facilitator protocol error"}
	ErrFacilitatorTimeout     = &PaymentError{Code: ErrCodeFacilitatorTimeout, Message: "facilitator timeout"}
	ErrDuplicateScheme        = &PaymentError{Code: ErrCodeDuplicateScheme, Message: "scheme already registered"}
	ErrRegistryFrozen         = &PaymentError{Code: ErrCodeRegistryFrozen, Message: "scheme registry is frozen"}
	ErrInvalidState           = &PaymentError{Code: ErrCodeInvalidState, Message: "invalid request state transition"}
)

// Reason codes carried by invalid verifications and failed settlements.
const (
	ReasonInsufficientAmount     = "insufficient-amount"
	ReasonInvalidSignature       = "invalid-signature"
	ReasonInvalidPayload         = "invalid-payload"
	ReasonInvalidRequirements    = "invalid-requirements"
	ReasonExpired                = "expired"
	ReasonNotYetValid            = "not-yet-valid"
	ReasonAssetMismatch          = "asset-mismatch"
	ReasonNetworkMismatch        = "network-mismatch"
	ReasonRecipientMismatch      = "recipient-mismatch"
	ReasonNoMatchingRequirement  = "no-matching-requirement"
	ReasonUnsupportedScheme      = "unsupported-scheme"
	ReasonTimeout                = "timeout"
	ReasonFacilitatorUnreachable = "facilitator-unreachable"
	ReasonFacilitatorProtocol    = "facilitator-protocol-error"
	ReasonInvalidContext         = "invalid-settlement-context"
	ReasonCanceled               = "canceled"
)

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// DuplicateSchemeError is returned when a (scheme, network) pair is registered twice.
type DuplicateSchemeError struct {
	Scheme  string
	Network string
}

func (e *DuplicateSchemeError) Error() string {
	return fmt.Sprintf("%s: scheme %q already registered for network %q", ErrCodeDuplicateScheme, e.Scheme, e.Network)
}

func (e *DuplicateSchemeError) Is(target error) bool {
	return target == ErrDuplicateScheme
}

// IsPaymentError checks if an error is a PaymentError.
func IsPaymentError(err error) bool {
	var pe *PaymentError
	return errors.As(err, &pe)
}

// GetPaymentErrorCode extracts the error code from a PaymentError.
func GetPaymentErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// VerifyFailureReason maps an error from a scheme's Verify into the reason
// reported to the client. Verification always fails closed.
func VerifyFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrFacilitatorTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrFacilitatorUnreachable):
		return ReasonFacilitatorUnreachable
	case errors.Is(err, ErrFacilitatorProtocol):
		return ReasonFacilitatorProtocol
	default:
		return ReasonInvalidPayload
	}
}

// SettlementFromError converts a failed Settle call into a SettlementResult.
// Timeouts are reported as SettlementTimedOut, never as a definite failure.
func SettlementFromError(err error, network string) *SettlementResult {
	result := &SettlementResult{
		Status:  SettlementFailed,
		Network: network,
		Reason:  err.Error(),
	}
	switch {
	case errors.Is(err, ErrFacilitatorTimeout):
		result.Status = SettlementTimedOut
		result.Reason = ReasonTimeout
	case errors.Is(err, ErrFacilitatorUnreachable):
		result.Reason = ReasonFacilitatorUnreachable
	case errors.Is(err, ErrFacilitatorProtocol):
		result.Reason = ReasonFacilitatorProtocol
	}
	return result
}
