package grpc

import (
	"fmt"

	"google.golang.org/grpc/metadata"

	x402 "github.com/becomeliminal/x402-resource-server"
)

// V2 metadata keys.
const (
	MetadataKeyPaymentSignature = "payment-signature"
	MetadataKeyPaymentResponse  = "payment-response"
	MetadataKeyPaymentRequired  = "payment-required"

	// V1 legacy metadata keys.
	MetadataKeyLegacyPayment         = "x402-payment"
	MetadataKeyLegacyPaymentResponse = "x402-payment-response"
)

// errNoPayment is returned by ExtractPaymentFromMetadata when neither key is present.
var errNoPayment = fmt.Errorf("no payment found in metadata")

// ExtractPaymentFromMetadata extracts payment from gRPC metadata.
// Tries V2 key (payment-signature) first, falls back to V1 (x402-payment).
func ExtractPaymentFromMetadata(md metadata.MD) (*x402.PaymentPayload, bool, error) {
	if values := md.Get(MetadataKeyPaymentSignature); len(values) > 0 {
		payload, err := x402.DecodePaymentPayload(values[0])
		return payload, true, err
	}

	if values := md.Get(MetadataKeyLegacyPayment); len(values) > 0 {
		payload, err := x402.DecodeLegacyPayment(values[0])
		return payload, false, err
	}

	return nil, true, errNoPayment
}

// ExtractPaymentRequired decodes the payment-required trailer a client
// received with a ResourceExhausted status.
func ExtractPaymentRequired(md metadata.MD) (*x402.PaymentRequiredResponse, error) {
	values := md.Get(MetadataKeyPaymentRequired)
	if len(values) == 0 {
		return nil, fmt.Errorf("no payment requirements found in metadata")
	}
	return x402.DecodePaymentRequired(values[0])
}

// ExtractPaymentResponse decodes settlement evidence from trailer metadata.
func ExtractPaymentResponse(md metadata.MD) (*x402.PaymentResponse, error) {
	if values := md.Get(MetadataKeyPaymentResponse); len(values) > 0 {
		return x402.DecodePaymentResponse(values[0])
	}
	if values := md.Get(MetadataKeyLegacyPaymentResponse); len(values) > 0 {
		return x402.DecodePaymentResponse(values[0])
	}
	return nil, fmt.Errorf("no payment response found in metadata")
}
