package x402

import (
	"context"
	"net/http"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// Metadata keys used to forward a verified payment to gRPC handlers.
const (
	MetadataKeyVerified  = "x-payment-verified"
	MetadataKeyRequestID = "x-payment-request-id"
	MetadataKeyPayer     = "x-payment-payer"
	MetadataKeyAmount    = "x-payment-amount"
	MetadataKeyAsset     = "x-payment-asset"
	MetadataKeyScheme    = "x-payment-scheme"
	MetadataKeyNetwork   = "x-payment-network"
)

const paymentMetadataPrefix = "x-payment-"

// WithPaymentMetadata returns a ServeMuxOption that propagates payment information
// from HTTP context to gRPC metadata, making it accessible in gRPC handlers.
// Settlement happens after the handler returns, so no transaction is forwarded.
//
// It also installs an incoming header matcher that drops client-sent
// Grpc-Metadata-X-Payment-* headers, so only the middleware can populate the
// payment keys. Passing runtime.WithIncomingHeaderMatcher after this option
// replaces that matcher; wrap PaymentHeaderMatcher instead.
func WithPaymentMetadata() runtime.ServeMuxOption {
	annotate := paymentAnnotator()
	matcher := runtime.WithIncomingHeaderMatcher(PaymentHeaderMatcher(runtime.DefaultHeaderMatcher))
	return func(mux *runtime.ServeMux) {
		annotate(mux)
		matcher(mux)
	}
}

// PaymentHeaderMatcher wraps next and refuses any header that would map onto
// an x-payment-* metadata key.
func PaymentHeaderMatcher(next runtime.HeaderMatcherFunc) runtime.HeaderMatcherFunc {
	return func(key string) (string, bool) {
		name, ok := next(key)
		if !ok || strings.HasPrefix(strings.ToLower(name), paymentMetadataPrefix) {
			return "", false
		}
		return name, true
	}
}

func paymentAnnotator() runtime.ServeMuxOption {
	return runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		md := metadata.MD{}

		payment, ok := GetPaymentFromContext(ctx)
		if !ok || payment == nil || !payment.Verified {
			return md
		}

		md.Set(MetadataKeyVerified, "true")
		md.Set(MetadataKeyRequestID, payment.RequestID)
		md.Set(MetadataKeyPayer, payment.PayerAddress)
		md.Set(MetadataKeyAmount, payment.Amount)
		md.Set(MetadataKeyAsset, payment.Asset)
		md.Set(MetadataKeyScheme, payment.Scheme)
		md.Set(MetadataKeyNetwork, payment.Network)

		return md
	})
}

// GetPaymentFromGRPCContext extracts payment information from gRPC metadata.
// Use this in gRPC handlers served behind the gateway.
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	// The gateway appends annotator pairs after header-derived ones, so the
	// last value is the one the middleware set.
	last := func(key string) string {
		if values := md.Get(key); len(values) > 0 {
			return values[len(values)-1]
		}
		return ""
	}

	if last(MetadataKeyVerified) != "true" {
		return nil, false
	}

	return &PaymentContext{
		Verified:     true,
		RequestID:    last(MetadataKeyRequestID),
		PayerAddress: last(MetadataKeyPayer),
		Amount:       last(MetadataKeyAmount),
		Asset:        last(MetadataKeyAsset),
		Scheme:       last(MetadataKeyScheme),
		Network:      last(MetadataKeyNetwork),
	}, true
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway context.
// This is useful if you need to make payment decisions based on the matched route.
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	pattern, ok := runtime.HTTPPathPattern(ctx)
	return pattern, ok
}
