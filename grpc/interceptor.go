// Package grpc enforces x402 payments on gRPC services. Proofs travel in
// request metadata, requirements are returned with codes.ResourceExhausted,
// and settlement evidence is sent as trailer metadata after the handler
// returns without error.
package grpc

import (
	"context"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/x402-resource-server"
)

var log = logging.Logger("x402/grpc")

// gate holds what both interceptors share.
type gate struct {
	cfg    x402.Config
	server *x402.ResourceServer
	routes map[string]*x402.PreparedRoute
}

func newGate(cfg x402.Config, server *x402.ResourceServer) *gate {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}
	if server == nil {
		panic("invalid x402 config: resource server is required")
	}
	routes, err := cfg.PrepareMethods()
	if err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}
	return &gate{cfg: cfg, server: server, routes: routes}
}

// admitted is a verified call waiting for its handler.
type admitted struct {
	controller *x402.SettlementController
	ctx        context.Context
	isV2       bool
}

// admit verifies the call's proof. A nil admitted with a nil error means the
// method is free.
func (g *gate) admit(ctx context.Context, fullMethod string) (*admitted, error) {
	pattern, requiresPayment := g.cfg.MatchMethod(fullMethod)
	if !requiresPayment {
		return nil, nil
	}
	route := g.routes[pattern]

	var (
		payload *x402.PaymentPayload
		isV2    = true
	)
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		var err error
		payload, isV2, err = ExtractPaymentFromMetadata(md)
		if err != nil && !errors.Is(err, errNoPayment) {
			return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("invalid payment: %v", err))
		}
	}

	controller := g.server.NewController(route.Accepts)
	if err := controller.Verify(ctx, payload); err != nil {
		switch {
		case errors.Is(err, x402.ErrMissingProof):
			return nil, paymentRequired(ctx, route, fullMethod, "")
		case errors.Is(err, x402.ErrUnsupportedScheme):
			return nil, status.Error(codes.InvalidArgument,
				fmt.Sprintf("unsupported scheme %q on network %q", payload.Scheme(), payload.Network()))
		case controller.RejectionReason() == x402.ReasonCanceled:
			return nil, status.FromContextError(ctx.Err()).Err()
		default:
			return nil, paymentRequired(ctx, route, fullMethod, controller.RejectionReason())
		}
	}

	payment, err := controller.BeginHandler()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	return &admitted{
		controller: controller,
		ctx:        x402.WithPayment(ctx, payment, controller.Outcome()),
		isV2:       isV2,
	}, nil
}

// complete settles after a successful handler and returns the trailer to attach.
func (g *gate) complete(ctx context.Context, a *admitted, handlerErr error) metadata.MD {
	result := a.controller.Complete(ctx, handlerErr == nil)
	if result == nil {
		return nil
	}

	encoded, ok := x402.EncodeSettlementHeader(result, g.cfg.MaxPaymentResponseBytes)
	if !ok {
		log.Warnw("settlement evidence exceeds metadata limit, omitted", "request", a.controller.Outcome().RequestID, "transaction", result.Transaction)
		return nil
	}
	key := MetadataKeyPaymentResponse
	if !a.isV2 {
		key = MetadataKeyLegacyPaymentResponse
	}
	return metadata.Pairs(key, encoded)
}

// UnaryServerInterceptor creates a gRPC unary server interceptor that enforces x402 payments.
// Detects V2 metadata (payment-signature) first, falls back to V1 (x402-payment).
func UnaryServerInterceptor(cfg x402.Config, server *x402.ResourceServer) grpc.UnaryServerInterceptor {
	g := newGate(cfg, server)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		a, err := g.admit(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		if a == nil {
			return handler(ctx, req)
		}

		resp, err := handler(a.ctx, req)
		if trailer := g.complete(ctx, a, err); trailer != nil {
			if terr := grpc.SetTrailer(ctx, trailer); terr != nil {
				log.Debugw("failed to set payment trailer", "method", info.FullMethod, "err", terr)
			}
		}
		return resp, err
	}
}

// paymentRequired returns RESOURCE_EXHAUSTED, following Google Cloud's
// precedent for billing enforcement. The requirements are sent in the
// payment-required trailer and repeated as the status message.
func paymentRequired(ctx context.Context, route *x402.PreparedRoute, fullMethod, reason string) error {
	response := x402.PaymentRequiredResponse{
		X402Version: x402.ProtocolVersion,
		Error:       "payment required",
		Resource: &x402.ResourceInfo{
			URL:         fullMethod,
			Description: route.Config.Description,
			MimeType:    route.Config.MimeType,
		},
		Accepts: route.AcceptsCopy(),
	}
	if route.Config.Resource != "" {
		response.Resource.URL = route.Config.Resource
	}
	if reason != "" {
		response.Error = reason
	}

	encoded, err := x402.EncodePaymentRequired(&response)
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode payment requirements: %v", err))
	}

	// SetTrailer fails outside a server transport (e.g. direct calls in tests);
	// the status message still carries the requirements.
	_ = grpc.SetTrailer(ctx, metadata.Pairs(MetadataKeyPaymentRequired, encoded))
	return status.Error(codes.ResourceExhausted, encoded)
}

// GetPaymentFromContext extracts payment information from the gRPC context.
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	return x402.GetPaymentFromContext(ctx)
}

// RequirePayment extracts payment from context and returns error if not found.
func RequirePayment(ctx context.Context) (*x402.PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "payment context not found")
	}
	if !payment.Verified {
		return nil, status.Error(codes.ResourceExhausted, "payment not verified")
	}
	return payment, nil
}
