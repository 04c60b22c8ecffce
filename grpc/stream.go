package grpc

import (
	"context"

	"google.golang.org/grpc"

	x402 "github.com/becomeliminal/x402-resource-server"
)

// StreamServerInterceptor creates a gRPC stream server interceptor that enforces x402 payments.
// Payment is verified before the stream begins and settled once the handler
// returns without error. Per-message payment is not supported.
func StreamServerInterceptor(cfg x402.Config, server *x402.ResourceServer) grpc.StreamServerInterceptor {
	g := newGate(cfg, server)

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()

		a, err := g.admit(ctx, info.FullMethod)
		if err != nil {
			return err
		}
		if a == nil {
			return handler(srv, ss)
		}

		err = handler(srv, &paymentServerStream{ServerStream: ss, ctx: a.ctx})
		if trailer := g.complete(ctx, a, err); trailer != nil {
			ss.SetTrailer(trailer)
		}
		return err
	}
}

// paymentServerStream wraps grpc.ServerStream to provide updated context with payment info.
type paymentServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context with payment information.
func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}
