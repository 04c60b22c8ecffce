package x402

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("x402")

const (
	defaultSettlementTimeout = 30 * time.Second
	defaultErrorThreshold    = http.StatusBadRequest
)

// ResourceServer gates protected resources on verified payments and settles
// them after the protected handler succeeds. It holds no per-request state;
// the only shared data is the frozen scheme registry.
type ResourceServer struct {
	registry          *SchemeRegistry
	metrics           *Metrics
	settlementTimeout time.Duration
	errorThreshold    int
}

// ServerOption configures a ResourceServer.
type ServerOption func(*ResourceServer)

// WithMetrics records verification, handler and settlement outcomes.
func WithMetrics(m *Metrics) ServerOption {
	return func(s *ResourceServer) {
		s.metrics = m
	}
}

// WithSettlementTimeout bounds each settle call. Defaults to 30 seconds.
func WithSettlementTimeout(d time.Duration) ServerOption {
	return func(s *ResourceServer) {
		if d > 0 {
			s.settlementTimeout = d
		}
	}
}

// WithErrorThreshold sets the first handler status treated as failure.
// Defaults to 400.
func WithErrorThreshold(status int) ServerOption {
	return func(s *ResourceServer) {
		if status > 0 {
			s.errorThreshold = status
		}
	}
}

// NewResourceServer creates a server over a populated registry and freezes it.
func NewResourceServer(registry *SchemeRegistry, opts ...ServerOption) *ResourceServer {
	if registry == nil {
		panic("x402: resource server requires a scheme registry")
	}
	registry.Freeze()

	s := &ResourceServer{
		registry:          registry,
		settlementTimeout: defaultSettlementTimeout,
		errorThreshold:    defaultErrorThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}

	log.Infow("resource server ready", "kinds", len(registry.Kinds()), "errorThreshold", s.errorThreshold)
	return s
}

// Registry returns the frozen scheme registry.
func (s *ResourceServer) Registry() *SchemeRegistry {
	return s.registry
}

// HandlerSucceeded reports whether a handler status allows settlement.
func (s *ResourceServer) HandlerSucceeded(status int) bool {
	return status < s.errorThreshold
}

// NewController starts tracking one request against a route's requirements.
func (s *ResourceServer) NewController(accepts []PaymentRequirements) *SettlementController {
	return &SettlementController{
		server:  s,
		accepts: accepts,
		outcome: &RequestOutcome{
			RequestID: uuid.NewString(),
			State:     StateNoProof,
		},
	}
}

// matchRequirement binds a proof to the single requirement it declares.
func matchRequirement(accepts []PaymentRequirements, payload *PaymentPayload) (*PaymentRequirements, bool) {
	declared := payload.Accepted
	for i := range accepts {
		req := accepts[i]
		if req.Scheme != declared.Scheme || req.Network != declared.Network {
			continue
		}
		if declared.Asset != "" && !sameAddress(declared.Asset, req.Asset) {
			continue
		}
		if declared.PayTo != "" && !sameAddress(declared.PayTo, req.PayTo) {
			continue
		}
		if declared.Amount != "" && declared.Amount != req.Amount {
			continue
		}
		return &req, true
	}
	return nil, false
}

// sameAddress compares hex addresses case-insensitively and anything else exactly.
func sameAddress(a, b string) bool {
	if strings.HasPrefix(a, "0x") && strings.HasPrefix(b, "0x") {
		return strings.EqualFold(a, b)
	}
	return a == b
}
