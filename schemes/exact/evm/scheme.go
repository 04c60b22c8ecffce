// Package evm implements the "exact" payment scheme on EVM chains: an
// EIP-3009 transferWithAuthorization signed by the payer, verified and
// submitted by a facilitator.
package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	logging "github.com/ipfs/go-log/v2"

	x402 "github.com/becomeliminal/x402-resource-server"
)

var log = logging.Logger("x402/evm")

const (
	// SchemeName is the scheme identifier this package registers.
	SchemeName = "exact"

	// Family is the CAIP-2 namespace of EVM chains.
	Family = "eip155"

	signatureLength = 65
	nonceLength     = 32
)

// Scheme verifies exact EVM payments locally before asking the facilitator,
// and settles them through the facilitator.
type Scheme struct {
	facilitator x402.FacilitatorClient
	now         func() time.Time
}

var _ x402.Scheme = (*Scheme)(nil)

// NewScheme creates the exact EVM scheme over a facilitator.
func NewScheme(facilitator x402.FacilitatorClient) *Scheme {
	return &Scheme{
		facilitator: facilitator,
		now:         time.Now,
	}
}

// Register adds the scheme to registry for the given networks, or for every
// EVM chain ("eip155:*") when none are given.
func Register(registry *x402.SchemeRegistry, facilitator x402.FacilitatorClient, networks ...string) error {
	if len(networks) == 0 {
		networks = []string{Family + ":*"}
	}
	s := NewScheme(facilitator)
	for _, network := range networks {
		if err := registry.Register(SchemeName, network, s); err != nil {
			return err
		}
	}
	return nil
}

// settlementContext is what Verify hands back to Settle for the same request.
type settlementContext struct {
	payload      *x402.PaymentPayload
	requirements x402.PaymentRequirements
	payer        string
}

// Verify checks the authorization against the requirement, then asks the
// facilitator to check the signature and the payer's balance.
func (s *Scheme) Verify(ctx context.Context, requirements *x402.PaymentRequirements, payload *x402.PaymentPayload) (*x402.VerificationResult, error) {
	if x402.NetworkFamily(requirements.Network) != Family {
		return x402.NewInvalidResult(x402.ReasonNetworkMismatch), nil
	}
	if payload.Network() != requirements.Network {
		return x402.NewInvalidResult(x402.ReasonNetworkMismatch), nil
	}

	exact, err := parsePayload(payload.Payload)
	if err != nil {
		log.Debugw("malformed exact payload", "network", requirements.Network, "err", err)
		return x402.NewInvalidResult(x402.ReasonInvalidPayload), nil
	}
	if reason := s.checkAuthorization(exact, requirements); reason != "" {
		return x402.NewInvalidResult(reason), nil
	}

	resp, err := s.facilitator.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if !resp.IsValid {
		reason := resp.InvalidReason
		if reason == "" {
			reason = x402.ReasonInvalidSignature
		}
		return x402.NewInvalidResult(reason), nil
	}

	payer := resp.Payer
	if payer == "" {
		payer = exact.Authorization.From
	}

	sc := &settlementContext{
		payload:      payload,
		requirements: *requirements,
		payer:        payer,
	}
	return x402.NewValidResult(requirements, payer, sc), nil
}

// Settle submits the authorization captured by Verify.
func (s *Scheme) Settle(ctx context.Context, requirements *x402.PaymentRequirements, sc x402.SettlementContext) (*x402.SettlementResult, error) {
	verified, ok := sc.(*settlementContext)
	if !ok || verified == nil {
		return &x402.SettlementResult{
			Status:  x402.SettlementFailed,
			Network: requirements.Network,
			Reason:  x402.ReasonInvalidContext,
		}, nil
	}

	resp, err := s.facilitator.Settle(ctx, verified.payload, &verified.requirements)
	if err != nil {
		return nil, err
	}

	network := resp.Network
	if network == "" {
		network = verified.requirements.Network
	}
	payer := resp.Payer
	if payer == "" {
		payer = verified.payer
	}

	if !resp.Success {
		return &x402.SettlementResult{
			Status:      x402.SettlementFailed,
			Transaction: resp.Transaction,
			Network:     network,
			Payer:       payer,
			Reason:      resp.ErrorReason,
		}, nil
	}

	return &x402.SettlementResult{
		Status:      x402.SettlementSettled,
		Transaction: resp.Transaction,
		Network:     network,
		Payer:       payer,
		SettledAt:   s.now(),
	}, nil
}

func (s *Scheme) checkAuthorization(p *ExactPayload, req *x402.PaymentRequirements) string {
	auth := p.Authorization

	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return x402.ReasonInvalidPayload
	}
	if !common.IsHexAddress(req.PayTo) || !common.IsHexAddress(req.Asset) {
		return x402.ReasonInvalidRequirements
	}
	if common.HexToAddress(auth.To) != common.HexToAddress(req.PayTo) {
		return x402.ReasonRecipientMismatch
	}

	sig, err := hexutil.Decode(p.Signature)
	if err != nil || len(sig) != signatureLength {
		return x402.ReasonInvalidSignature
	}
	nonce, err := hexutil.Decode(auth.Nonce)
	if err != nil || len(nonce) != nonceLength {
		return x402.ReasonInvalidPayload
	}

	covered, err := x402.CoversAmount(auth.Value, req.Amount)
	if err != nil {
		return x402.ReasonInvalidPayload
	}
	if !covered {
		return x402.ReasonInsufficientAmount
	}

	now := s.now().Unix()
	if int64(auth.ValidAfter) > now {
		return x402.ReasonNotYetValid
	}
	if auth.ValidBefore != 0 && int64(auth.ValidBefore) <= now {
		return x402.ReasonExpired
	}
	return ""
}

func parsePayload(raw json.RawMessage) (*ExactPayload, error) {
	var p ExactPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal exact payload: %w", err)
	}

	if p.Signature == "" {
		return nil, fmt.Errorf("signature is required")
	}
	if p.Authorization == nil {
		return nil, fmt.Errorf("authorization is required")
	}

	auth := p.Authorization
	if auth.From == "" || auth.To == "" || auth.Value == "" || auth.Nonce == "" {
		return nil, fmt.Errorf("authorization missing required fields")
	}
	return &p, nil
}
