// Package svm implements the "exact" payment scheme on Solana: a partially
// signed SPL transfer transaction that the facilitator co-signs and submits.
package svm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/mr-tron/base58"

	x402 "github.com/becomeliminal/x402-resource-server"
)

var log = logging.Logger("x402/svm")

const (
	// SchemeName is the scheme identifier this package registers.
	SchemeName = "exact"

	// Family is the CAIP-2 namespace of Solana clusters.
	Family = "solana"

	publicKeyLength = 32

	// Solana caps a serialized transaction at 1232 bytes.
	maxTransactionSize = 1232
)

// ExactPayload carries a base64 wire transaction.
type ExactPayload struct {
	Transaction string `json:"transaction"`
}

// Scheme verifies and settles exact Solana payments through the facilitator.
// Only structural checks run locally; instruction-level inspection is the
// facilitator's job.
type Scheme struct {
	facilitator x402.FacilitatorClient
	now         func() time.Time
}

var _ x402.Scheme = (*Scheme)(nil)

// NewScheme creates the exact SVM scheme over a facilitator.
func NewScheme(facilitator x402.FacilitatorClient) *Scheme {
	return &Scheme{facilitator: facilitator, now: time.Now}
}

// Register adds the scheme for the given networks, or "solana:*" when none are given.
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

type settlementContext struct {
	payload      *x402.PaymentPayload
	requirements x402.PaymentRequirements
	payer        string
}

// Verify checks the requirement's keys and the transaction encoding, then
// defers to the facilitator.
func (s *Scheme) Verify(ctx context.Context, requirements *x402.PaymentRequirements, payload *x402.PaymentPayload) (*x402.VerificationResult, error) {
	if x402.NetworkFamily(requirements.Network) != Family || payload.Network() != requirements.Network {
		return x402.NewInvalidResult(x402.ReasonNetworkMismatch), nil
	}

	if !IsPublicKey(requirements.PayTo) || !IsPublicKey(requirements.Asset) {
		return x402.NewInvalidResult(x402.ReasonInvalidRequirements), nil
	}
	if feePayer, ok := requirements.Extra["feePayer"].(string); ok && !IsPublicKey(feePayer) {
		return x402.NewInvalidResult(x402.ReasonInvalidRequirements), nil
	}

	if err := checkPayload(payload.Payload); err != nil {
		log.Debugw("malformed exact payload", "network", requirements.Network, "err", err)
		return x402.NewInvalidResult(x402.ReasonInvalidPayload), nil
	}

	resp, err := s.facilitator.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if !resp.IsValid {
		reason := resp.InvalidReason
		if reason == "" {
			reason = x402.ReasonInvalidPayload
		}
		return x402.NewInvalidResult(reason), nil
	}

	sc := &settlementContext{
		payload:      payload,
		requirements: *requirements,
		payer:        resp.Payer,
	}
	return x402.NewValidResult(requirements, resp.Payer, sc), nil
}

// Settle submits the transaction captured by Verify.
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

	result := &x402.SettlementResult{
		Status:      x402.SettlementSettled,
		Transaction: resp.Transaction,
		Network:     resp.Network,
		Payer:       resp.Payer,
	}
	if result.Network == "" {
		result.Network = verified.requirements.Network
	}
	if result.Payer == "" {
		result.Payer = verified.payer
	}
	if !resp.Success {
		result.Status = x402.SettlementFailed
		result.Reason = resp.ErrorReason
		return result, nil
	}
	result.SettledAt = s.now()
	return result, nil
}

// IsPublicKey reports whether s is a base58 encoded 32-byte Solana key.
func IsPublicKey(s string) bool {
	if s == "" {
		return false
	}
	b, err := base58.Decode(s)
	return err == nil && len(b) == publicKeyLength
}

func checkPayload(raw json.RawMessage) error {
	var p ExactPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("failed to unmarshal exact payload: %w", err)
	}
	if p.Transaction == "" {
		return fmt.Errorf("transaction is required")
	}
	tx, err := base64.StdEncoding.DecodeString(p.Transaction)
	if err != nil {
		return fmt.Errorf("transaction is not base64: %w", err)
	}
	if len(tx) == 0 || len(tx) > maxTransactionSize {
		return fmt.Errorf("transaction size %d out of range", len(tx))
	}
	return nil
}
