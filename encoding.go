package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// V2 header names.
const (
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"

	// V1 legacy header names.
	HeaderLegacyPayment         = "X-PAYMENT"
	HeaderLegacyPaymentResponse = "X-PAYMENT-RESPONSE"
)

// DecodePaymentPayload decodes a V2 PAYMENT-SIGNATURE value into a PaymentPayload.
func DecodePaymentPayload(header string) (*PaymentPayload, error) {
	payloadBytes, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if payload.X402Version < 2 {
		return nil, fmt.Errorf("PAYMENT-SIGNATURE header requires x402Version >= 2, got %d", payload.X402Version)
	}
	if payload.Accepted.Scheme == "" || payload.Accepted.Network == "" {
		return nil, fmt.Errorf("accepted scheme and network are required")
	}
	if len(payload.Payload) == 0 || string(payload.Payload) == "null" {
		return nil, fmt.Errorf("payload is required")
	}

	return &payload, nil
}

// DecodeLegacyPayment decodes a V1 X-PAYMENT value. Only scheme and network
// are known for V1 proofs; the requirement is bound at verification time.
func DecodeLegacyPayment(header string) (*PaymentPayload, error) {
	payloadBytes, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var legacy LegacyPayment
	if err := json.Unmarshal(payloadBytes, &legacy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if legacy.X402Version == 0 {
		return nil, fmt.Errorf("x402Version is required")
	}
	if legacy.Scheme == "" {
		return nil, fmt.Errorf("scheme is required")
	}
	if legacy.Network == "" {
		return nil, fmt.Errorf("network is required")
	}
	if len(legacy.Payload) == 0 || string(legacy.Payload) == "null" {
		return nil, fmt.Errorf("payload is required")
	}

	return &PaymentPayload{
		X402Version: legacy.X402Version,
		Accepted: PaymentRequirements{
			Scheme:  legacy.Scheme,
			Network: legacy.Network,
		},
		Payload: legacy.Payload,
	}, nil
}

// EncodePaymentPayload encodes a PaymentPayload to base64 JSON for the PAYMENT-SIGNATURE header.
func EncodePaymentPayload(payload *PaymentPayload) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payloadJSON), nil
}

// EncodePaymentResponse encodes a PaymentResponse to base64 JSON.
func EncodePaymentResponse(response *PaymentResponse) (string, error) {
	responseJSON, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(responseJSON), nil
}

// DecodePaymentResponse decodes a PAYMENT-RESPONSE header.
func DecodePaymentResponse(header string) (*PaymentResponse, error) {
	responseBytes, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response PaymentResponse
	if err := json.Unmarshal(responseBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &response, nil
}

// EncodePaymentRequired encodes a 402 body for the PAYMENT-REQUIRED header.
func EncodePaymentRequired(response *PaymentRequiredResponse) (string, error) {
	responseJSON, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(responseJSON), nil
}

// DecodePaymentRequired decodes a PAYMENT-REQUIRED header value.
func DecodePaymentRequired(encoded string) (*PaymentRequiredResponse, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response PaymentRequiredResponse
	if err := json.Unmarshal(jsonBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment requirements: %w", err)
	}

	return &response, nil
}

// SettlementResponse builds the PAYMENT-RESPONSE body for a settlement result.
func SettlementResponse(result *SettlementResult) *PaymentResponse {
	resp := &PaymentResponse{
		Success:     result.Success(),
		Transaction: result.Transaction,
		Network:     result.Network,
		Payer:       result.Payer,
	}
	if !resp.Success {
		resp.ErrorReason = result.Reason
		if result.Status == SettlementTimedOut {
			resp.ErrorReason = "settlement_timeout"
		}
	}
	return resp
}

// EncodeSettlementHeader encodes settlement evidence within maxBytes. When the
// full response does not fit, the payer and error reason are dropped; if even
// that does not fit, ok is false and no header should be sent.
func EncodeSettlementHeader(result *SettlementResult, maxBytes int) (value string, ok bool) {
	resp := SettlementResponse(result)

	encoded, err := EncodePaymentResponse(resp)
	if err == nil && (maxBytes <= 0 || len(encoded) <= maxBytes) {
		return encoded, true
	}

	reduced := &PaymentResponse{
		Success:     resp.Success,
		Transaction: resp.Transaction,
		Network:     resp.Network,
	}
	encoded, err = EncodePaymentResponse(reduced)
	if err == nil && len(encoded) <= maxBytes {
		return encoded, true
	}
	return "", false
}

// ReadPaymentRequirements extracts payment requirements from a 402 response.
func ReadPaymentRequirements(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	if header := resp.Header.Get(HeaderPaymentRequired); header != "" {
		if paymentReq, err := DecodePaymentRequired(header); err == nil {
			return paymentReq, nil
		}
	}

	// Fall back to body.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var paymentReq PaymentRequiredResponse
	if err := json.Unmarshal(body, &paymentReq); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	return &paymentReq, nil
}
