package evm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ExactPayload represents the EVM-specific payload of an exact payment.
// Following the EIP-3009 transferWithAuthorization specification.
type ExactPayload struct {
	Signature     string         `json:"signature"`
	Authorization *Authorization `json:"authorization"`
}

// Authorization contains the EIP-3009 authorization parameters.
type Authorization struct {
	From        string   `json:"from"`
	To          string   `json:"to"`
	Value       string   `json:"value"`
	ValidAfter  UnixTime `json:"validAfter"`
	ValidBefore UnixTime `json:"validBefore"`
	Nonce       string   `json:"nonce"`
}

// UnixTime is a unix timestamp in seconds. Clients send it either as a JSON
// number or as a decimal string.
type UnixTime int64

func (t *UnixTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*t = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid unix timestamp %s: %w", data, err)
	}
	*t = UnixTime(v)
	return nil
}

func (t UnixTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(t), 10))
}
