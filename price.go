package x402

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AssetInfo describes the default stablecoin of a network, used to convert
// money prices into atomic units.
type AssetInfo struct {
	Address  string
	Decimals int32
	// EIP-712 domain of the token, advertised in requirement extra.
	Name    string
	Version string
}

var defaultAssets = map[string]AssetInfo{
	"eip155:1":     {Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6, Name: "USD Coin", Version: "2"},
	"eip155:8453":  {Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6, Name: "USD Coin", Version: "2"},
	"eip155:84532": {Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Decimals: 6, Name: "USDC", Version: "2"},
	"eip155:137":   {Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Decimals: 6, Name: "USD Coin", Version: "2"},
	"eip155:10":    {Address: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", Decimals: 6, Name: "USD Coin", Version: "2"},
	"eip155:42161": {Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6, Name: "USD Coin", Version: "2"},

	"solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp": {Address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6},
	"solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1": {Address: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU", Decimals: 6},
}

// DefaultAsset returns the default stablecoin for a network.
func DefaultAsset(network string) (AssetInfo, bool) {
	asset, ok := defaultAssets[network]
	return asset, ok
}

// ParsePrice parses a money price such as "$0.001" or "0.25".
func ParsePrice(price string) (decimal.Decimal, error) {
	s := strings.TrimSpace(price)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty price")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", price, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("price %q must be positive", price)
	}
	return d, nil
}

// ToAtomicUnits converts a money amount into the asset's smallest unit.
func ToAtomicUnits(amount decimal.Decimal, decimals int32) (string, error) {
	atomic := amount.Shift(decimals)
	if !atomic.IsInteger() {
		return "", fmt.Errorf("amount %s exceeds %d decimals of precision", amount, decimals)
	}
	return atomic.String(), nil
}

// ParseAtomicAmount parses a non-negative integer amount of atomic units.
func ParseAtomicAmount(amount string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if !d.IsInteger() || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount %q must be a non-negative integer", amount)
	}
	return d, nil
}

// CoversAmount reports whether paid is at least required. Both are atomic amounts.
func CoversAmount(paid, required string) (bool, error) {
	p, err := ParseAtomicAmount(paid)
	if err != nil {
		return false, err
	}
	r, err := ParseAtomicAmount(required)
	if err != nil {
		return false, err
	}
	return p.Cmp(r) >= 0, nil
}
