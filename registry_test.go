package x402

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemeRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewSchemeRegistry()
	first := &MockScheme{}
	second := &MockScheme{}

	require.NoError(t, registry.Register("exact", "eip155:8453", first))

	err := registry.Register("exact", "eip155:8453", second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateScheme)

	var dup *DuplicateSchemeError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "exact", dup.Scheme)
	assert.Equal(t, "eip155:8453", dup.Network)

	resolved, err := registry.Resolve("exact", "eip155:8453")
	require.NoError(t, err)
	assert.Same(t, first, resolved, "first registration wins")

	// Same scheme on another network is a different pair.
	assert.NoError(t, registry.Register("exact", "eip155:1", second))
}

func TestSchemeRegistry_Resolve(t *testing.T) {
	registry := NewSchemeRegistry()
	family := &MockScheme{}
	base := &MockScheme{}
	require.NoError(t, registry.Register("exact", "eip155:*", family))
	require.NoError(t, registry.Register("exact", "eip155:8453", base))
	registry.Freeze()

	tests := []struct {
		name    string
		scheme  string
		network string
		want    Scheme
	}{
		{"exact network beats wildcard", "exact", "eip155:8453", base},
		{"wildcard covers family", "exact", "eip155:84532", family},
		{"unknown scheme", "upto", "eip155:8453", nil},
		{"other family", "exact", "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1", nil},
		{"not caip-2", "exact", "base-sepolia", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := registry.Resolve(tt.scheme, tt.network)
			if tt.want == nil {
				assert.ErrorIs(t, err, ErrUnsupportedScheme)
				assert.Equal(t, ErrCodeUnsupportedScheme, GetPaymentErrorCode(err))
				return
			}
			require.NoError(t, err)
			assert.Same(t, tt.want, got)
		})
	}
}

func TestSchemeRegistry_RegisterValidation(t *testing.T) {
	registry := NewSchemeRegistry()
	assert.Error(t, registry.Register("", "eip155:1", &MockScheme{}))
	assert.Error(t, registry.Register("exact", "", &MockScheme{}))
	assert.Error(t, registry.Register("exact", "eip155:1", nil))
	assert.Empty(t, registry.Kinds())
}

func TestSchemeRegistry_Frozen(t *testing.T) {
	registry := NewSchemeRegistry()
	require.NoError(t, registry.Register("exact", "eip155:8453", &MockScheme{}))
	assert.False(t, registry.Frozen())

	NewResourceServer(registry)
	assert.True(t, registry.Frozen())
	assert.ErrorIs(t, registry.Register("exact", "eip155:1", &MockScheme{}), ErrRegistryFrozen)

	// Freeze is idempotent.
	registry.Freeze()
	assert.True(t, registry.Frozen())
}

func TestSchemeRegistry_Kinds(t *testing.T) {
	registry := NewSchemeRegistry()
	require.NoError(t, registry.Register("upto", "eip155:8453", &MockScheme{}))
	require.NoError(t, registry.Register("exact", "solana:*", &MockScheme{}))
	require.NoError(t, registry.Register("exact", "eip155:*", &MockScheme{}))

	assert.Equal(t, []SupportedKind{
		{X402Version: ProtocolVersion, Scheme: "exact", Network: "eip155:*"},
		{X402Version: ProtocolVersion, Scheme: "exact", Network: "solana:*"},
		{X402Version: ProtocolVersion, Scheme: "upto", Network: "eip155:8453"},
	}, registry.Kinds())
}

func TestSchemeRegistry_ConcurrentResolve(t *testing.T) {
	registry := NewSchemeRegistry()
	require.NoError(t, registry.Register("exact", "eip155:*", &MockScheme{}))
	registry.Freeze()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := registry.Resolve("exact", "eip155:8453")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestNetworkFamily(t *testing.T) {
	assert.Equal(t, "eip155", NetworkFamily("eip155:8453"))
	assert.Equal(t, "solana", NetworkFamily("solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"))
	assert.Equal(t, "", NetworkFamily("eip155:*"))
	assert.Equal(t, "", NetworkFamily("base"))
}
