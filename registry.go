package x402

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

type schemeKey struct {
	scheme  string
	network string
}

// SchemeRegistry maps (scheme, network) pairs to Scheme implementations.
//
// Registration happens during startup. Once frozen, which NewResourceServer
// does, the registry is read-only and Resolve takes no lock.
type SchemeRegistry struct {
	mu      sync.Mutex
	frozen  atomic.Bool
	schemes map[schemeKey]Scheme
}

// NewSchemeRegistry creates an empty registry.
func NewSchemeRegistry() *SchemeRegistry {
	return &SchemeRegistry{
		schemes: make(map[schemeKey]Scheme),
	}
}

// Register binds a Scheme to a (scheme, network) pair. The network may be a
// family wildcard such as "eip155:*". Registering an existing pair fails with
// a *DuplicateSchemeError and keeps the first registration.
func (r *SchemeRegistry) Register(schemeID, network string, scheme Scheme) error {
	if schemeID == "" || network == "" {
		return NewPaymentError(ErrCodeInvalidConfig, "scheme and network are required", nil)
	}
	if scheme == nil {
		return NewPaymentError(ErrCodeInvalidConfig, fmt.Sprintf("nil scheme for %s on %s", schemeID, network), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return ErrRegistryFrozen
	}

	key := schemeKey{scheme: schemeID, network: network}
	if _, exists := r.schemes[key]; exists {
		return &DuplicateSchemeError{Scheme: schemeID, Network: network}
	}
	r.schemes[key] = scheme

	log.Debugw("registered scheme", "scheme", schemeID, "network", network)
	return nil
}

// Resolve returns the Scheme registered for the pair. An exact network match
// wins over a family wildcard.
func (r *SchemeRegistry) Resolve(schemeID, network string) (Scheme, error) {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	if scheme, ok := r.schemes[schemeKey{scheme: schemeID, network: network}]; ok {
		return scheme, nil
	}
	if family, ok := networkFamily(network); ok {
		if scheme, ok := r.schemes[schemeKey{scheme: schemeID, network: family + ":*"}]; ok {
			return scheme, nil
		}
	}

	return nil, NewPaymentError(ErrCodeUnsupportedScheme,
		fmt.Sprintf("no scheme %q registered for network %q", schemeID, network), nil)
}

// Freeze makes the registry read-only. It is safe to call more than once.
func (r *SchemeRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen.Store(true)
}

// Frozen reports whether the registry accepts registrations.
func (r *SchemeRegistry) Frozen() bool {
	return r.frozen.Load()
}

// Kinds lists registered pairs, sorted by scheme then network.
func (r *SchemeRegistry) Kinds() []SupportedKind {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	kinds := make([]SupportedKind, 0, len(r.schemes))
	for key := range r.schemes {
		kinds = append(kinds, SupportedKind{
			X402Version: ProtocolVersion,
			Scheme:      key.scheme,
			Network:     key.network,
		})
	}
	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].Scheme != kinds[j].Scheme {
			return kinds[i].Scheme < kinds[j].Scheme
		}
		return kinds[i].Network < kinds[j].Network
	})
	return kinds
}

// networkFamily returns the CAIP-2 namespace ("eip155" for "eip155:8453").
func networkFamily(network string) (string, bool) {
	namespace, reference, ok := strings.Cut(network, ":")
	if !ok || namespace == "" || reference == "" || reference == "*" {
		return "", false
	}
	return namespace, true
}

// NetworkFamily is exported for scheme implementations that need to check
// which chain family a requirement targets.
func NetworkFamily(network string) string {
	family, _ := networkFamily(network)
	return family
}
