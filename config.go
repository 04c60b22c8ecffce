package x402

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/multierr"
)

// DefaultSchemeName is used when a payment option leaves Scheme empty.
const DefaultSchemeName = "exact"

// Config holds the middleware configuration.
type Config struct {
	// Routes maps URL patterns to payment requirements.
	// Patterns support exact matches ("/v1/endpoint"), wildcards ("/v1/*")
	// and path.Match globs.
	Routes map[string]RouteConfig

	// Methods maps gRPC method names to payment requirements.
	// Methods are full names like "/package.Service/Method".
	// Supports wildcards: "/package.Service/*" matches all methods in a service.
	Methods map[string]RouteConfig

	// SkipPaths lists paths that should bypass payment checks entirely.
	SkipPaths []string

	// SkipMethods lists gRPC methods that should bypass payment checks.
	SkipMethods []string

	// MaxTimeoutSeconds is advertised in requirements that don't set their own.
	// Defaults to 300.
	MaxTimeoutSeconds int

	// MaxPaymentResponseBytes caps the encoded PAYMENT-RESPONSE header.
	// Defaults to 4096.
	MaxPaymentResponseBytes int

	// PaywallHTML is returned instead of the JSON body to browser requests (optional).
	PaywallHTML string
}

// RouteConfig declares the payment offers accepted by one route.
type RouteConfig struct {
	// Accepts lists acceptable offers in order of preference. Any one satisfies the route.
	Accepts []PaymentOption

	// Description explains what this payment is for.
	Description string

	// MimeType of the resource being sold (optional).
	MimeType string

	// Resource is the canonical URL advertised for the route (optional).
	Resource string

	// Discovery, when set, lists the route in the discovery catalog.
	Discovery *DiscoveryInfo
}

// PaymentOption is one acceptable offer. Either Price, or Amount and Asset, must be set.
type PaymentOption struct {
	// Scheme defaults to "exact".
	Scheme string

	// Network is the blockchain network in CAIP-2 format (e.g., "eip155:8453").
	Network string

	// PayTo is the address that will receive payment.
	PayTo string

	// Price is a money amount like "$0.001", converted through the network's default asset.
	Price string

	// Amount is the payment amount in atomic units of Asset.
	Amount string

	// Asset is the token contract address or mint.
	Asset string

	// Extra is scheme-specific metadata passed through untouched.
	Extra map[string]interface{}

	// MaxTimeoutSeconds overrides Config.MaxTimeoutSeconds.
	MaxTimeoutSeconds int
}

// DiscoveryInfo is the catalog metadata of a route.
type DiscoveryInfo struct {
	// Input describes how to call the resource (method, query params, body).
	Input map[string]interface{}

	// Output is an example response body.
	Output interface{}
}

// Extension renders the discovery info as the "bazaar" extension of a 402 response.
func (d *DiscoveryInfo) Extension() map[string]interface{} {
	info := map[string]interface{}{}
	if d.Input != nil {
		info["input"] = d.Input
	}
	if d.Output != nil {
		info["output"] = map[string]interface{}{"example": d.Output}
	}
	return map[string]interface{}{"info": info}
}

// Validate checks if the configuration is valid and fills in defaults.
// All problems are reported together.
func (c *Config) Validate() error {
	if c.MaxTimeoutSeconds == 0 {
		c.MaxTimeoutSeconds = 300
	}
	if c.MaxPaymentResponseBytes == 0 {
		c.MaxPaymentResponseBytes = 4096
	}

	var err error
	if len(c.Routes) == 0 && len(c.Methods) == 0 {
		err = multierr.Append(err, fmt.Errorf("at least one route or method is required"))
	}

	for _, pattern := range sortedPatterns(c.Routes) {
		rule := c.Routes[pattern]
		if rerr := rule.Validate(); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("invalid route %q: %w", pattern, rerr))
		}
	}

	for _, method := range sortedPatterns(c.Methods) {
		rule := c.Methods[method]
		if rerr := rule.Validate(); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("invalid method %q: %w", method, rerr))
		}
	}

	if err != nil {
		return NewPaymentError(ErrCodeInvalidConfig, "invalid x402 configuration", err)
	}
	return nil
}

// Validate checks if the route is valid.
func (r *RouteConfig) Validate() error {
	if len(r.Accepts) == 0 {
		return fmt.Errorf("at least one accepted payment option is required")
	}

	var err error
	for i, option := range r.Accepts {
		if oerr := option.Validate(); oerr != nil {
			err = multierr.Append(err, fmt.Errorf("option %d: %w", i, oerr))
		}
	}
	return err
}

// Validate checks if the payment option is valid.
func (o *PaymentOption) Validate() error {
	var err error

	if o.Network == "" {
		err = multierr.Append(err, fmt.Errorf("network is required"))
	} else if _, ok := networkFamily(o.Network); !ok {
		err = multierr.Append(err, fmt.Errorf("network %q is not a CAIP-2 identifier", o.Network))
	}

	if o.PayTo == "" {
		err = multierr.Append(err, fmt.Errorf("payTo is required"))
	}

	switch {
	case o.Price != "" && (o.Amount != "" || o.Asset != ""):
		err = multierr.Append(err, fmt.Errorf("price and amount/asset are mutually exclusive"))
	case o.Price != "":
		if _, perr := o.resolveAmount(); perr != nil {
			err = multierr.Append(err, perr)
		}
	default:
		if o.Asset == "" {
			err = multierr.Append(err, fmt.Errorf("asset is required"))
		}
		if o.Amount == "" {
			err = multierr.Append(err, fmt.Errorf("amount is required"))
		} else if _, aerr := ParseAtomicAmount(o.Amount); aerr != nil {
			err = multierr.Append(err, aerr)
		}
	}

	return err
}

type resolvedAmount struct {
	amount string
	asset  string
	info   *AssetInfo
}

func (o *PaymentOption) resolveAmount() (resolvedAmount, error) {
	if o.Price == "" {
		return resolvedAmount{amount: o.Amount, asset: o.Asset}, nil
	}

	asset, ok := DefaultAsset(o.Network)
	if !ok {
		return resolvedAmount{}, fmt.Errorf("no default asset for network %q, set amount and asset", o.Network)
	}
	price, err := ParsePrice(o.Price)
	if err != nil {
		return resolvedAmount{}, err
	}
	amount, err := ToAtomicUnits(price, asset.Decimals)
	if err != nil {
		return resolvedAmount{}, err
	}
	return resolvedAmount{amount: amount, asset: asset.Address, info: &asset}, nil
}

// BuildRequirements resolves a route into its ordered requirement list.
func (c *Config) BuildRequirements(route *RouteConfig) ([]PaymentRequirements, error) {
	accepts := make([]PaymentRequirements, 0, len(route.Accepts))
	for i, option := range route.Accepts {
		resolved, err := option.resolveAmount()
		if err != nil {
			return nil, fmt.Errorf("option %d: %w", i, err)
		}

		scheme := option.Scheme
		if scheme == "" {
			scheme = DefaultSchemeName
		}
		timeout := option.MaxTimeoutSeconds
		if timeout == 0 {
			timeout = c.MaxTimeoutSeconds
		}

		extra := make(map[string]interface{}, len(option.Extra)+2)
		if resolved.info != nil && resolved.info.Name != "" {
			extra["name"] = resolved.info.Name
			extra["version"] = resolved.info.Version
		}
		for k, v := range option.Extra {
			extra[k] = v
		}
		if len(extra) == 0 {
			extra = nil
		}

		accepts = append(accepts, PaymentRequirements{
			Scheme:            scheme,
			Network:           option.Network,
			Amount:            resolved.amount,
			Asset:             resolved.asset,
			PayTo:             option.PayTo,
			MaxTimeoutSeconds: timeout,
			Description:       route.Description,
			MimeType:          route.MimeType,
			Resource:          route.Resource,
			Extra:             extra,
		})
	}
	return accepts, nil
}

// PreparedRoute is a route whose requirements have been resolved once at startup.
type PreparedRoute struct {
	Pattern string
	Config  RouteConfig
	Accepts []PaymentRequirements
}

// AcceptsCopy returns a copy of the requirement list safe to hand to encoders.
func (p *PreparedRoute) AcceptsCopy() []PaymentRequirements {
	out := make([]PaymentRequirements, len(p.Accepts))
	copy(out, p.Accepts)
	return out
}

// PrepareRoutes resolves every HTTP route.
func (c *Config) PrepareRoutes() (map[string]*PreparedRoute, error) {
	return c.prepare(c.Routes)
}

// PrepareMethods resolves every gRPC method.
func (c *Config) PrepareMethods() (map[string]*PreparedRoute, error) {
	return c.prepare(c.Methods)
}

func (c *Config) prepare(routes map[string]RouteConfig) (map[string]*PreparedRoute, error) {
	prepared := make(map[string]*PreparedRoute, len(routes))
	for pattern, route := range routes {
		route := route
		accepts, err := c.BuildRequirements(&route)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", pattern, err)
		}
		prepared[pattern] = &PreparedRoute{Pattern: pattern, Config: route, Accepts: accepts}
	}
	return prepared, nil
}

// MatchEndpoint finds the route pattern for a given path.
func (c *Config) MatchEndpoint(requestPath string) (string, bool) {
	return matchPattern(requestPath, c.SkipPaths, c.Routes)
}

// MatchMethod finds the method pattern for a given gRPC method.
func (c *Config) MatchMethod(fullMethod string) (string, bool) {
	return matchPattern(fullMethod, c.SkipMethods, c.Methods)
}

func matchPattern(target string, skip []string, routes map[string]RouteConfig) (string, bool) {
	for _, skipPath := range skip {
		if matchPath(target, skipPath) {
			return "", false
		}
	}

	if _, ok := routes[target]; ok {
		return target, true
	}

	var bestMatch string
	for pattern := range routes {
		if matchPath(target, pattern) {
			if len(pattern) > len(bestMatch) || (len(pattern) == len(bestMatch) && pattern < bestMatch) {
				bestMatch = pattern
			}
		}
	}

	return bestMatch, bestMatch != ""
}

func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	matched, _ := path.Match(pattern, requestPath)
	return matched
}

func sortedPatterns(routes map[string]RouteConfig) []string {
	patterns := make([]string, 0, len(routes))
	for p := range routes {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	return patterns
}
