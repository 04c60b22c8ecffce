// Package discovery lists paid routes so that clients and indexers can find
// them without probing each endpoint for a 402.
package discovery

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	x402 "github.com/becomeliminal/x402-resource-server"
)

const (
	// ResourceTypeHTTP is the only resource type served by this catalog.
	ResourceTypeHTTP = "http"

	defaultLimit = 100
	maxLimit     = 1000
)

// Item is one discoverable resource.
type Item struct {
	Resource    string                     `json:"resource"`
	Type        string                     `json:"type"`
	X402Version int                        `json:"x402Version"`
	Accepts     []x402.PaymentRequirements `json:"accepts"`
	LastUpdated time.Time                  `json:"lastUpdated"`
	Metadata    map[string]interface{}     `json:"metadata,omitempty"`
}

// Response is the body served by Handler.
type Response struct {
	X402Version int    `json:"x402Version"`
	Items       []Item `json:"items"`
	Pagination  Page   `json:"pagination"`
}

// Page describes the slice of items returned.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// Catalog is an immutable snapshot of the routes that opted into discovery.
type Catalog struct {
	items []Item
}

// NewCatalog builds the catalog from routes that set Discovery. Route
// patterns are joined to baseURL unless the route declares its own Resource.
func NewCatalog(cfg x402.Config, baseURL string) (*Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	routes, err := cfg.PrepareRoutes()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	base := strings.TrimRight(baseURL, "/")

	items := make([]Item, 0, len(routes))
	for pattern, route := range routes {
		if route.Config.Discovery == nil {
			continue
		}
		resource := route.Config.Resource
		if resource == "" {
			resource = base + pattern
		}
		items = append(items, Item{
			Resource:    resource,
			Type:        ResourceTypeHTTP,
			X402Version: x402.ProtocolVersion,
			Accepts:     route.AcceptsCopy(),
			LastUpdated: now,
			Metadata:    route.Config.Discovery.Extension(),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Resource < items[j].Resource })

	return &Catalog{items: items}, nil
}

// Items returns all catalog entries ordered by resource.
func (c *Catalog) Items() []Item {
	return append([]Item(nil), c.items...)
}

// Handler serves the catalog as JSON. It honors limit and offset query parameters.
func (c *Catalog) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		limit, ok := queryInt(r, "limit", defaultLimit)
		if !ok || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if limit > maxLimit {
			limit = maxLimit
		}
		offset, ok := queryInt(r, "offset", 0)
		if !ok || offset < 0 {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}

		total := len(c.items)
		start := offset
		if start > total {
			start = total
		}
		end := start + limit
		if end > total {
			end = total
		}

		resp := Response{
			X402Version: x402.ProtocolVersion,
			Items:       c.items[start:end],
			Pagination:  Page{Limit: limit, Offset: offset, Total: total},
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	})
}

func queryInt(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	return v, err == nil
}
