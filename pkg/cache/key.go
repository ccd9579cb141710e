package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix namespaces every cache key in Redis.
const KeyPrefix = "tickertrail"

// Key identifies a cached upstream response.
type Key struct {
	// Service is the upstream service name (e.g. "prices").
	Service string

	// Path is the request path (e.g. "/prices/AAPL/on-or-before").
	Path string

	// Params are the query parameters (e.g. {"date": "2024-01-02"}).
	Params url.Values
}

// String generates a deterministic cache key string.
// Format: tickertrail:service:path:param1=val1:param2=val2
//
// Example:
//
//	tickertrail:prices:prices/AAPL/after:date=2024-01-02:months=6
func (k Key) String() string {
	parts := []string{KeyPrefix}

	if k.Service != "" {
		parts = append(parts, k.Service)
	}

	if path := strings.Trim(k.Path, "/"); path != "" {
		parts = append(parts, path)
	}

	if len(k.Params) > 0 {
		names := make([]string, 0, len(k.Params))
		for name := range k.Params {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%s", name, strings.Join(k.Params[name], ",")))
		}
	}

	return strings.Join(parts, ":")
}
