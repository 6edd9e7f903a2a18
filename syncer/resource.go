package syncer

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownResource is returned when a cache key has no endpoint mapping.
var ErrUnknownResource = errors.New("syncer: unable to parse resource")

// ResourceMap translates cache keys into fetch endpoints. Keys follow the
// "<resource>:<id>" convention; each resource prefix maps to a collection
// path, so "receipt:123" resolves to "/receipts/123".
type ResourceMap struct {
	mu     sync.RWMutex
	routes map[string]string
}

// NewResourceMap creates a map preloaded with the SDK's resources.
func NewResourceMap() *ResourceMap {
	r := &ResourceMap{routes: make(map[string]string)}
	r.Register("receipt", "/receipts")
	r.Register("cashier", "/cashiers")
	r.Register("merchant", "/merchants")
	r.Register("point-of-sale", "/point-of-sales")
	r.Register("cash-register", "/cash-registers")
	return r
}

// Register maps a key prefix to its collection path.
func (r *ResourceMap) Register(prefix, basePath string) {
	r.mu.Lock()
	r.routes[prefix] = strings.TrimSuffix(basePath, "/")
	r.mu.Unlock()
}

// Endpoint resolves a cache key to its fetch endpoint.
func (r *ResourceMap) Endpoint(key string) (string, error) {
	prefix, id, ok := strings.Cut(key, ":")
	if !ok || prefix == "" || id == "" {
		return "", fmt.Errorf("%w from key %q", ErrUnknownResource, key)
	}

	r.mu.RLock()
	base, found := r.routes[prefix]
	r.mu.RUnlock()

	if !found {
		return "", fmt.Errorf("%w from key %q", ErrUnknownResource, key)
	}
	return base + "/" + id, nil
}
