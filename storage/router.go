package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/pyramid"
)

// Router sends each fetch to the transport registered for the longest matching
// resource prefix, or to the fallback.
type Router struct {
	mu       sync.RWMutex
	routes   []route
	fallback TileTransport
}

type route struct {
	prefix    string
	transport TileTransport
}

// NewRouter returns a router.  The fallback may be nil.
func NewRouter(fallback TileTransport) *Router {
	return &Router{fallback: fallback}
}

// Handle routes resources beginning with prefix to t.
func (r *Router) Handle(prefix string, t TileTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{prefix, t})
	sort.SliceStable(r.routes, func(i, j int) bool { return len(r.routes[i].prefix) > len(r.routes[j].prefix) })
}

// FetchTile implements TileTransport.
func (r *Router) FetchTile(ctx context.Context, loc pyramid.TileLocator) ([]byte, error) {
	r.mu.RLock()
	t := r.fallback
	for _, rt := range r.routes {
		if strings.HasPrefix(loc.Resource, rt.prefix) {
			t = rt.transport
			break
		}
	}
	r.mu.RUnlock()
	if t == nil {
		return nil, fmt.Errorf("no transport for resource %q: %w", loc.Resource, ErrNotFound)
	}
	return t.FetchTile(ctx, loc)
}

// InvalidateSeries passes the invalidation to every transport that caches tiles.
func (r *Router) InvalidateSeries(seriesID string) {
	r.mu.RLock()
	transports := []TileTransport{r.fallback}
	for _, rt := range r.routes {
		transports = append(transports, rt.transport)
	}
	r.mu.RUnlock()
	for _, t := range transports {
		if inv, ok := t.(SeriesInvalidator); ok {
			inv.InvalidateSeries(seriesID)
		}
	}
}
