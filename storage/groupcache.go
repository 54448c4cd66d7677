package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/groupcache"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/pyramid"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"
)

// GroupcacheConfig sets up an in-process (and optionally peered) cache of
// immutable tile bytes in front of the tile transport.
type GroupcacheConfig struct {
	MB    int      // cache size in megabytes; zero disables the cache
	Host  string   // this server's groupcache URL, e.g., "http://10.0.0.1:8001"
	Peers []string // peer URLs including Host
}

// Enabled returns true if a cache should be created.
func (c GroupcacheConfig) Enabled() bool {
	return c.MB > 0
}

// SetupGroupcache returns the peer pool when peers are configured.  The pool
// registers its HTTP handler on http.DefaultServeMux, so it must be called once.
func SetupGroupcache(config GroupcacheConfig) *groupcache.HTTPPool {
	if !config.Enabled() || config.Host == "" {
		return nil
	}
	pool := groupcache.NewHTTPPool(config.Host)
	if len(config.Peers) > 0 {
		pool.Set(config.Peers...)
	}
	wsi.Infof("Initializing groupcache with %d MB at %s (peers %v)...\n", config.MB, config.Host, config.Peers)
	return pool
}

// WrapGroupcache returns a transport that tries groupcache before the given
// transport.  Group names must be unique within a process.  The returned
// transport is a SeriesInvalidator when the cache is enabled.
func WrapGroupcache(name string, t TileTransport, config GroupcacheConfig) TileTransport {
	if !config.Enabled() {
		return t
	}
	cacheBytes := int64(config.MB) * wsi.Mega
	group := groupcache.NewGroup(name, cacheBytes, groupcache.GetterFunc(
		func(ctx context.Context, key string, dest groupcache.Sink) error {
			loc, err := ParseCacheKey(key[strings.IndexByte(key, '|')+1:])
			if err != nil {
				return err
			}
			data, err := t.FetchTile(ctx, loc)
			if err != nil {
				return err
			}
			return dest.SetBytes(data)
		}))
	return &groupcacheTransport{TileTransport: t, group: group}
}

type groupcacheTransport struct {
	TileTransport
	group *groupcache.Group

	mu     sync.RWMutex
	epochs map[string]string // series -> key prefix since its last invalidation
}

// FetchTile fetches through the cache.  Locator extents are carried in the key so
// peers can rebuild the full locator.  Keys begin with the epoch of the series.
func (g *groupcacheTransport) FetchTile(ctx context.Context, loc pyramid.TileLocator) ([]byte, error) {
	g.mu.RLock()
	epoch := g.epochs[loc.Series]
	g.mu.RUnlock()

	var data []byte
	if err := g.group.Get(ctx, epoch+"|"+CacheKey(loc), groupcache.AllocatingByteSliceSink(&data)); err != nil {
		return nil, err
	}
	return data, nil
}

// InvalidateSeries moves the series to a new epoch.  Groupcache cannot evict, so
// tiles cached under the old epoch are left to age out of the LRU.
func (g *groupcacheTransport) InvalidateSeries(seriesID string) {
	epoch := wsi.NewJobID()
	g.mu.Lock()
	if g.epochs == nil {
		g.epochs = make(map[string]string)
	}
	g.epochs[seriesID] = epoch
	g.mu.Unlock()
	wsi.Debugf("Series %q: groupcache epoch now %s\n", seriesID, epoch)
}

// CacheKey is the locator key plus its extent.
func CacheKey(loc pyramid.TileLocator) string {
	return fmt.Sprintf("%d,%d,%d,%d@%s", loc.Col, loc.Row, loc.Width, loc.Height, loc.Key())
}

// ParseCacheKey reverses CacheKey.
func ParseCacheKey(key string) (pyramid.TileLocator, error) {
	var col, row, w, h int
	var rest string
	n, err := fmt.Sscanf(key, "%d,%d,%d,%d@%s", &col, &row, &w, &h, &rest)
	if err != nil || n != 5 {
		return pyramid.TileLocator{}, fmt.Errorf("bad tile cache key %q", key)
	}
	// Resources may contain spaces, which Sscanf would split on.
	loc, err := pyramid.ParseLocatorKey(key[strings.IndexByte(key, '@')+1:])
	if err != nil {
		return loc, err
	}
	loc.Col, loc.Row, loc.Width, loc.Height = col, row, w, h
	return loc, nil
}
