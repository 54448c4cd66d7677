/*
	Package tilesource turns viewer tile requests into decoded pixels.

	A request names a series, a viewer level (0 is the most zoomed out) and a
	tile column and row.  The series descriptor maps the request to a storage
	level and a tile locator, the transport returns the encoded bytes, and the
	decoded image is cropped to the true extent of the tile.

	Identical requests in flight share one transport call.  Transient transport
	failures are retried with capped exponential backoff within a per-tile
	timeout.  Encoded bytes are kept in a bounded cache; a fetch result is only
	accepted into the cache if it was issued no earlier than the cached one, so
	results of requests issued before an invalidation never replace newer ones.
*/
package tilesource

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coocood/freecache"
	"golang.org/x/sync/singleflight"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/pyramid"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/storage"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"
)

// DescriptorProvider returns the descriptor of a series.  The registry is the
// usual provider.
type DescriptorProvider interface {
	Descriptor(ctx context.Context, seriesID string) (*pyramid.Descriptor, error)
}

// Config controls fetching.  Zero values are replaced by defaults in New.
type Config struct {
	Attempts  int           // transport calls per tile, including the first
	BaseDelay time.Duration // backoff before the second attempt
	MaxDelay  time.Duration // backoff cap
	Timeout   time.Duration // per-tile limit over all attempts

	CacheBytes int // encoded tile cache size

	Mapper     pyramid.MapperConfig
	Addressing pyramid.Addressing
}

// DefaultConfig returns 3 attempts with 100ms base and 2s capped backoff, a 30s
// per-tile timeout and a 256 MB cache.
func DefaultConfig() Config {
	return Config{
		Attempts:   3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Timeout:    30 * time.Second,
		CacheBytes: 256 * wsi.Mega,
		Mapper:     pyramid.DefaultMapperConfig(),
		Addressing: pyramid.FrameAddressing,
	}
}

// TileFetchError is returned when the transport could not deliver a tile.
type TileFetchError struct {
	SeriesID string
	Locator  pyramid.TileLocator
	Attempts int
	Err      error
}

func (e *TileFetchError) Error() string {
	return fmt.Sprintf("series %q: fetch of tile %s failed after %d attempt(s): %v",
		e.SeriesID, e.Locator, e.Attempts, e.Err)
}

func (e *TileFetchError) Unwrap() error {
	return e.Err
}

// Tile is a decoded tile.  Image is never larger than the tile's true extent.
type Tile struct {
	SeriesID     string
	ViewerLevel  int
	StorageLevel int
	Col          int
	Row          int
	Locator      pyramid.TileLocator
	Image        image.Image
}

// view caches the mapper and resolver for one descriptor.
type view struct {
	desc     *pyramid.Descriptor
	mapper   *pyramid.LevelMapper
	resolver *pyramid.FrameResolver
}

// TileSource fetches tiles for viewers.  It is safe for concurrent use.
type TileSource struct {
	cfg       Config
	provider  DescriptorProvider
	transport storage.TileTransport
	cache     *freecache.Cache
	group     singleflight.Group

	seq     atomic.Uint64
	fetches sync.WaitGroup

	mu      sync.Mutex
	views   map[string]*view
	gens    map[string]uint64
	floors  map[string]uint64 // results issued below the floor are not cached
	waiters map[string]int    // per flight key

	hits, misses atomic.Uint64
}

// New returns a TileSource reading descriptors from provider and tiles from
// transport.
func New(cfg Config, provider DescriptorProvider, transport storage.TileTransport) *TileSource {
	def := DefaultConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheBytes <= 0 {
		cfg.CacheBytes = def.CacheBytes
	}
	if cfg.Mapper.Tolerance == 0 {
		cfg.Mapper.Tolerance = def.Mapper.Tolerance
	}
	wsi.Infof("Created tile cache of ~ %d MB.\n", cfg.CacheBytes>>20)
	return &TileSource{
		cfg:       cfg,
		provider:  provider,
		transport: transport,
		cache:     freecache.NewCache(cfg.CacheBytes),
		views:     make(map[string]*view),
		gens:      make(map[string]uint64),
		floors:    make(map[string]uint64),
		waiters:   make(map[string]int),
	}
}

// Config returns the effective configuration.
func (ts *TileSource) Config() Config {
	return ts.cfg
}

// View returns the level mapper and resolver for a series.
func (ts *TileSource) View(ctx context.Context, seriesID string) (*pyramid.Descriptor, *pyramid.LevelMapper, *pyramid.FrameResolver, error) {
	desc, err := ts.provider.Descriptor(ctx, seriesID)
	if err != nil {
		return nil, nil, nil, err
	}
	ts.mu.Lock()
	v, found := ts.views[seriesID]
	ts.mu.Unlock()
	if found && v.desc == desc {
		return v.desc, v.mapper, v.resolver, nil
	}
	mapper, err := pyramid.NewLevelMapper(desc, ts.cfg.Mapper)
	if err != nil {
		return nil, nil, nil, err
	}
	v = &view{desc: desc, mapper: mapper, resolver: pyramid.NewFrameResolver(desc, ts.cfg.Addressing)}
	ts.mu.Lock()
	ts.views[seriesID] = v
	ts.mu.Unlock()
	return v.desc, v.mapper, v.resolver, nil
}

// Request is a lazy, cancellable tile fetch.  Work starts on the first Wait.
type Request struct {
	ts       *TileSource
	seriesID string
	tile     pyramid.ViewerTile
	seq      uint64

	ctx    context.Context
	cancel context.CancelFunc

	start sync.Once
	done  chan struct{}
	res   *Tile
	err   error
}

// RequestTile issues a request.  Requests issued later for the same tile win over
// earlier ones when results are cached.
func (ts *TileSource) RequestTile(seriesID string, viewerLevel, col, row int) *Request {
	ctx, cancel := context.WithCancel(context.Background())
	return &Request{
		ts:       ts,
		seriesID: seriesID,
		tile:     pyramid.ViewerTile{Level: viewerLevel, Col: col, Row: row},
		seq:      ts.seq.Add(1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Wait starts the request if needed and returns its result.  If ctx is done
// first, the request is abandoned.
func (r *Request) Wait(ctx context.Context) (*Tile, error) {
	r.start.Do(func() {
		go func() {
			defer close(r.done)
			defer r.cancel()
			r.res, r.err = r.ts.load(r.ctx, r)
		}()
	})
	select {
	case <-r.done:
		return r.res, r.err
	case <-ctx.Done():
		r.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel abandons the request.  A transport call shared with other requests
// continues for them.
func (r *Request) Cancel() {
	r.cancel()
}

// Get requests a tile and waits for it.
func (ts *TileSource) Get(ctx context.Context, seriesID string, viewerLevel, col, row int) (*Tile, error) {
	return ts.RequestTile(seriesID, viewerLevel, col, row).Wait(ctx)
}

func cacheKey(seriesID string, level, col, row int) []byte {
	return []byte(fmt.Sprintf("%s\x00%d/%d_%d", seriesID, level, col, row))
}

func (ts *TileSource) load(ctx context.Context, r *Request) (*Tile, error) {
	_, mapper, resolver, err := ts.View(ctx, r.seriesID)
	if err != nil {
		return nil, err
	}
	loc, level, err := resolver.ResolveViewer(mapper, r.tile)
	if err != nil {
		return nil, err
	}
	tile := &Tile{
		SeriesID:     r.seriesID,
		ViewerLevel:  r.tile.Level,
		StorageLevel: level,
		Col:          r.tile.Col,
		Row:          r.tile.Row,
		Locator:      loc,
	}
	ck := cacheKey(r.seriesID, level, r.tile.Col, r.tile.Row)
	data, _, found := ts.cached(ck)
	if found {
		ts.hits.Add(1)
	} else {
		ts.misses.Add(1)
		if data, err = ts.join(ctx, r, loc, ck); err != nil {
			return nil, err
		}
	}
	img, _, err := wsi.DecodeTile(data)
	if err != nil {
		return nil, fmt.Errorf("series %q: decode of tile %s: %v", r.seriesID, loc, err)
	}
	b := img.Bounds()
	if b.Dx() < loc.Width || b.Dy() < loc.Height {
		return nil, fmt.Errorf("series %q: tile %s decoded to %d x %d", r.seriesID, loc, b.Dx(), b.Dy())
	}
	tile.Image = wsi.CropImage(img, loc.Width, loc.Height)
	return tile, nil
}

// join waits on the shared fetch for the tile, starting it if needed.
func (ts *TileSource) join(ctx context.Context, r *Request, loc pyramid.TileLocator, ck []byte) ([]byte, error) {
	ts.mu.Lock()
	key := fmt.Sprintf("%d|%s", ts.gens[r.seriesID], ck)
	ts.waiters[key]++
	ts.mu.Unlock()

	ch := ts.group.DoChan(key, func() (interface{}, error) {
		ts.fetches.Add(1)
		defer ts.fetches.Done()
		return ts.fetch(r.seriesID, key, loc, ck, r.seq)
	})
	defer func() {
		ts.mu.Lock()
		if ts.waiters[key]--; ts.waiters[key] <= 0 {
			delete(ts.waiters, key)
		}
		ts.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// fetch runs detached from any one request so abandoning a request does not
// fail the others sharing the call.
func (ts *TileSource) fetch(seriesID, key string, loc pyramid.TileLocator, ck []byte, seq uint64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ts.cfg.Timeout)
	defer cancel()

	var lastErr error
	attempts := 0
	for attempts < ts.cfg.Attempts {
		if attempts > 0 {
			if err := sleepWithCtx(ctx, ts.backoff(attempts)); err != nil {
				break
			}
		}
		attempts++
		data, err := ts.transport.FetchTile(ctx, loc)
		if err == nil {
			return ts.accept(seriesID, key, ck, seq, data), nil
		}
		lastErr = err
		if !storage.IsTransient(err) {
			break
		}
		wsi.Debugf("Series %q: attempt %d for tile %s failed: %v\n", seriesID, attempts, loc, err)
	}
	return nil, &TileFetchError{SeriesID: seriesID, Locator: loc, Attempts: attempts, Err: lastErr}
}

// backoff returns the delay before the given retry, doubling from the base delay
// up to the cap.
func (ts *TileSource) backoff(retry int) time.Duration {
	d := ts.cfg.BaseDelay
	for i := 1; i < retry && d < ts.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > ts.cfg.MaxDelay {
		d = ts.cfg.MaxDelay
	}
	return d
}

func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cached returns the bytes and issue sequence of a cached tile.
func (ts *TileSource) cached(ck []byte) ([]byte, uint64, bool) {
	val, err := ts.cache.Get(ck)
	if err != nil {
		if err != freecache.ErrNotFound {
			wsi.Errorf("tile cache: %v\n", err)
		}
		return nil, 0, false
	}
	if len(val) < 8 {
		return nil, 0, false
	}
	return val[8:], binary.BigEndian.Uint64(val[:8]), true
}

// accept caches a fetch result issued with seq unless a result issued later is
// already cached, in which case that one is returned instead.  Results nobody
// waits for any more are not cached.
func (ts *TileSource) accept(seriesID, key string, ck []byte, seq uint64, data []byte) []byte {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	cur, curSeq, found := ts.cached(ck)
	if found && curSeq > seq {
		wsi.Debugf("Series %q: discarding stale result for %q (issued %d, accepted %d)\n", seriesID, ck, seq, curSeq)
		return cur
	}
	if seq < ts.floors[seriesID] || ts.waiters[key] == 0 {
		return data
	}
	val := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(val, seq)
	copy(val[8:], data)
	if err := ts.cache.Set(ck, val, 0); err != nil {
		wsi.Debugf("tile cache rejected %d bytes for %q: %v\n", len(val), ck, err)
	}
	return data
}

// Invalidate drops cached tiles of a series.  Fetches issued before the call
// still complete for their waiters but are not cached.
func (ts *TileSource) Invalidate(seriesID string) {
	prefix := seriesID + "\x00"
	ts.mu.Lock()
	ts.gens[seriesID]++
	ts.floors[seriesID] = ts.seq.Load() + 1
	delete(ts.views, seriesID)
	var keys [][]byte
	it := ts.cache.NewIterator()
	for e := it.Next(); e != nil; e = it.Next() {
		if strings.HasPrefix(string(e.Key), prefix) {
			keys = append(keys, e.Key)
		}
	}
	for _, k := range keys {
		ts.cache.Del(k)
	}
	ts.mu.Unlock()
	wsi.Debugf("Series %q: dropped %d cached tiles\n", seriesID, len(keys))
}

// Stats reports cache use.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Entries    int64
	Evacuated  int64
	CacheBytes int
}

// Stats returns cache statistics.
func (ts *TileSource) Stats() Stats {
	return Stats{
		Hits:       ts.hits.Load(),
		Misses:     ts.misses.Load(),
		Entries:    ts.cache.EntryCount(),
		Evacuated:  ts.cache.EvacuateCount(),
		CacheBytes: ts.cfg.CacheBytes,
	}
}

// Close waits for background fetches to finish.
func (ts *TileSource) Close() {
	ts.fetches.Wait()
}
