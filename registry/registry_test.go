package registry

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/pyramid"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/storage"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/storage/badger"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/synth"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"
)

type fakeMetadata struct {
	calls int32
	metas map[string]*pyramid.SeriesMetadata
	hook  func(seriesID string)
}

func (f *fakeMetadata) SeriesMetadata(ctx context.Context, seriesID string) (*pyramid.SeriesMetadata, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.hook != nil {
		f.hook(seriesID)
	}
	meta, found := f.metas[seriesID]
	if !found {
		return nil, fmt.Errorf("series %q: %w", seriesID, storage.ErrNotFound)
	}
	return meta, nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) LogActivity(event string, fields map[string]interface{}) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf("%s:%v", event, fields["series"]))
	r.mu.Unlock()
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, e := range r.events {
		if strings.HasPrefix(e, event+":") {
			n++
		}
	}
	return n
}

func testMetadata() *fakeMetadata {
	return &fakeMetadata{metas: map[string]*pyramid.SeriesMetadata{
		"single": {SeriesID: "single", Width: 1000, Height: 800, TileWidth: 256, TileHeight: 256},
		"embedded": {SeriesID: "embedded", Width: 1024, Height: 1024, TileWidth: 256, TileHeight: 256,
			Levels: []pyramid.LevelGeometry{{Width: 1024, Height: 1024}, {Width: 512, Height: 512}, {Width: 256, Height: 256}}},
		"broken": {SeriesID: "broken", Width: 1000, Height: 800},
	}}
}

// grayTransport serves uniform gray PNG tiles of the locator's extent.
func grayTransport() storage.TileTransport {
	codec := wsi.Codec{Format: wsi.PNG}
	return storage.TransportFunc(func(ctx context.Context, loc pyramid.TileLocator) ([]byte, error) {
		img := image.NewGray(image.Rect(0, 0, loc.Width, loc.Height))
		for i := range img.Pix {
			img.Pix[i] = 100
		}
		return codec.EncodeTile(img)
	})
}

type fixture struct {
	meta   *fakeMetadata
	store  *badger.Store
	router *storage.Router
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := badger.Open(wsi.StoreConfig{Engine: "badger", Config: wsi.Config{"in_memory": true}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	router := storage.NewRouter(grayTransport())
	router.Handle(badger.ResourcePrefix, store)
	return &fixture{meta: testMetadata(), store: store, router: router, events: new(recorder)}
}

func (f *fixture) registry(t *testing.T, cfg Config, transport storage.TileTransport) *Registry {
	t.Helper()
	s, err := synth.New(synth.Config{Codec: wsi.Codec{Format: wsi.PNG}, Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	if transport == nil {
		transport = f.router
	}
	r, err := New(cfg, Deps{
		Metadata:    f.meta,
		Transport:   transport,
		Synthesizer: s,
		Sink:        f.store,
		Descriptors: f.store,
		Activity:    f.events,
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestSingleBuildPerSeries(t *testing.T) {
	f := newFixture(t)
	r := f.registry(t, DefaultConfig(), nil)

	const n = 16
	descs := make([]*pyramid.Descriptor, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := r.Descriptor(context.Background(), "embedded")
			if err != nil {
				t.Error(err)
			}
			descs[i] = d
		}(i)
	}
	wg.Wait()
	if calls := atomic.LoadInt32(&f.meta.calls); calls != 1 {
		t.Errorf("expected 1 metadata read, got %d", calls)
	}
	for i := 1; i < n; i++ {
		if descs[i] != descs[0] {
			t.Fatalf("caller %d got a different descriptor", i)
		}
	}
	if descs[0].NumLevels() != 3 || descs[0].Topology != pyramid.Embedded {
		t.Errorf("unexpected descriptor: %d levels, %s", descs[0].NumLevels(), descs[0].Topology)
	}
	if f.events.count(EventBuilt) != 1 {
		t.Errorf("expected one built event, got %v", f.events.events)
	}
}

func TestFatalFailureRemembered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.registry(t, DefaultConfig(), nil)

	_, err := r.Descriptor(ctx, "broken")
	var merr *pyramid.MetadataError
	if !errors.As(err, &merr) || merr.Field != "tile width" {
		t.Fatalf("expected tile width MetadataError, got %v", err)
	}
	_, err2 := r.Descriptor(ctx, "broken")
	if err2 != err {
		t.Errorf("expected remembered error, got %v", err2)
	}
	if calls := atomic.LoadInt32(&f.meta.calls); calls != 1 {
		t.Errorf("expected failure to be remembered, got %d metadata reads", calls)
	}
	if _, err := r.Descriptor(ctx, "embedded"); err != nil {
		t.Errorf("failure of one series affected another: %v", err)
	}

	f.meta.metas["broken"].TileWidth, f.meta.metas["broken"].TileHeight = 256, 256
	if err := r.Invalidate(ctx, "broken"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Descriptor(ctx, "broken"); err != nil {
		t.Errorf("expected rebuild after invalidation to succeed: %v", err)
	}
	if f.events.count(EventFailed) != 1 || f.events.count(EventInvalidated) != 1 {
		t.Errorf("unexpected events %v", f.events.events)
	}
}

func TestNotFoundNotRemembered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.registry(t, DefaultConfig(), nil)
	for i := 0; i < 2; i++ {
		if _, err := r.Descriptor(ctx, "nobody"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	}
	if calls := atomic.LoadInt32(&f.meta.calls); calls != 2 {
		t.Errorf("missing series should be looked up each time, got %d reads", calls)
	}
	if len(r.Entries()) != 0 {
		t.Errorf("missing series should not be cached: %v", r.Entries())
	}
}

func TestSynthesisOnAccessAndPersistence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.registry(t, DefaultConfig(), nil)

	desc, err := r.Descriptor(ctx, "single")
	if err != nil {
		t.Fatal(err)
	}
	if desc.NumLevels() != 3 || desc.Topology != pyramid.Synthesized || desc.NumSynthesized() != 2 {
		t.Fatalf("expected 3 levels with 2 synthesized, got %d (%s)", desc.NumLevels(), desc.Topology)
	}
	if f.events.count(EventSynthesizedLevel) != 2 {
		t.Errorf("expected 2 synthesized-level events, got %v", f.events.events)
	}

	// A new registry over the same store uses the persisted descriptor.
	f.meta.calls = 0
	r2 := f.registry(t, DefaultConfig(), nil)
	desc2, err := r2.Descriptor(ctx, "single")
	if err != nil {
		t.Fatal(err)
	}
	if desc2.NumLevels() != 3 || desc2.Levels[2].Source != desc.Levels[2].Source {
		t.Errorf("persisted descriptor differs: %+v", desc2.Levels)
	}
	if calls := atomic.LoadInt32(&f.meta.calls); calls != 0 {
		t.Errorf("expected no metadata reads with persisted descriptor, got %d", calls)
	}

	// Invalidation drops the persisted descriptor and the synthesized tiles.
	if err := r2.Invalidate(ctx, "single"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.GetDescriptor(ctx, "single"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("persisted descriptor should be gone, got %v", err)
	}
	if _, err := f.store.FetchTile(ctx, pyramid.TileLocator{Resource: desc.Levels[2].Source, Frame: 1}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("synthesized tiles should be gone, got %v", err)
	}
}

func TestExplicitSynthesis(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.Synthesize = false
	r := f.registry(t, cfg, nil)

	desc, err := r.Descriptor(ctx, "single")
	if err != nil {
		t.Fatal(err)
	}
	if desc.NumLevels() != 1 || !desc.NeedsSynthesis() {
		t.Fatalf("expected unsynthesized single level, got %d levels", desc.NumLevels())
	}
	var mu sync.Mutex
	progressed := make(map[int]int)
	desc, err = r.Synthesize(ctx, "single", func(level, done, total int) {
		mu.Lock()
		progressed[level] = done
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	if desc.NumLevels() != 3 {
		t.Errorf("expected 3 levels after synthesis, got %d", desc.NumLevels())
	}
	if progressed[1] != 4 || progressed[2] != 1 {
		t.Errorf("unexpected progress %v", progressed)
	}
	cached, err := r.Descriptor(ctx, "single")
	if err != nil || cached != desc {
		t.Errorf("synthesized descriptor not published: %v", err)
	}
}

func TestSynthesisFailureKeepsCompletedLevels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	failing := storage.TransportFunc(func(ctx context.Context, loc pyramid.TileLocator) ([]byte, error) {
		if strings.HasPrefix(loc.Resource, badger.ResourcePrefix) && loc.Frame == 4 {
			return nil, fmt.Errorf("simulated read failure")
		}
		return f.router.FetchTile(ctx, loc)
	})
	r := f.registry(t, DefaultConfig(), failing)

	desc, err := r.Descriptor(ctx, "single")
	if err != nil {
		t.Fatalf("synthesis failure should not fail the series: %v", err)
	}
	if desc.NumLevels() != 2 {
		t.Fatalf("expected base plus one completed level, got %d", desc.NumLevels())
	}
	if f.events.count(EventFailed) != 1 || f.events.count(EventSynthesizedLevel) != 1 {
		t.Errorf("unexpected events %v", f.events.events)
	}
	persisted, err := f.store.GetDescriptor(ctx, "single")
	if err != nil {
		t.Fatal(err)
	}
	if persisted.NumLevels() != 2 {
		t.Errorf("expected persisted descriptor with 2 levels, got %d", persisted.NumLevels())
	}
}

func TestInvalidateDuringBuild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.meta.hook = func(string) {
		once.Do(func() {
			close(started)
			<-release
		})
	}
	r := f.registry(t, DefaultConfig(), nil)

	done := make(chan error)
	go func() {
		_, err := r.Descriptor(ctx, "embedded")
		done <- err
	}()
	<-started
	if err := r.Invalidate(ctx, "embedded"); err != nil {
		t.Fatal(err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if len(r.Entries()) != 0 {
		t.Errorf("build that raced invalidation should not be kept: %v", r.Entries())
	}
	if _, err := r.Descriptor(ctx, "embedded"); err != nil {
		t.Fatal(err)
	}
	if calls := atomic.LoadInt32(&f.meta.calls); calls != 2 {
		t.Errorf("expected rebuild after invalidation, got %d metadata reads", calls)
	}
}

func TestCanceledWaitDoesNotCancelBuild(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.meta.hook = func(string) { <-release }
	r := f.registry(t, DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Descriptor(ctx, "embedded"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected canceled wait, got %v", err)
	}
	close(release)
	desc, err := r.Descriptor(context.Background(), "embedded")
	if err != nil {
		t.Fatal(err)
	}
	if desc.NumLevels() != 3 {
		t.Errorf("unexpected levels %d", desc.NumLevels())
	}
	if calls := atomic.LoadInt32(&f.meta.calls); calls != 1 {
		t.Errorf("abandoned build should complete for later callers, got %d reads", calls)
	}
}

// invalidatingTransport records series dropped from its tile cache.
type invalidatingTransport struct {
	storage.TileTransport

	mu          sync.Mutex
	invalidated []string
}

func (t *invalidatingTransport) InvalidateSeries(seriesID string) {
	t.mu.Lock()
	t.invalidated = append(t.invalidated, seriesID)
	t.mu.Unlock()
}

func TestInvalidateDuringSynthesis(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocking := storage.TransportFunc(func(ctx context.Context, loc pyramid.TileLocator) ([]byte, error) {
		if !strings.HasPrefix(loc.Resource, badger.ResourcePrefix) {
			once.Do(func() {
				close(started)
				<-release
			})
		}
		return f.router.FetchTile(ctx, loc)
	})
	transport := &invalidatingTransport{TileTransport: blocking}
	r := f.registry(t, DefaultConfig(), transport)

	type result struct {
		desc *pyramid.Descriptor
		err  error
	}
	done := make(chan result)
	go func() {
		d, err := r.Descriptor(ctx, "single")
		done <- result{d, err}
	}()
	<-started
	if err := r.Invalidate(ctx, "single"); err != nil {
		t.Fatal(err)
	}
	f.meta.metas["single"] = &pyramid.SeriesMetadata{SeriesID: "single", Width: 200, Height: 100, TileWidth: 256, TileHeight: 256}
	close(release)

	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.desc.NumLevels() != 3 {
		t.Fatalf("expected the raced build to finish synthesis, got %d levels", res.desc.NumLevels())
	}
	if _, err := f.store.GetDescriptor(ctx, "single"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("descriptor synthesized before invalidation should not be persisted, got %v", err)
	}
	for _, l := range res.desc.Levels[1:] {
		if _, err := f.store.FetchTile(ctx, pyramid.TileLocator{Resource: l.Source, Frame: 1}); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("level %q of invalidated synthesis should be discarded, got %v", l.Source, err)
		}
	}

	desc, err := r.Descriptor(ctx, "single")
	if err != nil {
		t.Fatal(err)
	}
	if desc.Width != 200 || desc.Height != 100 || desc.NumLevels() != 1 {
		t.Errorf("expected re-ingested 200 x 100 series with 1 level, got %d x %d with %d levels",
			desc.Width, desc.Height, desc.NumLevels())
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.invalidated) != 1 || transport.invalidated[0] != "single" {
		t.Errorf("expected transport cache of series invalidated once, got %v", transport.invalidated)
	}
}
