package synth

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/pyramid"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"
)

type memTarget struct {
	resource  string
	mu        sync.Mutex
	tiles     map[int][]byte
	committed bool
	aborted   bool
}

func (t *memTarget) Resource() string { return t.resource }

func (t *memTarget) PutTile(ctx context.Context, frame int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, found := t.tiles[frame]; found {
		return fmt.Errorf("frame %d written twice", frame)
	}
	t.tiles[frame] = data
	return nil
}

func (t *memTarget) Commit(ctx context.Context) error {
	t.mu.Lock()
	t.committed = true
	t.mu.Unlock()
	return nil
}

func (t *memTarget) Abort(ctx context.Context) error {
	t.mu.Lock()
	t.aborted = true
	t.tiles = nil
	t.mu.Unlock()
	return nil
}

type memSink struct {
	mu      sync.Mutex
	targets map[string]*memTarget
	order   []*memTarget
}

func (s *memSink) NewLevel(ctx context.Context, seriesID, jobID string, level int) (LevelTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.targets == nil {
		s.targets = make(map[string]*memTarget)
	}
	t := &memTarget{resource: fmt.Sprintf("synth:%s/%s/%d", seriesID, jobID, level), tiles: make(map[int][]byte)}
	s.targets[t.resource] = t
	s.order = append(s.order, t)
	return t, nil
}

type memFetcher struct {
	base map[int][]byte
	sink *memSink
	fail map[string]bool // "resource#frame"
}

func (f *memFetcher) FetchTile(ctx context.Context, loc pyramid.TileLocator) ([]byte, error) {
	if f.fail[fmt.Sprintf("%s#%d", loc.Resource, loc.Frame)] {
		return nil, fmt.Errorf("simulated read failure")
	}
	if loc.Resource == "base" {
		if data, found := f.base[loc.Frame]; found {
			return data, nil
		}
		return nil, fmt.Errorf("no base frame %d", loc.Frame)
	}
	f.sink.mu.Lock()
	t := f.sink.targets[loc.Resource]
	f.sink.mu.Unlock()
	if t == nil || !t.committed {
		return nil, fmt.Errorf("resource %q not readable", loc.Resource)
	}
	return t.tiles[loc.Frame], nil
}

// blockValue is constant over each 2x2 block of base pixels.
func blockValue(x, y int) uint8 {
	return uint8(10 * ((x/2 + y/2) % 20))
}

func baseSlide(t *testing.T) (*pyramid.Descriptor, map[int][]byte) {
	d, err := pyramid.FromEmbedded("s", pyramid.ResourceInfo{ID: "base", Width: 1001, Height: 601, TileWidth: 256, TileHeight: 256})
	if err != nil {
		t.Fatal(err)
	}
	l := d.Levels[0]
	frames := make(map[int][]byte)
	for row := 0; row < l.TilesPerColumn; row++ {
		for col := 0; col < l.TilesPerRow; col++ {
			w := min(256, l.Width-col*256)
			h := min(256, l.Height-row*256)
			img := image.NewGray(image.Rect(0, 0, w, h))
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					img.Pix[img.PixOffset(x, y)] = blockValue(col*256+x, row*256+y)
				}
			}
			data, err := wsi.Codec{Format: wsi.PNG}.EncodeTile(img)
			if err != nil {
				t.Fatal(err)
			}
			frames[row*l.TilesPerRow+col+1] = data
		}
	}
	return d, frames
}

func TestSynthesizeToRoot(t *testing.T) {
	d, frames := baseSlide(t)
	s, err := New(Config{Workers: 3, Codec: wsi.Codec{Format: wsi.Snappy}})
	if err != nil {
		t.Fatal(err)
	}
	sink := &memSink{}
	var mu sync.Mutex
	progress := make(map[int]int)
	nd, err := s.Synthesize(context.Background(), Job{
		Descriptor: d,
		Source:     &memFetcher{base: frames, sink: sink},
		Sink:       sink,
		Progress: func(level, done, total int) {
			mu.Lock()
			progress[level] = done
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if nd.NumLevels() != 3 {
		t.Fatalf("expected 3 levels, got %d", nd.NumLevels())
	}
	if l := nd.Levels[1]; l.Width != 501 || l.Height != 301 || !l.Synthesized {
		t.Errorf("bad level 1: %+v", l)
	}
	if l := nd.Levels[2]; l.Width != 251 || l.Height != 151 {
		t.Errorf("bad level 2: %+v", l)
	}
	if nd.NeedsSynthesis() {
		t.Errorf("coarsest level should fit one tile")
	}
	if progress[1] != 4 || progress[2] != 1 {
		t.Errorf("bad progress report: %v", progress)
	}

	// Level 1 tile (1,1) is an edge tile whose last column averages one base column.
	target := sink.targets[nd.Levels[1].Source]
	img, f, err := wsi.DecodeTile(target.tiles[4])
	if err != nil {
		t.Fatal(err)
	}
	if f != wsi.Snappy {
		t.Errorf("expected snappy tiles, got %s", f)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		t.Fatalf("expected gray output from gray source, got %T", img)
	}
	if b := gray.Bounds(); b.Dx() != 501-256 || b.Dy() != 301-256 {
		t.Fatalf("bad edge tile size %v", b)
	}
	for y := 0; y < gray.Rect.Dy(); y++ {
		for x := 0; x < gray.Rect.Dx(); x++ {
			X, Y := 256+x, 256+y
			want := blockValue(2*X, 2*Y)
			if got := gray.Pix[gray.PixOffset(x, y)]; got != want {
				t.Fatalf("pixel (%d,%d): expected %d, got %d", X, Y, want, got)
			}
		}
	}
}

func TestSynthesisFailureLeavesLevelAbsent(t *testing.T) {
	d, frames := baseSlide(t)
	perTile := int64(5 * 256 * 256 * bytesPerPixel)
	s, err := New(Config{Workers: 1, MemoryBudget: perTile})
	if err != nil {
		t.Fatal(err)
	}
	sink := &memSink{}
	nd, err := s.Synthesize(context.Background(), Job{
		Descriptor: d,
		Source:     &memFetcher{base: frames, sink: sink, fail: map[string]bool{"base#11": true}},
		Sink:       sink,
	})
	var serr *SynthesisError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SynthesisError, got %v", err)
	}
	if serr.Level != 1 || serr.BatchOffset != 3 || serr.SeriesID != "s" {
		t.Errorf("bad synthesis error: %v", serr)
	}
	if nd.NumLevels() != 1 {
		t.Errorf("failed level should be absent, got %d levels", nd.NumLevels())
	}
	if len(sink.order) != 1 || !sink.order[0].aborted || sink.order[0].committed {
		t.Errorf("failed level target should be aborted and uncommitted")
	}
}

func TestSynthesisKeepsCompletedLevels(t *testing.T) {
	d, frames := baseSlide(t)
	s, err := New(Config{Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	sink := &memSink{}
	fetcher := &memFetcher{base: frames, sink: sink, fail: map[string]bool{}}
	job := Job{Descriptor: d, Source: fetcher, Sink: sink}

	// Fail reading the first synthesized level once it exists.
	job.Progress = func(level, done, total int) {
		if level == 1 && done == total {
			sink.mu.Lock()
			res := sink.order[0].resource
			sink.mu.Unlock()
			fetcher.fail[res+"#1"] = true
		}
	}
	nd, err := s.Synthesize(context.Background(), job)
	var serr *SynthesisError
	if !errors.As(err, &serr) || serr.Level != 2 {
		t.Fatalf("expected level 2 SynthesisError, got %v", err)
	}
	if nd.NumLevels() != 2 || !nd.Levels[1].Synthesized {
		t.Errorf("completed level 1 should be kept, got %d levels", nd.NumLevels())
	}
	if !sink.order[0].committed || !sink.order[1].aborted {
		t.Errorf("expected level 1 committed and level 2 aborted")
	}
}

func TestBudgetTooSmall(t *testing.T) {
	d, frames := baseSlide(t)
	s, err := New(Config{MemoryBudget: 1000})
	if err != nil {
		t.Fatal(err)
	}
	sink := &memSink{}
	_, err = s.Synthesize(context.Background(), Job{Descriptor: d, Source: &memFetcher{base: frames, sink: sink}, Sink: sink})
	var serr *SynthesisError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SynthesisError, got %v", err)
	}
	if len(sink.targets[sink.order[0].resource].tiles) != 0 {
		t.Errorf("nothing should be written")
	}
}

func TestPlan(t *testing.T) {
	d, err := pyramid.FromEmbedded("s", pyramid.ResourceInfo{ID: "r", Width: 100000, Height: 80000, TileWidth: 512, TileHeight: 512})
	if err != nil {
		t.Fatal(err)
	}
	s, _ := New(Config{})
	plan := s.Plan(d)
	last := plan[len(plan)-1]
	if last.X > 512 || last.Y > 512 {
		t.Errorf("plan should end at one tile, ends at %v", last)
	}
	if len(plan) != 8 {
		t.Errorf("expected 8 synthesized levels, got %d", len(plan))
	}
	floor, _ := New(Config{Rounding: RoundFloor, Factor: 4})
	if p := floor.Plan(d); p[0].X != 25000 || p[0].Y != 20000 {
		t.Errorf("bad floor plan %v", p)
	}
	if _, err := New(Config{Factor: 1}); err == nil {
		t.Errorf("expected error on factor 1")
	}
}
