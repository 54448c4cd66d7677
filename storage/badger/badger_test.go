package badger

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/pyramid"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/storage"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/synth"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(wsi.StoreConfig{Engine: "badger", Config: wsi.Config{"in_memory": true}})
	if err != nil {
		t.Fatalf("can't open in-memory badger: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLevelCommitAndAbort(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	target, err := s.NewLevel(ctx, "s1", "job1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if target.Resource() != "synth:s1/job1/2" {
		t.Errorf("unexpected resource %q", target.Resource())
	}
	if err := target.PutTile(ctx, 1, []byte("tile one")); err != nil {
		t.Fatal(err)
	}
	loc := pyramid.TileLocator{Resource: target.Resource(), Frame: 1}
	if _, err := s.FetchTile(ctx, loc); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("uncommitted level should not be readable, got %v", err)
	}
	if err := target.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	data, err := s.FetchTile(ctx, loc)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "tile one" {
		t.Errorf("expected %q, got %q", "tile one", data)
	}
	loc.Frame = 2
	if _, err := s.FetchTile(ctx, loc); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing frame, got %v", err)
	}

	aborted, err := s.NewLevel(ctx, "s1", "job1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := aborted.PutTile(ctx, 1, []byte("partial")); err != nil {
		t.Fatal(err)
	}
	if err := aborted.Abort(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FetchTile(ctx, pyramid.TileLocator{Resource: aborted.Resource(), Frame: 1}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("aborted level should not be readable, got %v", err)
	}
}

func TestDescriptorPersistence(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.GetDescriptor(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	base, err := pyramid.FromEmbedded("s1", pyramid.ResourceInfo{ID: "s1/r", Width: 1000, Height: 800, TileWidth: 256, TileHeight: 256})
	if err != nil {
		t.Fatal(err)
	}
	desc, err := base.WithLevels([]pyramid.Level{{Width: 500, Height: 400, Source: "synth:s1/j/1"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutDescriptor(ctx, desc); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDescriptor(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(desc, got, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
	}

	// A series sharing a prefix must survive deletion of s1.
	other, err := s.NewLevel(ctx, "s10", "j", 1)
	if err != nil {
		t.Fatal(err)
	}
	other.PutTile(ctx, 1, []byte("x"))
	if err := other.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	mine, _ := s.NewLevel(ctx, "s1", "j", 1)
	mine.PutTile(ctx, 1, []byte("y"))
	if err := mine.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	nested, _ := s.NewLevel(ctx, "s1/b", "j", 1)
	if nested.Resource() != "synth:s1%2Fb/j/1" {
		t.Errorf("expected escaped series in resource, got %q", nested.Resource())
	}
	nested.PutTile(ctx, 1, []byte("z"))
	if err := nested.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteSeries(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDescriptor(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("descriptor should be deleted, got %v", err)
	}
	if _, err := s.FetchTile(ctx, pyramid.TileLocator{Resource: mine.Resource(), Frame: 1}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("level of deleted series should be gone, got %v", err)
	}
	if _, err := s.FetchTile(ctx, pyramid.TileLocator{Resource: other.Resource(), Frame: 1}); err != nil {
		t.Errorf("level of series s10 should survive: %v", err)
	}
	if _, err := s.FetchTile(ctx, pyramid.TileLocator{Resource: nested.Resource(), Frame: 1}); err != nil {
		t.Errorf("level of series s1/b should survive: %v", err)
	}
}

func TestDeleteLevels(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var targets []synth.LevelTarget
	for level := 1; level <= 2; level++ {
		target, err := s.NewLevel(ctx, "s1", "j", level)
		if err != nil {
			t.Fatal(err)
		}
		if err := target.PutTile(ctx, 1, []byte("tile")); err != nil {
			t.Fatal(err)
		}
		if err := target.Commit(ctx); err != nil {
			t.Fatal(err)
		}
		targets = append(targets, target)
	}
	if err := s.DeleteLevels(ctx, []string{targets[0].Resource()}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FetchTile(ctx, pyramid.TileLocator{Resource: targets[0].Resource(), Frame: 1}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("deleted level should be gone, got %v", err)
	}
	if _, err := s.FetchTile(ctx, pyramid.TileLocator{Resource: targets[1].Resource(), Frame: 1}); err != nil {
		t.Errorf("other level should survive: %v", err)
	}
	if err := s.DeleteLevels(ctx, []string{"native/resource"}); err == nil {
		t.Errorf("expected error deleting a native resource")
	}
}

func TestSynthesizeIntoStore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base, err := pyramid.FromEmbedded("slide", pyramid.ResourceInfo{ID: "slide/base", Width: 1000, Height: 800, TileWidth: 256, TileHeight: 256})
	if err != nil {
		t.Fatal(err)
	}
	codec := wsi.Codec{Format: wsi.PNG}
	baseTransport := storage.TransportFunc(func(ctx context.Context, loc pyramid.TileLocator) ([]byte, error) {
		img := image.NewGray(image.Rect(0, 0, loc.Width, loc.Height))
		for i := range img.Pix {
			img.Pix[i] = 200
		}
		return codec.EncodeTile(img)
	})
	router := storage.NewRouter(baseTransport)
	router.Handle(ResourcePrefix, s)

	synthesizer, err := synth.New(synth.Config{Codec: codec, Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	desc, err := synthesizer.Synthesize(ctx, synth.Job{Descriptor: base, Source: router, Sink: s})
	if err != nil {
		t.Fatal(err)
	}
	if desc.NumLevels() != 3 {
		t.Fatalf("expected 3 levels, got %d", desc.NumLevels())
	}
	coarsest := desc.Coarsest()
	if !strings.HasPrefix(coarsest.Source, "synth:slide/") {
		t.Errorf("unexpected source of synthesized level: %q", coarsest.Source)
	}
	data, err := router.FetchTile(ctx, pyramid.TileLocator{Resource: coarsest.Source, Frame: 1})
	if err != nil {
		t.Fatal(err)
	}
	img, _, err := wsi.DecodeTile(data)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 250 || img.Bounds().Dy() != 200 {
		t.Errorf("expected 250 x 200 coarsest tile, got %v", img.Bounds())
	}
	if g := color.GrayModel.Convert(img.At(100, 100)).(color.Gray); g.Y != 200 {
		t.Errorf("expected averaged value 200, got %d", g.Y)
	}
}

func TestEngineConfig(t *testing.T) {
	if _, err := Open(wsi.StoreConfig{Engine: "badger", Config: wsi.Config{}}); err == nil {
		t.Errorf("expected error without path")
	}
	store, err := storage.Open(wsi.StoreConfig{Engine: "badger", Config: wsi.Config{"in_memory": true}})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, ok := store.(storage.DescriptorStore); !ok {
		t.Errorf("badger store should persist descriptors")
	}
	if _, ok := store.(synth.LevelSink); !ok {
		t.Errorf("badger store should accept synthesized levels")
	}
}
