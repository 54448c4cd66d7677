/*
	Package bucket serves series metadata and tile bytes from a blob bucket
	(Google Cloud Storage, S3, a local directory or memory).

	Layout within the bucket:

		<series>/info.json            series metadata, optionally gzipped as info.json.gz
		<resource>/frames/<n>         one object per frame ("objects" layout)
		<resource>/<level>/<col>_<row> one object per grid tile
		<resource>/frames.idx         little-endian (offset, size) uint64 pairs per frame
		<resource>/frames.bin         concatenated frames ("packed" layout)
*/
package bucket

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/pyramid"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/storage"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"
)

func init() {
	storage.RegisterEngine(Engine{storage.NewEngineInfo("bucket", "Blob bucket of slide metadata and tiles", "0.2.0")})
}

// Engine opens bucket stores.  The config must contain a "ref" setting such as
// "gs://slides/archive" and may set "layout" to "objects" (default) or "packed".
type Engine struct {
	storage.EngineInfo
}

// NewStore implements storage.Engine.
func (e Engine) NewStore(config wsi.StoreConfig) (storage.Store, error) {
	ref, found, err := config.GetString("ref")
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%q must be specified for bucket configuration", "ref")
	}
	layout, _, err := config.GetString("layout")
	if err != nil {
		return nil, err
	}
	if layout != "" && layout != "objects" && layout != "packed" {
		return nil, fmt.Errorf("unknown bucket layout %q", layout)
	}
	b, err := storage.OpenBucket(context.Background(), ref)
	if err != nil {
		return nil, err
	}
	wsi.Infof("Opened bucket store @ %q (layout %q)\n", ref, layout)
	return New(b, ref, layout == "packed"), nil
}

// Store reads metadata and tiles from a bucket.
type Store struct {
	bucket *blob.Bucket
	ref    string
	packed bool

	indexMu sync.RWMutex
	indices map[string][]frameLoc // frame index per resource, packed layout only
}

type frameLoc struct {
	offset uint64
	size   uint64
}

// New wraps an opened bucket.  The store takes ownership of the bucket.
func New(b *blob.Bucket, ref string, packed bool) *Store {
	return &Store{bucket: b, ref: ref, packed: packed, indices: make(map[string][]frameLoc)}
}

func (s *Store) String() string {
	return fmt.Sprintf("bucket store @ %s", s.ref)
}

// Close closes the bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}

// classify converts bucket errors to the storage error kinds.
func classify(err error, what string) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	case gcerrors.Unknown, gcerrors.Internal, gcerrors.DeadlineExceeded, gcerrors.ResourceExhausted:
		return &storage.TransientError{Err: fmt.Errorf("%s: %v", what, err)}
	}
	return fmt.Errorf("%s: %w", what, err)
}

// SeriesMetadata implements storage.MetadataSource.
func (s *Store) SeriesMetadata(ctx context.Context, seriesID string) (*pyramid.SeriesMetadata, error) {
	data, err := s.bucket.ReadAll(ctx, seriesID+"/info.json")
	if gcerrors.Code(err) == gcerrors.NotFound {
		var gz []byte
		gz, err = s.bucket.ReadAll(ctx, seriesID+"/info.json.gz")
		if err == nil {
			data, err = gzipUncompress(gz)
			if err != nil {
				return nil, &pyramid.MetadataError{SeriesID: seriesID, Field: "document", Reason: err.Error()}
			}
		}
	}
	if err != nil {
		return nil, classify(err, fmt.Sprintf("metadata of series %q", seriesID))
	}
	meta, err := pyramid.DecodeMetadataJSON(data)
	if err != nil {
		return nil, err
	}
	if meta.SeriesID != seriesID {
		return nil, &pyramid.MetadataError{SeriesID: seriesID, Field: "series id",
			Reason: fmt.Sprintf("document names series %q", meta.SeriesID)}
	}
	return meta, nil
}

// FetchTile implements storage.TileTransport.
func (s *Store) FetchTile(ctx context.Context, loc pyramid.TileLocator) ([]byte, error) {
	if s.packed && loc.Addressing == pyramid.FrameAddressing {
		return s.fetchPacked(ctx, loc)
	}
	data, err := s.bucket.ReadAll(ctx, loc.Key())
	if err != nil {
		return nil, classify(err, fmt.Sprintf("tile %s", loc.Key()))
	}
	return data, nil
}

func (s *Store) fetchPacked(ctx context.Context, loc pyramid.TileLocator) ([]byte, error) {
	index, err := s.frameIndex(ctx, loc.Resource)
	if err != nil {
		return nil, err
	}
	if loc.Frame < 1 || loc.Frame > len(index) {
		return nil, fmt.Errorf("frame %d of %q (%d frames): %w", loc.Frame, loc.Resource, len(index), storage.ErrNotFound)
	}
	fl := index[loc.Frame-1]
	key := loc.Resource + "/frames.bin"
	r, err := s.bucket.NewRangeReader(ctx, key, int64(fl.offset), int64(fl.size), nil)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("frame %d of %q", loc.Frame, loc.Resource))
	}
	defer r.Close()
	buf := bytes.NewBuffer(make([]byte, 0, fl.size))
	if _, err := io.Copy(buf, r); err != nil {
		return nil, classify(err, fmt.Sprintf("frame %d of %q", loc.Frame, loc.Resource))
	}
	return buf.Bytes(), nil
}

func (s *Store) frameIndex(ctx context.Context, resource string) ([]frameLoc, error) {
	s.indexMu.RLock()
	index, found := s.indices[resource]
	s.indexMu.RUnlock()
	if found {
		return index, nil
	}
	data, err := s.bucket.ReadAll(ctx, resource+"/frames.idx")
	if err != nil {
		return nil, classify(err, fmt.Sprintf("frame index of %q", resource))
	}
	if len(data)%16 != 0 {
		return nil, fmt.Errorf("frame index of %q has bad size %d", resource, len(data))
	}
	index = make([]frameLoc, len(data)/16)
	for i := range index {
		index[i].offset = binary.LittleEndian.Uint64(data[i*16:])
		index[i].size = binary.LittleEndian.Uint64(data[i*16+8:])
	}
	s.indexMu.Lock()
	s.indices[resource] = index
	s.indexMu.Unlock()
	return index, nil
}

// PutMetadata writes a series metadata document.
func (s *Store) PutMetadata(ctx context.Context, seriesID string, doc []byte) error {
	return s.bucket.WriteAll(ctx, seriesID+"/info.json", doc, &blob.WriterOptions{ContentType: "application/json"})
}

// PutTile writes one tile object for the locator.
func (s *Store) PutTile(ctx context.Context, loc pyramid.TileLocator, data []byte) error {
	return s.bucket.WriteAll(ctx, loc.Key(), data, nil)
}

// PutPacked writes all frames of a resource in the packed layout.  frames[0] is
// frame 1.
func (s *Store) PutPacked(ctx context.Context, resource string, frames [][]byte) error {
	var bin bytes.Buffer
	idx := make([]byte, 16*len(frames))
	for i, f := range frames {
		binary.LittleEndian.PutUint64(idx[i*16:], uint64(bin.Len()))
		binary.LittleEndian.PutUint64(idx[i*16+8:], uint64(len(f)))
		bin.Write(f)
	}
	if err := s.bucket.WriteAll(ctx, resource+"/frames.bin", bin.Bytes(), nil); err != nil {
		return err
	}
	if err := s.bucket.WriteAll(ctx, resource+"/frames.idx", idx, nil); err != nil {
		return err
	}
	s.indexMu.Lock()
	delete(s.indices, resource)
	s.indexMu.Unlock()
	return nil
}

func gzipUncompress(in []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("can't uncompress gzip data: %v", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("can't read gzip data: %v", err)
	}
	return out, nil
}
