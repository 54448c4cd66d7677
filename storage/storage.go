/*
	Package storage defines the capabilities the slide server consumes from its
	backends and a registry of the engines that provide them.

	A MetadataSource reports the geometry of a series and its resources.  A
	TileTransport returns the encoded bytes of one tile named by a TileLocator.
	Engines are registered by name in init() of their packages and opened from a
	wsi.StoreConfig.
*/
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/pyramid"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"
)

// ErrNotFound is returned by transports and metadata sources when the named
// series or tile does not exist.
var ErrNotFound = errors.New("not found")

// TransientError marks a failure that may succeed if retried, e.g., a timeout
// or an unavailable backend.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient returns true if the error, or one it wraps, is a TransientError or
// a context deadline.
func IsTransient(err error) bool {
	var terr *TransientError
	if errors.As(err, &terr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// MetadataSource returns what is known about a series.
type MetadataSource interface {
	SeriesMetadata(ctx context.Context, seriesID string) (*pyramid.SeriesMetadata, error)
}

// TileTransport returns the encoded bytes of a tile.
type TileTransport interface {
	FetchTile(ctx context.Context, loc pyramid.TileLocator) ([]byte, error)
}

// DescriptorStore persists descriptors of pyramids that needed synthesis.
type DescriptorStore interface {
	GetDescriptor(ctx context.Context, seriesID string) (*pyramid.Descriptor, error)
	PutDescriptor(ctx context.Context, d *pyramid.Descriptor) error

	// DeleteSeries removes a persisted descriptor and every synthesized level of
	// the series.
	DeleteSeries(ctx context.Context, seriesID string) error

	// DeleteLevels removes the named synthesized levels.
	DeleteLevels(ctx context.Context, resources []string) error
}

// SeriesInvalidator is implemented by transports that cache tiles across
// requests.  After InvalidateSeries returns, no fetch of the series is served
// from tiles cached before the call.
type SeriesInvalidator interface {
	InvalidateSeries(seriesID string)
}

// Store is an opened backend.
type Store interface {
	fmt.Stringer
	Close() error
}

// ActivityLogger records lifecycle events of series.
type ActivityLogger interface {
	LogActivity(event string, fields map[string]interface{})
}

// NopActivity discards events.
type NopActivity struct{}

func (NopActivity) LogActivity(string, map[string]interface{}) {}

// TransportFunc adapts a function to a TileTransport.
type TransportFunc func(ctx context.Context, loc pyramid.TileLocator) ([]byte, error)

func (f TransportFunc) FetchTile(ctx context.Context, loc pyramid.TileLocator) ([]byte, error) {
	return f(ctx, loc)
}

// LogTransport logs each fetch at debug level.
func LogTransport(t TileTransport) TileTransport {
	return TransportFunc(func(ctx context.Context, loc pyramid.TileLocator) ([]byte, error) {
		data, err := t.FetchTile(ctx, loc)
		if err != nil {
			wsi.Debugf("Fetch of tile %s failed: %v\n", loc, err)
		} else {
			wsi.Debugf("Fetched tile %s: %d bytes\n", loc, len(data))
		}
		return data, err
	})
}
