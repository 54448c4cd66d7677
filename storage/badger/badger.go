/*
	Package badger keeps synthesized pyramid levels and persisted descriptors in
	an embedded Badger database.

	Keys:

		t/<resource>/<frame, 4 bytes big-endian>   tile bytes
		c/<resource>                               commit marker of a level
		d/<series>                                 msgpack-encoded descriptor

	where <resource> is "synth:<series>/<job>/<level>" with the series id path
	escaped, so no series prefix matches the levels of another series.  Tiles of
	a level are written in a batch and become readable only after the commit
	marker is set.
*/
package badger

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/pyramid"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/storage"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/synth"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"
)

// ResourcePrefix begins the resource id of every synthesized level.
const ResourcePrefix = "synth:"

func init() {
	storage.RegisterEngine(Engine{storage.NewEngineInfo("badger", "BadgerDB store of synthesized levels", "0.2.0")})
}

// Engine opens badger stores.  The config must contain "path" unless
// "in_memory" is true.
type Engine struct {
	storage.EngineInfo
}

// NewStore implements storage.Engine.
func (e Engine) NewStore(config wsi.StoreConfig) (storage.Store, error) {
	return Open(config)
}

func parseConfig(config wsi.StoreConfig) (path string, inMemory bool, err error) {
	inMemory, _, err = config.GetBool("in_memory")
	if err != nil {
		return
	}
	path, found, err := config.GetString("path")
	if err != nil {
		return
	}
	if inMemory {
		return "", true, nil
	}
	if !found || path == "" {
		err = fmt.Errorf("%q must be specified for BadgerDB configuration", "path")
		return
	}
	testing, _, err := config.GetBool("testing")
	if err != nil {
		return
	}
	if testing {
		path = filepath.Join(os.TempDir(), path)
	}
	return
}

// Store is a badger-backed level store.
type Store struct {
	directory string
	db        *badger.DB

	committed sync.Map // resource -> struct{}

	stopSyncCh chan struct{}
	syncDone   chan struct{}
}

// Open opens or creates a store.
func Open(config wsi.StoreConfig) (*Store, error) {
	path, inMemory, err := parseConfig(config)
	if err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(path).WithLogger(wsi.ModeLogger()).WithNumVersionsToKeep(1)
	if inMemory {
		opts = opts.WithInMemory(true)
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			wsi.Infof("Database not already at path (%s). Creating directory...\n", path)
			if err := os.MkdirAll(path, 0744); err != nil {
				return nil, fmt.Errorf("can't make directory at %s: %v", path, err)
			}
		}
	}
	syncWrites, found, err := config.GetBool("sync_writes")
	if err != nil {
		return nil, err
	}
	if found {
		opts = opts.WithSyncWrites(syncWrites)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	s := &Store{directory: path, db: db}
	if !inMemory {
		s.stopSyncCh = make(chan struct{})
		s.syncDone = make(chan struct{})
		go s.syncPeriodically()
	}
	wsi.Infof("Opened badger level store @ %q\n", path)
	return s, nil
}

// Periodically sync to prevent too many writes from being buffered
// if server crashes.
func (s *Store) syncPeriodically() {
	defer close(s.syncDone)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSyncCh:
			return
		case <-ticker.C:
			if err := s.db.Sync(); err != nil {
				wsi.Errorf("Sync of badger @ %s failed: %v\n", s.directory, err)
			}
		}
	}
}

func (s *Store) String() string {
	if s.directory == "" {
		return "badger (in memory)"
	}
	return fmt.Sprintf("badger @ %s", s.directory)
}

// Close closes the database.
func (s *Store) Close() error {
	if s.stopSyncCh != nil {
		close(s.stopSyncCh)
		<-s.syncDone
	}
	err := s.db.Close()
	wsi.Infof("Closed %s\n", s)
	return err
}

func tileKey(resource string, frame int) []byte {
	key := make([]byte, 0, 2+len(resource)+5)
	key = append(key, "t/"...)
	key = append(key, resource...)
	key = append(key, '/')
	return binary.BigEndian.AppendUint32(key, uint32(frame))
}

func markerKey(resource string) []byte {
	return []byte("c/" + resource)
}

func descriptorKey(seriesID string) []byte {
	return []byte("d/" + seriesID)
}

func seriesResourcePrefix(seriesID string) string {
	return ResourcePrefix + url.PathEscape(seriesID) + "/"
}

func (s *Store) get(key []byte) (value []byte, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return
}

func (s *Store) isCommitted(resource string) (bool, error) {
	if _, found := s.committed.Load(resource); found {
		return true, nil
	}
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(markerKey(resource))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		found = err == nil
		return err
	})
	if found {
		s.committed.Store(resource, struct{}{})
	}
	return found, err
}

// FetchTile implements storage.TileTransport for committed synthesized levels.
func (s *Store) FetchTile(ctx context.Context, loc pyramid.TileLocator) ([]byte, error) {
	if loc.Addressing != pyramid.FrameAddressing {
		return nil, fmt.Errorf("synthesized level %q only supports frame addressing", loc.Resource)
	}
	ok, err := s.isCommitted(loc.Resource)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("level %q: %w", loc.Resource, storage.ErrNotFound)
	}
	data, err := s.get(tileKey(loc.Resource, loc.Frame))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("frame %d of %q: %w", loc.Frame, loc.Resource, storage.ErrNotFound)
	}
	return data, nil
}

// NewLevel implements synth.LevelSink.
func (s *Store) NewLevel(ctx context.Context, seriesID, jobID string, level int) (synth.LevelTarget, error) {
	resource := fmt.Sprintf("%s%s/%d", seriesResourcePrefix(seriesID), jobID, level)
	return &levelTarget{s: s, resource: resource, wb: s.db.NewWriteBatch()}, nil
}

type levelTarget struct {
	s        *Store
	resource string
	wb       *badger.WriteBatch
}

func (t *levelTarget) Resource() string {
	return t.resource
}

// PutTile is safe for concurrent use; the write batch serializes writes.
func (t *levelTarget) PutTile(ctx context.Context, frame int, data []byte) error {
	return t.wb.Set(tileKey(t.resource, frame), data)
}

func (t *levelTarget) Commit(ctx context.Context) error {
	if err := t.wb.Flush(); err != nil {
		return err
	}
	err := t.s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(markerKey(t.resource), []byte(time.Now().Format(time.RFC3339)))
	})
	if err != nil {
		return err
	}
	t.s.committed.Store(t.resource, struct{}{})
	return nil
}

func (t *levelTarget) Abort(ctx context.Context) error {
	t.wb.Cancel()
	return t.s.deletePrefix([]byte("t/" + t.resource + "/"))
}

// deletePrefix removes every key with the prefix.
func (s *Store) deletePrefix(prefix []byte) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // key only
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// GetDescriptor implements storage.DescriptorStore.
func (s *Store) GetDescriptor(ctx context.Context, seriesID string) (*pyramid.Descriptor, error) {
	data, err := s.get(descriptorKey(seriesID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("descriptor of series %q: %w", seriesID, storage.ErrNotFound)
	}
	d := new(pyramid.Descriptor)
	if _, err := d.UnmarshalMsg(data); err != nil {
		return nil, fmt.Errorf("descriptor of series %q: %v", seriesID, err)
	}
	return d, nil
}

// PutDescriptor implements storage.DescriptorStore.
func (s *Store) PutDescriptor(ctx context.Context, d *pyramid.Descriptor) error {
	data, err := d.MarshalMsg(nil)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(descriptorKey(d.SeriesID), data)
	})
}

// deleteResources removes the commit markers and tiles of every resource with
// the prefix.  Markers go first so readers never see a partly deleted level.
func (s *Store) deleteResources(prefix string) error {
	s.committed.Range(func(k, _ interface{}) bool {
		if strings.HasPrefix(k.(string), prefix) {
			s.committed.Delete(k)
		}
		return true
	})
	if err := s.deletePrefix([]byte("c/" + prefix)); err != nil {
		return err
	}
	return s.deletePrefix([]byte("t/" + prefix))
}

// DeleteSeries implements storage.DescriptorStore.
func (s *Store) DeleteSeries(ctx context.Context, seriesID string) error {
	if err := s.deleteResources(seriesResourcePrefix(seriesID)); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(descriptorKey(seriesID))
	})
}

// DeleteLevels implements storage.DescriptorStore.
func (s *Store) DeleteLevels(ctx context.Context, resources []string) error {
	for _, resource := range resources {
		if !strings.HasPrefix(resource, ResourcePrefix) {
			return fmt.Errorf("resource %q is not a synthesized level", resource)
		}
		s.committed.Delete(resource)
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(markerKey(resource))
		})
		if err != nil {
			return err
		}
		if err := s.deletePrefix([]byte("t/" + resource + "/")); err != nil {
			return err
		}
	}
	return nil
}
