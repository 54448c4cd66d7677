package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang/groupcache"
	"github.com/zenazn/goji/web"
	"golang.org/x/net/netutil"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/registry"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/storage"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/storage/badger"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/synth"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/tilesource"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"

	// engines available to [store] sections
	_ "github.com/donaloshea1971/dicom-wsi-server-sub002/storage/bucket"
)

// levelStore is what a store must offer to receive synthesized levels.
type levelStore interface {
	storage.TileTransport
	storage.DescriptorStore
	synth.LevelSink
}

// Service is a running slide server: the opened stores, the descriptor registry
// and the tile source, plus the HTTP handlers that expose them.
type Service struct {
	config *Config

	stores   map[string]storage.Store
	registry *registry.Registry
	tiles    *tilesource.TileSource
	activity storage.ActivityLogger
	kafka    *storage.KafkaActivity
	pool     *groupcache.HTTPPool

	mux     *web.Mux
	started time.Time

	closeOnce sync.Once
}

// New opens the configured stores and wires the registry and tile source.
func New(config *Config) (*Service, error) {
	s := &Service{
		config:   config,
		stores:   make(map[string]storage.Store),
		activity: storage.NopActivity{},
		started:  time.Now(),
	}
	if err := s.initialize(); err != nil {
		s.Close()
		return nil, err
	}
	s.mux = s.initRoutes()
	return s, nil
}

func (s *Service) initialize() error {
	c := s.config
	if c.Backend.Metadata == "" || c.Backend.Tiles == "" {
		return fmt.Errorf("[backend] must name the metadata and tiles stores")
	}
	aliases := make([]string, 0, len(c.Store))
	for alias := range c.Store {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		sc, err := c.StoreConfig(alias)
		if err != nil {
			return err
		}
		store, err := storage.Open(sc)
		if err != nil {
			return fmt.Errorf("unable to open store %q: %v", alias, err)
		}
		s.stores[alias] = store
	}

	metaStore, err := s.Store(c.Backend.Metadata)
	if err != nil {
		return err
	}
	metadata, ok := metaStore.(storage.MetadataSource)
	if !ok {
		return fmt.Errorf("store %q (%s) cannot provide series metadata", c.Backend.Metadata, metaStore)
	}
	tileStore, err := s.Store(c.Backend.Tiles)
	if err != nil {
		return err
	}
	native, ok := tileStore.(storage.TileTransport)
	if !ok {
		return fmt.Errorf("store %q (%s) cannot provide tiles", c.Backend.Tiles, tileStore)
	}

	// Native tiles are shared through groupcache until their series is
	// invalidated.  Synthesized levels are routed to their store directly.
	s.pool = storage.SetupGroupcache(c.Groupcache)
	router := storage.NewRouter(storage.WrapGroupcache("tiles", storage.LogTransport(native), c.Groupcache))

	kafka, err := storage.NewKafkaActivity(c.Kafka, c.WebServer())
	if err != nil {
		return fmt.Errorf("unable to start kafka activity log: %v", err)
	}
	if kafka != nil {
		s.kafka = kafka
		s.activity = kafka
		wsi.Infof("Logging series activity to kafka topic %q\n", kafka.Topic())
	}

	regConfig, err := c.RegistryConfig()
	if err != nil {
		return err
	}
	deps := registry.Deps{
		Metadata:  metadata,
		Transport: router,
		Activity:  s.activity,
	}
	if c.Backend.Levels != "" {
		store, err := s.Store(c.Backend.Levels)
		if err != nil {
			return err
		}
		levels, ok := store.(levelStore)
		if !ok {
			return fmt.Errorf("store %q (%s) cannot hold synthesized levels", c.Backend.Levels, store)
		}
		router.Handle(badger.ResourcePrefix, levels)

		synthConfig, err := c.SynthConfig()
		if err != nil {
			return err
		}
		if deps.Synthesizer, err = synth.New(synthConfig); err != nil {
			return err
		}
		deps.Sink = levels
		deps.Descriptors = levels
	} else {
		wsi.Infof("No [backend] levels store; pyramids are served without synthesized levels\n")
	}
	if s.registry, err = registry.New(regConfig, deps); err != nil {
		return err
	}

	tsConfig, err := c.TileSourceConfig()
	if err != nil {
		return err
	}
	s.tiles = tilesource.New(tsConfig, s.registry, router)
	return nil
}

// Store returns an opened store by alias.
func (s *Service) Store(alias string) (storage.Store, error) {
	store, found := s.stores[alias]
	if !found {
		return nil, fmt.Errorf("no store %q configured", alias)
	}
	return store, nil
}

// Registry returns the descriptor registry.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// TileSource returns the viewer tile source.
func (s *Service) TileSource() *tilesource.TileSource {
	return s.tiles
}

// Handler returns the HTTP handler of the service.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Serve listens on the configured address until ctx is done, then shuts down
// gracefully, waiting up to the configured shutdown delay for requests in flight.
func (s *Service) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.config.HTTPAddress(),
		Handler: s.mux,
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if limit := s.config.Server.MaxConnections; limit > 0 {
		ln = netutil.LimitListener(ln, limit)
		wsi.Infof("Limiting web server to %d simultaneous connections\n", limit)
	}
	errCh := make(chan error, 1)
	go func() {
		wsi.Infof("Web server listening at %s ...\n", srv.Addr)
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	delay := time.Duration(s.config.Server.ShutdownDelay) * time.Second
	if delay <= 0 {
		delay = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), delay)
	defer cancel()
	wsi.Infof("Shutting down web server, waiting up to %s for requests in flight\n", delay)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close waits for background tile fetches then closes the activity log and
// every store.
func (s *Service) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		if s.tiles != nil {
			s.tiles.Close()
		}
		if s.kafka != nil {
			if err := s.kafka.Close(); err != nil {
				firstErr = err
			}
		}
		for alias, store := range s.stores {
			if err := store.Close(); err != nil {
				wsi.Errorf("Error closing store %q: %v\n", alias, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	})
	return firstErr
}
