/*
	Package registry holds the pyramid descriptor of every series the server has
	touched.  A descriptor is built once on first access: from embedded metadata,
	by aggregating per-level resources, or completed by synthesizing the missing
	coarse levels.  Concurrent first accesses of a series share a single build and
	no caller ever sees a partially built descriptor.  Entries live until the
	series is invalidated.
*/
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/pyramid"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/storage"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/synth"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"
)

// Activity events.
const (
	EventBuilt            = "built"
	EventFailed           = "failed"
	EventInvalidated      = "invalidated"
	EventSynthesizedLevel = "synthesized-level"
)

// Config controls how descriptors are built.
type Config struct {
	Aggregate pyramid.AggregateConfig

	// Addressing is how native tiles are fetched during synthesis.
	Addressing pyramid.Addressing

	// Synthesize adds missing coarse levels on first access.  When false, a
	// pyramid that does not reach a single tile is served as is until Synthesize
	// is called.
	Synthesize bool

	// BuildTimeout bounds one descriptor build including synthesis.  Zero means
	// no limit.
	BuildTimeout time.Duration
}

// DefaultConfig returns the default build configuration.
func DefaultConfig() Config {
	return Config{
		Aggregate:  pyramid.DefaultAggregateConfig(),
		Addressing: pyramid.FrameAddressing,
		Synthesize: true,
	}
}

// Deps are the collaborators of a Registry.  Metadata is required.  Synthesis
// needs Transport, Synthesizer and Sink.  Descriptors and Activity are optional.
type Deps struct {
	Metadata    storage.MetadataSource
	Transport   storage.TileTransport
	Synthesizer *synth.Synthesizer
	Sink        synth.LevelSink
	Descriptors storage.DescriptorStore
	Activity    storage.ActivityLogger
}

type entry struct {
	desc  *pyramid.Descriptor
	err   error // fatal build error, remembered until invalidation
	built time.Time
}

// Registry is a concurrency-safe map of series id to descriptor.
type Registry struct {
	cfg  Config
	deps Deps

	mu      sync.RWMutex
	entries map[string]*entry
	gens    map[string]uint64 // bumped on invalidation

	group singleflight.Group
}

// New returns an empty registry.
func New(cfg Config, deps Deps) (*Registry, error) {
	if deps.Metadata == nil {
		return nil, fmt.Errorf("registry requires a metadata source")
	}
	if deps.Synthesizer != nil && (deps.Sink == nil || deps.Transport == nil) {
		return nil, fmt.Errorf("synthesis requires a tile transport and a level sink")
	}
	if deps.Activity == nil {
		deps.Activity = storage.NopActivity{}
	}
	return &Registry{
		cfg:     cfg,
		deps:    deps,
		entries: make(map[string]*entry),
		gens:    make(map[string]uint64),
	}, nil
}

// CanSynthesize returns true if the registry was given a synthesizer.
func (r *Registry) CanSynthesize() bool {
	return r.deps.Synthesizer != nil
}

// IsFatal returns true for build errors that are remembered until the series is
// invalidated.
func IsFatal(err error) bool {
	var merr *pyramid.MetadataError
	var aerr *pyramid.AmbiguousPyramidError
	var ierr *pyramid.InsufficientLevelsError
	return errors.As(err, &merr) || errors.As(err, &aerr) || errors.As(err, &ierr)
}

func (r *Registry) lookup(seriesID string) (*entry, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[seriesID], r.gens[seriesID]
}

// Descriptor returns the descriptor of a series, building it on first access.
// Callers abandoning the wait do not cancel a build other callers share.
func (r *Registry) Descriptor(ctx context.Context, seriesID string) (*pyramid.Descriptor, error) {
	if e, _ := r.lookup(seriesID); e != nil {
		return e.desc, e.err
	}
	return r.do(ctx, "build/"+seriesID, func(bctx context.Context) (*pyramid.Descriptor, error) {
		return r.build(bctx, seriesID, r.cfg.Synthesize && r.CanSynthesize(), nil)
	})
}

// Synthesize completes the pyramid of a series if it does not reach a single
// tile, whatever the Synthesize setting.  Progress may be nil.
func (r *Registry) Synthesize(ctx context.Context, seriesID string, progress func(level, done, total int)) (*pyramid.Descriptor, error) {
	if !r.CanSynthesize() {
		return nil, fmt.Errorf("synthesis is not configured")
	}
	desc, err := r.Descriptor(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	if !desc.NeedsSynthesis() {
		return desc, nil
	}
	// Shares the build key so a first-access build and an explicit request
	// never synthesize the same series at once.
	return r.do(ctx, "build/"+seriesID, func(bctx context.Context) (*pyramid.Descriptor, error) {
		return r.build(bctx, seriesID, true, progress)
	})
}

func (r *Registry) do(ctx context.Context, key string, fn func(context.Context) (*pyramid.Descriptor, error)) (*pyramid.Descriptor, error) {
	ch := r.group.DoChan(key, func() (interface{}, error) {
		bctx := context.WithoutCancel(ctx)
		if r.cfg.BuildTimeout > 0 {
			var cancel context.CancelFunc
			bctx, cancel = context.WithTimeout(bctx, r.cfg.BuildTimeout)
			defer cancel()
		}
		return fn(bctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*pyramid.Descriptor), nil
	}
}

// build runs inside the per-series critical section.  It publishes the result
// unless the series was invalidated while building.
func (r *Registry) build(ctx context.Context, seriesID string, synthesize bool, progress func(level, done, total int)) (*pyramid.Descriptor, error) {
	e, gen := r.lookup(seriesID)
	var desc *pyramid.Descriptor
	if e != nil {
		if e.err != nil {
			return nil, e.err
		}
		desc = e.desc
	}
	timedLog := wsi.NewTimeLog()
	if desc == nil {
		var err error
		desc, err = r.describe(ctx, seriesID)
		if err != nil {
			if IsFatal(err) {
				wsi.Errorf("Series %q: unable to build pyramid: %v\n", seriesID, err)
				r.deps.Activity.LogActivity(EventFailed, map[string]interface{}{"series": seriesID, "error": err.Error()})
				r.publish(seriesID, gen, &entry{err: err, built: time.Now()})
			}
			return nil, err
		}
	}
	if synthesize && desc.NeedsSynthesis() {
		desc = r.synthesize(ctx, gen, desc, progress)
	}
	if !r.publish(seriesID, gen, &entry{desc: desc, built: time.Now()}) {
		wsi.Infof("Series %q invalidated during build; result not kept\n", seriesID)
		return desc, nil
	}
	if e == nil {
		timedLog.Infof("Series %q: %s pyramid with %d levels ready", seriesID, desc.Topology, desc.NumLevels())
		r.deps.Activity.LogActivity(EventBuilt, map[string]interface{}{
			"series":   seriesID,
			"topology": desc.Topology.String(),
			"levels":   desc.NumLevels(),
			"width":    desc.Width,
			"height":   desc.Height,
		})
	}
	return desc, nil
}

// describe returns a persisted descriptor or builds one from metadata.
func (r *Registry) describe(ctx context.Context, seriesID string) (*pyramid.Descriptor, error) {
	if r.deps.Descriptors != nil {
		desc, err := r.deps.Descriptors.GetDescriptor(ctx, seriesID)
		if err == nil {
			wsi.Debugf("Series %q: using persisted descriptor built %s\n", seriesID, desc.Built)
			return desc, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			wsi.Warningf("Series %q: ignoring unreadable persisted descriptor: %v\n", seriesID, err)
		}
	}
	meta, err := r.deps.Metadata.SeriesMetadata(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	return pyramid.Describe(meta, r.cfg.Aggregate)
}

// synthesize returns the descriptor with every level that could be completed.
// A synthesis failure is logged and the completed levels are kept.  If the series
// was invalidated since gen, the new levels are discarded instead of persisted.
func (r *Registry) synthesize(ctx context.Context, gen uint64, desc *pyramid.Descriptor, progress func(level, done, total int)) *pyramid.Descriptor {
	out, err := r.deps.Synthesizer.Synthesize(ctx, synth.Job{
		Descriptor: desc,
		Source:     r.deps.Transport,
		Sink:       r.deps.Sink,
		Addressing: r.cfg.Addressing,
		Progress:   progress,
	})
	var added []string
	for i := desc.NumLevels(); i < out.NumLevels(); i++ {
		l := out.Levels[i]
		added = append(added, l.Source)
		r.deps.Activity.LogActivity(EventSynthesizedLevel, map[string]interface{}{
			"series": desc.SeriesID,
			"level":  i,
			"width":  l.Width,
			"height": l.Height,
			"source": l.Source,
		})
	}
	if err != nil {
		wsi.Errorf("Series %q: serving %d levels after synthesis failure: %v\n", desc.SeriesID, out.NumLevels(), err)
		r.deps.Activity.LogActivity(EventFailed, map[string]interface{}{"series": desc.SeriesID, "error": err.Error()})
	}
	if len(added) == 0 || r.deps.Descriptors == nil {
		return out
	}
	current, perr := r.persist(ctx, gen, out)
	switch {
	case !current:
		wsi.Infof("Series %q invalidated during synthesis; discarding %d new levels\n", desc.SeriesID, len(added))
		if derr := r.deps.Descriptors.DeleteLevels(ctx, added); derr != nil {
			wsi.Errorf("Series %q: unable to discard levels %v: %v\n", desc.SeriesID, added, derr)
		}
	case perr != nil:
		wsi.Errorf("Series %q: unable to persist descriptor: %v\n", desc.SeriesID, perr)
	}
	return out
}

// persist stores the descriptor unless the series generation moved past gen.
// The read lock keeps Invalidate from bumping the generation until the write is
// done, so its deletion always follows.
func (r *Registry) persist(ctx context.Context, gen uint64, d *pyramid.Descriptor) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.gens[d.SeriesID] != gen {
		return false, nil
	}
	return true, r.deps.Descriptors.PutDescriptor(ctx, d)
}

// publish stores the entry if the series generation is still gen.
func (r *Registry) publish(seriesID string, gen uint64, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gens[seriesID] != gen {
		return false
	}
	r.entries[seriesID] = e
	return true
}

// Invalidate forgets a series, including a remembered failure, persisted
// descriptor, synthesized levels and tiles cached by the transport.  The next
// access rebuilds it from metadata.
func (r *Registry) Invalidate(ctx context.Context, seriesID string) error {
	r.mu.Lock()
	delete(r.entries, seriesID)
	r.gens[seriesID]++
	r.mu.Unlock()

	if inv, ok := r.deps.Transport.(storage.SeriesInvalidator); ok {
		inv.InvalidateSeries(seriesID)
	}

	r.deps.Activity.LogActivity(EventInvalidated, map[string]interface{}{"series": seriesID})
	wsi.Infof("Series %q invalidated\n", seriesID)
	if r.deps.Descriptors != nil {
		return r.deps.Descriptors.DeleteSeries(ctx, seriesID)
	}
	return nil
}

// Status describes a registry entry.
type Status struct {
	SeriesID string
	Levels   int
	Topology string
	Error    string `json:",omitempty"`
	Built    time.Time
}

// Entries returns the status of every cached series sorted by id.
func (r *Registry) Entries() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.entries))
	for id, e := range r.entries {
		s := Status{SeriesID: id, Built: e.built}
		if e.err != nil {
			s.Error = e.err.Error()
		} else {
			s.Levels = e.desc.NumLevels()
			s.Topology = e.desc.Topology.String()
		}
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SeriesID < out[j].SeriesID })
	return out
}
