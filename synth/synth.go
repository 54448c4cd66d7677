/*
	Package synth generates missing coarse levels of a slide pyramid.

	Starting from the coarsest existing level, each new level is produced by
	area-averaging blocks of Factor x Factor source pixels.  Output tiles are made
	in row-major batches sized so that the decoded source tiles and output tiles of
	all in-flight batches fit a fixed memory budget, regardless of image size.
	A level becomes visible only after every batch succeeded and its target was
	committed.  If a batch fails, the level's target is aborted and the levels
	completed before it are kept.
*/
package synth

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/DmitriyVTitov/size"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/pyramid"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"
)

// DimRounding selects how a level dimension is divided by the factor.
type DimRounding uint8

const (
	RoundCeil DimRounding = iota
	RoundFloor
)

// ParseDimRounding converts a configuration string to a DimRounding.
func ParseDimRounding(s string) (DimRounding, error) {
	switch s {
	case "", "ceil":
		return RoundCeil, nil
	case "floor":
		return RoundFloor, nil
	}
	return RoundCeil, fmt.Errorf("unknown dimension rounding %q", s)
}

const bytesPerPixel = 4 // decoded tiles are held as NRGBA

// Config controls synthesis.
type Config struct {
	Factor       int
	Rounding     DimRounding
	MemoryBudget int64 // bytes of decoded pixels held across all running batches
	Workers      int
	Codec        wsi.Codec
}

// DefaultConfig halves each level with a 64 MiB budget and PNG tiles.
func DefaultConfig() Config {
	return Config{
		Factor:       2,
		Rounding:     RoundCeil,
		MemoryBudget: 64 * wsi.Mega,
		Workers:      runtime.GOMAXPROCS(0),
		Codec:        wsi.Codec{Format: wsi.PNG},
	}
}

// Fetcher returns encoded tile data for a locator.
type Fetcher interface {
	FetchTile(ctx context.Context, loc pyramid.TileLocator) ([]byte, error)
}

// LevelSink creates write targets for new levels.
type LevelSink interface {
	NewLevel(ctx context.Context, seriesID, jobID string, level int) (LevelTarget, error)
}

// LevelTarget receives the tiles of one synthesized level.  PutTile may be called
// concurrently for distinct frames.  Tiles are not readable until Commit returns.
type LevelTarget interface {
	// Resource is the resource id under which committed tiles are fetched.
	Resource() string

	// PutTile stores the encoded tile with the 1-based local frame number.
	PutTile(ctx context.Context, frame int, data []byte) error

	Commit(ctx context.Context) error

	// Abort discards everything written to the target.
	Abort(ctx context.Context) error
}

// Job is one synthesis run for a series.
type Job struct {
	Descriptor *pyramid.Descriptor
	Source     Fetcher
	Sink       LevelSink

	// Addressing is used to fetch tiles of native levels.
	Addressing pyramid.Addressing

	// Progress, if set, is called after each batch with the level being built,
	// the tiles written so far and the level's tile count.
	Progress func(level, done, total int)
}

// SynthesisError reports the failed level and the first output tile (0-based,
// row-major) of the failed batch.
type SynthesisError struct {
	SeriesID    string
	Level       int
	BatchOffset int
	Err         error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("series %q: synthesis of level %d failed at batch offset %d: %v",
		e.SeriesID, e.Level, e.BatchOffset, e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// Synthesizer builds coarse levels.  It holds no per-job state and may run
// several jobs, each with its own memory budget.
type Synthesizer struct {
	cfg Config
}

// New returns a Synthesizer, filling unset configuration with defaults.
func New(cfg Config) (*Synthesizer, error) {
	def := DefaultConfig()
	if cfg.Factor == 0 {
		cfg.Factor = def.Factor
	}
	if cfg.Factor < 2 {
		return nil, fmt.Errorf("synthesis factor must be at least 2, got %d", cfg.Factor)
	}
	if cfg.MemoryBudget <= 0 {
		cfg.MemoryBudget = def.MemoryBudget
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Synthesizer{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (s *Synthesizer) Config() Config {
	return s.cfg
}

// nextSize returns the size of the level derived from one of the given size.
func (s *Synthesizer) nextSize(w, h int) (int, int) {
	f := s.cfg.Factor
	if s.cfg.Rounding == RoundFloor {
		return max(1, w/f), max(1, h/f)
	}
	return wsi.CeilDiv(w, f), wsi.CeilDiv(h, f)
}

// Plan returns the sizes of the levels a job would add to the descriptor.
func (s *Synthesizer) Plan(d *pyramid.Descriptor) []image.Point {
	var plan []image.Point
	w, h := d.Coarsest().Width, d.Coarsest().Height
	for w > d.TileWidth || h > d.TileHeight {
		nw, nh := s.nextSize(w, h)
		if nw >= w || nh >= h {
			wsi.Warningf("Series %q: cannot reduce %d x %d below tile size %d x %d\n", d.SeriesID, w, h, d.TileWidth, d.TileHeight)
			break
		}
		plan = append(plan, image.Pt(nw, nh))
		w, h = nw, nh
	}
	return plan
}

// Synthesize adds levels to the job's descriptor until the coarsest level fits in
// one tile.  The returned descriptor holds every level completed, even when an
// error is returned; the error is then a *SynthesisError.
func (s *Synthesizer) Synthesize(ctx context.Context, job Job) (*pyramid.Descriptor, error) {
	desc := job.Descriptor
	plan := s.Plan(desc)
	if len(plan) == 0 {
		return desc, nil
	}
	jobID := wsi.NewJobID()
	timedLog := wsi.NewTimeLog()
	wsi.Infof("Series %q: synthesizing %d levels below %d x %d (job %s, budget %s)\n",
		desc.SeriesID, len(plan), desc.Coarsest().Width, desc.Coarsest().Height, jobID, humanize.Bytes(uint64(s.cfg.MemoryBudget)))

	// One budget per job so concurrent jobs do not starve each other.
	sem := semaphore.NewWeighted(s.cfg.MemoryBudget)
	for _, pt := range plan {
		level := desc.NumLevels()
		target, err := job.Sink.NewLevel(ctx, desc.SeriesID, jobID, level)
		if err != nil {
			return desc, &SynthesisError{SeriesID: desc.SeriesID, Level: level, Err: err}
		}
		lj := &levelJob{
			s:      s,
			job:    job,
			src:    desc,
			srcLvl: desc.Coarsest(),
			level:  level,
			width:  pt.X,
			height: pt.Y,
			target: target,
			sem:    sem,
		}
		if err := lj.run(ctx); err != nil {
			if aerr := target.Abort(context.Background()); aerr != nil {
				wsi.Errorf("Series %q: unable to discard failed level %d: %v\n", desc.SeriesID, level, aerr)
			}
			return desc, err
		}
		if err := target.Commit(ctx); err != nil {
			if aerr := target.Abort(context.Background()); aerr != nil {
				wsi.Errorf("Series %q: unable to discard uncommitted level %d: %v\n", desc.SeriesID, level, aerr)
			}
			return desc, &SynthesisError{SeriesID: desc.SeriesID, Level: level, Err: err}
		}
		next, err := desc.WithLevels([]pyramid.Level{{Width: pt.X, Height: pt.Y, Source: target.Resource()}})
		if err != nil {
			return desc, &SynthesisError{SeriesID: desc.SeriesID, Level: level, Err: err}
		}
		desc = next
		timedLog.Infof("Series %q: level %d (%d x %d) synthesized", desc.SeriesID, level, pt.X, pt.Y)
	}
	return desc, nil
}

// levelJob produces one level from the level above it.
type levelJob struct {
	s      *Synthesizer
	job    Job
	src    *pyramid.Descriptor
	srcLvl pyramid.Level
	level  int
	width  int
	height int
	target LevelTarget
	sem    *semaphore.Weighted

	mu   sync.Mutex
	done int
}

func (lj *levelJob) run(ctx context.Context) error {
	tw, th := lj.src.TileWidth, lj.src.TileHeight
	cols, rows := wsi.CeilDiv(lj.width, tw), wsi.CeilDiv(lj.height, th)
	total := cols * rows

	f := int64(lj.s.cfg.Factor)
	perTile := (f*f + 1) * int64(tw) * int64(th) * bytesPerPixel
	if perTile > lj.s.cfg.MemoryBudget {
		return &SynthesisError{SeriesID: lj.src.SeriesID, Level: lj.level,
			Err: fmt.Errorf("one output tile needs %s, more than the %s budget",
				humanize.Bytes(uint64(perTile)), humanize.Bytes(uint64(lj.s.cfg.MemoryBudget)))}
	}
	batchTiles := int(lj.s.cfg.MemoryBudget / perTile)
	if workers := lj.s.cfg.Workers; workers > 1 && total > workers {
		// Split the budget so every worker gets a batch.
		batchTiles = max(1, min(batchTiles, wsi.CeilDiv(total, workers)))
	}
	batchTiles = min(batchTiles, total)
	wsi.Debugf("Series %q level %d: %d x %d tiles in batches of %d (%s each)\n",
		lj.src.SeriesID, lj.level, cols, rows, batchTiles, humanize.Bytes(uint64(int64(batchTiles)*perTile)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lj.s.cfg.Workers)
	for start := 0; start < total; start += batchTiles {
		start := start
		end := min(start+batchTiles, total)
		weight := int64(end-start) * perTile
		if err := lj.sem.Acquire(gctx, weight); err != nil {
			break
		}
		g.Go(func() error {
			defer lj.sem.Release(weight)
			if err := lj.batch(gctx, start, end, cols); err != nil {
				return &SynthesisError{SeriesID: lj.src.SeriesID, Level: lj.level, BatchOffset: start, Err: err}
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = &SynthesisError{SeriesID: lj.src.SeriesID, Level: lj.level, Err: ctx.Err()}
	}
	return err
}

type tileKey struct{ col, row int }

// batch builds output tiles [start, end) in row-major order.
func (lj *levelJob) batch(ctx context.Context, start, end, cols int) error {
	resolver := pyramid.NewFrameResolver(lj.src, lj.job.Addressing)
	src := &sourceWindow{
		lj:       lj,
		resolver: resolver,
		tiles:    make(map[tileKey]*image.NRGBA),
	}
	for n := start; n < end; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		col, row := n%cols, n/cols
		img, err := lj.downsample(ctx, src, col, row)
		if err != nil {
			return err
		}
		data, err := lj.s.cfg.Codec.EncodeTile(img)
		if err != nil {
			return fmt.Errorf("encode tile (%d, %d): %v", col, row, err)
		}
		if err := lj.target.PutTile(ctx, n+1, data); err != nil {
			return fmt.Errorf("store tile (%d, %d): %v", col, row, err)
		}
	}
	if wsi.LogMode() <= wsi.DebugMode {
		wsi.Debugf("Series %q level %d: batch %d-%d held %s of source tiles\n",
			lj.src.SeriesID, lj.level, start, end-1, humanize.Bytes(uint64(size.Of(src.tiles))))
	}
	lj.mu.Lock()
	lj.done += end - start
	done := lj.done
	if lj.job.Progress != nil {
		lj.job.Progress(lj.level, done, wsi.CeilDiv(lj.width, lj.src.TileWidth)*wsi.CeilDiv(lj.height, lj.src.TileHeight))
	}
	lj.mu.Unlock()
	return nil
}

// downsample area-averages the source pixels covered by output tile (col, row).
// Pixels beyond the source edge are not counted.
func (lj *levelJob) downsample(ctx context.Context, src *sourceWindow, col, row int) (image.Image, error) {
	tw, th := lj.src.TileWidth, lj.src.TileHeight
	f := lj.s.cfg.Factor
	ow := min(tw, lj.width-col*tw)
	oh := min(th, lj.height-row*th)
	out := image.NewNRGBA(image.Rect(0, 0, ow, oh))
	allGray := true

	for y := 0; y < oh; y++ {
		sy0 := (row*th + y) * f
		sy1 := min(sy0+f, lj.srcLvl.Height)
		for x := 0; x < ow; x++ {
			sx0 := (col*tw + x) * f
			sx1 := min(sx0+f, lj.srcLvl.Width)
			var r, g, b, a, n uint32
			for sy := sy0; sy < sy1; sy++ {
				for sx := sx0; sx < sx1; sx++ {
					tile, gray, err := src.tile(ctx, sx/tw, sy/th)
					if err != nil {
						return nil, err
					}
					allGray = allGray && gray
					i := tile.PixOffset(sx%tw, sy%th)
					r += uint32(tile.Pix[i])
					g += uint32(tile.Pix[i+1])
					b += uint32(tile.Pix[i+2])
					a += uint32(tile.Pix[i+3])
					n++
				}
			}
			if n == 0 {
				continue
			}
			o := out.PixOffset(x, y)
			out.Pix[o] = uint8((r + n/2) / n)
			out.Pix[o+1] = uint8((g + n/2) / n)
			out.Pix[o+2] = uint8((b + n/2) / n)
			out.Pix[o+3] = uint8((a + n/2) / n)
		}
	}
	if allGray {
		gray := image.NewGray(out.Rect)
		for i := range gray.Pix {
			gray.Pix[i] = out.Pix[4*i]
		}
		return gray, nil
	}
	return out, nil
}

// sourceWindow holds the decoded source tiles of one batch.
type sourceWindow struct {
	lj       *levelJob
	resolver *pyramid.FrameResolver
	tiles    map[tileKey]*image.NRGBA
	gray     map[tileKey]bool
}

func (w *sourceWindow) tile(ctx context.Context, col, row int) (*image.NRGBA, bool, error) {
	k := tileKey{col, row}
	if t, found := w.tiles[k]; found {
		return t, w.gray[k], nil
	}
	loc, err := w.resolver.Resolve(w.lj.srcLvl.Index, col, row)
	if err != nil {
		return nil, false, err
	}
	data, err := w.lj.job.Source.FetchTile(ctx, loc)
	if err != nil {
		return nil, false, fmt.Errorf("fetch source tile %s: %w", loc, err)
	}
	img, _, err := wsi.DecodeTile(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode source tile %s: %v", loc, err)
	}
	b := img.Bounds()
	if b.Dx() < loc.Width || b.Dy() < loc.Height {
		return nil, false, fmt.Errorf("source tile %s decoded to %d x %d", loc, b.Dx(), b.Dy())
	}
	_, isGray := img.(*image.Gray)
	t := wsi.ToNRGBA(img)
	if w.gray == nil {
		w.gray = make(map[tileKey]bool)
	}
	w.tiles[k] = t
	w.gray[k] = isGray
	return t, isGray, nil
}
