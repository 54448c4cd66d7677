/*
	Package pyramid describes multi-resolution slide images and translates viewer tile
	requests into addresses within the backing resources.

	Storage levels are numbered from 0 (full resolution) to N-1 (coarsest).  Viewers
	number the other way: viewer level 0 is the most zoomed out.  A LevelMapper
	translates between the two, and a FrameResolver turns a storage level and tile
	coordinate into a TileLocator naming the resource and frame (or grid position)
	that holds the tile.

	Levels that share a source resource number their frames consecutively across
	levels, so level i starts after all tiles of levels 0..i-1 in that resource.
	Levels in their own resource number frames from 1.
*/
package pyramid

import (
	"fmt"
	"time"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"
)

// Topology describes how the levels of a series are backed.
type Topology uint8

const (
	// Embedded is a single resource holding the whole pyramid.
	Embedded Topology = iota

	// MultiFile is a set of single-resolution resources of one series.
	MultiFile

	// Synthesized is a pyramid whose coarse levels were generated from native ones.
	Synthesized
)

func (t Topology) String() string {
	switch t {
	case Embedded:
		return "embedded"
	case MultiFile:
		return "multi-file"
	case Synthesized:
		return "synthesized"
	default:
		return fmt.Sprintf("topology %d", t)
	}
}

// Level is the geometry and source of one resolution level.
type Level struct {
	Index          int
	Downsample     float64 // relative to level 0
	Width          int
	Height         int
	TilesPerRow    int
	TilesPerColumn int

	// FrameOffset is the count of tiles in earlier levels of the same source.  It is
	// zero for a level that is alone in its source.
	FrameOffset int

	// Source names the resource holding this level's tiles.
	Source string

	// SourceLevel is the level index within Source, used for grid addressing.
	SourceLevel int

	Synthesized bool
}

// NumTiles returns the number of tiles in the level.
func (l Level) NumTiles() int {
	return l.TilesPerRow * l.TilesPerColumn
}

// Descriptor is the complete resolution structure of a series.  Once built, a
// Descriptor is not modified; adding levels produces a new Descriptor.
type Descriptor struct {
	SeriesID   string
	Width      int
	Height     int
	TileWidth  int
	TileHeight int
	Topology   Topology

	// Native is the topology of the non-synthesized levels.  It equals Topology
	// unless Topology is Synthesized.
	Native Topology

	Levels []Level
	Built  time.Time
}

// NumLevels returns the number of storage levels.
func (d *Descriptor) NumLevels() int {
	return len(d.Levels)
}

// Level returns the storage level with the given index.
func (d *Descriptor) Level(i int) (Level, error) {
	if i < 0 || i >= len(d.Levels) {
		return Level{}, &LevelOutOfRangeError{SeriesID: d.SeriesID, Level: i, NumLevels: len(d.Levels)}
	}
	return d.Levels[i], nil
}

// Coarsest returns the lowest resolution level.
func (d *Descriptor) Coarsest() Level {
	return d.Levels[len(d.Levels)-1]
}

// NeedsSynthesis returns true if the coarsest level does not fit in a single tile.
func (d *Descriptor) NeedsSynthesis() bool {
	c := d.Coarsest()
	return c.Width > d.TileWidth || c.Height > d.TileHeight
}

// NumSynthesized returns the count of synthesized levels.
func (d *Descriptor) NumSynthesized() int {
	var n int
	for _, l := range d.Levels {
		if l.Synthesized {
			n++
		}
	}
	return n
}

// WithLevels returns a copy of the descriptor with synthesized levels appended.
// Each appended level gets index, downsample, tile counts and frame numbering
// computed here; only Width, Height and Source are read from the given levels.
func (d *Descriptor) WithLevels(extra []Level) (*Descriptor, error) {
	nd := *d
	nd.Levels = make([]Level, len(d.Levels), len(d.Levels)+len(extra))
	copy(nd.Levels, d.Levels)
	for _, l := range extra {
		nd.Levels = append(nd.Levels, d.newLevel(len(nd.Levels), l.Width, l.Height, l.Source, true))
	}
	if len(extra) > 0 {
		nd.Topology = Synthesized
	}
	assignFrameOffsets(nd.Levels)
	if err := nd.Validate(); err != nil {
		return nil, err
	}
	return &nd, nil
}

// Validate checks that level dimensions strictly decrease and tile geometry is consistent.
func (d *Descriptor) Validate() error {
	if d.Width <= 0 || d.Height <= 0 {
		return &MetadataError{SeriesID: d.SeriesID, Field: "dimensions"}
	}
	if d.TileWidth <= 0 || d.TileHeight <= 0 {
		return &MetadataError{SeriesID: d.SeriesID, Field: "tile size"}
	}
	if len(d.Levels) == 0 {
		return &InsufficientLevelsError{SeriesID: d.SeriesID, Required: 1}
	}
	for i, l := range d.Levels {
		if l.Index != i {
			return &MetadataError{SeriesID: d.SeriesID, Field: "levels", Reason: fmt.Sprintf("level %d has index %d", i, l.Index)}
		}
		if l.TilesPerRow != wsi.CeilDiv(l.Width, d.TileWidth) || l.TilesPerColumn != wsi.CeilDiv(l.Height, d.TileHeight) {
			return &MetadataError{SeriesID: d.SeriesID, Field: "levels", Reason: fmt.Sprintf("level %d tile grid does not match its size", i)}
		}
		if i == 0 {
			continue
		}
		prev := d.Levels[i-1]
		if l.Width >= prev.Width || l.Height >= prev.Height {
			return &MetadataError{SeriesID: d.SeriesID, Field: "levels",
				Reason: fmt.Sprintf("level %d (%d x %d) not smaller than level %d (%d x %d)",
					i, l.Width, l.Height, i-1, prev.Width, prev.Height)}
		}
	}
	return nil
}

func (d *Descriptor) newLevel(index, width, height int, source string, synthesized bool) Level {
	return Level{
		Index:          index,
		Downsample:     float64(d.Width) / float64(width),
		Width:          width,
		Height:         height,
		TilesPerRow:    wsi.CeilDiv(width, d.TileWidth),
		TilesPerColumn: wsi.CeilDiv(height, d.TileHeight),
		Source:         source,
		Synthesized:    synthesized,
	}
}

// assignFrameOffsets numbers frames consecutively within each source.
func assignFrameOffsets(levels []Level) {
	offsets := make(map[string]int)
	counts := make(map[string]int)
	for i := range levels {
		src := levels[i].Source
		levels[i].FrameOffset = offsets[src]
		levels[i].SourceLevel = counts[src]
		offsets[src] += levels[i].NumTiles()
		counts[src]++
	}
}

// FromEmbedded builds a descriptor for a single resource that embeds zero or more
// reduced-resolution levels in addition to its full resolution image.
func FromEmbedded(seriesID string, res ResourceInfo) (*Descriptor, error) {
	if res.Width <= 0 {
		return nil, &MetadataError{SeriesID: seriesID, Field: "width"}
	}
	if res.Height <= 0 {
		return nil, &MetadataError{SeriesID: seriesID, Field: "height"}
	}
	if res.TileWidth <= 0 {
		return nil, &MetadataError{SeriesID: seriesID, Field: "tile width"}
	}
	if res.TileHeight <= 0 {
		return nil, &MetadataError{SeriesID: seriesID, Field: "tile height"}
	}
	source := res.ID
	if source == "" {
		source = seriesID
	}
	d := &Descriptor{
		SeriesID:   seriesID,
		Width:      res.Width,
		Height:     res.Height,
		TileWidth:  res.TileWidth,
		TileHeight: res.TileHeight,
		Topology:   Embedded,
		Native:     Embedded,
		Built:      time.Now(),
	}
	geoms := res.Levels
	if len(geoms) == 0 {
		geoms = []LevelGeometry{{Width: res.Width, Height: res.Height}}
	}
	if geoms[0].Width != res.Width || geoms[0].Height != res.Height {
		return nil, &MetadataError{SeriesID: seriesID, Field: "levels",
			Reason: fmt.Sprintf("level 0 is %d x %d but image is %d x %d", geoms[0].Width, geoms[0].Height, res.Width, res.Height)}
	}
	for i, g := range geoms {
		if g.Width <= 0 || g.Height <= 0 {
			return nil, &MetadataError{SeriesID: seriesID, Field: fmt.Sprintf("level %d dimensions", i)}
		}
		l := d.newLevel(i, g.Width, g.Height, source, false)
		if g.Downsample > 0 {
			l.Downsample = g.Downsample
		}
		d.Levels = append(d.Levels, l)
	}
	assignFrameOffsets(d.Levels)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Describe builds a descriptor from series metadata.  Several eligible resources
// are aggregated into a multi-file pyramid; a single one is read as an embedded
// pyramid.  The result may still need synthesis of coarse levels.
func Describe(meta *SeriesMetadata, cfg AggregateConfig) (*Descriptor, error) {
	if meta == nil {
		return nil, fmt.Errorf("no metadata given")
	}
	if meta.SeriesID == "" {
		return nil, &MetadataError{Field: "series id"}
	}
	if len(meta.Resources) == 0 {
		return FromEmbedded(meta.SeriesID, ResourceInfo{
			ID:         meta.SeriesID,
			Width:      meta.Width,
			Height:     meta.Height,
			TileWidth:  meta.TileWidth,
			TileHeight: meta.TileHeight,
			Levels:     meta.Levels,
		})
	}
	eligible := cfg.eligible(meta.Resources)
	if len(eligible) == 1 {
		return FromEmbedded(meta.SeriesID, meta.fillDefaults(eligible[0]))
	}
	resources := make([]ResourceInfo, len(eligible))
	for i, r := range eligible {
		resources[i] = meta.fillDefaults(r)
	}
	return Aggregate(meta.SeriesID, resources, cfg)
}
