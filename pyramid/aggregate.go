package pyramid

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"
)

// TieBreak orders resources of identical width.
type TieBreak uint8

const (
	// TieAreaThenID prefers the larger pixel area, then the smallest id.
	TieAreaThenID TieBreak = iota

	// TieID prefers the lexicographically smallest id.
	TieID
)

func (t TieBreak) String() string {
	switch t {
	case TieAreaThenID:
		return "area-then-id"
	case TieID:
		return "id"
	default:
		return fmt.Sprintf("tie-break %d", t)
	}
}

// ParseTieBreak converts a configuration string to a TieBreak.
func ParseTieBreak(s string) (TieBreak, error) {
	switch s {
	case "", "area-then-id":
		return TieAreaThenID, nil
	case "id":
		return TieID, nil
	}
	return TieAreaThenID, fmt.Errorf("unknown tie-break %q", s)
}

// AggregateConfig controls which resources join a multi-file pyramid and how
// equal-width resources are ordered.
type AggregateConfig struct {
	// Kinds are the resource kinds (case-insensitive) that hold image levels.
	// The empty kind is treated as a volume.
	Kinds    []string
	TieBreak TieBreak
}

// DefaultAggregateConfig accepts untyped and VOLUME resources.
func DefaultAggregateConfig() AggregateConfig {
	return AggregateConfig{Kinds: []string{"", "VOLUME"}}
}

func (c AggregateConfig) eligible(resources []ResourceInfo) []ResourceInfo {
	kinds := c.Kinds
	if len(kinds) == 0 {
		kinds = DefaultAggregateConfig().Kinds
	}
	var out []ResourceInfo
	for _, r := range resources {
		for _, k := range kinds {
			if strings.EqualFold(r.Kind, k) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

func (c AggregateConfig) less(a, b ResourceInfo) bool {
	if a.Width != b.Width {
		return a.Width > b.Width
	}
	if c.TieBreak == TieAreaThenID {
		aa, ba := int64(a.Width)*int64(a.Height), int64(b.Width)*int64(b.Height)
		if aa != ba {
			return aa > ba
		}
	}
	return a.ID < b.ID
}

func sameGeometry(a, b ResourceInfo) bool {
	return a.Width == b.Width && a.Height == b.Height && a.TileWidth == b.TileWidth && a.TileHeight == b.TileHeight
}

// Aggregate builds a multi-file descriptor from single-resolution resources of one
// series.  Each resource becomes one level and keeps its own frame numbering.
// The result does not depend on the order of the given resources.
func Aggregate(seriesID string, resources []ResourceInfo, cfg AggregateConfig) (*Descriptor, error) {
	var usable []ResourceInfo
	var skipped []string
	for _, r := range cfg.eligible(resources) {
		if !r.resolvable() {
			wsi.Warningf("Series %q: skipping resource %q with unresolvable geometry %d x %d, tile %d x %d\n",
				seriesID, r.ID, r.Width, r.Height, r.TileWidth, r.TileHeight)
			skipped = append(skipped, r.ID)
			continue
		}
		usable = append(usable, r)
	}
	if len(usable) == 0 {
		return nil, &InsufficientLevelsError{SeriesID: seriesID, Found: 0, Required: 1, Skipped: skipped}
	}
	sort.SliceStable(usable, func(i, j int) bool { return cfg.less(usable[i], usable[j]) })

	// Only exact duplicates collapse.  Equal widths with any other difference
	// cannot be ordered and are reported below.
	levels := usable[:1]
	for _, r := range usable[1:] {
		kept := levels[len(levels)-1]
		if sameGeometry(r, kept) {
			wsi.Infof("Series %q: resource %q duplicates %d x %d of %q, keeping %q\n",
				seriesID, r.ID, r.Width, r.Height, kept.ID, kept.ID)
			continue
		}
		levels = append(levels, r)
	}

	ids := make([]string, len(levels))
	for i, r := range levels {
		ids[i] = r.ID
	}
	base := levels[0]
	for i, r := range levels {
		if r.TileWidth != base.TileWidth || r.TileHeight != base.TileHeight {
			return nil, &AmbiguousPyramidError{SeriesID: seriesID, Resources: ids,
				Reason: fmt.Sprintf("tile size %d x %d of %q differs from %d x %d", r.TileWidth, r.TileHeight, r.ID, base.TileWidth, base.TileHeight)}
		}
		if i == 0 {
			continue
		}
		prev := levels[i-1]
		if r.Width >= prev.Width {
			return nil, &AmbiguousPyramidError{SeriesID: seriesID, Resources: ids,
				Reason: fmt.Sprintf("width %d of %q and %q but geometry differs (%d x %d vs %d x %d)",
					r.Width, prev.ID, r.ID, prev.Width, prev.Height, r.Width, r.Height)}
		}
		if r.Height >= prev.Height {
			return nil, &AmbiguousPyramidError{SeriesID: seriesID, Resources: ids,
				Reason: fmt.Sprintf("height %d of %q does not decrease from %d", r.Height, r.ID, prev.Height)}
		}
	}

	d := &Descriptor{
		SeriesID:   seriesID,
		Width:      base.Width,
		Height:     base.Height,
		TileWidth:  base.TileWidth,
		TileHeight: base.TileHeight,
		Topology:   MultiFile,
		Native:     MultiFile,
		Built:      time.Now(),
	}
	for i, r := range levels {
		d.Levels = append(d.Levels, d.newLevel(i, r.Width, r.Height, r.ID, false))
	}
	assignFrameOffsets(d.Levels)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
