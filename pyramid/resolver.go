package pyramid

import (
	"fmt"
	"strconv"
	"strings"
)

// Addressing is how tiles within a resource are named.
type Addressing uint8

const (
	// FrameAddressing names a tile by its 1-based frame number within the resource.
	FrameAddressing Addressing = iota

	// GridAddressing names a tile by level within the resource, column and row.
	GridAddressing
)

func (a Addressing) String() string {
	if a == GridAddressing {
		return "grid"
	}
	return "frame"
}

// ParseAddressing converts a configuration string to an Addressing.
func ParseAddressing(s string) (Addressing, error) {
	switch s {
	case "", "frame":
		return FrameAddressing, nil
	case "grid":
		return GridAddressing, nil
	}
	return FrameAddressing, fmt.Errorf("unknown tile addressing %q", s)
}

// ViewerTile is a tile request in viewer coordinates.
type ViewerTile struct {
	Level int // 0 is the most zoomed out
	Col   int
	Row   int
}

// TileLocator is the concrete address of a tile in a backing resource.
type TileLocator struct {
	// Series is the series the tile was resolved for.  It is not part of the
	// tile's address.
	Series string

	Resource   string
	Addressing Addressing

	// Frame is the 1-based tile number within Resource for frame addressing.
	Frame int

	// Level, Col and Row locate the tile for grid addressing.  Level is the level
	// within Resource.  Col and Row are always set.
	Level int
	Col   int
	Row   int

	// Width and Height give the true pixel extent, smaller than the tile size
	// at the right and bottom edges.
	Width  int
	Height int
}

// Key returns a canonical string naming the tile within its resource.  Extent is
// not part of the key.
func (t TileLocator) Key() string {
	if t.Addressing == GridAddressing {
		return fmt.Sprintf("%s/%d/%d_%d", t.Resource, t.Level, t.Col, t.Row)
	}
	return fmt.Sprintf("%s/frames/%d", t.Resource, t.Frame)
}

func (t TileLocator) String() string {
	return fmt.Sprintf("%s (%d x %d)", t.Key(), t.Width, t.Height)
}

// ParseLocatorKey parses the output of TileLocator.Key.  Resources may contain
// slashes.
func ParseLocatorKey(key string) (TileLocator, error) {
	var t TileLocator
	last := strings.LastIndex(key, "/")
	if last <= 0 {
		return t, fmt.Errorf("bad tile key %q", key)
	}
	head, tail := key[:last], key[last+1:]
	mid := strings.LastIndex(head, "/")
	if mid <= 0 {
		return t, fmt.Errorf("bad tile key %q", key)
	}
	t.Resource = head[:mid]
	sel := head[mid+1:]
	if sel == "frames" {
		frame, err := strconv.Atoi(tail)
		if err != nil || frame < 1 {
			return t, fmt.Errorf("bad frame in tile key %q", key)
		}
		t.Addressing = FrameAddressing
		t.Frame = frame
		return t, nil
	}
	level, err := strconv.Atoi(sel)
	if err != nil {
		return t, fmt.Errorf("bad level in tile key %q", key)
	}
	parts := strings.Split(tail, "_")
	if len(parts) != 2 {
		return t, fmt.Errorf("bad grid position in tile key %q", key)
	}
	col, err1 := strconv.Atoi(parts[0])
	row, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return t, fmt.Errorf("bad grid position in tile key %q", key)
	}
	t.Addressing = GridAddressing
	t.Level, t.Col, t.Row = level, col, row
	return t, nil
}

// FrameResolver translates a storage level and tile coordinate into a TileLocator.
type FrameResolver struct {
	desc       *Descriptor
	addressing Addressing
}

// NewFrameResolver returns a resolver using the given addressing for native levels.
// Synthesized levels always use frame addressing.
func NewFrameResolver(desc *Descriptor, addressing Addressing) *FrameResolver {
	return &FrameResolver{desc: desc, addressing: addressing}
}

// Resolve returns the locator for the tile at (col, row) of a storage level.
// Coordinates outside the level's tile grid are an error, never clamped.
func (r *FrameResolver) Resolve(level, col, row int) (TileLocator, error) {
	l, err := r.desc.Level(level)
	if err != nil {
		return TileLocator{}, err
	}
	if col < 0 || col >= l.TilesPerRow || row < 0 || row >= l.TilesPerColumn {
		return TileLocator{}, &TileOutOfBoundsError{
			SeriesID:       r.desc.SeriesID,
			Level:          level,
			Col:            col,
			Row:            row,
			TilesPerRow:    l.TilesPerRow,
			TilesPerColumn: l.TilesPerColumn,
		}
	}
	loc := TileLocator{
		Series:     r.desc.SeriesID,
		Resource:   l.Source,
		Addressing: r.addressing,
		Col:        col,
		Row:        row,
		Width:      min(r.desc.TileWidth, l.Width-col*r.desc.TileWidth),
		Height:     min(r.desc.TileHeight, l.Height-row*r.desc.TileHeight),
	}
	local := row*l.TilesPerRow + col + 1

	switch r.desc.Topology {
	case Embedded:
		loc.Frame = l.FrameOffset + local
		loc.Level = l.Index
	case MultiFile:
		loc.Frame = local
		loc.Level = 0
	case Synthesized:
		if l.Synthesized {
			loc.Addressing = FrameAddressing
			loc.Frame = local
			loc.Level = 0
		} else {
			loc.Frame = l.FrameOffset + local
			loc.Level = l.SourceLevel
		}
	default:
		return TileLocator{}, fmt.Errorf("series %q: unknown topology %s", r.desc.SeriesID, r.desc.Topology)
	}
	return loc, nil
}

// ResolveViewer maps a viewer request to storage and resolves it.  The storage
// level is returned along with the locator.
func (r *FrameResolver) ResolveViewer(m *LevelMapper, t ViewerTile) (TileLocator, int, error) {
	level, err := m.ToStorage(t.Level)
	if err != nil {
		return TileLocator{}, 0, err
	}
	loc, err := r.Resolve(level, t.Col, t.Row)
	return loc, level, err
}
