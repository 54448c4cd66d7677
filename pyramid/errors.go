package pyramid

import (
	"fmt"
	"strings"
)

// MetadataError is returned when series metadata lacks a field needed to build a
// descriptor.  Such fields are never inferred.
type MetadataError struct {
	SeriesID string
	Field    string
	Reason   string
}

func (e *MetadataError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("series %q: metadata missing %s", e.SeriesID, e.Field)
	}
	return fmt.Sprintf("series %q: bad metadata %s: %s", e.SeriesID, e.Field, e.Reason)
}

// TileOutOfBoundsError is returned for a tile coordinate outside a level's grid.
type TileOutOfBoundsError struct {
	SeriesID       string
	Level          int
	Col, Row       int
	TilesPerRow    int
	TilesPerColumn int
}

func (e *TileOutOfBoundsError) Error() string {
	return fmt.Sprintf("series %q level %d: tile (%d, %d) outside %d x %d tile grid",
		e.SeriesID, e.Level, e.Col, e.Row, e.TilesPerRow, e.TilesPerColumn)
}

// LevelOutOfRangeError is returned for a level index that does not exist.
type LevelOutOfRangeError struct {
	SeriesID  string
	Level     int
	NumLevels int
	Viewer    bool
}

func (e *LevelOutOfRangeError) Error() string {
	kind := "storage"
	if e.Viewer {
		kind = "viewer"
	}
	return fmt.Sprintf("series %q: %s level %d out of range [0, %d)", e.SeriesID, kind, e.Level, e.NumLevels)
}

// AmbiguousPyramidError is returned when resources cannot be ordered into a strictly
// decreasing pyramid with uniform tile size.
type AmbiguousPyramidError struct {
	SeriesID  string
	Reason    string
	Resources []string
}

func (e *AmbiguousPyramidError) Error() string {
	return fmt.Sprintf("series %q: ambiguous pyramid (%s) among resources [%s]",
		e.SeriesID, e.Reason, strings.Join(e.Resources, ", "))
}

// InsufficientLevelsError is returned when a series has no usable resolution levels.
type InsufficientLevelsError struct {
	SeriesID string
	Found    int
	Required int
	Skipped  []string
}

func (e *InsufficientLevelsError) Error() string {
	msg := fmt.Sprintf("series %q: found %d usable levels, need at least %d", e.SeriesID, e.Found, e.Required)
	if len(e.Skipped) > 0 {
		msg += fmt.Sprintf(" (skipped unresolvable: %s)", strings.Join(e.Skipped, ", "))
	}
	return msg
}
