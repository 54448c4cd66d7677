package pyramid

import (
	"fmt"
	"math"
)

// MappingPolicy selects how viewer levels map to storage levels.
type MappingPolicy uint8

const (
	// PolicyAuto uses index arithmetic for power-of-two pyramids and nearest
	// resolution otherwise.
	PolicyAuto MappingPolicy = iota

	// PolicyIndex requires a power-of-two pyramid.
	PolicyIndex

	// PolicyNearest always selects by downsample factor.
	PolicyNearest
)

// ParseMappingPolicy converts a configuration string to a MappingPolicy.
func ParseMappingPolicy(s string) (MappingPolicy, error) {
	switch s {
	case "", "auto":
		return PolicyAuto, nil
	case "index":
		return PolicyIndex, nil
	case "nearest":
		return PolicyNearest, nil
	}
	return PolicyAuto, fmt.Errorf("unknown level mapping policy %q", s)
}

// Rounding selects how a fractional log2 downsample becomes a viewer level.
type Rounding uint8

const (
	RoundNearest Rounding = iota
	RoundDown
)

// ParseRounding converts a configuration string to a Rounding.
func ParseRounding(s string) (Rounding, error) {
	switch s {
	case "", "nearest":
		return RoundNearest, nil
	case "down", "floor":
		return RoundDown, nil
	}
	return RoundNearest, fmt.Errorf("unknown rounding %q", s)
}

// MapperConfig configures a LevelMapper.
type MapperConfig struct {
	Policy MappingPolicy

	// Tolerance is the relative deviation of a level's downsample from its
	// power-of-two that still counts as regular.
	Tolerance float64

	Rounding Rounding
}

// DefaultMapperConfig returns automatic mapping with a 2% tolerance.
func DefaultMapperConfig() MapperConfig {
	return MapperConfig{Policy: PolicyAuto, Tolerance: 0.02}
}

// LevelMapper converts between viewer levels (0 = most zoomed out) and storage
// levels (0 = full resolution).
type LevelMapper struct {
	desc      *Descriptor
	cfg       MapperConfig
	regular   bool
	maxViewer int
}

// NewLevelMapper returns a mapper for the descriptor.
func NewLevelMapper(desc *Descriptor, cfg MapperConfig) (*LevelMapper, error) {
	if desc == nil || len(desc.Levels) == 0 {
		return nil, fmt.Errorf("level mapper needs a descriptor with levels")
	}
	m := &LevelMapper{desc: desc, cfg: cfg, regular: isRegular(desc, cfg.Tolerance)}
	switch cfg.Policy {
	case PolicyIndex:
		if !m.regular {
			return nil, fmt.Errorf("series %q: index mapping requires power-of-two downsamples", desc.SeriesID)
		}
	case PolicyNearest:
		m.regular = false
	}
	if m.regular {
		m.maxViewer = len(desc.Levels) - 1
	} else {
		m.maxViewer = m.log2Level(desc.Coarsest().Downsample)
	}
	return m, nil
}

func isRegular(desc *Descriptor, tol float64) bool {
	for i, l := range desc.Levels {
		nominal := math.Exp2(float64(i))
		if math.Abs(l.Downsample/nominal-1) > tol {
			return false
		}
	}
	return true
}

func (m *LevelMapper) log2Level(downsample float64) int {
	lg := math.Log2(downsample)
	if m.cfg.Rounding == RoundDown {
		return int(math.Floor(lg + 1e-9))
	}
	return int(math.Round(lg))
}

// Regular returns true if index arithmetic is used.
func (m *LevelMapper) Regular() bool {
	return m.regular
}

// NumViewerLevels returns the number of viewer zoom levels.
func (m *LevelMapper) NumViewerLevels() int {
	return m.maxViewer + 1
}

// ToStorage returns the storage level serving a viewer level.  For irregular
// pyramids it is the coarsest level whose rounded log2 downsample does not exceed
// the one the viewer level denotes, i.e., the nearest level at or above the
// requested resolution.  Levels are compared after the same rounding ToViewer
// uses, so viewer level 0 always selects the coarsest storage level.
func (m *LevelMapper) ToStorage(viewerLevel int) (int, error) {
	if viewerLevel < 0 || viewerLevel > m.maxViewer {
		return 0, &LevelOutOfRangeError{SeriesID: m.desc.SeriesID, Level: viewerLevel, NumLevels: m.maxViewer + 1, Viewer: true}
	}
	if m.regular {
		return m.maxViewer - viewerLevel, nil
	}
	want := m.maxViewer - viewerLevel
	best := 0
	for i, l := range m.desc.Levels {
		if m.log2Level(l.Downsample) <= want {
			best = i
		}
	}
	return best, nil
}

// ToViewer returns the viewer level that a storage level represents.
func (m *LevelMapper) ToViewer(storageLevel int) (int, error) {
	if storageLevel < 0 || storageLevel >= len(m.desc.Levels) {
		return 0, &LevelOutOfRangeError{SeriesID: m.desc.SeriesID, Level: storageLevel, NumLevels: len(m.desc.Levels)}
	}
	if m.regular {
		return m.maxViewer - storageLevel, nil
	}
	v := m.maxViewer - m.log2Level(m.desc.Levels[storageLevel].Downsample)
	if v < 0 {
		v = 0
	}
	return v, nil
}
