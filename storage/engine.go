package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blang/semver"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"
)

// Engine opens stores of one kind.
type Engine interface {
	fmt.Stringer
	GetName() string
	GetDescription() string
	GetSemVer() semver.Version

	// NewStore opens a store.  The concrete type determines which capabilities
	// (MetadataSource, TileTransport, DescriptorStore, ...) it offers.
	NewStore(config wsi.StoreConfig) (Store, error)
}

// EngineInfo is the identifying part of an engine.  Engines embed it.
type EngineInfo struct {
	Name        string
	Description string
	Version     semver.Version
}

func (e EngineInfo) GetName() string           { return e.Name }
func (e EngineInfo) GetDescription() string    { return e.Description }
func (e EngineInfo) GetSemVer() semver.Version { return e.Version }
func (e EngineInfo) String() string            { return fmt.Sprintf("%s [%s]", e.Name, e.Version) }

// NewEngineInfo parses the version, logging but tolerating a malformed one.
func NewEngineInfo(name, desc, version string) EngineInfo {
	ver, err := semver.Make(version)
	if err != nil {
		wsi.Errorf("Unable to make semver for engine %q: %v\n", name, err)
	}
	return EngineInfo{Name: name, Description: desc, Version: ver}
}

var (
	enginesMu sync.RWMutex
	engines   = make(map[string]Engine)
)

// RegisterEngine makes an engine available by name.
func RegisterEngine(e Engine) {
	enginesMu.Lock()
	engines[e.GetName()] = e
	enginesMu.Unlock()
}

// GetEngine returns a registered engine.
func GetEngine(name string) (Engine, error) {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	e, found := engines[name]
	if !found {
		return nil, fmt.Errorf("no storage engine %q registered", name)
	}
	return e, nil
}

// EnginesAvailable returns a description of the registered engines.
func EnginesAvailable() []string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	var names []string
	for _, e := range engines {
		names = append(names, e.String())
	}
	sort.Strings(names)
	return names
}

// Open opens a store with the configured engine.  A minimum engine version may be
// given in the "min_version" setting.
func Open(config wsi.StoreConfig) (Store, error) {
	e, err := GetEngine(config.Engine)
	if err != nil {
		return nil, err
	}
	minVer, found, err := config.GetString("min_version")
	if err != nil {
		return nil, err
	}
	if found {
		want, err := semver.Parse(minVer)
		if err != nil {
			return nil, fmt.Errorf("bad min_version %q for engine %q: %v", minVer, config.Engine, err)
		}
		if e.GetSemVer().LT(want) {
			return nil, fmt.Errorf("engine %s is older than required %s", e, want)
		}
	}
	wsi.Infof("Opening %s store\n", e)
	return e.NewStore(config)
}
