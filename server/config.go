package server

import (
	"bytes"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/pyramid"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/registry"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/storage"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/synth"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/tilesource"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"
)

const (
	// DefaultWebAddress is the default URL of the slide web server
	DefaultWebAddress = "localhost:8000"

	// WebAPIPath is the prefix of all API endpoints.
	WebAPIPath = "/api/"
)

// DefaultHost is the default most understandable alias for this server.
var DefaultHost = "localhost"

func init() {
	// Assumes Linux or Mac.
	cmd := exec.Command("/bin/hostname", "-f")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return
	}
	if host := strings.TrimSpace(out.String()); host != "" {
		DefaultHost = host
	}
}

// Config is the parsed TOML configuration.
type Config struct {
	Server     serverConfig
	Logging    wsi.LogConfig
	Store      map[string]storeConfig
	Backend    backendConfig
	Cache      map[string]sizeConfig
	Groupcache storage.GroupcacheConfig
	Synthesis  synthesisConfig
	Tilesource tilesourceConfig
	Aggregate  aggregateConfig
	Mapper     mapperConfig
	Kafka      storage.KafkaConfig

	location string // TOML file
}

type serverConfig struct {
	Host        string
	HTTPAddress string
	Note        string

	// Placeholder returns a gray tile instead of an error when a tile cannot be
	// fetched.
	Placeholder bool

	CorsDomains    []string
	ShutdownDelay  int // seconds to wait for in-flight requests on shutdown
	MaxConnections int // simultaneous HTTP connections; zero is unlimited
}

// storeConfig is a table of engine settings.  The "engine" key names the engine.
type storeConfig map[string]interface{}

// backendConfig names the stores that provide each capability.
type backendConfig struct {
	Metadata string // store with series metadata documents
	Tiles    string // store with native tiles
	Levels   string // store receiving synthesized levels; synthesis is off if empty
}

type sizeConfig struct {
	Size int // MB
}

type synthesisConfig struct {
	OnAccess     bool `toml:"on_access"`
	Factor       int
	Rounding     string
	MemoryBudget int `toml:"memory_budget"` // MB
	Workers      int
	Format       string
	Quality      int
	BuildTimeout string `toml:"build_timeout"`
}

type tilesourceConfig struct {
	Attempts   int
	BaseDelay  string `toml:"base_delay"`
	MaxDelay   string `toml:"max_delay"`
	Timeout    string
	Addressing string
}

type aggregateConfig struct {
	Kinds    []string
	TieBreak string `toml:"tie_break"`
}

type mapperConfig struct {
	Policy    string
	Tolerance float64
	Rounding  string
}

// LoadConfig loads server configuration from a TOML file.  Relative paths are
// taken relative to the file.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no server TOML configuration file provided")
	}
	c := new(Config)
	if _, err := toml.DecodeFile(filename, c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	c.location = filename
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, fmt.Errorf("could not convert relative paths to absolute paths in TOML config: %v", err)
	}
	return c, nil
}

// DecodeConfig parses TOML configuration from a string.  Paths are left as is.
func DecodeConfig(data string) (*Config, error) {
	c := new(Config)
	if _, err := toml.Decode(data, c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	return c, nil
}

// Some settings in the TOML can be given as relative paths.
// This function converts them in-place to absolute paths,
// assuming the given paths were relative to the TOML file's own directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	configDir, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		return err
	}

	// [logging].logfile
	c.Logging.Logfile = wsi.ConvertToAbsolute(c.Logging.Logfile, configDir)

	// [store.foobar].path
	for alias, sc := range c.Store {
		p, ok := sc["path"]
		if !ok {
			continue
		}
		path, ok := p.(string)
		if !ok {
			return fmt.Errorf("don't understand path setting for store %q", alias)
		}
		sc["path"] = wsi.ConvertToAbsolute(path, configDir)
	}
	return nil
}

// Location returns the TOML file the configuration was loaded from.
func (c *Config) Location() string {
	return c.location
}

// WebServer returns the configured host name or, if not specified, the
// retrieved hostname plus the port of the web server.
func (c *Config) WebServer() string {
	if c.Server.Host != "" {
		return c.Server.Host
	}
	addr := c.HTTPAddress()
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return DefaultHost + addr[i:]
	}
	return DefaultHost
}

// HTTPAddress returns the listening address.
func (c *Config) HTTPAddress() string {
	if c.Server.HTTPAddress == "" {
		return DefaultWebAddress
	}
	return c.Server.HTTPAddress
}

// CacheSize returns the number of bytes reserved for the given identifier.
// If unset, will return 0.
func (c *Config) CacheSize(id string) int {
	if c.Cache == nil {
		return 0
	}
	setting, found := c.Cache[id]
	if !found {
		return 0
	}
	return setting.Size * wsi.Mega
}

// StoreConfig returns the engine configuration of a store alias.
func (c *Config) StoreConfig(alias string) (wsi.StoreConfig, error) {
	sc, found := c.Store[alias]
	if !found {
		return wsi.StoreConfig{}, fmt.Errorf("no [store.%s] configured", alias)
	}
	engine, ok := sc["engine"].(string)
	if !ok || engine == "" {
		return wsi.StoreConfig{}, fmt.Errorf("store %q has no engine", alias)
	}
	config := make(wsi.Config, len(sc))
	for k, v := range sc {
		if k != "engine" {
			config[k] = v
		}
	}
	return wsi.StoreConfig{Config: config, Engine: engine}, nil
}

func parseDuration(setting, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q: %v", setting, value, err)
	}
	return d, nil
}

// MapperConfig returns the level mapping configuration.
func (c *Config) MapperConfig() (pyramid.MapperConfig, error) {
	mc := pyramid.DefaultMapperConfig()
	var err error
	if c.Mapper.Policy != "" {
		if mc.Policy, err = pyramid.ParseMappingPolicy(c.Mapper.Policy); err != nil {
			return mc, err
		}
	}
	if c.Mapper.Rounding != "" {
		if mc.Rounding, err = pyramid.ParseRounding(c.Mapper.Rounding); err != nil {
			return mc, err
		}
	}
	if c.Mapper.Tolerance > 0 {
		mc.Tolerance = c.Mapper.Tolerance
	}
	return mc, nil
}

// AggregateConfig returns the multi-file aggregation configuration.
func (c *Config) AggregateConfig() (pyramid.AggregateConfig, error) {
	ac := pyramid.DefaultAggregateConfig()
	if len(c.Aggregate.Kinds) != 0 {
		ac.Kinds = c.Aggregate.Kinds
	}
	if c.Aggregate.TieBreak != "" {
		tb, err := pyramid.ParseTieBreak(c.Aggregate.TieBreak)
		if err != nil {
			return ac, err
		}
		ac.TieBreak = tb
	}
	return ac, nil
}

func (c *Config) addressing() (pyramid.Addressing, error) {
	if c.Tilesource.Addressing == "" {
		return pyramid.FrameAddressing, nil
	}
	return pyramid.ParseAddressing(c.Tilesource.Addressing)
}

// SynthConfig returns the synthesizer configuration.
func (c *Config) SynthConfig() (synth.Config, error) {
	sc := synth.DefaultConfig()
	s := c.Synthesis
	if s.Factor != 0 {
		sc.Factor = s.Factor
	}
	if s.Rounding != "" {
		r, err := synth.ParseDimRounding(s.Rounding)
		if err != nil {
			return sc, err
		}
		sc.Rounding = r
	}
	if s.MemoryBudget > 0 {
		sc.MemoryBudget = int64(s.MemoryBudget) * wsi.Mega
	}
	if s.Workers > 0 {
		sc.Workers = s.Workers
	}
	if s.Format != "" {
		f, err := wsi.ParseFormat(s.Format)
		if err != nil {
			return sc, err
		}
		sc.Codec.Format = f
	}
	if s.Quality > 0 {
		sc.Codec.Quality = s.Quality
	}
	return sc, nil
}

// RegistryConfig returns the descriptor build configuration.
func (c *Config) RegistryConfig() (registry.Config, error) {
	rc := registry.DefaultConfig()
	rc.Synthesize = c.Synthesis.OnAccess
	var err error
	if rc.Aggregate, err = c.AggregateConfig(); err != nil {
		return rc, err
	}
	if rc.Addressing, err = c.addressing(); err != nil {
		return rc, err
	}
	if rc.BuildTimeout, err = parseDuration("build_timeout", c.Synthesis.BuildTimeout); err != nil {
		return rc, err
	}
	return rc, nil
}

// TileSourceConfig returns the fetch configuration.  Zero values are filled by
// tilesource.New.
func (c *Config) TileSourceConfig() (tilesource.Config, error) {
	var tc tilesource.Config
	var err error
	tc.Attempts = c.Tilesource.Attempts
	if tc.BaseDelay, err = parseDuration("base_delay", c.Tilesource.BaseDelay); err != nil {
		return tc, err
	}
	if tc.MaxDelay, err = parseDuration("max_delay", c.Tilesource.MaxDelay); err != nil {
		return tc, err
	}
	if tc.Timeout, err = parseDuration("timeout", c.Tilesource.Timeout); err != nil {
		return tc, err
	}
	if tc.Mapper, err = c.MapperConfig(); err != nil {
		return tc, err
	}
	if tc.Addressing, err = c.addressing(); err != nil {
		return tc, err
	}
	tc.CacheBytes = c.CacheSize("tiles")
	return tc, nil
}
