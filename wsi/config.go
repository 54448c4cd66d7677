package wsi

import (
	"fmt"
	"time"
)

// Config is a map of keyword to arbitrary data to specify configurations via keyword.
// Keys are case-sensitive.  Values typically come from TOML tables.
type Config map[string]interface{}

// GetString returns a string value for the key.  The second return is false if the key
// was not present.
func (c Config) GetString(key string) (s string, found bool, err error) {
	if c == nil {
		return
	}
	v, found := c[key]
	if !found {
		return
	}
	s, ok := v.(string)
	if !ok {
		err = fmt.Errorf("configuration %q has value %v that is not a string", key, v)
	}
	return
}

// GetBool returns a bool value for the key.
func (c Config) GetBool(key string) (b bool, found bool, err error) {
	if c == nil {
		return
	}
	v, found := c[key]
	if !found {
		return
	}
	switch t := v.(type) {
	case bool:
		b = t
	case string:
		b = t == "true" || t == "TRUE" || t == "1"
	default:
		err = fmt.Errorf("configuration %q has value %v that is not a bool", key, v)
	}
	return
}

// GetInt returns an int value for the key.  TOML integers decode as int64 and JSON
// numbers as float64 so both are accepted.
func (c Config) GetInt(key string) (i int, found bool, err error) {
	if c == nil {
		return
	}
	v, found := c[key]
	if !found {
		return
	}
	switch t := v.(type) {
	case int:
		i = t
	case int64:
		i = int(t)
	case uint64:
		i = int(t)
	case float64:
		i = int(t)
	default:
		err = fmt.Errorf("configuration %q has value %v that is not an integer", key, v)
	}
	return
}

// GetDuration parses a duration string like "30s" for the key.
func (c Config) GetDuration(key string) (d time.Duration, found bool, err error) {
	s, found, err := c.GetString(key)
	if err != nil || !found {
		return
	}
	d, err = time.ParseDuration(s)
	if err != nil {
		err = fmt.Errorf("configuration %q: %v", key, err)
	}
	return
}

// StoreConfig is a store-specific configuration where each store implementation
// defines the types of parameters it accepts.
type StoreConfig struct {
	Config

	// Engine is a simple name describing the engine, e.g., "badger" or "bucket".
	Engine string
}
