package wsi

import (
	"fmt"
	"path/filepath"

	"github.com/twinj/uuid"
)

const (
	Kilo = 1 << 10
	Mega = 1 << 20
	Giga = 1 << 30
)

// CeilDiv returns ceil(a/b) for positive b.
func CeilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// NewJobID returns a random hex identifier for synthesis jobs and cache groups.
func NewJobID() string {
	return fmt.Sprintf("%x", uuid.NewV4().Bytes())
}

// ConvertToAbsolute makes a path absolute relative to the directory holding
// a configuration file.
func ConvertToAbsolute(path, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}
