package pyramid

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// LevelGeometry is the size of one embedded level as declared by the source.
type LevelGeometry struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Downsample float64 `json:"downsample,omitempty"`
}

// ResourceInfo describes one stored resource (file, instance) of a series.
type ResourceInfo struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind,omitempty"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	TileWidth  int             `json:"tile_width,omitempty"`
	TileHeight int             `json:"tile_height,omitempty"`
	Levels     []LevelGeometry `json:"levels,omitempty"`
}

func (r ResourceInfo) resolvable() bool {
	return r.Width > 0 && r.Height > 0 && r.TileWidth > 0 && r.TileHeight > 0
}

// SeriesMetadata is what a metadata source reports about a series.  Series-level
// tile size applies to resources that do not declare their own.
type SeriesMetadata struct {
	SeriesID   string          `json:"series_id"`
	Width      int             `json:"width,omitempty"`
	Height     int             `json:"height,omitempty"`
	TileWidth  int             `json:"tile_width,omitempty"`
	TileHeight int             `json:"tile_height,omitempty"`
	Levels     []LevelGeometry `json:"levels,omitempty"`
	Resources  []ResourceInfo  `json:"resources,omitempty"`
}

func (m *SeriesMetadata) fillDefaults(r ResourceInfo) ResourceInfo {
	if r.TileWidth == 0 {
		r.TileWidth = m.TileWidth
	}
	if r.TileHeight == 0 {
		r.TileHeight = m.TileHeight
	}
	return r
}

const metadataSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["series_id"],
	"properties": {
		"series_id": {"type": "string", "minLength": 1},
		"width": {"type": "integer", "minimum": 0},
		"height": {"type": "integer", "minimum": 0},
		"tile_width": {"type": "integer", "minimum": 0},
		"tile_height": {"type": "integer", "minimum": 0},
		"levels": {"type": "array", "items": {"$ref": "#/definitions/level"}},
		"resources": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"kind": {"type": "string"},
					"width": {"type": "integer", "minimum": 0},
					"height": {"type": "integer", "minimum": 0},
					"tile_width": {"type": "integer", "minimum": 0},
					"tile_height": {"type": "integer", "minimum": 0},
					"levels": {"type": "array", "items": {"$ref": "#/definitions/level"}}
				}
			}
		}
	},
	"definitions": {
		"level": {
			"type": "object",
			"required": ["width", "height"],
			"properties": {
				"width": {"type": "integer", "minimum": 1},
				"height": {"type": "integer", "minimum": 1},
				"downsample": {"type": "number", "exclusiveMinimum": 0}
			}
		}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("metadata.json", metadataSchema)
	})
	return schema, schemaErr
}

// DecodeMetadataJSON validates a series metadata document and decodes it.
func DecodeMetadataJSON(data []byte) (*SeriesMetadata, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("metadata is not valid JSON: %v", err)
	}
	if err := sch.Validate(v); err != nil {
		seriesID := ""
		if m, ok := v.(map[string]interface{}); ok {
			seriesID, _ = m["series_id"].(string)
		}
		return nil, &MetadataError{SeriesID: seriesID, Field: "document", Reason: strings.TrimSpace(err.Error())}
	}
	var meta SeriesMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
