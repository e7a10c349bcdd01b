package geofence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gopkg.in/yaml.v3"
)

type document struct {
	Geofences []Definition `json:"geofences" yaml:"geofences"`
}

// LoadFile reads a geofence document. Supported forms are a YAML or JSON
// document with a top-level "geofences" list, and a GeoJSON FeatureCollection
// of Polygon features named by their "name" property.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defs, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewSet(defs)
}

func Parse(data []byte, ext string) ([]Definition, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, errors.New("geofence file is empty")
	}
	ext = strings.ToLower(ext)
	if ext == ".geojson" || (looksLikeJSON(trimmed) && strings.Contains(trimmed, `"FeatureCollection"`)) {
		return parseGeoJSON([]byte(trimmed))
	}
	var doc document
	if looksLikeJSON(trimmed) {
		if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
			return nil, err
		}
	} else if err := yaml.Unmarshal([]byte(trimmed), &doc); err != nil {
		return nil, err
	}
	return doc.Geofences, nil
}

func parseGeoJSON(data []byte) ([]Definition, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, err
	}
	defs := make([]Definition, 0, len(fc.Features))
	for i, f := range fc.Features {
		name := f.Properties.MustString("name", "")
		if f.Geometry == nil {
			return nil, fmt.Errorf("feature %d (%s): missing geometry", i, name)
		}
		poly, ok := f.Geometry.(orb.Polygon)
		if !ok {
			return nil, fmt.Errorf("feature %d (%s): only Polygon geometries are supported, got %s", i, name, f.Geometry.GeoJSONType())
		}
		if len(poly) != 1 {
			return nil, fmt.Errorf("feature %d (%s): polygons with holes are not supported", i, name)
		}
		coords := make([][]float64, 0, len(poly[0]))
		for _, p := range poly[0] {
			coords = append(coords, []float64{p[0], p[1]})
		}
		defs = append(defs, Definition{Name: name, Polygon: coords})
	}
	return defs, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}
