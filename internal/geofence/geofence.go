// Package geofence holds the immutable set of named polygons and the
// point-in-polygon evaluation used by ingestion and queries.
//
// Points are (lng, lat). A point on a polygon edge or vertex is inside.
package geofence

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"geotrack/internal/model"
)

// Definition is the on-disk form of one geofence.
type Definition struct {
	Name    string      `json:"name" yaml:"name"`
	Polygon [][]float64 `json:"polygon" yaml:"polygon"`
}

type fence struct {
	name    string
	polygon orb.Polygon
	bound   orb.Bound
}

// Set is safe for concurrent use; it is never mutated after NewSet returns.
type Set struct {
	fences map[string]*fence
	names  []string
}

func NewSet(defs []Definition) (*Set, error) {
	s := &Set{fences: make(map[string]*fence, len(defs))}
	for i, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("geofence %d: name required", i)
		}
		if _, dup := s.fences[name]; dup {
			return nil, fmt.Errorf("geofence %q: duplicate name", name)
		}
		ring, err := buildRing(def.Polygon)
		if err != nil {
			return nil, fmt.Errorf("geofence %q: %w", name, err)
		}
		poly := orb.Polygon{ring}
		s.fences[name] = &fence{name: name, polygon: poly, bound: poly.Bound()}
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Empty returns a set with no geofences.
func Empty() *Set {
	return &Set{fences: map[string]*fence{}}
}

func buildRing(coords [][]float64) (orb.Ring, error) {
	ring := make(orb.Ring, 0, len(coords)+1)
	for i, c := range coords {
		if len(c) != 2 {
			return nil, fmt.Errorf("vertex %d: expected [lng, lat]", i)
		}
		lng, lat := c[0], c[1]
		if lng < -180 || lng > 180 {
			return nil, fmt.Errorf("vertex %d: longitude out of range", i)
		}
		if lat < -90 || lat > 90 {
			return nil, fmt.Errorf("vertex %d: latitude out of range", i)
		}
		ring = append(ring, orb.Point{lng, lat})
	}
	return closeRing(ring)
}

func closeRing(ring orb.Ring) (orb.Ring, error) {
	distinct := make(map[orb.Point]struct{}, len(ring))
	for _, p := range ring {
		distinct[p] = struct{}{}
	}
	if len(distinct) < 3 {
		return nil, fmt.Errorf("polygon needs at least 3 distinct vertices, got %d", len(distinct))
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return ring, nil
}

func (s *Set) Len() int {
	return len(s.names)
}

// Names returns the geofence names in sorted order.
func (s *Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

func (s *Set) Has(name string) bool {
	_, ok := s.fences[name]
	return ok
}

// Evaluate reports whether point lies within the named geofence.
func (s *Set) Evaluate(point orb.Point, name string) (bool, error) {
	f, ok := s.fences[name]
	if !ok {
		return false, fmt.Errorf("geofence %q: %w", name, model.ErrNotFound)
	}
	return f.contains(point), nil
}

// EvaluateAll tests point against every geofence.
func (s *Set) EvaluateAll(point orb.Point) map[string]bool {
	out := make(map[string]bool, len(s.fences))
	for name, f := range s.fences {
		out[name] = f.contains(point)
	}
	return out
}

// Matched returns the sorted names that EvaluateAll reported as containing
// the point, nil when there are none. Ingestion treats a non-empty result
// as inside the union of all geofences.
func Matched(results map[string]bool) []string {
	var out []string
	for name, inside := range results {
		if inside {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (f *fence) contains(point orb.Point) bool {
	if !f.bound.Contains(point) {
		return false
	}
	return planar.PolygonContains(f.polygon, point)
}

// Holder publishes the current Set. Reloads build a new Set and swap it in;
// readers take one snapshot per operation.
type Holder struct {
	cur atomic.Pointer[Set]
}

func NewHolder(s *Set) *Holder {
	h := &Holder{}
	h.Store(s)
	return h
}

func (h *Holder) Load() *Set {
	if s := h.cur.Load(); s != nil {
		return s
	}
	return Empty()
}

func (h *Holder) Store(s *Set) {
	if s == nil {
		s = Empty()
	}
	h.cur.Store(s)
}
