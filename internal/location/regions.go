package location

import (
	"fmt"
	"os"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

type indexedRegion struct {
	code  string
	name  string
	geom  orb.Geometry
	bound orb.Bound
}

// RegionIndex resolves coordinates to district codes by polygon containment.
type RegionIndex struct {
	mu      sync.RWMutex
	regions []indexedRegion
}

// NewRegionIndex returns an empty index.
func NewRegionIndex() *RegionIndex {
	return &RegionIndex{}
}

// LoadRegionIndex reads a GeoJSON FeatureCollection whose features carry a
// bjd_code property and an optional region_name_full.
func LoadRegionIndex(path string) (*RegionIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading region file: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parsing region file: %w", err)
	}

	idx := NewRegionIndex()
	for i, f := range fc.Features {
		code := propertyString(f.Properties, "bjd_code")
		if code == "" {
			return nil, fmt.Errorf("region feature %d has no bjd_code", i)
		}
		if err := idx.Add(code, propertyString(f.Properties, "region_name_full"), f.Geometry); err != nil {
			return nil, fmt.Errorf("region feature %d: %w", i, err)
		}
	}
	return idx, nil
}

func propertyString(p geojson.Properties, key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

// Add registers a polygon or multipolygon under code.
func (ri *RegionIndex) Add(code, name string, g orb.Geometry) error {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
	default:
		return fmt.Errorf("region %s: unsupported geometry %T", code, g)
	}

	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.regions = append(ri.regions, indexedRegion{code: code, name: name, geom: g, bound: g.Bound()})
	return nil
}

// AddRegion registers a Region whose polygon is a GeoJSON geometry string.
func (ri *RegionIndex) AddRegion(r Region) error {
	if r.Polygon == "" {
		return fmt.Errorf("region %s has no polygon", r.BJDCode)
	}
	g, err := geojson.UnmarshalGeometry([]byte(r.Polygon))
	if err != nil {
		return fmt.Errorf("region %s polygon: %w", r.BJDCode, err)
	}
	return ri.Add(string(r.BJDCode), r.NameFull, g.Geometry())
}

// Len returns the number of indexed regions.
func (ri *RegionIndex) Len() int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.regions)
}

// Resolve returns the code of the first region containing c.
func (ri *RegionIndex) Resolve(c Coordinate) (string, bool) {
	code, _, ok := ri.Lookup(c)
	return code, ok
}

// Lookup is Resolve that also returns the region name.
func (ri *RegionIndex) Lookup(c Coordinate) (code, name string, ok bool) {
	pt := c.Point()

	ri.mu.RLock()
	defer ri.mu.RUnlock()
	for _, r := range ri.regions {
		if !r.bound.Contains(pt) {
			continue
		}
		switch g := r.geom.(type) {
		case orb.Polygon:
			if planar.PolygonContains(g, pt) {
				return r.code, r.name, true
			}
		case orb.MultiPolygon:
			if planar.MultiPolygonContains(g, pt) {
				return r.code, r.name, true
			}
		}
	}
	return "", "", false
}
