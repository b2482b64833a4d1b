package location

import (
	"math"
	"sort"
)

// Filter narrows a PointResult without re-querying. Empty sets match everything.
type Filter struct {
	Categories    []InfraCategory
	BuildingTypes []BuildingType
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return len(f.Categories) == 0 && len(f.BuildingTypes) == 0
}

// Apply returns a copy of r with infrastructure and buildings narrowed.
// r is not modified.
func (f Filter) Apply(r *PointResult) *PointResult {
	out := *r
	out.Infrastructure = filterSlice(r.Infrastructure, f.Categories, func(i Infrastructure) InfraCategory { return i.Category })
	out.Buildings = filterSlice(r.Buildings, f.BuildingTypes, func(b Building) BuildingType { return b.Type })
	return &out
}

func filterSlice[T any, K comparable](items []T, allowed []K, key func(T) K) []T {
	if len(allowed) == 0 {
		return append([]T{}, items...)
	}
	set := make(map[K]bool, len(allowed))
	for _, k := range allowed {
		set[k] = true
	}
	out := make([]T, 0, len(items))
	for _, it := range items {
		if set[key(it)] {
			out = append(out, it)
		}
	}
	return out
}

// SortByDistance orders buildings and infrastructure nearest first from
// origin. Buildings without a position go last. The sort is stable.
func SortByDistance(r *PointResult, origin Coordinate) {
	sort.SliceStable(r.Infrastructure, func(i, j int) bool {
		return origin.DistanceTo(r.Infrastructure[i].Coordinate()) < origin.DistanceTo(r.Infrastructure[j].Coordinate())
	})
	sort.SliceStable(r.Buildings, func(i, j int) bool {
		return buildingDistance(origin, r.Buildings[i]) < buildingDistance(origin, r.Buildings[j])
	})
}

func buildingDistance(origin Coordinate, b Building) float64 {
	c, ok := b.Coordinate()
	if !ok {
		return math.Inf(1)
	}
	return origin.DistanceTo(c)
}
