package geo

import (
	"github.com/haven/backend/internal/core"
)

// NormalizeRing validates a coverage ring and returns it in closed form
// (first vertex appended when the input is unclosed). Rings with fewer than
// three distinct vertices or with self-intersections are rejected with
// GEO_INVALID_COORDINATES.
func NormalizeRing(ring []core.Point) ([]core.Point, error) {
	if len(ring) == 0 {
		return nil, core.NewError(core.CodeInvalidCoordinates, "polygon ring is empty")
	}
	for _, p := range ring {
		if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
			return nil, core.NewError(core.CodeInvalidCoordinates, "vertex outside WGS84 bounds")
		}
	}

	closed := make([]core.Point, len(ring))
	copy(closed, ring)
	if closed[0] != closed[len(closed)-1] {
		closed = append(closed, closed[0])
	}

	if distinctVertices(closed) < 3 {
		return nil, core.NewError(core.CodeInvalidCoordinates, "polygon needs at least 3 distinct vertices")
	}
	if selfIntersects(closed) {
		return nil, core.NewError(core.CodeInvalidCoordinates, "polygon ring is self-intersecting")
	}
	return closed, nil
}

func distinctVertices(closed []core.Point) int {
	seen := make(map[core.Point]struct{}, len(closed))
	for _, p := range closed[:len(closed)-1] {
		seen[p] = struct{}{}
	}
	return len(seen)
}

// selfIntersects checks every non-adjacent edge pair of a closed ring.
// O(n^2); coverage rings are small (tens of vertices).
func selfIntersects(closed []core.Point) bool {
	n := len(closed) - 1 // edge count
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			// Skip adjacent edges (shared vertex), including the wrap pair.
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsCross(closed[i], closed[i+1], closed[j], closed[j+1]) {
				return true
			}
		}
	}
	return false
}

func segmentsCross(p1, p2, p3, p4 core.Point) bool {
	d1 := cross(p3, p4, p1)
	d2 := cross(p3, p4, p2)
	d3 := cross(p1, p2, p3)
	d4 := cross(p1, p2, p4)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	// Collinear overlaps count as intersections.
	if d1 == 0 && onSegment(p3, p4, p1) {
		return true
	}
	if d2 == 0 && onSegment(p3, p4, p2) {
		return true
	}
	if d3 == 0 && onSegment(p1, p2, p3) {
		return true
	}
	if d4 == 0 && onSegment(p1, p2, p4) {
		return true
	}
	return false
}

func cross(a, b, c core.Point) float64 {
	return (b.Lon-a.Lon)*(c.Lat-a.Lat) - (b.Lat-a.Lat)*(c.Lon-a.Lon)
}

func onSegment(a, b, p core.Point) bool {
	return min(a.Lon, b.Lon) <= p.Lon && p.Lon <= max(a.Lon, b.Lon) &&
		min(a.Lat, b.Lat) <= p.Lat && p.Lat <= max(a.Lat, b.Lat)
}

// Contains reports whether a point lies inside a closed ring, using the
// even-odd ray-casting rule. Points exactly on an edge count as inside.
func Contains(closed []core.Point, p core.Point) bool {
	n := len(closed) - 1
	if n < 3 {
		return false
	}

	inside := false
	for i := 0; i < n; i++ {
		a, b := closed[i], closed[i+1]
		if cross(a, b, p) == 0 && onSegment(a, b, p) {
			return true
		}
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			x := a.Lon + (p.Lat-a.Lat)/(b.Lat-a.Lat)*(b.Lon-a.Lon)
			if p.Lon < x {
				inside = !inside
			}
		}
	}
	return inside
}
