package gridengine

import (
	"math"
	"sort"

	"github.com/sudorandom/world-grid/pkg/mapview"
)

const earthRadius = 6371000.0 // meters

// Haversine returns the great-circle distance in meters.
func Haversine(a, b mapview.LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadius * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// NearestNeighbors returns the indexes of the k points closest to p. Equal distances keep
// insertion order.
func NearestNeighbors(p mapview.LatLng, points []mapview.LatLng, k int) []int {
	if k <= 0 || len(points) == 0 {
		return nil
	}
	type candidate struct {
		idx  int
		dist float64
	}
	cands := make([]candidate, len(points))
	for i, pt := range points {
		cands[i] = candidate{idx: i, dist: Haversine(p, pt)}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].dist < cands[j].dist
	})
	if len(cands) > k {
		cands = cands[:k]
	}
	out := make([]int, len(cands))
	for i, c := range cands {
		out[i] = c.idx
	}
	return out
}
