package gridengine

import (
	"sort"
	"time"

	"github.com/sudorandom/world-grid/pkg/mapview"
)

// Surface is the part of the map view the engine draws on. *mapview.Scene implements it.
type Surface interface {
	AddMarker(m mapview.Marker)
	RemoveMarker(id string) bool
	SetPopup(id string, p mapview.Popup) bool
	OpenPopup(id string) bool
	AddPolyline(l mapview.Polyline) mapview.LineID
	RemovePolyline(id mapview.LineID) bool
	FlyTo(center mapview.LatLng, zoom int, d time.Duration)
	AddPulse(pos mapview.LatLng, c mapview.Color, d time.Duration)
}

var _ Surface = (*mapview.Scene)(nil)

// Flusher is implemented by surfaces that batch operations until the caller is done
// mutating them.
type Flusher interface {
	Flush()
}

var _ Flusher = (*mapview.Scene)(nil)

func flush(surface Surface) {
	if f, ok := surface.(Flusher); ok {
		f.Flush()
	}
}

// MarkerStore tracks what the session has drawn. Points only grow between clears, so lines to
// a removed marker stay on the map until the next clear.
type MarkerStore struct {
	surface Surface
	markers map[string]mapview.LatLng
	points  []mapview.LatLng
	lines   []mapview.LineID
}

func NewMarkerStore(surface Surface) *MarkerStore {
	return &MarkerStore{
		surface: surface,
		markers: make(map[string]mapview.LatLng),
	}
}

// Insert draws m and appends point to the neighbor candidates. An existing marker with the
// same id is replaced.
func (s *MarkerStore) Insert(id string, point mapview.LatLng, m mapview.Marker) {
	m.ID = id
	m.Position = point
	s.surface.AddMarker(m)
	s.markers[id] = point
	s.points = append(s.points, point)
}

func (s *MarkerStore) Remove(id string) bool {
	if _, ok := s.markers[id]; !ok {
		return false
	}
	delete(s.markers, id)
	s.surface.RemoveMarker(id)
	return true
}

func (s *MarkerStore) AddLine(l mapview.Polyline) mapview.LineID {
	id := s.surface.AddPolyline(l)
	s.lines = append(s.lines, id)
	return id
}

// Clear removes every marker and line this store drew.
func (s *MarkerStore) Clear() {
	for _, id := range s.IDs() {
		s.surface.RemoveMarker(id)
	}
	for _, id := range s.lines {
		s.surface.RemovePolyline(id)
	}
	s.markers = make(map[string]mapview.LatLng)
	s.points = nil
	s.lines = nil
}

func (s *MarkerStore) Has(id string) bool {
	_, ok := s.markers[id]
	return ok
}

func (s *MarkerStore) Position(id string) (mapview.LatLng, bool) {
	p, ok := s.markers[id]
	return p, ok
}

func (s *MarkerStore) Points() []mapview.LatLng { return s.points }

func (s *MarkerStore) Len() int { return len(s.markers) }

func (s *MarkerStore) LineCount() int { return len(s.lines) }

// IDs returns the ids of the current markers in sorted order.
func (s *MarkerStore) IDs() []string {
	ids := make([]string, 0, len(s.markers))
	for id := range s.markers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func neuralLine(from, to mapview.LatLng, c mapview.Color) mapview.Polyline {
	return mapview.Polyline{
		Points:  []mapview.LatLng{from, to},
		Color:   c,
		Weight:  1.5,
		Opacity: 0.6,
		Class:   "neural-line",
	}
}
