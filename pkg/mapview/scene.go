package mapview

import (
	"math"
	"sort"
	"sync"
	"time"
)

type OpKind string

const (
	OpAddMarker    OpKind = "marker.add"
	OpRemoveMarker OpKind = "marker.remove"
	OpSetPopup     OpKind = "popup.set"
	OpOpenPopup    OpKind = "popup.open"
	OpAddLine      OpKind = "line.add"
	OpRemoveLine   OpKind = "line.remove"
	OpFlyTo        OpKind = "camera.fly"
	OpPulse        OpKind = "pulse.add"
)

// Op is one scene mutation as seen by a remote renderer.
type Op struct {
	Kind     OpKind    `json:"kind"`
	MarkerID string    `json:"markerId,omitempty"`
	Marker   *Marker   `json:"marker,omitempty"`
	Popup    *Popup    `json:"popup,omitempty"`
	LineID   LineID    `json:"lineId,omitempty"`
	Line     *Polyline `json:"line,omitempty"`
	Camera   *Camera   `json:"camera,omitempty"`
	Pulse    *Pulse    `json:"pulse,omitempty"`
}

// Sink receives batches of scene operations in order. It is called with the scene lock held
// and must not block or call back into the scene.
type Sink func(ops []Op)

const maxPulses = 1500

// Scene holds the retained state of one viewer's map.
type Scene struct {
	mu      sync.Mutex
	markers map[string]*Marker
	lines   map[LineID]*Polyline
	nextID  LineID
	camera  Camera
	open    string
	pulses  []*Pulse
	sink    Sink
	pending []Op
	now     func() time.Time
}

func NewScene() *Scene {
	return &Scene{
		markers: make(map[string]*Marker),
		lines:   make(map[LineID]*Polyline),
		camera:  Camera{Center: LatLng{Lat: 20, Lng: 0}, Zoom: 3},
		now:     time.Now,
	}
}

// SetSink replaces the operation sink. A nil sink drops operations.
func (s *Scene) SetSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
	s.pending = nil
}

func (s *Scene) emit(op Op) {
	if s.sink != nil {
		s.pending = append(s.pending, op)
	}
}

// Flush hands the operations queued since the last flush to the sink as one batch.
func (s *Scene) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

func (s *Scene) flushLocked() {
	if len(s.pending) == 0 {
		return
	}
	ops := s.pending
	s.pending = nil
	s.sink(ops)
}

// Replay flushes pending operations, then calls fn with the operations that rebuild the
// current scene from empty. No operation reaches the sink while fn runs, so a renderer that
// starts from the replay and applies every later batch stays in sync.
func (s *Scene) Replay(fn func(ops []Op)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
	fn(s.replayLocked())
}

// replayLocked lists lines in creation order, then markers by id, then the camera and the
// open popup.
func (s *Scene) replayLocked() []Op {
	ops := make([]Op, 0, len(s.lines)+len(s.markers)+2)
	lines := make([]*Polyline, 0, len(s.lines))
	for _, l := range s.lines {
		lines = append(lines, l)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	for _, l := range lines {
		c := *l
		c.Points = append([]LatLng(nil), l.Points...)
		ops = append(ops, Op{Kind: OpAddLine, LineID: c.ID, Line: &c})
	}
	ids := make([]string, 0, len(s.markers))
	for id := range s.markers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m := cloneMarker(s.markers[id])
		ops = append(ops, Op{Kind: OpAddMarker, MarkerID: id, Marker: &m})
	}
	cam := s.camera
	cam.Duration = 0
	ops = append(ops, Op{Kind: OpFlyTo, Camera: &cam})
	if s.open != "" {
		ops = append(ops, Op{Kind: OpOpenPopup, MarkerID: s.open})
	}
	return ops
}

// AddMarker adds m, replacing any marker with the same id.
func (s *Scene) AddMarker(m Marker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := m
	if m.Popup != nil {
		p := clonePopup(*m.Popup)
		stored.Popup = &p
	}
	if _, ok := s.markers[m.ID]; ok {
		s.emit(Op{Kind: OpRemoveMarker, MarkerID: m.ID})
	}
	s.markers[m.ID] = &stored
	out := stored
	s.emit(Op{Kind: OpAddMarker, MarkerID: m.ID, Marker: &out})
}

// RemoveMarker removes the marker with id and reports whether it existed.
func (s *Scene) RemoveMarker(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers[id]; !ok {
		return false
	}
	delete(s.markers, id)
	if s.open == id {
		s.open = ""
	}
	s.emit(Op{Kind: OpRemoveMarker, MarkerID: id})
	return true
}

// SetPopup replaces the popup of marker id. It is a no-op for unknown markers.
func (s *Scene) SetPopup(id string, p Popup) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[id]
	if !ok {
		return false
	}
	stored := clonePopup(p)
	m.Popup = &stored
	out := clonePopup(p)
	s.emit(Op{Kind: OpSetPopup, MarkerID: id, Popup: &out})
	return true
}

func (s *Scene) OpenPopup(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers[id]; !ok {
		return false
	}
	s.open = id
	s.emit(Op{Kind: OpOpenPopup, MarkerID: id})
	return true
}

func (s *Scene) AddPolyline(l Polyline) LineID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	l.ID = s.nextID
	l.Points = append([]LatLng(nil), l.Points...)
	s.lines[l.ID] = &l
	out := l
	s.emit(Op{Kind: OpAddLine, LineID: l.ID, Line: &out})
	return l.ID
}

func (s *Scene) RemovePolyline(id LineID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lines[id]; !ok {
		return false
	}
	delete(s.lines, id)
	s.emit(Op{Kind: OpRemoveLine, LineID: id})
	return true
}

func (s *Scene) FlyTo(center LatLng, zoom int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.camera = Camera{Center: center, Zoom: zoom, Duration: d}
	cam := s.camera
	s.emit(Op{Kind: OpFlyTo, Camera: &cam})
}

// AddPulse starts a radar pulse at pos lasting d. Pulses beyond the cap are dropped.
func (s *Scene) AddPulse(pos LatLng, c Color, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pulses) >= maxPulses {
		return
	}
	radius := 10 + math.Log10(d.Seconds()+1)*16
	if radius > 240 {
		radius = 240
	}
	p := &Pulse{Position: pos, StartTime: s.now(), Color: c, Duration: d, MaxRadius: radius}
	s.pulses = append(s.pulses, p)
	out := *p
	s.emit(Op{Kind: OpPulse, Pulse: &out})
}

// PrunePulses drops expired pulses and returns how many remain.
func (s *Scene) PrunePulses(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.pulses[:0]
	for _, p := range s.pulses {
		if !p.expired(now) {
			active = append(active, p)
		}
	}
	for i := len(active); i < len(s.pulses); i++ {
		s.pulses[i] = nil
	}
	s.pulses = active
	return len(s.pulses)
}

func (s *Scene) Marker(id string) (Marker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[id]
	if !ok {
		return Marker{}, false
	}
	return cloneMarker(m), true
}

// Markers returns every marker ordered by id.
func (s *Scene) Markers() []Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Marker, 0, len(s.markers))
	for _, m := range s.markers {
		out = append(out, cloneMarker(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lines returns every polyline in creation order.
func (s *Scene) Lines() []Polyline {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Polyline, 0, len(s.lines))
	for _, l := range s.lines {
		c := *l
		c.Points = append([]LatLng(nil), l.Points...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scene) Camera() Camera {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.camera
}

// OpenMarker returns the id of the marker whose popup is open.
func (s *Scene) OpenMarker() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Scene) Pulses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pulses)
}

func cloneMarker(m *Marker) Marker {
	out := *m
	if m.Popup != nil {
		p := clonePopup(*m.Popup)
		out.Popup = &p
	}
	return out
}

func clonePopup(p Popup) Popup {
	p.Actions = append([]Action(nil), p.Actions...)
	return p
}
