package mapview

import (
	"encoding/json"
	"testing"
	"time"

	geojson "github.com/paulmach/go.geojson"
)

func recordOps(s *Scene) *[]Op {
	var ops []Op
	s.SetSink(func(batch []Op) { ops = append(ops, batch...) })
	return &ops
}

func TestMarkerLifecycle(t *testing.T) {
	s := NewScene()
	ops := recordOps(s)

	s.AddMarker(Marker{ID: "a", Position: LatLng{1, 2}, Icon: Icon{Class: "marker-pin", Color: ColorCyan}})
	s.AddMarker(Marker{ID: "a", Position: LatLng{3, 4}})
	if got := len(s.Markers()); got != 1 {
		t.Fatalf("Markers() = %d; want 1", got)
	}
	m, _ := s.Marker("a")
	if m.Position != (LatLng{3, 4}) {
		t.Errorf("Position = %v; want last write", m.Position)
	}

	if !s.RemoveMarker("a") {
		t.Error("RemoveMarker(a) = false; want true")
	}
	if s.RemoveMarker("a") {
		t.Error("second RemoveMarker(a) = true; want false")
	}

	s.Flush()
	want := []OpKind{OpAddMarker, OpRemoveMarker, OpAddMarker, OpRemoveMarker}
	if len(*ops) != len(want) {
		t.Fatalf("ops = %d; want %d", len(*ops), len(want))
	}
	for i, op := range *ops {
		if op.Kind != want[i] {
			t.Errorf("op[%d] = %s; want %s", i, op.Kind, want[i])
		}
	}
}

func TestPopupOnMissingMarkerIsNoop(t *testing.T) {
	s := NewScene()
	ops := recordOps(s)
	if s.SetPopup("missing", Popup{Text: "x"}) {
		t.Error("SetPopup on missing marker = true")
	}
	if s.OpenPopup("missing") {
		t.Error("OpenPopup on missing marker = true")
	}
	s.Flush()
	if len(*ops) != 0 {
		t.Errorf("ops = %v; want none", *ops)
	}
}

func TestOpsAreBatchedUntilFlush(t *testing.T) {
	s := NewScene()
	var batches [][]Op
	s.SetSink(func(batch []Op) { batches = append(batches, batch) })

	s.AddMarker(Marker{ID: "a"})
	s.AddPolyline(Polyline{Points: []LatLng{{0, 0}, {1, 1}}})
	s.OpenPopup("a")
	if len(batches) != 0 {
		t.Fatalf("batches before flush = %d; want 0", len(batches))
	}
	s.Flush()
	s.Flush()
	if len(batches) != 1 {
		t.Fatalf("batches = %d; want 1", len(batches))
	}
	want := []OpKind{OpAddMarker, OpAddLine, OpOpenPopup}
	if len(batches[0]) != len(want) {
		t.Fatalf("ops = %d; want %d", len(batches[0]), len(want))
	}
	for i, op := range batches[0] {
		if op.Kind != want[i] {
			t.Errorf("op[%d] = %s; want %s", i, op.Kind, want[i])
		}
	}
}

func TestReplayRebuildsScene(t *testing.T) {
	s := NewScene()
	var live []Op
	s.SetSink(func(batch []Op) { live = append(live, batch...) })

	first := s.AddPolyline(Polyline{Points: []LatLng{{0, 0}, {1, 1}}})
	second := s.AddPolyline(Polyline{Points: []LatLng{{2, 2}, {3, 3}}})
	s.RemovePolyline(first)
	s.AddMarker(Marker{ID: "b"})
	s.AddMarker(Marker{ID: "a"})
	s.FlyTo(LatLng{5, 5}, 7, time.Second)
	s.OpenPopup("b")

	var replay []Op
	s.Replay(func(ops []Op) {
		if len(live) == 0 {
			t.Error("pending ops were not flushed before the replay")
		}
		replay = ops
	})

	want := []Op{
		{Kind: OpAddLine, LineID: second},
		{Kind: OpAddMarker, MarkerID: "a"},
		{Kind: OpAddMarker, MarkerID: "b"},
		{Kind: OpFlyTo},
		{Kind: OpOpenPopup, MarkerID: "b"},
	}
	if len(replay) != len(want) {
		t.Fatalf("replay = %d ops; want %d", len(replay), len(want))
	}
	for i, op := range replay {
		if op.Kind != want[i].Kind || op.MarkerID != want[i].MarkerID || op.LineID != want[i].LineID {
			t.Errorf("replay[%d] = %s %q %d; want %s %q %d", i, op.Kind, op.MarkerID, op.LineID, want[i].Kind, want[i].MarkerID, want[i].LineID)
		}
	}
	if cam := replay[3].Camera; cam == nil || cam.Center != (LatLng{5, 5}) || cam.Zoom != 7 {
		t.Errorf("camera = %+v; want center 5,5 zoom 7", cam)
	}
}

func TestPopupIsCopied(t *testing.T) {
	s := NewScene()
	p := Popup{MessageID: "a", Actions: []Action{{Command: "react.like", Label: "like"}}}
	s.AddMarker(Marker{ID: "a", Popup: &p})
	p.Actions[0].Command = "changed"

	m, _ := s.Marker("a")
	if !m.Popup.HasAction("react.like") {
		t.Error("stored popup was mutated through the caller's slice")
	}

	s.SetPopup("a", Popup{Likes: 3})
	m, _ = s.Marker("a")
	if m.Popup.Likes != 3 || m.Popup.HasAction("react.like") {
		t.Errorf("SetPopup did not replace the popup: %+v", m.Popup)
	}

	if !s.OpenPopup("a") || s.OpenMarker() != "a" {
		t.Error("OpenPopup(a) did not open")
	}
	s.RemoveMarker("a")
	if s.OpenMarker() != "" {
		t.Error("open popup survived marker removal")
	}
}

func TestPolylines(t *testing.T) {
	s := NewScene()
	a := s.AddPolyline(Polyline{Points: []LatLng{{0, 0}, {1, 1}}, Color: ColorGold, Weight: 1.5})
	b := s.AddPolyline(Polyline{Points: []LatLng{{2, 2}, {3, 3}}})
	if a == b {
		t.Fatal("line ids collide")
	}
	if !s.RemovePolyline(a) {
		t.Error("RemovePolyline(a) = false")
	}
	lines := s.Lines()
	if len(lines) != 1 || lines[0].ID != b {
		t.Errorf("Lines() = %v; want only %d", lines, b)
	}
}

func TestFlyTo(t *testing.T) {
	s := NewScene()
	s.FlyTo(LatLng{40.71, -74}, 6, 1500*time.Millisecond)
	cam := s.Camera()
	if cam.Zoom != 6 || cam.Center.Lat != 40.71 || cam.Duration != 1500*time.Millisecond {
		t.Errorf("Camera() = %+v", cam)
	}
}

func TestPulsePruning(t *testing.T) {
	s := NewScene()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }

	s.AddPulse(LatLng{0, 0}, ColorRadar, 5*time.Second)
	s.AddPulse(LatLng{1, 1}, ColorRadar, time.Second)

	if got := s.PrunePulses(start.Add(2 * time.Second)); got != 1 {
		t.Errorf("PrunePulses(+2s) = %d; want 1", got)
	}
	if got := s.PrunePulses(start.Add(5 * time.Second)); got != 0 {
		t.Errorf("PrunePulses(+5s) = %d; want 0", got)
	}
}

func TestColorHex(t *testing.T) {
	tests := []struct {
		in   string
		want Color
	}{
		{"#06b6d4", ColorCyan},
		{"a855f7", ColorPurple},
		{"#fff", Color{255, 255, 255, 255}},
	}
	for _, tt := range tests {
		got, err := ParseHex(tt.in)
		if err != nil {
			t.Errorf("ParseHex(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseHex(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
	if ColorGold.Hex() != "#eab308" {
		t.Errorf("ColorGold.Hex() = %s", ColorGold.Hex())
	}
	if _, err := ParseHex("#12"); err == nil {
		t.Error("ParseHex(#12) succeeded")
	}

	b, err := json.Marshal(Icon{Class: "marker-pin", Color: ColorGreen})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"class":"marker-pin","color":"#10b981"}` {
		t.Errorf("json = %s", b)
	}
}

func TestLatLngValid(t *testing.T) {
	tests := []struct {
		p    LatLng
		want bool
	}{
		{LatLng{0, 0}, true},
		{LatLng{90, 180}, true},
		{LatLng{91, 0}, false},
		{LatLng{0, -181}, false},
	}
	for _, tt := range tests {
		if got := tt.p.Valid(); got != tt.want {
			t.Errorf("%v.Valid() = %v; want %v", tt.p, got, tt.want)
		}
	}
}

func TestGeoJSONExport(t *testing.T) {
	s := NewScene()
	s.AddMarker(Marker{
		ID:       "m1",
		Position: LatLng{Lat: 48.85, Lng: 2.35},
		Icon:     Icon{Class: "marker-pin-gold", Color: ColorGold},
		Popup:    &Popup{Author: "Paris", Text: "Love from Paris", Likes: 60, Rank: "LEGEND"},
	})
	s.AddPolyline(Polyline{Points: []LatLng{{48.85, 2.35}, {52.52, 13.4}}, Color: ColorCyan, Weight: 1.5, Opacity: 0.6, Class: "neural-line"})

	b, err := s.MarshalGeoJSON()
	if err != nil {
		t.Fatal(err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(fc.Features) != 2 {
		t.Fatalf("features = %d; want 2", len(fc.Features))
	}
	point := fc.Features[0]
	if !point.Geometry.IsPoint() || point.Geometry.Point[0] != 2.35 || point.Geometry.Point[1] != 48.85 {
		t.Errorf("point geometry = %v", point.Geometry.Point)
	}
	if rank, _ := point.PropertyString("rank"); rank != "LEGEND" {
		t.Errorf("rank = %q", rank)
	}
	line := fc.Features[1]
	if !line.Geometry.IsLineString() || len(line.Geometry.LineString) != 2 {
		t.Errorf("line geometry = %v", line.Geometry)
	}
	if class, _ := line.PropertyString("class"); class != "neural-line" {
		t.Errorf("class = %q", class)
	}
}
