package mapview

import (
	geojson "github.com/paulmach/go.geojson"
)

// FeatureCollection exports markers as points and polylines as line strings. Coordinates
// follow GeoJSON order (lng, lat).
func (s *Scene) FeatureCollection() *geojson.FeatureCollection {
	markers := s.Markers()
	lines := s.Lines()

	fc := geojson.NewFeatureCollection()
	for _, m := range markers {
		f := geojson.NewPointFeature([]float64{m.Position.Lng, m.Position.Lat})
		f.ID = m.ID
		f.SetProperty("kind", "marker")
		f.SetProperty("icon", m.Icon.Class)
		f.SetProperty("color", m.Icon.Color.Hex())
		if p := m.Popup; p != nil {
			f.SetProperty("author", p.Author)
			f.SetProperty("text", p.Text)
			f.SetProperty("likes", p.Likes)
			f.SetProperty("dislikes", p.Dislikes)
			f.SetProperty("replies", p.Replies)
			f.SetProperty("synthetic", p.Synthetic)
			if p.Rank != "" {
				f.SetProperty("rank", p.Rank)
			}
		}
		fc.AddFeature(f)
	}
	for _, l := range lines {
		coords := make([][]float64, len(l.Points))
		for i, p := range l.Points {
			coords[i] = []float64{p.Lng, p.Lat}
		}
		f := geojson.NewLineStringFeature(coords)
		f.ID = uint64(l.ID)
		f.SetProperty("kind", "line")
		f.SetProperty("color", l.Color.Hex())
		f.SetProperty("weight", l.Weight)
		f.SetProperty("opacity", l.Opacity)
		if l.Dash != "" {
			f.SetProperty("dash", l.Dash)
		}
		if l.Class != "" {
			f.SetProperty("class", l.Class)
		}
		fc.AddFeature(f)
	}
	return fc
}

func (s *Scene) MarshalGeoJSON() ([]byte, error) {
	return s.FeatureCollection().MarshalJSON()
}
