package gridengine

import (
	_ "embed"
	"fmt"
	"time"

	geojson "github.com/paulmach/go.geojson"

	"github.com/sudorandom/world-grid/pkg/mapview"
)

//go:embed synthetic.geojson
var syntheticGeoJSON []byte

const syntheticAuthor = "Anonymous Traveler"

var syntheticMessages = mustLoadSynthetic(syntheticGeoJSON)

// baseStats seeds the country leaderboard. Order matters for ties.
var baseStats = []CountryStat{
	{Code: "us", Count: 1240},
	{Code: "br", Count: 985},
	{Code: "jp", Count: 850},
	{Code: "de", Count: 720},
	{Code: "ru", Count: 610},
	{Code: "cn", Count: 590},
	{Code: "gb", Count: 540},
	{Code: "fr", Count: 490},
	{Code: "in", Count: 430},
	{Code: "es", Count: 380},
}

var langToFlag = map[string]string{
	"pt": "🇧🇷",
	"en": "🇺🇸",
	"es": "🇪🇸",
	"fr": "🇫🇷",
	"de": "🇩🇪",
	"ja": "🇯🇵",
	"zh": "🇨🇳",
	"ru": "🇷🇺",
	"hi": "🇮🇳",
	"ar": "🇸🇦",
	"it": "🇮🇹",
	"ko": "🇰🇷",
	"tr": "🇹🇷",
}

func mustLoadSynthetic(b []byte) []Message {
	msgs, err := loadSynthetic(b)
	if err != nil {
		panic(err)
	}
	return msgs
}

func loadSynthetic(b []byte) ([]Message, error) {
	fc, err := geojson.UnmarshalFeatureCollection(b)
	if err != nil {
		return nil, fmt.Errorf("failed to parse synthetic dataset: %w", err)
	}
	msgs := make([]Message, 0, len(fc.Features))
	for i, f := range fc.Features {
		if f.Geometry == nil || !f.Geometry.IsPoint() || len(f.Geometry.Point) < 2 {
			return nil, fmt.Errorf("synthetic feature %d is not a point", i)
		}
		text, _ := f.PropertyString("text")
		lang, _ := f.PropertyString("lang")
		name, _ := f.PropertyString("name")
		title, _ := f.PropertyString("specialTitle")
		likes, _ := f.PropertyFloat64("likes")
		msgs = append(msgs, Message{
			ID:           fmt.Sprintf("%s%d", syntheticPrefix, i),
			Name:         name,
			Text:         text,
			Lang:         lang,
			SpecialTitle: title,
			Likes:        int(likes),
			Position:     mapview.LatLng{Lat: f.Geometry.Point[1], Lng: f.Geometry.Point[0]},
			Synthetic:    true,
		})
	}
	return msgs, nil
}

// SyntheticMessages returns the demo messages with timestamps spread one hour apart
// back from now.
func SyntheticMessages(now time.Time) []Message {
	out := make([]Message, len(syntheticMessages))
	for i, m := range syntheticMessages {
		m.Timestamp = now.Add(-time.Duration(i) * time.Hour)
		m.HasTimestamp = true
		out[i] = m
	}
	return out
}
