// Package mapview is a retained map scene: markers with structured popups, polylines,
// camera moves and short-lived radar pulses. Every mutation is forwarded to an optional
// Sink so a remote renderer can mirror the scene, and the whole scene can be exported as
// GeoJSON.
package mapview

import (
	"fmt"
	"image/color"
	"math"
	"strings"
	"time"
)

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether p is a finite coordinate inside the WGS84 ranges.
func (p LatLng) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Color is an RGBA color that encodes as a #rrggbb string.
type Color color.RGBA

var (
	ColorCyan   = Color{6, 182, 212, 255}
	ColorPurple = Color{168, 85, 247, 255}
	ColorGold   = Color{234, 179, 8, 255}
	ColorGreen  = Color{16, 185, 129, 255}
	ColorRadar  = Color{0, 191, 255, 255}
)

func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

func (c Color) MarshalText() ([]byte, error) {
	return []byte(c.Hex()), nil
}

func (c *Color) UnmarshalText(b []byte) error {
	parsed, err := ParseHex(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseHex parses #rgb or #rrggbb.
func ParseHex(s string) (Color, error) {
	s = strings.TrimPrefix(s, "#")
	var r, g, b uint8
	switch len(s) {
	case 6:
		if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
			return Color{}, fmt.Errorf("invalid color %q: %w", s, err)
		}
	case 3:
		if _, err := fmt.Sscanf(s, "%1x%1x%1x", &r, &g, &b); err != nil {
			return Color{}, fmt.Errorf("invalid color %q: %w", s, err)
		}
		r, g, b = r*17, g*17, b*17
	default:
		return Color{}, fmt.Errorf("invalid color %q", s)
	}
	return Color{r, g, b, 255}, nil
}

type Icon struct {
	Class string `json:"class"`
	Color Color  `json:"color"`
}

// Action is a command the popup offers to the viewer.
type Action struct {
	Command string `json:"command"`
	Label   string `json:"label"`
}

// Popup is the view state behind a marker's popup. It is always replaced as a whole.
type Popup struct {
	MessageID string   `json:"messageId"`
	Author    string   `json:"author"`
	AuthorUID string   `json:"authorUid,omitempty"`
	Text      string   `json:"text"`
	Rank      string   `json:"rank,omitempty"`
	Accent    Color    `json:"accent"`
	Likes     int      `json:"likes"`
	Dislikes  int      `json:"dislikes"`
	Liked     bool     `json:"liked"`
	Disliked  bool     `json:"disliked"`
	Replies   int      `json:"replies"`
	Synthetic bool     `json:"synthetic,omitempty"`
	Position  LatLng   `json:"position"`
	Actions   []Action `json:"actions"`
}

// HasAction reports whether the popup offers command.
func (p Popup) HasAction(command string) bool {
	for _, a := range p.Actions {
		if a.Command == command {
			return true
		}
	}
	return false
}

type Marker struct {
	ID       string `json:"id"`
	Position LatLng `json:"position"`
	Icon     Icon   `json:"icon"`
	Popup    *Popup `json:"popup,omitempty"`
}

type LineID uint64

type Polyline struct {
	ID      LineID   `json:"id"`
	Points  []LatLng `json:"points"`
	Color   Color    `json:"color"`
	Weight  float64  `json:"weight"`
	Opacity float64  `json:"opacity"`
	Dash    string   `json:"dash,omitempty"`
	Class   string   `json:"class,omitempty"`
}

type Camera struct {
	Center   LatLng        `json:"center"`
	Zoom     int           `json:"zoom"`
	Duration time.Duration `json:"duration"`
}

// Pulse is a transient expanding ring drawn at a position.
type Pulse struct {
	Position  LatLng        `json:"position"`
	StartTime time.Time     `json:"startTime"`
	Color     Color         `json:"color"`
	Duration  time.Duration `json:"duration"`
	MaxRadius float64       `json:"maxRadius"`
}

func (p *Pulse) expired(now time.Time) bool {
	return now.Sub(p.StartTime) >= p.Duration
}
