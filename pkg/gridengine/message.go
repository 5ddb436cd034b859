package gridengine

import (
	"fmt"
	"strings"
	"time"

	"github.com/sudorandom/world-grid/pkg/docstore"
	"github.com/sudorandom/world-grid/pkg/mapview"
)

const (
	CollectionMessages      = "world_messages"
	CollectionUsers         = "users"
	CollectionNotifications = "notifications"
	CollectionClanMessages  = "clan_messages"

	syntheticPrefix = "fake_"
	defaultAuthor   = "Anonymous"
	titleHacker     = "HACKER"
)

func repliesCollection(messageID string) string {
	return CollectionMessages + "/" + messageID + "/replies"
}

// SortKey selects the ordering of the live message window.
type SortKey string

const (
	SortLatest SortKey = "timestamp"
	SortTop    SortKey = "likes"
)

func ParseSortKey(s string) (SortKey, error) {
	switch strings.ToLower(s) {
	case "", "timestamp", "latest":
		return SortLatest, nil
	case "likes", "top":
		return SortTop, nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrInvalidSortKey)
}

// Message is a decoded world message, real or synthetic.
type Message struct {
	ID           string
	Name         string
	Text         string
	Position     mapview.LatLng
	Timestamp    time.Time
	HasTimestamp bool
	LikedBy      []string
	DislikedBy   []string
	Likes        int
	Dislikes     int
	ReplyCount   int
	SpecialTitle string
	Lang         string
	UID          string
	Synthetic    bool
}

func IsSynthetic(id string) bool {
	return strings.HasPrefix(id, syntheticPrefix)
}

// decodeMessage reads a world message document. The returned Message is always filled in as
// far as possible; the error reports a missing or out-of-range coordinate.
func decodeMessage(doc docstore.Document) (Message, error) {
	m := Message{
		ID:           doc.ID,
		Name:         doc.String("name"),
		Text:         doc.String("text"),
		LikedBy:      doc.Strings("likedBy"),
		DislikedBy:   doc.Strings("dislikedBy"),
		ReplyCount:   doc.Int("replyCount"),
		SpecialTitle: doc.String("specialTitle"),
		Lang:         doc.String("lang"),
		UID:          doc.String("uid"),
	}
	m.Likes = len(m.LikedBy)
	m.Dislikes = len(m.DislikedBy)
	m.Timestamp, m.HasTimestamp = doc.Time("timestamp")

	lat, okLat := doc.Float("lat")
	lng, okLng := doc.Float("lng")
	m.Position = mapview.LatLng{Lat: lat, Lng: lng}
	if !okLat || !okLng || !m.Position.Valid() {
		return m, fmt.Errorf("%s: %w: bad coordinates", doc.ID, ErrMalformedMessage)
	}
	return m, nil
}

// Author returns the display name or the default for unnamed messages.
func (m Message) Author() string {
	if m.Name != "" {
		return m.Name
	}
	if m.Synthetic {
		return syntheticAuthor
	}
	return defaultAuthor
}

func (m Message) likedBy(uid string) bool    { return uid != "" && contains(m.LikedBy, uid) }
func (m Message) dislikedBy(uid string) bool { return uid != "" && contains(m.DislikedBy, uid) }

// Level is the visual tier of a message derived from its likes.
type Level struct {
	Icon     string
	PinColor mapview.Color
	Line     mapview.Color
	Rank     string
}

// LevelFor maps a like count and optional special title to a level. The HACKER title
// overrides the rank and line color but keeps the pin.
func LevelFor(likes int, specialTitle string) Level {
	l := Level{Icon: "marker-pin", PinColor: mapview.ColorCyan, Line: mapview.ColorCyan}
	switch {
	case likes >= 50:
		l = Level{Icon: "marker-pin-gold", PinColor: mapview.ColorGold, Line: mapview.ColorGold, Rank: "LEGEND"}
	case likes >= 10:
		l = Level{Icon: "marker-pin-purple", PinColor: mapview.ColorPurple, Line: mapview.ColorPurple, Rank: "VETERAN"}
	}
	if specialTitle == titleHacker {
		l.Rank = titleHacker
		l.Line = mapview.ColorGreen
	}
	return l
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
