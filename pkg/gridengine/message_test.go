package gridengine

import (
	"errors"
	"testing"
	"time"

	"github.com/sudorandom/world-grid/pkg/docstore"
	"github.com/sudorandom/world-grid/pkg/mapview"
)

func TestLevelFor(t *testing.T) {
	tests := []struct {
		likes int
		title string
		want  Level
	}{
		{0, "", Level{Icon: "marker-pin", PinColor: mapview.ColorCyan, Line: mapview.ColorCyan}},
		{9, "", Level{Icon: "marker-pin", PinColor: mapview.ColorCyan, Line: mapview.ColorCyan}},
		{10, "", Level{Icon: "marker-pin-purple", PinColor: mapview.ColorPurple, Line: mapview.ColorPurple, Rank: "VETERAN"}},
		{50, "", Level{Icon: "marker-pin-gold", PinColor: mapview.ColorGold, Line: mapview.ColorGold, Rank: "LEGEND"}},
		{50, "HACKER", Level{Icon: "marker-pin-gold", PinColor: mapview.ColorGold, Line: mapview.ColorGreen, Rank: "HACKER"}},
		{1, "HACKER", Level{Icon: "marker-pin", PinColor: mapview.ColorCyan, Line: mapview.ColorGreen, Rank: "HACKER"}},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.likes, tt.title); got != tt.want {
			t.Errorf("LevelFor(%d, %q) = %+v, want %+v", tt.likes, tt.title, got, tt.want)
		}
	}
}

func TestDecodeMessage(t *testing.T) {
	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	doc := docstore.Document{ID: "m1", Fields: docstore.Fields{
		"name":       "[RED]Neo",
		"text":       "hi",
		"lat":        0.0,
		"lng":        -180.0,
		"timestamp":  ts,
		"likedBy":    []string{"a", "b"},
		"dislikedBy": []string{"c"},
		"replyCount": 4.0,
		"uid":        "u1",
	}}
	m, err := decodeMessage(doc)
	if err != nil {
		t.Fatal(err)
	}
	if m.Likes != 2 || m.Dislikes != 1 || m.ReplyCount != 4 {
		t.Errorf("counts = %d/%d/%d", m.Likes, m.Dislikes, m.ReplyCount)
	}
	if !m.HasTimestamp || !m.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, %v", m.Timestamp, m.HasTimestamp)
	}
	if !m.likedBy("a") || m.likedBy("c") || !m.dislikedBy("c") || m.likedBy("") {
		t.Error("reaction membership is wrong")
	}

	for name, fields := range map[string]docstore.Fields{
		"missing lat":  {"lng": 1.0},
		"lat too high": {"lat": 91.0, "lng": 1.0},
		"lng as text":  {"lat": 1.0, "lng": "east"},
	} {
		if _, err := decodeMessage(docstore.Document{ID: name, Fields: fields}); !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("%s: err = %v, want ErrMalformedMessage", name, err)
		}
	}
}

func TestMessageAuthor(t *testing.T) {
	if got := (Message{}).Author(); got != "Anonymous" {
		t.Errorf("Author = %q", got)
	}
	if got := (Message{Synthetic: true}).Author(); got != "Anonymous Traveler" {
		t.Errorf("synthetic Author = %q", got)
	}
	if got := (Message{Name: "Neo"}).Author(); got != "Neo" {
		t.Errorf("Author = %q", got)
	}
}

func TestParseSortKey(t *testing.T) {
	for in, want := range map[string]SortKey{"": SortLatest, "latest": SortLatest, "timestamp": SortLatest, "TOP": SortTop, "likes": SortTop} {
		got, err := ParseSortKey(in)
		if err != nil || got != want {
			t.Errorf("ParseSortKey(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseSortKey("random"); !errors.Is(err, ErrInvalidSortKey) {
		t.Errorf("err = %v", err)
	}
}

func TestSyntheticMessages(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	msgs := SyntheticMessages(now)
	if len(msgs) != 25 {
		t.Fatalf("len = %d, want 25", len(msgs))
	}
	first := msgs[0]
	if first.ID != "fake_0" || first.Text != "Hello from New York! The city never sleeps." || first.Lang != "en-US" || first.Likes != 85 {
		t.Errorf("first = %+v", first)
	}
	if first.Position != (mapview.LatLng{Lat: 40.71, Lng: -74.0}) {
		t.Errorf("position = %+v", first.Position)
	}
	if !msgs[3].Timestamp.Equal(now.Add(-3 * time.Hour)) {
		t.Errorf("timestamp = %v", msgs[3].Timestamp)
	}
	for _, m := range msgs {
		if !m.Synthetic || !IsSynthetic(m.ID) || !m.Position.Valid() {
			t.Errorf("bad synthetic message %+v", m)
		}
	}
}

func TestBuildPopup(t *testing.T) {
	m := Message{ID: "m1", Name: "Neo", UID: "alice", LikedBy: []string{"bob"}, Likes: 1, ReplyCount: 2}
	p := buildPopup(m, LevelFor(1, ""), "bob")
	if !p.Liked || p.Disliked || p.Replies != 2 {
		t.Errorf("popup = %+v", p)
	}
	for _, cmd := range []string{ActionLike, ActionDislike, ActionThread, ActionCard, ActionProfile} {
		if !p.HasAction(cmd) {
			t.Errorf("missing action %s", cmd)
		}
	}
	if own := buildPopup(m, LevelFor(1, ""), "alice"); own.HasAction(ActionProfile) {
		t.Error("own popup should not link to own profile")
	}

	syn := buildPopup(Message{ID: "fake_1", Synthetic: true}, LevelFor(0, ""), "bob")
	if len(syn.Actions) != 1 || !syn.HasAction(ActionCard) || syn.Author != "Anonymous Traveler" {
		t.Errorf("synthetic popup = %+v", syn)
	}
}

func TestProfanityFilter(t *testing.T) {
	f := DefaultProfanityFilter()
	tests := []struct {
		texts []string
		word  string
		bad   bool
	}{
		{[]string{"hello world"}, "", false},
		{[]string{"Neo", "you IDIOT"}, "idiot", true},
		{[]string{"SPAMMER"}, "spam", true},
		{[]string{"skills"}, "kill", true},
		{nil, "", false},
	}
	for _, tt := range tests {
		word, bad := f.Check(tt.texts...)
		if word != tt.word || bad != tt.bad {
			t.Errorf("Check(%q) = %q, %v; want %q, %v", tt.texts, word, bad, tt.word, tt.bad)
		}
	}
}
