package gridengine

import (
	"strings"
	"time"

	"github.com/sudorandom/world-grid/pkg/mapview"
)

const (
	minSearchLen   = 2
	maxSearchHits  = 10
	architectQuery = "the_architect"
)

// SearchEntry is the searchable record of a plotted message.
type SearchEntry struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Text         string         `json:"text"`
	Position     mapview.LatLng `json:"position"`
	Timestamp    time.Time      `json:"timestamp"`
	HasTimestamp bool           `json:"-"`
	Likes        int            `json:"likes"`
	Synthetic    bool           `json:"synthetic"`
}

func entryFor(m Message) SearchEntry {
	return SearchEntry{
		ID:           m.ID,
		Name:         m.Author(),
		Text:         m.Text,
		Position:     m.Position,
		Timestamp:    m.Timestamp,
		HasTimestamp: m.HasTimestamp,
		Likes:        m.Likes,
		Synthetic:    m.Synthetic,
	}
}

// SearchIndex keeps one entry per plotted message in insertion order.
type SearchIndex struct {
	entries []SearchEntry
	pos     map[string]int
}

func NewSearchIndex() *SearchIndex {
	return &SearchIndex{pos: make(map[string]int)}
}

// Add appends e, or replaces the entry with the same id in place.
func (x *SearchIndex) Add(e SearchEntry) {
	if i, ok := x.pos[e.ID]; ok {
		x.entries[i] = e
		return
	}
	x.pos[e.ID] = len(x.entries)
	x.entries = append(x.entries, e)
}

func (x *SearchIndex) Remove(id string) bool {
	i, ok := x.pos[id]
	if !ok {
		return false
	}
	x.entries = append(x.entries[:i], x.entries[i+1:]...)
	delete(x.pos, id)
	for j := i; j < len(x.entries); j++ {
		x.pos[x.entries[j].ID] = j
	}
	return true
}

func (x *SearchIndex) UpdateLikes(id string, likes int) {
	if i, ok := x.pos[id]; ok {
		x.entries[i].Likes = likes
	}
}

func (x *SearchIndex) Get(id string) (SearchEntry, bool) {
	i, ok := x.pos[id]
	if !ok {
		return SearchEntry{}, false
	}
	return x.entries[i], true
}

func (x *SearchIndex) Reset() {
	x.entries = nil
	x.pos = make(map[string]int)
}

func (x *SearchIndex) Len() int { return len(x.entries) }

// Entries returns a copy of all entries.
func (x *SearchIndex) Entries() []SearchEntry {
	out := make([]SearchEntry, len(x.entries))
	copy(out, x.entries)
	return out
}

// Search matches term case-insensitively against names and texts and returns at most ten hits.
func (x *SearchIndex) Search(term string) []SearchEntry {
	term = strings.ToLower(strings.TrimSpace(term))
	if len([]rune(term)) < minSearchLen {
		return nil
	}
	var hits []SearchEntry
	for _, e := range x.entries {
		if strings.Contains(strings.ToLower(e.Name), term) || strings.Contains(strings.ToLower(e.Text), term) {
			hits = append(hits, e)
			if len(hits) == maxSearchHits {
				break
			}
		}
	}
	return hits
}
