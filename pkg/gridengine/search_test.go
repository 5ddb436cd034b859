package gridengine

import (
	"fmt"
	"testing"
)

func TestSearchIndex(t *testing.T) {
	x := NewSearchIndex()
	x.Add(SearchEntry{ID: "a", Name: "[RED]Neo", Text: "Wake up"})
	x.Add(SearchEntry{ID: "b", Name: "Trinity", Text: "Follow the white rabbit"})
	x.Add(SearchEntry{ID: "c", Name: "Morpheus", Text: "red pill or blue pill"})

	tests := []struct {
		term string
		want []string
	}{
		{"r", nil},
		{" r ", nil},
		{"RED", []string{"a", "c"}},
		{"rabbit", []string{"b"}},
		{"pill", []string{"c"}},
		{"zion", nil},
	}
	for _, tt := range tests {
		var got []string
		for _, e := range x.Search(tt.term) {
			got = append(got, e.ID)
		}
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("Search(%q) = %v, want %v", tt.term, got, tt.want)
		}
	}
}

func TestSearchIndexLimitAndRemove(t *testing.T) {
	x := NewSearchIndex()
	for i := 0; i < 15; i++ {
		x.Add(SearchEntry{ID: fmt.Sprintf("m%02d", i), Text: "signal"})
	}
	hits := x.Search("signal")
	if len(hits) != maxSearchHits {
		t.Fatalf("len = %d, want %d", len(hits), maxSearchHits)
	}
	if hits[0].ID != "m00" || hits[9].ID != "m09" {
		t.Errorf("hits should keep index order, got %s..%s", hits[0].ID, hits[9].ID)
	}

	if !x.Remove("m00") || x.Remove("m00") {
		t.Error("Remove should succeed once")
	}
	if x.Len() != 14 {
		t.Errorf("Len = %d, want 14", x.Len())
	}
	if _, ok := x.Get("m05"); !ok {
		t.Error("m05 lost after removing an earlier entry")
	}
	x.UpdateLikes("m05", 7)
	if e, _ := x.Get("m05"); e.Likes != 7 {
		t.Errorf("Likes = %d, want 7", e.Likes)
	}

	x.Add(SearchEntry{ID: "m05", Text: "replaced"})
	if x.Len() != 14 {
		t.Errorf("re-adding an id should replace in place, Len = %d", x.Len())
	}
	x.Reset()
	if x.Len() != 0 || len(x.Search("signal")) != 0 {
		t.Error("Reset should empty the index")
	}
}
