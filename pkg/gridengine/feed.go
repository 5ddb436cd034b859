package gridengine

import (
	"context"
	"sort"
	"time"

	"github.com/sudorandom/world-grid/pkg/docstore"
	"github.com/sudorandom/world-grid/pkg/mapview"
)

// FeedItem is one row of the signal feed.
type FeedItem struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Text      string         `json:"text"`
	Position  mapview.LatLng `json:"position"`
	Timestamp time.Time      `json:"timestamp"`
	Likes     int            `json:"likes"`
	Replies   int            `json:"replies"`
}

func feedItemFor(doc docstore.Document) FeedItem {
	m, _ := decodeMessage(doc)
	return FeedItem{
		ID:        m.ID,
		Name:      m.Author(),
		Text:      m.Text,
		Position:  m.Position,
		Timestamp: m.Timestamp,
		Likes:     m.Likes,
		Replies:   m.ReplyCount,
	}
}

type feedState struct {
	items  []FeedItem
	cursor *docstore.Document
	paged  bool
	unsub  docstore.Unsubscribe
	gen    uint64
}

// LoadFeed opens the live feed, or with more set reads the next page after the last cursor.
func (s *Session) LoadFeed(ctx context.Context, more bool) ([]FeedItem, error) {
	if more {
		return s.loadMoreFeed(ctx)
	}
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.closeFeedLocked()
	s.feed.gen++
	gen := s.feed.gen

	q := docstore.Collection(CollectionMessages).
		OrderBy(string(SortLatest), docstore.Desc).
		Limit(s.opts.FeedPageSize)
	unsub, err := s.store.Subscribe(q, s.onFeed(gen), s.onFeedError(gen))
	if err != nil {
		return nil, err
	}
	s.feed.unsub = track(unsub)
	return s.feedItemsLocked(), nil
}

func (s *Session) loadMoreFeed(ctx context.Context) ([]FeedItem, error) {
	s.mu.Lock()
	cursor := s.feed.cursor
	gen := s.feed.gen
	s.unlock()
	if cursor == nil {
		return nil, ErrNoMoreSignals
	}

	q := docstore.Collection(CollectionMessages).
		OrderBy(string(SortLatest), docstore.Desc).
		StartAfter(*cursor).
		Limit(s.opts.FeedPageSize)
	docs, err := s.store.GetDocs(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNoMoreSignals
	}

	page := make([]FeedItem, len(docs))
	for i, d := range docs {
		page[i] = feedItemFor(d)
	}

	s.mu.Lock()
	defer s.unlock()
	if s.closed || s.feed.gen != gen {
		return page, nil
	}
	s.feed.items = append(s.feed.items, page...)
	last := docs[len(docs)-1]
	s.feed.cursor = &last
	s.feed.paged = true
	s.observer.FeedUpdated(s.feedItemsLocked())
	return page, nil
}

func (s *Session) onFeed(gen uint64) func(docstore.Snapshot) {
	return func(snap docstore.Snapshot) {
		s.mu.Lock()
		defer s.unlock()
		if s.closed || gen != s.feed.gen {
			return
		}
		s.applyFeedChangesLocked(snap)
		// Once older pages are loaded the cursor belongs to them.
		if !snap.Empty() && !s.feed.paged {
			last := snap.Docs[len(snap.Docs)-1]
			s.feed.cursor = &last
		}
		s.observer.FeedUpdated(s.feedItemsLocked())
	}
}

func (s *Session) onFeedError(gen uint64) func(error) {
	return func(err error) {
		s.mu.Lock()
		defer s.unlock()
		if s.closed || gen != s.feed.gen {
			return
		}
		s.log.Error().Err(err).Msg("feed subscription failed")
		s.observer.SubscriptionFailed(err)
	}
}

// applyFeedChangesLocked removes changed rows first and then inserts added and modified rows
// at their new index, so the list mirrors the window order.
func (s *Session) applyFeedChangesLocked(snap docstore.Snapshot) {
	drop := make(map[string]bool)
	for _, c := range snap.Changes {
		if c.Type != docstore.Added {
			drop[c.Doc.ID] = true
		}
	}
	if len(drop) > 0 {
		kept := s.feed.items[:0]
		for _, it := range s.feed.items {
			if !drop[it.ID] {
				kept = append(kept, it)
			}
		}
		s.feed.items = kept
	}

	var inserts []docstore.Change
	for _, c := range snap.Changes {
		if c.Type != docstore.Removed {
			inserts = append(inserts, c)
		}
	}
	sort.SliceStable(inserts, func(i, j int) bool {
		return inserts[i].NewIndex < inserts[j].NewIndex
	})
	for _, c := range inserts {
		i := min(max(c.NewIndex, 0), len(s.feed.items))
		s.feed.items = append(s.feed.items, FeedItem{})
		copy(s.feed.items[i+1:], s.feed.items[i:])
		s.feed.items[i] = feedItemFor(c.Doc)
	}
}

func (s *Session) feedItemsLocked() []FeedItem {
	out := make([]FeedItem, len(s.feed.items))
	copy(out, s.feed.items)
	return out
}

// FeedItems returns the current feed list.
func (s *Session) FeedItems() []FeedItem {
	s.mu.Lock()
	defer s.unlock()
	return s.feedItemsLocked()
}

// CloseFeed releases the feed subscription and drops the list.
func (s *Session) CloseFeed() {
	s.mu.Lock()
	defer s.unlock()
	s.closeFeedLocked()
}

func (s *Session) closeFeedLocked() {
	if s.feed.unsub != nil {
		s.feed.unsub()
	}
	s.feed = feedState{gen: s.feed.gen + 1}
}
