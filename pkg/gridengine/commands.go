package gridengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sudorandom/world-grid/pkg/docstore"
	"github.com/sudorandom/world-grid/pkg/mapview"
)

const (
	ReactionLike    = "like"
	ReactionDislike = "dislike"

	threadReplyLimit = 50
	hallOfFameSize   = 10
	followFallback   = "An Operator"
)

// ReactionResult is the viewer's reaction state after a toggle.
type ReactionResult struct {
	ID       string `json:"id"`
	Likes    int    `json:"likes"`
	Dislikes int    `json:"dislikes"`
	Liked    bool   `json:"liked"`
	Disliked bool   `json:"disliked"`
}

// HandleReaction toggles a like or dislike. Liking removes an existing dislike and the other
// way round. The counters are kept next to the arrays in the same write.
func (s *Session) HandleReaction(ctx context.Context, id, action string) (ReactionResult, error) {
	if s.viewer == "" {
		return ReactionResult{}, ErrLoginRequired
	}
	if IsSynthetic(id) {
		return ReactionResult{}, ErrSyntheticMessage
	}
	if action != ReactionLike && action != ReactionDislike {
		return ReactionResult{}, fmt.Errorf("reaction %q: %w", action, ErrUnknownCommand)
	}

	doc, err := s.store.Get(ctx, CollectionMessages, id)
	if err != nil {
		return ReactionResult{}, fmt.Errorf("failed to read message %s: %w", id, err)
	}
	m, _ := decodeMessage(doc)
	res := ReactionResult{
		ID:       id,
		Likes:    m.Likes,
		Dislikes: m.Dislikes,
		Liked:    m.likedBy(s.viewer),
		Disliked: m.dislikedBy(s.viewer),
	}

	fields := docstore.Fields{}
	switch action {
	case ReactionLike:
		if res.Liked {
			fields["likedBy"] = docstore.ArrayRemove(s.viewer)
			fields["likes"] = docstore.Increment(-1)
			res.Liked = false
			res.Likes--
			break
		}
		fields["likedBy"] = docstore.ArrayUnion(s.viewer)
		fields["likes"] = docstore.Increment(1)
		res.Liked = true
		res.Likes++
		if res.Disliked {
			fields["dislikedBy"] = docstore.ArrayRemove(s.viewer)
			fields["dislikes"] = docstore.Increment(-1)
			res.Disliked = false
			res.Dislikes--
		}
	case ReactionDislike:
		if res.Disliked {
			fields["dislikedBy"] = docstore.ArrayRemove(s.viewer)
			fields["dislikes"] = docstore.Increment(-1)
			res.Disliked = false
			res.Dislikes--
			break
		}
		fields["dislikedBy"] = docstore.ArrayUnion(s.viewer)
		fields["dislikes"] = docstore.Increment(1)
		res.Disliked = true
		res.Dislikes++
		if res.Liked {
			fields["likedBy"] = docstore.ArrayRemove(s.viewer)
			fields["likes"] = docstore.Increment(-1)
			res.Liked = false
			res.Likes--
		}
	}

	if err := s.store.Update(ctx, CollectionMessages, id, fields); err != nil {
		s.log.Error().Err(err).Str("id", id).Str("action", action).Msg("reaction write failed")
		return ReactionResult{}, fmt.Errorf("failed to save reaction: %w", err)
	}
	return res, nil
}

// Reply is one answer in a message thread.
type Reply struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	UID       string    `json:"uid,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Thread is a message with its replies, oldest first.
type Thread struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Text       string    `json:"text"`
	UID        string    `json:"uid,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	ReplyCount int       `json:"replyCount"`
	Replies    []Reply   `json:"replies"`
}

func (s *Session) OpenThread(ctx context.Context, id string) (Thread, error) {
	if IsSynthetic(id) {
		return Thread{}, ErrSyntheticMessage
	}
	doc, err := s.store.Get(ctx, CollectionMessages, id)
	if err != nil {
		return Thread{}, fmt.Errorf("failed to read message %s: %w", id, err)
	}
	m, _ := decodeMessage(doc)
	t := Thread{
		ID:         id,
		Name:       m.Author(),
		Text:       m.Text,
		UID:        m.UID,
		Timestamp:  m.Timestamp,
		ReplyCount: m.ReplyCount,
	}

	q := docstore.Collection(repliesCollection(id)).
		OrderBy("timestamp", docstore.Asc).
		Limit(threadReplyLimit)
	docs, err := s.store.GetDocs(ctx, q)
	if err != nil {
		return Thread{}, fmt.Errorf("failed to read replies of %s: %w", id, err)
	}
	t.Replies = make([]Reply, len(docs))
	for i, d := range docs {
		ts, _ := d.Time("timestamp")
		name := d.String("name")
		if name == "" {
			name = defaultAuthor
		}
		t.Replies[i] = Reply{ID: d.ID, Name: name, Text: d.String("text"), UID: d.String("uid"), Timestamp: ts}
	}
	return t, nil
}

// PostReply adds a reply, bumps the parent's reply count and notifies the parent's author.
func (s *Session) PostReply(ctx context.Context, id, text string) (Thread, error) {
	if s.viewer == "" {
		return Thread{}, ErrLoginRequired
	}
	if IsSynthetic(id) {
		return Thread{}, ErrSyntheticMessage
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Thread{}, ErrEmptyText
	}
	if _, bad := s.profane.Check(text); bad {
		return Thread{}, ErrProfanity
	}

	parent, err := s.store.Get(ctx, CollectionMessages, id)
	if err != nil {
		return Thread{}, fmt.Errorf("failed to read message %s: %w", id, err)
	}
	name := s.displayName(ctx, defaultAuthor)
	if _, err := s.store.Add(ctx, repliesCollection(id), docstore.Fields{
		"name":      name,
		"text":      text,
		"timestamp": docstore.ServerTimestamp(),
		"uid":       s.viewer,
	}); err != nil {
		return Thread{}, fmt.Errorf("failed to add reply: %w", err)
	}
	if err := s.store.Update(ctx, CollectionMessages, id, docstore.Fields{
		"replyCount": docstore.Increment(1),
	}); err != nil {
		s.log.Error().Err(err).Str("id", id).Msg("reply count update failed")
		return Thread{}, fmt.Errorf("failed to update reply count: %w", err)
	}

	if owner := parent.String("uid"); owner != "" && owner != "guest" && owner != s.viewer {
		if _, err := s.store.Add(ctx, CollectionNotifications, docstore.Fields{
			"to":        owner,
			"from":      name,
			"type":      NotifyReply,
			"msgId":     id,
			"timestamp": docstore.ServerTimestamp(),
			"read":      false,
		}); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("reply notification failed")
		}
	}
	return s.OpenThread(ctx, id)
}

// displayName prefers the viewer's profile name, then their remembered message name.
func (s *Session) displayName(ctx context.Context, fallback string) string {
	if s.viewer != "" {
		if doc, err := s.store.Get(ctx, CollectionUsers, s.viewer); err == nil {
			if name := doc.String("displayName"); name != "" {
				return name
			}
		}
	}
	if name := s.localName(); name != "" {
		return name
	}
	return fallback
}

// Profile is the public card of an operator.
type Profile struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	Followers   int    `json:"followers"`
	Following   int    `json:"following"`
	IsFollowing bool   `json:"isFollowing"`
	Self        bool   `json:"self"`
}

// RegisterProfile records the viewer's display name.
func (s *Session) RegisterProfile(ctx context.Context, displayName string) error {
	if s.viewer == "" {
		return ErrLoginRequired
	}
	return s.store.Set(ctx, CollectionUsers, s.viewer, docstore.Fields{"displayName": displayName}, true)
}

func (s *Session) PublicProfile(ctx context.Context, target string) (Profile, error) {
	p := Profile{UID: target, DisplayName: defaultAuthor, Self: target == s.viewer}
	doc, err := s.store.Get(ctx, CollectionUsers, target)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return p, nil
	case err != nil:
		return Profile{}, fmt.Errorf("failed to read profile %s: %w", target, err)
	}
	if name := doc.String("displayName"); name != "" {
		p.DisplayName = name
	}
	p.Followers = doc.Int("followerCount")
	p.Following = doc.Int("followingCount")
	p.IsFollowing = s.viewer != "" && contains(doc.Strings("followers"), s.viewer)
	return p, nil
}

// ToggleFollow follows or unfollows target in one batch and reports the new state.
func (s *Session) ToggleFollow(ctx context.Context, target string) (bool, error) {
	if s.viewer == "" {
		return false, ErrLoginRequired
	}
	if target == s.viewer {
		return false, ErrSelfFollow
	}
	if _, err := s.store.Get(ctx, CollectionUsers, target); err != nil {
		return false, fmt.Errorf("failed to read profile %s: %w", target, err)
	}
	following := false
	me, err := s.store.Get(ctx, CollectionUsers, s.viewer)
	switch {
	case err == nil:
		following = contains(me.Strings("following"), target)
	case !errors.Is(err, docstore.ErrNotFound):
		return false, fmt.Errorf("failed to read profile %s: %w", s.viewer, err)
	}

	b := s.store.Batch()
	if following {
		b.Set(CollectionUsers, s.viewer, docstore.Fields{
			"following":      docstore.ArrayRemove(target),
			"followingCount": docstore.Increment(-1),
		}, true)
		b.Update(CollectionUsers, target, docstore.Fields{
			"followers":     docstore.ArrayRemove(s.viewer),
			"followerCount": docstore.Increment(-1),
		})
	} else {
		b.Set(CollectionUsers, s.viewer, docstore.Fields{
			"following":      docstore.ArrayUnion(target),
			"followingCount": docstore.Increment(1),
		}, true)
		b.Update(CollectionUsers, target, docstore.Fields{
			"followers":     docstore.ArrayUnion(s.viewer),
			"followerCount": docstore.Increment(1),
		})
		b.Set(CollectionNotifications, s.store.NewID(), docstore.Fields{
			"to":        target,
			"from":      s.displayName(ctx, followFallback),
			"type":      NotifyFollow,
			"timestamp": docstore.ServerTimestamp(),
			"read":      false,
		}, false)
	}
	if err := b.Commit(ctx); err != nil {
		s.log.Error().Err(err).Str("target", target).Msg("follow write failed")
		return following, fmt.Errorf("failed to update follow: %w", err)
	}
	return !following, nil
}

// HallOfFameEntry is one row of the all-time top list.
type HallOfFameEntry struct {
	Rank     int            `json:"rank"`
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Text     string         `json:"text"`
	Likes    int            `json:"likes"`
	Position mapview.LatLng `json:"position"`
}

func (s *Session) HallOfFame(ctx context.Context) ([]HallOfFameEntry, error) {
	q := docstore.Collection(CollectionMessages).
		OrderBy(string(SortTop), docstore.Desc).
		Limit(hallOfFameSize)
	docs, err := s.store.GetDocs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to read hall of fame: %w", err)
	}
	out := make([]HallOfFameEntry, len(docs))
	for i, d := range docs {
		m, _ := decodeMessage(d)
		out[i] = HallOfFameEntry{
			Rank:     i + 1,
			ID:       m.ID,
			Name:     m.Author(),
			Text:     m.Text,
			Likes:    d.Int("likes"),
			Position: m.Position,
		}
	}
	return out, nil
}

// Card is the data handed to the share-card renderer.
type Card struct {
	Name string  `json:"name"`
	Text string  `json:"text"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Date string  `json:"date"`
}

func (s *Session) RequestDownloadCard(id string) (Card, error) {
	s.mu.Lock()
	defer s.unlock()
	p, ok := s.messages[id]
	if !ok {
		return Card{}, ErrUnknownMessage
	}
	return Card{
		Name: p.msg.Author(),
		Text: p.msg.Text,
		Lat:  p.msg.Position.Lat,
		Lng:  p.msg.Position.Lng,
		Date: s.now().UTC().Format(time.DateOnly),
	}, nil
}
