package gridengine

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudorandom/world-grid/pkg/docstore"
	"github.com/sudorandom/world-grid/pkg/mapview"
)

func floatPtr(f float64) *float64 { return &f }

type fixedLocator struct {
	pos mapview.LatLng
	ok  bool
}

func (l fixedLocator) Locate(net.IP) (mapview.LatLng, bool) { return l.pos, l.ok }

func TestHandleReactionToggles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "viewer")
	id := env.addMessage(t, nil)

	res, err := env.session.HandleReaction(ctx, id, ReactionLike)
	require.NoError(t, err)
	assert.Equal(t, ReactionResult{ID: id, Likes: 1, Liked: true}, res)

	res, err = env.session.HandleReaction(ctx, id, ReactionDislike)
	require.NoError(t, err)
	assert.Equal(t, ReactionResult{ID: id, Likes: 0, Dislikes: 1, Disliked: true}, res)

	doc, err := env.store.Get(ctx, CollectionMessages, id)
	require.NoError(t, err)
	assert.Empty(t, doc.Strings("likedBy"))
	assert.Equal(t, []string{"viewer"}, doc.Strings("dislikedBy"))
	assert.Equal(t, 0, doc.Int("likes"))
	assert.Equal(t, 1, doc.Int("dislikes"))

	res, err = env.session.HandleReaction(ctx, id, ReactionDislike)
	require.NoError(t, err)
	assert.Equal(t, ReactionResult{ID: id}, res)
}

func TestHandleReactionRejects(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "viewer")

	_, err := env.session.HandleReaction(ctx, "fake_3", ReactionLike)
	assert.ErrorIs(t, err, ErrSyntheticMessage)
	_, err = env.session.HandleReaction(ctx, "missing", ReactionLike)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	_, err = env.session.HandleReaction(ctx, "missing", "love")
	assert.ErrorIs(t, err, ErrUnknownCommand)

	guest := newTestEnv(t, "")
	_, err = guest.session.HandleReaction(ctx, "anything", ReactionLike)
	assert.ErrorIs(t, err, ErrLoginRequired)
}

func TestSubmitCreatesThenEdits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "viewer")

	res, err := env.session.Submit(ctx, SubmitRequest{Name: "  Neo ", Text: "Wake up", Lat: floatPtr(1), Lng: floatPtr(2), Lang: "en-US"})
	require.NoError(t, err)
	assert.False(t, res.Edited)
	assert.Equal(t, mapview.LatLng{Lat: 1, Lng: 2}, res.Position)
	assert.Equal(t, 10, env.scene.Camera().Zoom)

	doc, err := env.store.Get(ctx, CollectionMessages, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "Neo", doc.String("name"))
	assert.Equal(t, "viewer", doc.String("uid"))
	assert.Equal(t, 0, doc.Int("replyCount"))
	assert.True(t, doc.Has("specialTitle"))
	ts, ok := doc.Time("timestamp")
	require.True(t, ok)
	assert.Equal(t, testNow, ts)

	local, err := env.session.local.All("viewer")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{LocalMessageID: res.ID, LocalName: "Neo"}, local)

	edit, err := env.session.Submit(ctx, SubmitRequest{Name: "Neo", Text: "Follow the rabbit", Lat: floatPtr(3), Lng: floatPtr(4)})
	require.NoError(t, err)
	assert.True(t, edit.Edited)
	assert.Equal(t, res.ID, edit.ID)

	doc, err = env.store.Get(ctx, CollectionMessages, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "Follow the rabbit", doc.String("text"))
	lat, _ := doc.Float("lat")
	assert.Equal(t, 3.0, lat)
}

func TestSubmitRecreatesMissingMessage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "viewer")
	require.NoError(t, env.session.local.Set("viewer", LocalMessageID, "gone"))

	res, err := env.session.Submit(ctx, SubmitRequest{Name: "Neo", Text: "hi", Lat: floatPtr(0), Lng: floatPtr(0)})
	require.NoError(t, err)
	assert.False(t, res.Edited)
	assert.NotEqual(t, "gone", res.ID)

	id, err := env.session.local.Get("viewer", LocalMessageID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, id)
}

func TestSubmitRejects(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "viewer")

	_, err := env.session.Submit(ctx, SubmitRequest{Name: "Neo", Text: "you idiot", Lat: floatPtr(0), Lng: floatPtr(0)})
	assert.ErrorIs(t, err, ErrProfanity)

	_, err = env.session.Submit(ctx, SubmitRequest{Name: "   ", Text: strings.Repeat("x", 141)})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ElementsMatch(t, []string{"name:required", "text:max"}, verr.Fields)

	_, err = env.session.Submit(ctx, SubmitRequest{Name: "Neo", Text: "hi", Lat: floatPtr(95), Lng: floatPtr(0)})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"lat:latitude"}, verr.Fields)

	_, err = env.session.Submit(ctx, SubmitRequest{Name: "Neo", Text: "hi"})
	assert.ErrorIs(t, err, ErrLocationRequired)

	docs, err := env.store.GetDocs(ctx, docstore.Collection(CollectionMessages))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSubmitUsesLocatorAndTitle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "", func(o *Options) {
		o.Locator = fixedLocator{pos: mapview.LatLng{Lat: 48.85, Lng: 2.35}, ok: true}
	})
	_, err := env.session.Search("the_architect")
	require.NoError(t, err)

	res, err := env.session.Submit(ctx, SubmitRequest{Name: "Neo", Text: "hi", IP: net.ParseIP("192.0.2.1")})
	require.NoError(t, err)
	assert.Equal(t, mapview.LatLng{Lat: 48.85, Lng: 2.35}, res.Position)

	doc, err := env.store.Get(ctx, CollectionMessages, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "HACKER", doc.String("specialTitle"))
	assert.Equal(t, "guest", doc.String("uid"))
}

func TestRestoreLocalState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "viewer")

	_, found, err := env.session.RestoreLocalState(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	env.addMessage(t, docstore.Fields{"uid": "other"})
	id := env.addMessage(t, docstore.Fields{"uid": "viewer", "name": "[RED]Neo"})

	got, found, err := env.session.RestoreLocalState(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, id, got)
	name, err := env.session.local.Get("viewer", LocalName)
	require.NoError(t, err)
	assert.Equal(t, "[RED]Neo", name)
}

func TestFeedPagination(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "viewer")
	for i := 0; i < 25; i++ {
		env.addMessage(t, docstore.Fields{"timestamp": testNow.Add(-time.Duration(i+1) * time.Minute)})
	}

	_, err := env.session.LoadFeed(ctx, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(env.session.FeedItems()) == 20 }, 2*time.Second, 5*time.Millisecond)

	page, err := env.session.LoadFeed(ctx, true)
	require.NoError(t, err)
	assert.Len(t, page, 5)
	items := env.session.FeedItems()
	require.Len(t, items, 25)
	for i := 1; i < len(items); i++ {
		assert.True(t, items[i-1].Timestamp.After(items[i].Timestamp), "feed out of order at %d", i)
	}

	_, err = env.session.LoadFeed(ctx, true)
	assert.ErrorIs(t, err, ErrNoMoreSignals)

	fresh := env.addMessage(t, docstore.Fields{"timestamp": testNow})
	require.Eventually(t, func() bool {
		items := env.session.FeedItems()
		return len(items) > 0 && items[0].ID == fresh
	}, 2*time.Second, 5*time.Millisecond)

	env.session.CloseFeed()
	assert.Empty(t, env.session.FeedItems())
	_, err = env.session.LoadFeed(ctx, true)
	assert.ErrorIs(t, err, ErrNoMoreSignals)
}

func TestClanChat(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "viewer")

	_, err := env.session.OpenClanChat(ctx)
	assert.ErrorIs(t, err, ErrNoClanTag)
	_, err = env.session.SendClanMessage(ctx, "hello")
	assert.ErrorIs(t, err, ErrNoClanTag)

	require.NoError(t, env.session.local.Set("viewer", LocalName, "[red] Neo"))
	tag, err := env.session.OpenClanChat(ctx)
	require.NoError(t, err)
	assert.Equal(t, "RED", tag)

	_, err = env.store.Add(ctx, CollectionClanMessages, docstore.Fields{
		"tag": "BLUE", "sender": "[BLUE]Smith", "text": "intruder", "timestamp": testNow,
	})
	require.NoError(t, err)
	_, err = env.session.SendClanMessage(ctx, "  hello  ")
	require.NoError(t, err)
	_, err = env.session.SendClanMessage(ctx, " ")
	assert.ErrorIs(t, err, ErrEmptyText)
	_, err = env.session.SendClanMessage(ctx, "die spammer")
	assert.ErrorIs(t, err, ErrProfanity)

	require.Eventually(t, func() bool { return len(env.observer.lastChat()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := env.observer.lastChat()[0]
	assert.Equal(t, "[red] Neo", msg.Sender)
	assert.Equal(t, "Neo", msg.Display)
	assert.Equal(t, "hello", msg.Text)

	gotTag, msgs := env.session.ClanChat()
	assert.Equal(t, "RED", gotTag)
	assert.Len(t, msgs, 1)

	env.session.CloseClanChat()
	assert.Equal(t, 0, env.store.ActiveSubscriptions())
}

func TestToggleFollow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "viewer")
	require.NoError(t, env.store.Set(ctx, CollectionUsers, "alice", docstore.Fields{"displayName": "Alice"}, false))
	require.NoError(t, env.session.RegisterProfile(ctx, "Neo"))

	following, err := env.session.ToggleFollow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, following)

	p, err := env.session.PublicProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, Profile{UID: "alice", DisplayName: "Alice", Followers: 1, IsFollowing: true}, p)

	me, err := env.session.PublicProfile(ctx, "viewer")
	require.NoError(t, err)
	assert.Equal(t, 1, me.Following)
	assert.True(t, me.Self)

	notes, err := env.store.GetDocs(ctx, docstore.Collection(CollectionNotifications).Where("to", "alice"))
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "follow", notes[0].String("type"))
	assert.Equal(t, "Neo", notes[0].String("from"))

	following, err = env.session.ToggleFollow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, following)
	p, err = env.session.PublicProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Followers)
	assert.False(t, p.IsFollowing)

	notes, err = env.store.GetDocs(ctx, docstore.Collection(CollectionNotifications))
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestToggleFollowRejects(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "viewer")

	_, err := env.session.ToggleFollow(ctx, "viewer")
	assert.ErrorIs(t, err, ErrSelfFollow)
	_, err = env.session.ToggleFollow(ctx, "nobody")
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	p, err := env.session.PublicProfile(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, Profile{UID: "nobody", DisplayName: "Anonymous"}, p)
}

func TestPostReply(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "viewer")
	id := env.addMessage(t, docstore.Fields{"uid": "alice", "replyCount": 0})

	_, err := env.session.PostReply(ctx, id, "   ")
	assert.ErrorIs(t, err, ErrEmptyText)
	_, err = env.session.PostReply(ctx, "fake_1", "hi")
	assert.ErrorIs(t, err, ErrSyntheticMessage)

	th, err := env.session.PostReply(ctx, id, "I know kung fu")
	require.NoError(t, err)
	assert.Equal(t, 1, th.ReplyCount)
	require.Len(t, th.Replies, 1)
	assert.Equal(t, "I know kung fu", th.Replies[0].Text)
	assert.Equal(t, "Anonymous", th.Replies[0].Name)
	assert.Equal(t, "viewer", th.Replies[0].UID)

	notes, err := env.store.GetDocs(ctx, docstore.Collection(CollectionNotifications).Where("to", "alice"))
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "reply", notes[0].String("type"))
	assert.Equal(t, id, notes[0].String("msgId"))

	own := env.addMessage(t, docstore.Fields{"uid": "viewer"})
	_, err = env.session.PostReply(ctx, own, "talking to myself")
	require.NoError(t, err)
	notes, err = env.store.GetDocs(ctx, docstore.Collection(CollectionNotifications))
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestHallOfFame(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "viewer")
	for i := 0; i < 12; i++ {
		env.addMessage(t, docstore.Fields{"likes": i, "text": "m"})
	}
	env.addMessage(t, docstore.Fields{"likes": nil})

	hof, err := env.session.HallOfFame(ctx)
	require.NoError(t, err)
	require.Len(t, hof, 10)
	assert.Equal(t, 1, hof[0].Rank)
	assert.Equal(t, 11, hof[0].Likes)
	assert.Equal(t, 2, hof[9].Likes)
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "viewer")

	_, err := env.session.Dispatch(ctx, Command{Name: "teleport"})
	assert.ErrorIs(t, err, ErrUnknownCommand)

	out, err := env.session.Dispatch(ctx, Command{Name: CmdSort, Sort: "top"})
	require.NoError(t, err)
	assert.Equal(t, SortTop, out.(Stats).Sort)

	out, err = env.session.Dispatch(ctx, Command{Name: ActionCard, ID: "fake_0"})
	require.NoError(t, err)
	assert.Equal(t, Card{Name: "Anonymous Traveler", Text: "Hello from New York! The city never sleeps.", Lat: 40.71, Lng: -74.0, Date: "2024-01-01"}, out)

	_, err = env.session.Dispatch(ctx, Command{Name: ActionCard, ID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = env.session.Dispatch(ctx, Command{Name: CmdSubmit})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	out, err = env.session.Dispatch(ctx, Command{Name: CmdHistoryEnter})
	require.NoError(t, err)
	st := out.(HistoryStatus)
	assert.Equal(t, HistoryIdle, st.State)
	assert.Equal(t, 25, st.Len)

	_, err = env.session.Dispatch(ctx, Command{Name: CmdHistoryExit})
	require.NoError(t, err)
	_, err = env.session.Dispatch(ctx, Command{Name: CmdHistoryPlay})
	assert.ErrorIs(t, err, ErrHistoryInactive)
}
