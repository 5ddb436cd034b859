package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudorandom/world-grid/pkg/config"
	"github.com/sudorandom/world-grid/pkg/docstore"
	"github.com/sudorandom/world-grid/pkg/gridengine"
	"github.com/sudorandom/world-grid/pkg/mapview"
	"github.com/sudorandom/world-grid/pkg/wshub"
)

var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestServer(t *testing.T) (*Server, *docstore.Store, *testClock) {
	t.Helper()
	clock := &testClock{now: testNow}
	n := 0
	var idMu sync.Mutex
	store, err := docstore.Open(
		docstore.WithClock(clock.Now),
		docstore.WithIDGenerator(func() string {
			idMu.Lock()
			defer idMu.Unlock()
			n++
			return fmt.Sprintf("doc%03d", n)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := New(config.Default(), store, WithClock(clock.Now))
	t.Cleanup(srv.Close)
	return srv, store, clock
}

func do(t *testing.T, srv *Server, method, path, viewer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if viewer != "" {
		req.Header.Set(ViewerHeader, viewer)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// waitLoaded opens the viewer's session and waits for its first snapshot.
func waitLoaded(t *testing.T, srv *Server, viewer string) *View {
	t.Helper()
	v, err := srv.Sessions().Get(context.Background(), viewer)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return v.Session.Stats().MotD != nil }, 5*time.Second, 5*time.Millisecond)
	return v
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNewViewerGetsCookie(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/api/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	viewer := rec.Header().Get(ViewerHeader)
	require.NotEmpty(t, viewer)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, viewerCookie, cookies[0].Name)
	assert.Equal(t, viewer, cookies[0].Value)

	stats := decode[gridengine.Stats](t, rec)
	assert.Equal(t, gridengine.SortLatest, stats.Sort)
	_, ok := srv.Sessions().Lookup(viewer)
	assert.True(t, ok)

	rec = do(t, srv, http.MethodGet, "/api/stats", "alice", nil)
	assert.Equal(t, "alice", rec.Header().Get(ViewerHeader))
	assert.Empty(t, rec.Result().Cookies())
	assert.Equal(t, 2, srv.Sessions().Len())
}

func TestSubmitReactAndReply(t *testing.T) {
	srv, store, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/messages", "alice", map[string]any{
		"name": "[RED]Alice", "text": "Hello grid", "lat": 48.85, "lng": 2.35,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sub := decode[gridengine.SubmitResult](t, rec)
	require.NotEmpty(t, sub.ID)

	rec = do(t, srv, http.MethodPost, "/api/messages", "alice", map[string]any{
		"name": "[RED]Alice", "text": "Hello again", "lat": 48.85, "lng": 2.35,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[gridengine.SubmitResult](t, rec).Edited)

	rec = do(t, srv, http.MethodPost, "/api/messages/"+sub.ID+"/reactions", "bob", map[string]string{"action": "like"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	react := decode[gridengine.ReactionResult](t, rec)
	assert.Equal(t, 1, react.Likes)
	assert.True(t, react.Liked)

	rec = do(t, srv, http.MethodPost, "/api/messages/"+sub.ID+"/replies", "bob", map[string]string{"text": "welcome"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/api/messages/"+sub.ID+"/thread", "carol", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	th := decode[gridengine.Thread](t, rec)
	assert.Equal(t, "Hello again", th.Text)
	assert.Equal(t, 1, th.ReplyCount)
	require.Len(t, th.Replies, 1)
	assert.Equal(t, "welcome", th.Replies[0].Text)

	notes, err := store.GetDocs(context.Background(), docstore.Collection(gridengine.CollectionNotifications).Where("to", "alice"))
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestErrorStatuses(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		viewer string
		body   any
		status int
	}{
		{"synthetic reaction", http.MethodPost, "/api/messages/fake_1/reactions", "bob", map[string]string{"action": "like"}, http.StatusBadRequest},
		{"missing thread", http.MethodGet, "/api/messages/nope/thread", "bob", nil, http.StatusNotFound},
		{"missing card", http.MethodGet, "/api/messages/nope/card", "bob", nil, http.StatusNotFound},
		{"bad sort", http.MethodPost, "/api/sort", "bob", map[string]string{"sort": "random"}, http.StatusBadRequest},
		{"self follow", http.MethodPost, "/api/users/bob/follow", "bob", nil, http.StatusConflict},
		{"follow unknown", http.MethodPost, "/api/users/ghost/follow", "bob", nil, http.StatusNotFound},
		{"no clan", http.MethodGet, "/api/clan/chat", "bob", nil, http.StatusConflict},
		{"profanity", http.MethodPost, "/api/messages", "bob", map[string]any{"name": "bob", "text": "spam", "lat": 1, "lng": 1}, http.StatusBadRequest},
		{"no location", http.MethodPost, "/api/messages", "bob", map[string]any{"name": "bob", "text": "hi"}, http.StatusBadRequest},
		{"no more feed", http.MethodGet, "/api/feed?more=true", "bob", nil, http.StatusNotFound},
		{"history inactive", http.MethodPost, "/api/history/play", "bob", nil, http.StatusConflict},
		{"history unknown action", http.MethodPost, "/api/history/rewind", "bob", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, tt.method, tt.path, tt.viewer, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	rec := do(t, srv, http.MethodPost, "/api/messages", "bob", map[string]any{"name": "", "text": "hi", "lat": 1, "lng": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, []string{"name:required"}, body.Fields)

	req := httptest.NewRequest(http.MethodPost, "/api/sort", strings.NewReader("{not json"))
	req.Header.Set(ViewerHeader, "bob")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSortSwitchThroughAPI(t *testing.T) {
	srv, store, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/sort", "bob", map[string]string{"sort": "top"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, gridengine.SortTop, decode[gridengine.Stats](t, rec).Sort)
	// Messages plus the inbox's notifications and profile queries.
	assert.Equal(t, 3, store.ActiveSubscriptions())
}

func TestSceneAndHistory(t *testing.T) {
	srv, _, _ := newTestServer(t)
	waitLoaded(t, srv, "bob")

	rec := do(t, srv, http.MethodGet, "/api/scene", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))
	var fc struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	assert.GreaterOrEqual(t, len(fc.Features), 25)

	rec = do(t, srv, http.MethodPost, "/api/history/enter", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[map[string]any](t, rec)
	assert.Equal(t, "idle", st["state"])
	assert.EqualValues(t, 25, st["len"])

	rec = do(t, srv, http.MethodPost, "/api/history/seek", "bob", map[string]int{"index": 99})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 24, decode[map[string]any](t, rec)["index"])

	rec = do(t, srv, http.MethodPost, "/api/history/exit", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "inactive", decode[map[string]any](t, rec)["state"])
}

func TestFollowAndProfile(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPut, "/api/profile", "alice", map[string]string{"displayName": "Alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[gridengine.Profile](t, rec).Self)

	rec = do(t, srv, http.MethodPost, "/api/users/alice/follow", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[followResponse](t, rec).Following)

	rec = do(t, srv, http.MethodGet, "/api/users/alice", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[gridengine.Profile](t, rec)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, 1, p.Followers)
	assert.True(t, p.IsFollowing)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	do(t, srv, http.MethodGet, "/api/stats", "bob", nil)

	rec := do(t, srv, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "world_grid_api_requests_total")
	assert.Contains(t, rec.Body.String(), "world_grid_sessions_active")
}

func TestSweepClosesIdleSessions(t *testing.T) {
	srv, _, clock := newTestServer(t)
	do(t, srv, http.MethodGet, "/api/stats", "bob", nil)
	require.Equal(t, 1, srv.Sessions().Len())

	assert.Equal(t, 0, srv.Sessions().Sweep(time.Minute))
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, srv.Sessions().Sweep(time.Minute))
	assert.Equal(t, 0, srv.Sessions().Len())
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Type == typ {
			return f
		}
	}
}

func TestWebSocketSession(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Hub().Serve(ctx) }()

	rec := do(t, srv, http.MethodPost, "/api/messages", "alice", map[string]any{
		"name": "Morpheus", "text": "Free your mind", "lat": 45.0, "lng": 7.0,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[gridengine.SubmitResult](t, rec).ID

	v := waitLoaded(t, srv, "carol")
	require.Eventually(t, func() bool {
		res, err := v.Session.Search("mind")
		return err == nil && len(res.Matches) == 1
	}, 5*time.Second, 5*time.Millisecond)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?viewer=carol"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	reset := readUntil(t, conn, wshub.TypeSceneReset)
	var ops []mapview.Op
	require.NoError(t, json.Unmarshal(reset.Data, &ops))
	m := newSceneMirror()
	m.apply(ops)
	assert.True(t, m.markers[id])
	readUntil(t, conn, wshub.TypeStats)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": wshub.TypePing}))
	readUntil(t, conn, wshub.TypePong)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": wshub.TypeCommand,
		"data": map[string]string{"name": gridengine.CmdSearch, "text": "mind"},
	}))
	res := readUntil(t, conn, wshub.TypeResult)
	var cr struct {
		Name   string                  `json:"name"`
		Status int                     `json:"status"`
		Result gridengine.SearchResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &cr))
	assert.Equal(t, gridengine.CmdSearch, cr.Name)
	assert.Equal(t, http.StatusOK, cr.Status)
	require.Len(t, cr.Result.Matches, 1)
	assert.Equal(t, id, cr.Result.Matches[0].ID)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": wshub.TypeCommand,
		"data": map[string]string{"name": "teleport"},
	}))
	res = readUntil(t, conn, wshub.TypeResult)
	require.NoError(t, json.Unmarshal(res.Data, &cr))
	assert.Equal(t, http.StatusBadRequest, cr.Status)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, ok := srv.Sessions().Lookup("carol")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

// sceneMirror applies scene frames the way a browser renderer would.
type sceneMirror struct {
	markers map[string]bool
	lines   map[mapview.LineID]bool
}

func newSceneMirror() *sceneMirror {
	return &sceneMirror{markers: make(map[string]bool), lines: make(map[mapview.LineID]bool)}
}

func (m *sceneMirror) apply(ops []mapview.Op) {
	for _, op := range ops {
		switch op.Kind {
		case mapview.OpAddMarker:
			m.markers[op.MarkerID] = true
		case mapview.OpRemoveMarker:
			delete(m.markers, op.MarkerID)
		case mapview.OpAddLine:
			m.lines[op.LineID] = true
		case mapview.OpRemoveLine:
			delete(m.lines, op.LineID)
		}
	}
}

func (m *sceneMirror) matches(scene *mapview.Scene) bool {
	markers := scene.Markers()
	lines := scene.Lines()
	if len(markers) != len(m.markers) || len(lines) != len(m.lines) {
		return false
	}
	for _, mk := range markers {
		if !m.markers[mk.ID] {
			return false
		}
	}
	for _, l := range lines {
		if !m.lines[l.ID] {
			return false
		}
	}
	return true
}

func TestWebSocketMirrorsLargeScene(t *testing.T) {
	const seeded = 150
	srv, store, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Hub().Serve(ctx) }()

	for i := range seeded {
		_, err := store.Add(ctx, gridengine.CollectionMessages, docstore.Fields{
			"name":      fmt.Sprintf("Operator %d", i),
			"text":      "signal",
			"lat":       -60 + float64(i%30)*4,
			"lng":       -170 + float64(i/30)*20,
			"timestamp": testNow.Add(-time.Duration(i) * time.Minute),
			"likes":     i % 7,
			"uid":       "someone",
		})
		require.NoError(t, err)
	}
	v := waitLoaded(t, srv, "dave")
	require.Eventually(t, func() bool { return v.Session.Stats().Plotted == seeded+25 }, 5*time.Second, 5*time.Millisecond)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?viewer=dave", nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	reset := readUntil(t, conn, wshub.TypeSceneReset)
	var ops []mapview.Op
	require.NoError(t, json.Unmarshal(reset.Data, &ops))
	mirror := newSceneMirror()
	mirror.apply(ops)
	assert.Len(t, mirror.markers, seeded+25)
	assert.Greater(t, len(mirror.lines), seeded)
	assert.True(t, mirror.matches(v.Scene))

	// Switching the sort clears and replots every marker while the client is connected.
	rec := do(t, srv, http.MethodPost, "/api/sort", "dave", map[string]string{"sort": "top"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "scene never converged")
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		switch f.Type {
		case wshub.TypeSceneReset:
			mirror = newSceneMirror()
			fallthrough
		case wshub.TypeSceneOps:
			var batch []mapview.Op
			require.NoError(t, json.Unmarshal(f.Data, &batch))
			mirror.apply(batch)
		}
		if v.Session.Sort() == gridengine.SortTop && v.Session.Stats().Plotted == seeded+25 && mirror.matches(v.Scene) {
			break
		}
	}
	assert.Len(t, mirror.markers, seeded+25)
}

func TestMaintenanceExpiresAgedMessages(t *testing.T) {
	srv, store, clock := newTestServer(t)
	id, err := store.Add(context.Background(), gridengine.CollectionMessages, docstore.Fields{
		"name": "Tank", "text": "operator online", "lat": 10.0, "lng": 10.0, "timestamp": testNow, "uid": "tank",
	})
	require.NoError(t, err)
	v := waitLoaded(t, srv, "erin")
	require.Eventually(t, func() bool {
		_, ok := v.Scene.Marker(id)
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	assert.Zero(t, srv.Sessions().ExpireStale())
	clock.Advance(25 * time.Hour)
	assert.Equal(t, 1, srv.Sessions().ExpireStale())
	_, ok := v.Scene.Marker(id)
	assert.False(t, ok)
	assert.Equal(t, 25, v.Session.Stats().Plotted)
}

func TestInboxThroughAPIAndWebSocket(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Hub().Serve(ctx) }()

	rec := do(t, srv, http.MethodPut, "/api/profile", "alice", map[string]string{"displayName": "Alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/api/profile", "bob", map[string]string{"displayName": "Bob"}).Code)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?viewer=alice", nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	readUntil(t, conn, wshub.TypeSceneReset)

	rec = do(t, srv, http.MethodPost, "/api/users/alice/follow", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pushed []gridengine.Notification
	for len(pushed) == 0 {
		f := readUntil(t, conn, wshub.TypeNotifications)
		require.NoError(t, json.Unmarshal(f.Data, &pushed))
	}
	require.Len(t, pushed, 1)
	assert.Equal(t, gridengine.NotifyFollow, pushed[0].Type)
	assert.Equal(t, "Bob", pushed[0].From)

	require.Eventually(t, func() bool {
		rec := do(t, srv, http.MethodGet, "/api/profile", "alice", nil)
		return rec.Code == http.StatusOK && decode[gridengine.Profile](t, rec).Followers == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec = do(t, srv, http.MethodGet, "/api/notifications", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]gridengine.Notification](t, rec), 1)

	rec = do(t, srv, http.MethodPost, "/api/notifications/read", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[readResponse](t, rec).Updated)
}
