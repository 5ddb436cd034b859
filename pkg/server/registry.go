package server

import (
	"context"
	"sync"
	"time"

	"github.com/sudorandom/world-grid/pkg/gridengine"
	"github.com/sudorandom/world-grid/pkg/logging"
	"github.com/sudorandom/world-grid/pkg/mapview"
	"github.com/sudorandom/world-grid/pkg/wshub"
)

// View is one viewer's engine session and the scene it draws on.
type View struct {
	Viewer  string
	Session *gridengine.Session
	Scene   *mapview.Scene

	lastSeen time.Time
}

// Registry owns the sessions of every viewer. Sessions are created on first use and closed
// when the viewer disconnects or goes idle.
type Registry struct {
	store gridengine.Store
	hub   *wshub.Hub
	base  gridengine.Options
	now   func() time.Time

	mu    sync.Mutex
	views map[string]*View
}

func NewRegistry(store gridengine.Store, hub *wshub.Hub, base gridengine.Options) *Registry {
	now := base.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store: store,
		hub:   hub,
		base:  base,
		now:   now,
		views: make(map[string]*View),
	}
}

// Get returns the view of viewer, starting a session with the latest messages and the
// viewer's inbox if needed.
func (r *Registry) Get(ctx context.Context, viewer string) (*View, error) {
	r.mu.Lock()
	if v, ok := r.views[viewer]; ok {
		v.lastSeen = r.now()
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	v := r.open(viewer)
	if _, _, err := v.Session.RestoreLocalState(ctx); err != nil {
		logging.Warn().Err(err).Str("viewer", viewer).Msg("failed to restore local state")
	}
	if err := v.Session.LoadMessages(gridengine.SortLatest); err != nil {
		v.Session.Close()
		return nil, err
	}
	if err := v.Session.OpenInbox(ctx); err != nil {
		logging.Warn().Err(err).Str("viewer", viewer).Msg("failed to open inbox")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.views[viewer]; ok {
		// Lost a race with a concurrent request for the same viewer.
		v.Session.Close()
		existing.lastSeen = r.now()
		return existing, nil
	}
	r.views[viewer] = v
	logging.Info().Str("viewer", viewer).Int("sessions", len(r.views)).Msg("session opened")
	return v, nil
}

func (r *Registry) open(viewer string) *View {
	scene := mapview.NewScene()
	scene.SetSink(func(ops []mapview.Op) {
		r.hub.SendSceneTo(viewer, wshub.TypeSceneOps, ops)
	})
	opts := r.base
	opts.Viewer = viewer
	opts.Observer = &hubObserver{hub: r.hub, viewer: viewer}
	return &View{
		Viewer:   viewer,
		Session:  gridengine.NewSession(r.store, scene, opts),
		Scene:    scene,
		lastSeen: r.now(),
	}
}

// Lookup returns an existing view without creating one.
func (r *Registry) Lookup(viewer string) (*View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[viewer]
	return v, ok
}

// Release closes the session of viewer.
func (r *Registry) Release(viewer string) bool {
	r.mu.Lock()
	v, ok := r.views[viewer]
	delete(r.views, viewer)
	r.mu.Unlock()
	if !ok {
		return false
	}
	v.Session.Close()
	logging.Info().Str("viewer", viewer).Msg("session closed")
	return true
}

// Sweep closes sessions unused for longer than idle that have no websocket client.
func (r *Registry) Sweep(idle time.Duration) int {
	now := r.now()
	var stale []string
	r.mu.Lock()
	for viewer, v := range r.views {
		if now.Sub(v.lastSeen) >= idle && !r.hub.ViewerConnected(viewer) {
			stale = append(stale, viewer)
		}
	}
	r.mu.Unlock()
	n := 0
	for _, viewer := range stale {
		if r.Release(viewer) {
			n++
		}
	}
	return n
}

func (r *Registry) all() []*View {
	r.mu.Lock()
	defer r.mu.Unlock()
	views := make([]*View, 0, len(r.views))
	for _, v := range r.views {
		views = append(views, v)
	}
	return views
}

// PrunePulses drops finished radar pulses from every scene.
func (r *Registry) PrunePulses(now time.Time) int {
	n := 0
	for _, v := range r.all() {
		n += v.Scene.PrunePulses(now)
	}
	return n
}

// ExpireStale removes messages that aged out of every session's window since they were
// plotted.
func (r *Registry) ExpireStale() int {
	n := 0
	for _, v := range r.all() {
		n += v.Session.ExpireStale()
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	views := r.views
	r.views = make(map[string]*View)
	r.mu.Unlock()
	for _, v := range views {
		v.Session.Close()
	}
}

// hubObserver forwards session updates to the viewer's websocket clients.
type hubObserver struct {
	hub    *wshub.Hub
	viewer string
}

type clanChatFrame struct {
	Tag      string                   `json:"tag"`
	Messages []gridengine.ClanMessage `json:"messages"`
}

func (o *hubObserver) StatsUpdated(s gridengine.Stats) {
	o.hub.SendTo(o.viewer, wshub.TypeStats, s)
}

func (o *hubObserver) SubscriptionFailed(err error) {
	o.hub.SendTo(o.viewer, wshub.TypeError, errorBody{Error: err.Error()})
}

func (o *hubObserver) FeedUpdated(items []gridengine.FeedItem) {
	o.hub.SendTo(o.viewer, wshub.TypeFeed, items)
}

func (o *hubObserver) ClanChatUpdated(tag string, msgs []gridengine.ClanMessage) {
	o.hub.SendTo(o.viewer, wshub.TypeClanChat, clanChatFrame{Tag: tag, Messages: msgs})
}

func (o *hubObserver) NotificationsUpdated(notes []gridengine.Notification) {
	o.hub.SendTo(o.viewer, wshub.TypeNotifications, notes)
}

func (o *hubObserver) ProfileUpdated(p gridengine.Profile) {
	o.hub.SendTo(o.viewer, wshub.TypeProfile, p)
}
