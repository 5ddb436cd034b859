// Package gridengine drives one viewer's view of the world grid: it keeps a live query on
// the message collection, draws markers and neighbor lines, maintains the search index and
// the leaderboards, and carries out every viewer action against the document store.
package gridengine

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/sudorandom/world-grid/pkg/config"
	"github.com/sudorandom/world-grid/pkg/docstore"
	"github.com/sudorandom/world-grid/pkg/logging"
	"github.com/sudorandom/world-grid/pkg/mapview"
	"github.com/sudorandom/world-grid/pkg/metrics"
)

// Store is the subset of *docstore.Store the engine uses.
type Store interface {
	Subscribe(q docstore.Query, onNext func(docstore.Snapshot), onErr func(error)) (docstore.Unsubscribe, error)
	Get(ctx context.Context, collection, id string) (docstore.Document, error)
	GetDocs(ctx context.Context, q docstore.Query) ([]docstore.Document, error)
	Add(ctx context.Context, collection string, fields docstore.Fields) (string, error)
	Set(ctx context.Context, collection, id string, fields docstore.Fields, merge bool) error
	Update(ctx context.Context, collection, id string, fields docstore.Fields) error
	Batch() *docstore.WriteBatch
	NewID() string
}

var _ Store = (*docstore.Store)(nil)

// Observer receives session updates. Calls are made while the session is locked, so an
// observer must not call back into the session.
type Observer interface {
	StatsUpdated(Stats)
	SubscriptionFailed(err error)
	FeedUpdated(items []FeedItem)
	ClanChatUpdated(tag string, msgs []ClanMessage)
	NotificationsUpdated(notes []Notification)
	ProfileUpdated(p Profile)
}

type NopObserver struct{}

func (NopObserver) StatsUpdated(Stats)                    {}
func (NopObserver) SubscriptionFailed(error)              {}
func (NopObserver) FeedUpdated([]FeedItem)                {}
func (NopObserver) ClanChatUpdated(string, []ClanMessage) {}
func (NopObserver) NotificationsUpdated([]Notification)   {}
func (NopObserver) ProfileUpdated(Profile)                {}

type Options struct {
	Viewer            string
	MessageLimit      int
	MaxAge            time.Duration
	Neighbors         int
	FeedPageSize      int
	LiveReplyCounts   bool
	StepInterval      time.Duration
	PopupDelay        time.Duration
	LocatePopupDelay  time.Duration
	AutoPilotInterval time.Duration
	AutoPilotFlight   time.Duration

	Observer  Observer
	Locator   Locator
	Local     *LocalState
	Profanity *ProfanityFilter
	Now       func() time.Time
}

func DefaultOptions() Options {
	return Options{
		MessageLimit:      200,
		MaxAge:            24 * time.Hour,
		Neighbors:         3,
		FeedPageSize:      20,
		StepInterval:      3 * time.Second,
		PopupDelay:        1600 * time.Millisecond,
		LocatePopupDelay:  2200 * time.Millisecond,
		AutoPilotInterval: 10 * time.Second,
		AutoPilotFlight:   4 * time.Second,
	}
}

// OptionsFromConfig maps the engine sections of the server configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	o := DefaultOptions()
	o.MessageLimit = cfg.Engine.MessageLimit
	o.MaxAge = cfg.Engine.MaxAge
	o.Neighbors = cfg.Engine.Neighbors
	o.FeedPageSize = cfg.Engine.FeedPageSize
	o.LiveReplyCounts = cfg.Engine.LiveReplyCounts
	o.StepInterval = cfg.History.StepInterval
	o.PopupDelay = cfg.History.PopupDelay
	o.AutoPilotInterval = cfg.AutoPilot.Interval
	return o
}

// Stats is the aggregate panel data republished after every message snapshot.
type Stats struct {
	Sort      SortKey       `json:"sort"`
	Total     int           `json:"total"`
	Plotted   int           `json:"plotted"`
	Countries []CountryStat `json:"countries"`
	Clans     []ClanStat    `json:"clans"`
	Rivalry   *Rivalry      `json:"rivalry,omitempty"`
	MotD      *MotD         `json:"motd,omitempty"`
	ResetIn   time.Duration `json:"resetIn"`
	Error     string        `json:"error,omitempty"`
}

type plotted struct {
	msg   Message
	level Level
}

// Session is one viewer's engine. All state is guarded by a single mutex; callbacks from
// a replaced subscription carry an old generation and are ignored.
type Session struct {
	store    Store
	surface  Surface
	observer Observer
	opts     Options
	viewer   string
	local    *LocalState
	profane  *ProfanityFilter
	validate *validator.Validate
	log      zerolog.Logger
	now      func() time.Time

	history *History

	mu       sync.Mutex
	closed   bool
	markers  *MarkerStore
	index    *SearchIndex
	messages map[string]plotted
	window   []Message
	sort     SortKey
	gen      uint64
	unsub    docstore.Unsubscribe
	stats    Stats
	locate   *time.Timer
	feed     feedState
	clan     clanState
	inbox    inboxState
	pilot    autoPilot
	rng      *rand.Rand
}

func NewSession(store Store, surface Surface, opts Options) *Session {
	def := DefaultOptions()
	if opts.MessageLimit <= 0 {
		opts.MessageLimit = def.MessageLimit
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = def.MaxAge
	}
	if opts.Neighbors <= 0 {
		opts.Neighbors = def.Neighbors
	}
	if opts.FeedPageSize <= 0 {
		opts.FeedPageSize = def.FeedPageSize
	}
	if opts.StepInterval <= 0 {
		opts.StepInterval = def.StepInterval
	}
	if opts.PopupDelay <= 0 {
		opts.PopupDelay = def.PopupDelay
	}
	if opts.LocatePopupDelay <= 0 {
		opts.LocatePopupDelay = def.LocatePopupDelay
	}
	if opts.AutoPilotInterval <= 0 {
		opts.AutoPilotInterval = def.AutoPilotInterval
	}
	if opts.AutoPilotFlight <= 0 {
		opts.AutoPilotFlight = def.AutoPilotFlight
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Local == nil {
		opts.Local = NewLocalState(nil)
	}
	if opts.Profanity == nil {
		opts.Profanity = DefaultProfanityFilter()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	now := opts.Now()
	s := &Session{
		store:    store,
		surface:  surface,
		observer: opts.Observer,
		opts:     opts,
		viewer:   opts.Viewer,
		local:    opts.Local,
		profane:  opts.Profanity,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logging.With().Str("component", "grid-session").Str("viewer", opts.Viewer).Logger(),
		now:      opts.Now,
		history:  NewHistory(surface, opts.StepInterval, opts.PopupDelay),
		markers:  NewMarkerStore(surface),
		index:    NewSearchIndex(),
		messages: make(map[string]plotted),
		sort:     SortLatest,
		rng:      rand.New(rand.NewPCG(uint64(now.UnixNano()), uint64(len(opts.Viewer)))),
	}
	metrics.SessionsActive.Inc()
	return s
}

func (s *Session) Viewer() string { return s.viewer }

// unlock flushes the operations batched on the surface while the session was locked.
func (s *Session) unlock() {
	flush(s.surface)
	s.mu.Unlock()
}

// track wraps an unsubscribe so the active subscription gauge follows it.
func track(unsub docstore.Unsubscribe) docstore.Unsubscribe {
	metrics.SubscriptionsActive.Inc()
	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			metrics.SubscriptionsActive.Dec()
		})
	}
}

// LoadMessages replaces the live message query with one ordered by key. The previous
// subscription is released and the map cleared before the new one starts.
func (s *Session) LoadMessages(key SortKey) error {
	if key != SortLatest && key != SortTop {
		return ErrInvalidSortKey
	}
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return ErrSessionClosed
	}

	s.releaseMessagesLocked()
	s.gen++
	gen := s.gen
	s.sort = key
	s.stats = Stats{Sort: key}
	s.window = nil
	s.clearMapLocked()
	s.renderSyntheticLocked()

	q := docstore.Collection(CollectionMessages).
		OrderBy(string(key), docstore.Desc).
		Limit(s.opts.MessageLimit)
	unsub, err := s.store.Subscribe(q, s.onMessages(gen), s.onMessagesError(gen))
	if err != nil {
		return err
	}
	s.unsub = track(unsub)
	s.log.Debug().Str("sort", string(key)).Uint64("generation", gen).Msg("message subscription started")
	return nil
}

func (s *Session) releaseMessagesLocked() {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
}

// Sort returns the active sort key.
func (s *Session) Sort() SortKey {
	s.mu.Lock()
	defer s.unlock()
	return s.sort
}

func (s *Session) onMessages(gen uint64) func(docstore.Snapshot) {
	return func(snap docstore.Snapshot) {
		s.mu.Lock()
		defer s.unlock()
		if s.closed || gen != s.gen {
			return
		}
		s.applySnapshotLocked(snap)
	}
}

func (s *Session) onMessagesError(gen uint64) func(error) {
	return func(err error) {
		s.mu.Lock()
		defer s.unlock()
		if s.closed || gen != s.gen {
			return
		}
		metrics.SubscriptionErrorsTotal.Inc()
		s.log.Error().Err(err).Msg("message subscription failed")
		s.stats.Error = err.Error()
		s.observer.SubscriptionFailed(err)
	}
}

func (s *Session) applySnapshotLocked(snap docstore.Snapshot) {
	metrics.SnapshotsTotal.Inc()
	now := s.now()

	window := make([]Message, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		m, _ := decodeMessage(d)
		window = append(window, m)
	}
	s.window = window

	for _, c := range snap.Changes {
		metrics.ChangesTotal.WithLabelValues(c.Type.String()).Inc()
		switch c.Type {
		case docstore.Added:
			s.handleAddedLocked(c.Doc, now)
		case docstore.Modified:
			s.handleModifiedLocked(c.Doc)
		case docstore.Removed:
			s.handleRemovedLocked(c.Doc.ID)
		}
	}

	s.expireLocked(now)

	s.stats = s.statsLocked(now)
	s.observer.StatsUpdated(s.stats)
}

// statsLocked aggregates the last snapshot window. Stale messages count toward the total and
// the message of the day but not toward the leaderboards.
func (s *Session) statsLocked(now time.Time) Stats {
	var visible []Message
	for _, m := range s.window {
		if !s.staleLocked(m, now) {
			visible = append(visible, m)
		}
	}
	synthetic := SyntheticMessages(now)

	stats := Stats{
		Sort:      s.sort,
		Total:     len(s.window) + len(synthetic),
		Countries: CountryLeaderboard(visible),
		Clans:     ClanLeaderboard(append(visible, synthetic...)),
		Plotted:   s.markers.Len(),
		ResetIn:   Countdown(now),
	}
	all := append(append([]Message(nil), s.window...), synthetic...)
	if motd, ok := MessageOfTheDay(now, all); ok {
		stats.MotD = &motd
	}
	if tag, ok := ClanTag(s.localName()); ok {
		if r, ok := RivalryFor(stats.Clans, tag); ok {
			stats.Rivalry = &r
		}
	}
	return stats
}

// expireLocked removes plotted messages that have aged past MaxAge and returns how many
// were removed. Their neighbor lines stay until the next clear.
func (s *Session) expireLocked(now time.Time) int {
	var expired []string
	for id, p := range s.messages {
		if !p.msg.Synthetic && s.staleLocked(p.msg, now) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	for _, id := range expired {
		s.handleRemovedLocked(id)
	}
	if len(expired) > 0 {
		metrics.ExpiredMessagesTotal.Add(float64(len(expired)))
		s.log.Debug().Int("expired", len(expired)).Msg("expired stale messages")
	}
	return len(expired)
}

// ExpireStale removes plotted messages that aged past MaxAge since they were drawn and
// republishes the stats when anything was removed.
func (s *Session) ExpireStale() int {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return 0
	}
	now := s.now()
	n := s.expireLocked(now)
	if n > 0 {
		stats := s.statsLocked(now)
		stats.Error = s.stats.Error
		s.stats = stats
		s.observer.StatsUpdated(stats)
	}
	return n
}

func (s *Session) staleLocked(m Message, now time.Time) bool {
	return m.HasTimestamp && now.Sub(m.Timestamp) >= s.opts.MaxAge
}

func (s *Session) handleAddedLocked(doc docstore.Document, now time.Time) {
	m, err := decodeMessage(doc)
	if err != nil {
		metrics.MalformedMessagesTotal.Inc()
		s.log.Debug().Err(err).Str("message", doc.ID).Msg("skipping message")
		return
	}
	if s.staleLocked(m, now) {
		metrics.StaleMessagesTotal.Inc()
		return
	}
	s.plotLocked(m)
}

func (s *Session) handleModifiedLocked(doc docstore.Document) {
	p, ok := s.messages[doc.ID]
	if !ok || p.msg.Synthetic {
		return
	}
	m, _ := decodeMessage(doc)
	p.msg.LikedBy = m.LikedBy
	p.msg.DislikedBy = m.DislikedBy
	p.msg.Likes = m.Likes
	p.msg.Dislikes = m.Dislikes
	if s.opts.LiveReplyCounts {
		p.msg.ReplyCount = m.ReplyCount
	}
	s.messages[doc.ID] = p
	s.surface.SetPopup(doc.ID, buildPopup(p.msg, p.level, s.viewer))
	s.index.UpdateLikes(doc.ID, p.msg.Likes)
}

func (s *Session) handleRemovedLocked(id string) {
	s.markers.Remove(id)
	s.index.Remove(id)
	delete(s.messages, id)
}

// plotLocked links m to its nearest already plotted points, then draws it and indexes it.
func (s *Session) plotLocked(m Message) {
	lvl := LevelFor(m.Likes, m.SpecialTitle)
	points := s.markers.Points()
	for _, i := range NearestNeighbors(m.Position, points, s.opts.Neighbors) {
		s.markers.AddLine(neuralLine(m.Position, points[i], lvl.Line))
	}
	s.markers.Insert(m.ID, m.Position, buildMarker(m, lvl, s.viewer))
	s.index.Add(entryFor(m))
	s.messages[m.ID] = plotted{msg: m, level: lvl}
}

// RenderSyntheticMarkers plots the demo messages.
func (s *Session) RenderSyntheticMarkers() {
	s.mu.Lock()
	defer s.unlock()
	s.renderSyntheticLocked()
}

func (s *Session) renderSyntheticLocked() {
	for _, m := range SyntheticMessages(s.now()) {
		s.plotLocked(m)
	}
}

// ClearMap removes every marker and line and empties the search index.
func (s *Session) ClearMap() {
	s.mu.Lock()
	defer s.unlock()
	s.clearMapLocked()
}

func (s *Session) clearMapLocked() {
	s.history.Exit()
	s.markers.Clear()
	s.index.Reset()
	s.messages = make(map[string]plotted)
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.unlock()
	st := s.stats
	st.Plotted = s.markers.Len()
	st.ResetIn = Countdown(s.now())
	return st
}

// Message returns a plotted message.
func (s *Session) Message(id string) (Message, bool) {
	s.mu.Lock()
	defer s.unlock()
	p, ok := s.messages[id]
	return p.msg, ok
}

// SearchResult is the outcome of a search box query.
type SearchResult struct {
	Matches  []SearchEntry `json:"matches"`
	Unlocked string        `json:"unlocked,omitempty"`
}

// Search queries the index. The secret phrase unlocks the HACKER title instead.
func (s *Session) Search(term string) (SearchResult, error) {
	if isArchitect(term) {
		if err := s.local.Set(s.viewer, LocalSpecialTitle, titleHacker); err != nil {
			return SearchResult{}, err
		}
		s.log.Info().Msg("special title unlocked")
		return SearchResult{Unlocked: titleHacker}, nil
	}
	s.mu.Lock()
	defer s.unlock()
	return SearchResult{Matches: s.index.Search(term)}, nil
}

func isArchitect(term string) bool {
	return strings.ToLower(term) == architectQuery
}

const (
	resultZoom  = 12
	feedZoom    = 14
	motdZoom    = 10
	flightTime  = 2 * time.Second
	radarLength = 5 * time.Second
)

// LocateResult flies to a plotted message, pulses the radar and opens its popup once the
// camera arrives. Messages not on the map are looked up in the store.
func (s *Session) LocateResult(ctx context.Context, id string) error {
	return s.locateMessage(ctx, id, resultZoom, true)
}

// LocateFeedItem flies closer than a search result and skips the radar.
func (s *Session) LocateFeedItem(ctx context.Context, id string) error {
	return s.locateMessage(ctx, id, feedZoom, false)
}

func (s *Session) locateMessage(ctx context.Context, id string, zoom int, radar bool) error {
	s.mu.Lock()
	e, ok := s.index.Get(id)
	s.unlock()
	pos := e.Position
	if !ok {
		if IsSynthetic(id) {
			return ErrUnknownMessage
		}
		doc, err := s.store.Get(ctx, CollectionMessages, id)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return ErrUnknownMessage
			}
			return err
		}
		m, err := decodeMessage(doc)
		if err != nil {
			return err
		}
		pos = m.Position
	}

	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if radar {
		s.surface.AddPulse(pos, mapview.ColorRadar, radarLength)
	}
	s.surface.FlyTo(pos, zoom, flightTime)
	s.schedulePopupLocked(id, s.opts.LocatePopupDelay)
	return nil
}

// LocateMotD flies to the message of the day.
func (s *Session) LocateMotD() (MotD, error) {
	s.mu.Lock()
	defer s.unlock()
	if s.stats.MotD == nil {
		return MotD{}, ErrUnknownMessage
	}
	motd := *s.stats.MotD
	s.surface.FlyTo(motd.Position, motdZoom, flightTime)
	s.surface.AddPulse(motd.Position, mapview.ColorRadar, radarLength)
	s.schedulePopupLocked(motd.ID, s.opts.LocatePopupDelay)
	return motd, nil
}

func (s *Session) schedulePopupLocked(id string, delay time.Duration) {
	if s.locate != nil {
		s.locate.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.unlock()
		if s.closed || s.locate != t {
			return
		}
		s.surface.OpenPopup(id)
	})
	s.locate = t
}

func (s *Session) localName() string {
	name, err := s.local.Get(s.viewer, LocalName)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read local name")
	}
	return name
}

// Close releases every subscription and stops all timers. It is safe to call twice.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.gen++
	s.releaseMessagesLocked()
	s.closeFeedLocked()
	s.closeClanChatLocked()
	s.closeInboxLocked()
	s.stopAutoPilotLocked()
	s.history.Exit()
	if s.locate != nil {
		s.locate.Stop()
		s.locate = nil
	}
	metrics.SessionsActive.Dec()
	s.log.Debug().Msg("session closed")
}
