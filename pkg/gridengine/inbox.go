package gridengine

import (
	"context"
	"fmt"
	"time"

	"github.com/sudorandom/world-grid/pkg/docstore"
	"github.com/sudorandom/world-grid/pkg/metrics"
)

const (
	notificationLimit = 5
	freshNotification = time.Minute
)

// Notification kinds.
const (
	NotifyReply  = "reply"
	NotifyFollow = "follow"
)

// Notification tells the viewer that someone replied to their message or followed them.
// Fresh is set on rows that arrived in the latest delivery and are less than a minute old.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	From      string    `json:"from"`
	MessageID string    `json:"msgId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
	Fresh     bool      `json:"fresh"`
}

type inboxState struct {
	notes   []Notification
	profile *Profile
	unsubs  []docstore.Unsubscribe
	gen     uint64
}

// OpenInbox subscribes to the viewer's latest notifications and to their own profile
// document. A second call replaces both subscriptions.
func (s *Session) OpenInbox(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.viewer == "" {
		return ErrLoginRequired
	}
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.closeInboxLocked()
	s.inbox.gen++
	gen := s.inbox.gen

	notes := docstore.Collection(CollectionNotifications).
		Where("to", s.viewer).
		OrderBy("timestamp", docstore.Desc).
		Limit(notificationLimit)
	unsub, err := s.store.Subscribe(notes, s.onNotifications(gen), s.onInboxError(gen))
	if err != nil {
		return fmt.Errorf("failed to subscribe to notifications: %w", err)
	}
	s.inbox.unsubs = append(s.inbox.unsubs, track(unsub))

	self := docstore.Collection(CollectionUsers).Where(docstore.DocumentID, s.viewer)
	unsub, err = s.store.Subscribe(self, s.onSelfProfile(gen), s.onInboxError(gen))
	if err != nil {
		s.closeInboxLocked()
		return fmt.Errorf("failed to subscribe to profile: %w", err)
	}
	s.inbox.unsubs = append(s.inbox.unsubs, track(unsub))
	s.log.Debug().Msg("inbox opened")
	return nil
}

func (s *Session) onNotifications(gen uint64) func(docstore.Snapshot) {
	return func(snap docstore.Snapshot) {
		added := make(map[string]bool)
		for _, c := range snap.Changes {
			if c.Type == docstore.Added {
				added[c.Doc.ID] = true
			}
		}
		s.mu.Lock()
		defer s.unlock()
		if s.closed || gen != s.inbox.gen {
			return
		}
		now := s.now()
		notes := make([]Notification, len(snap.Docs))
		for i, d := range snap.Docs {
			ts, _ := d.Time("timestamp")
			notes[i] = Notification{
				ID:        d.ID,
				Type:      d.String("type"),
				From:      d.String("from"),
				MessageID: d.String("msgId"),
				Timestamp: ts,
				Read:      d.Bool("read"),
				Fresh:     added[d.ID] && !ts.IsZero() && now.Sub(ts) < freshNotification,
			}
		}
		s.inbox.notes = notes
		s.observer.NotificationsUpdated(notes)
	}
}

func (s *Session) onSelfProfile(gen uint64) func(docstore.Snapshot) {
	return func(snap docstore.Snapshot) {
		p := Profile{UID: s.viewer, DisplayName: defaultAuthor, Self: true}
		if !snap.Empty() {
			doc := snap.Docs[0]
			if name := doc.String("displayName"); name != "" {
				p.DisplayName = name
			}
			p.Followers = doc.Int("followerCount")
			p.Following = doc.Int("followingCount")
		}
		s.mu.Lock()
		defer s.unlock()
		if s.closed || gen != s.inbox.gen {
			return
		}
		s.inbox.profile = &p
		s.observer.ProfileUpdated(p)
	}
}

func (s *Session) onInboxError(gen uint64) func(error) {
	return func(err error) {
		s.mu.Lock()
		defer s.unlock()
		if s.closed || gen != s.inbox.gen {
			return
		}
		metrics.SubscriptionErrorsTotal.Inc()
		s.log.Error().Err(err).Msg("inbox subscription failed")
		s.observer.SubscriptionFailed(err)
	}
}

// Notifications returns the latest delivered notifications, newest first.
func (s *Session) Notifications() []Notification {
	s.mu.Lock()
	defer s.unlock()
	out := make([]Notification, len(s.inbox.notes))
	copy(out, s.inbox.notes)
	return out
}

// SelfProfile returns the viewer's live profile once the first delivery arrived.
func (s *Session) SelfProfile() (Profile, bool) {
	s.mu.Lock()
	defer s.unlock()
	if s.inbox.profile == nil {
		return Profile{}, false
	}
	return *s.inbox.profile, true
}

// MarkNotificationsRead flags every delivered unread notification as read in one batch and
// returns how many were updated.
func (s *Session) MarkNotificationsRead(ctx context.Context) (int, error) {
	if s.viewer == "" {
		return 0, ErrLoginRequired
	}
	s.mu.Lock()
	var unread []string
	for _, n := range s.inbox.notes {
		if !n.Read {
			unread = append(unread, n.ID)
		}
	}
	s.unlock()
	if len(unread) == 0 {
		return 0, nil
	}
	b := s.store.Batch()
	for _, id := range unread {
		b.Update(CollectionNotifications, id, docstore.Fields{"read": true})
	}
	if err := b.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return len(unread), nil
}

func (s *Session) CloseInbox() {
	s.mu.Lock()
	defer s.unlock()
	s.closeInboxLocked()
}

func (s *Session) closeInboxLocked() {
	for _, unsub := range s.inbox.unsubs {
		unsub()
	}
	s.inbox = inboxState{gen: s.inbox.gen + 1}
}
