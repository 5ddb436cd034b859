package gridengine

import (
	"context"
	"strings"
	"time"

	"github.com/sudorandom/world-grid/pkg/docstore"
)

const clanChatLimit = 50

// ClanMessage is one line of clan chat.
type ClanMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Display   string    `json:"display"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// senderDisplay strips the clan prefix from a sender name.
func senderDisplay(sender string) string {
	if i := strings.Index(sender, "]"); i >= 0 {
		if rest := strings.TrimSpace(sender[i+1:]); rest != "" {
			return rest
		}
	}
	return sender
}

type clanState struct {
	tag   string
	msgs  []ClanMessage
	unsub docstore.Unsubscribe
	gen   uint64
}

func (s *Session) clanTag() (string, error) {
	tag, ok := ClanTag(s.localName())
	if !ok {
		return "", ErrNoClanTag
	}
	return tag, nil
}

// OpenClanChat subscribes to the chat of the clan in the viewer's remembered name.
func (s *Session) OpenClanChat(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tag, err := s.clanTag()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	s.closeClanChatLocked()
	s.clan.gen++
	s.clan.tag = tag
	gen := s.clan.gen

	q := docstore.Collection(CollectionClanMessages).
		Where("tag", tag).
		OrderBy("timestamp", docstore.Asc).
		Limit(clanChatLimit)
	unsub, err := s.store.Subscribe(q, s.onClanChat(gen, tag), s.onClanChatError(gen))
	if err != nil {
		return "", err
	}
	s.clan.unsub = track(unsub)
	s.log.Debug().Str("tag", tag).Msg("clan chat opened")
	return tag, nil
}

func (s *Session) onClanChat(gen uint64, tag string) func(docstore.Snapshot) {
	return func(snap docstore.Snapshot) {
		msgs := make([]ClanMessage, len(snap.Docs))
		for i, d := range snap.Docs {
			ts, _ := d.Time("timestamp")
			sender := d.String("sender")
			msgs[i] = ClanMessage{
				ID:        d.ID,
				Sender:    sender,
				Display:   senderDisplay(sender),
				Text:      d.String("text"),
				Timestamp: ts,
			}
		}
		s.mu.Lock()
		defer s.unlock()
		if s.closed || gen != s.clan.gen {
			return
		}
		s.clan.msgs = msgs
		s.observer.ClanChatUpdated(tag, msgs)
	}
}

func (s *Session) onClanChatError(gen uint64) func(error) {
	return func(err error) {
		s.mu.Lock()
		defer s.unlock()
		if s.closed || gen != s.clan.gen {
			return
		}
		s.log.Error().Err(err).Str("tag", s.clan.tag).Msg("clan chat subscription failed")
		s.observer.SubscriptionFailed(err)
	}
}

// ClanChat returns the tag and messages of the open chat.
func (s *Session) ClanChat() (string, []ClanMessage) {
	s.mu.Lock()
	defer s.unlock()
	out := make([]ClanMessage, len(s.clan.msgs))
	copy(out, s.clan.msgs)
	return s.clan.tag, out
}

// SendClanMessage posts text to the viewer's clan.
func (s *Session) SendClanMessage(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if _, bad := s.profane.Check(text); bad {
		return "", ErrProfanity
	}
	name := s.localName()
	tag, ok := ClanTag(name)
	if !ok {
		return "", ErrNoClanTag
	}
	return s.store.Add(ctx, CollectionClanMessages, docstore.Fields{
		"tag":       tag,
		"sender":    name,
		"text":      text,
		"timestamp": docstore.ServerTimestamp(),
	})
}

func (s *Session) CloseClanChat() {
	s.mu.Lock()
	defer s.unlock()
	s.closeClanChatLocked()
}

func (s *Session) closeClanChatLocked() {
	if s.clan.unsub != nil {
		s.clan.unsub()
	}
	s.clan = clanState{gen: s.clan.gen + 1}
}
