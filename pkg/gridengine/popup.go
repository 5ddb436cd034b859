package gridengine

import "github.com/sudorandom/world-grid/pkg/mapview"

// Popup action commands.
const (
	ActionLike    = "react.like"
	ActionDislike = "react.dislike"
	ActionThread  = "thread.open"
	ActionCard    = "card.download"
	ActionProfile = "profile.open"
)

func buildPopup(m Message, lvl Level, viewer string) mapview.Popup {
	p := mapview.Popup{
		MessageID: m.ID,
		Author:    m.Author(),
		AuthorUID: m.UID,
		Text:      m.Text,
		Rank:      lvl.Rank,
		Accent:    lvl.Line,
		Likes:     m.Likes,
		Dislikes:  m.Dislikes,
		Replies:   m.ReplyCount,
		Synthetic: m.Synthetic,
		Position:  m.Position,
	}
	if m.Synthetic {
		p.Actions = []mapview.Action{{Command: ActionCard, Label: "Download card"}}
		return p
	}
	p.Liked = m.likedBy(viewer)
	p.Disliked = m.dislikedBy(viewer)
	p.Actions = []mapview.Action{
		{Command: ActionLike, Label: "Like"},
		{Command: ActionDislike, Label: "Dislike"},
		{Command: ActionThread, Label: "Replies"},
		{Command: ActionCard, Label: "Download card"},
	}
	if m.UID != "" && m.UID != "guest" && m.UID != viewer {
		p.Actions = append(p.Actions, mapview.Action{Command: ActionProfile, Label: "Profile"})
	}
	return p
}

func buildMarker(m Message, lvl Level, viewer string) mapview.Marker {
	p := buildPopup(m, lvl, viewer)
	return mapview.Marker{
		ID:       m.ID,
		Position: m.Position,
		Icon:     mapview.Icon{Class: lvl.Icon, Color: lvl.PinColor},
		Popup:    &p,
	}
}
