package gridengine

import (
	"context"
	"fmt"

	"github.com/sudorandom/world-grid/pkg/metrics"
)

// Command names accepted by Dispatch.
const (
	CmdSort              = "sort"
	CmdClear             = "clear"
	CmdReact             = "react"
	CmdThreadReply       = "thread.reply"
	CmdFeedLoad          = "feed.load"
	CmdFeedClose         = "feed.close"
	CmdFeedLocate        = "feed.locate"
	CmdSearch            = "search"
	CmdLocate            = "locate"
	CmdFollow            = "follow"
	CmdSubmit            = "submit"
	CmdRestore           = "restore"
	CmdHallOfFame        = "hall_of_fame"
	CmdClanOpen          = "clan.open"
	CmdClanSend          = "clan.send"
	CmdClanClose         = "clan.close"
	CmdMotDLocate        = "motd.locate"
	CmdAutoPilot         = "autopilot"
	CmdStats             = "stats"
	CmdHistoryEnter      = "history.enter"
	CmdHistoryExit       = "history.exit"
	CmdHistoryPlay       = "history.play"
	CmdHistoryPause      = "history.pause"
	CmdHistoryStep       = "history.step"
	CmdHistorySeek       = "history.seek"
	CmdHistoryStatus     = "history.status"
	CmdNotifications     = "notifications"
	CmdNotificationsRead = "notifications.read"
	CmdProfileSelf       = "profile.self"
)

// Command is a named viewer action. Popup actions use their action command as Name.
type Command struct {
	Name   string         `json:"name"`
	ID     string         `json:"id,omitempty"`
	Action string         `json:"action,omitempty"`
	Delta  int            `json:"delta,omitempty"`
	Index  int            `json:"index,omitempty"`
	Text   string         `json:"text,omitempty"`
	Sort   string         `json:"sort,omitempty"`
	More   bool           `json:"more,omitempty"`
	On     bool           `json:"on,omitempty"`
	Submit *SubmitRequest `json:"submit,omitempty"`
}

// Dispatch runs cmd and returns its result value.
func (s *Session) Dispatch(ctx context.Context, cmd Command) (any, error) {
	res, err := s.dispatch(ctx, cmd)
	metrics.RecordCommand(cmd.Name, err)
	if err != nil {
		s.log.Debug().Err(err).Str("command", cmd.Name).Str("id", cmd.ID).Msg("command failed")
	}
	return res, err
}

func (s *Session) dispatch(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Name {
	case CmdSort:
		key, err := ParseSortKey(cmd.Sort)
		if err != nil {
			return nil, err
		}
		if err := s.LoadMessages(key); err != nil {
			return nil, err
		}
		return s.Stats(), nil
	case CmdClear:
		s.ClearMap()
		return nil, nil
	case CmdReact:
		return s.HandleReaction(ctx, cmd.ID, cmd.Action)
	case ActionLike:
		return s.HandleReaction(ctx, cmd.ID, ReactionLike)
	case ActionDislike:
		return s.HandleReaction(ctx, cmd.ID, ReactionDislike)
	case ActionThread:
		return s.OpenThread(ctx, cmd.ID)
	case CmdThreadReply:
		return s.PostReply(ctx, cmd.ID, cmd.Text)
	case ActionCard:
		return s.RequestDownloadCard(cmd.ID)
	case ActionProfile:
		return s.PublicProfile(ctx, cmd.ID)
	case CmdFeedLoad:
		return s.LoadFeed(ctx, cmd.More)
	case CmdFeedClose:
		s.CloseFeed()
		return nil, nil
	case CmdFeedLocate:
		return nil, s.LocateFeedItem(ctx, cmd.ID)
	case CmdSearch:
		return s.Search(cmd.Text)
	case CmdLocate:
		return nil, s.LocateResult(ctx, cmd.ID)
	case CmdFollow:
		return s.ToggleFollow(ctx, cmd.ID)
	case CmdSubmit:
		if cmd.Submit == nil {
			return nil, &ValidationError{Fields: []string{"submit:required"}}
		}
		return s.Submit(ctx, *cmd.Submit)
	case CmdRestore:
		id, _, err := s.RestoreLocalState(ctx)
		return id, err
	case CmdHallOfFame:
		return s.HallOfFame(ctx)
	case CmdClanOpen:
		return s.OpenClanChat(ctx)
	case CmdClanSend:
		return s.SendClanMessage(ctx, cmd.Text)
	case CmdClanClose:
		s.CloseClanChat()
		return nil, nil
	case CmdMotDLocate:
		return s.LocateMotD()
	case CmdAutoPilot:
		return cmd.On, s.SetAutoPilot(cmd.On)
	case CmdStats:
		return s.Stats(), nil
	case CmdHistoryEnter:
		return s.HistoryEnter(), nil
	case CmdHistoryExit:
		s.history.Exit()
		return s.history.State(), nil
	case CmdHistoryPlay:
		return s.history.Play()
	case CmdHistoryPause:
		return s.history.Pause()
	case CmdHistoryStep:
		return s.history.Step(cmd.Delta)
	case CmdHistorySeek:
		return s.history.Seek(cmd.Index)
	case CmdHistoryStatus:
		return s.history.State(), nil
	case CmdNotifications:
		return s.Notifications(), nil
	case CmdNotificationsRead:
		return s.MarkNotificationsRead(ctx)
	case CmdProfileSelf:
		if p, ok := s.SelfProfile(); ok {
			return p, nil
		}
		return s.PublicProfile(ctx, s.viewer)
	}
	return nil, fmt.Errorf("%q: %w", cmd.Name, ErrUnknownCommand)
}

// History returns the session's playback controller.
func (s *Session) History() *History { return s.history }

// HistoryEnter freezes the current search index into the timeline.
func (s *Session) HistoryEnter() HistoryStatus {
	s.mu.Lock()
	defer s.unlock()
	return s.history.Enter(s.index.Entries())
}
