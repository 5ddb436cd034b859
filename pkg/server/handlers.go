package server

import (
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sudorandom/world-grid/pkg/gridengine"
)

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request, v *View) {
	writeJSON(w, http.StatusOK, v.Session.Stats())
}

type sortRequest struct {
	Sort string `json:"sort"`
}

func (s *Server) postSort(w http.ResponseWriter, r *http.Request, v *View) {
	var req sortRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	key, err := gridengine.ParseSortKey(req.Sort)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := v.Session.LoadMessages(key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v.Session.Stats())
}

func (s *Server) getScene(w http.ResponseWriter, _ *http.Request, v *View) {
	b, err := v.Scene.MarshalGeoJSON()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (s *Server) getSearch(w http.ResponseWriter, r *http.Request, v *View) {
	res, err := v.Session.Search(r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getHallOfFame(w http.ResponseWriter, r *http.Request, v *View) {
	hof, err := v.Session.HallOfFame(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hof)
}

func (s *Server) postMotDLocate(w http.ResponseWriter, _ *http.Request, v *View) {
	motd, err := v.Session.LocateMotD()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, motd)
}

type autoPilotRequest struct {
	On bool `json:"on"`
}

func (s *Server) postAutoPilot(w http.ResponseWriter, r *http.Request, v *View) {
	var req autoPilotRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := v.Session.SetAutoPilot(req.On); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, autoPilotRequest{On: v.Session.AutoPilotEnabled()})
}

type restoreResponse struct {
	ID    string `json:"id,omitempty"`
	Found bool   `json:"found"`
}

func (s *Server) postRestore(w http.ResponseWriter, r *http.Request, v *View) {
	id, found, err := v.Session.RestoreLocalState(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, restoreResponse{ID: id, Found: found})
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request, v *View) {
	var req gridengine.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.IP = clientIP(r)
	res, err := v.Session.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Edited {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// clientIP reads the address left by the RealIP middleware.
func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

type reactionRequest struct {
	Action string `json:"action"`
}

func (s *Server) postReaction(w http.ResponseWriter, r *http.Request, v *View) {
	var req reactionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := v.Session.HandleReaction(r.Context(), chi.URLParam(r, "id"), req.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getThread(w http.ResponseWriter, r *http.Request, v *View) {
	th, err := v.Session.OpenThread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) postReply(w http.ResponseWriter, r *http.Request, v *View) {
	var req textRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	th, err := v.Session.PostReply(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, th)
}

// postLocate flies to a message. ?from=feed uses the closer feed zoom without radar.
func (s *Server) postLocate(w http.ResponseWriter, r *http.Request, v *View) {
	id := chi.URLParam(r, "id")
	var err error
	if r.URL.Query().Get("from") == "feed" {
		err = v.Session.LocateFeedItem(r.Context(), id)
	} else {
		err = v.Session.LocateResult(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getCard(w http.ResponseWriter, r *http.Request, v *View) {
	card, err := v.Session.RequestDownloadCard(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) getFeed(w http.ResponseWriter, r *http.Request, v *View) {
	more, _ := strconv.ParseBool(r.URL.Query().Get("more"))
	items, err := v.Session.LoadFeed(r.Context(), more)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []gridengine.FeedItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) deleteFeed(w http.ResponseWriter, _ *http.Request, v *View) {
	v.Session.CloseFeed()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getHistory(w http.ResponseWriter, _ *http.Request, v *View) {
	writeJSON(w, http.StatusOK, v.Session.History().State())
}

type historyRequest struct {
	Delta int `json:"delta"`
	Index int `json:"index"`
}

func (s *Server) postHistory(w http.ResponseWriter, r *http.Request, v *View) {
	var req historyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	h := v.Session.History()
	var (
		st  gridengine.HistoryStatus
		err error
	)
	switch chi.URLParam(r, "action") {
	case "enter":
		st = v.Session.HistoryEnter()
	case "exit":
		h.Exit()
		st = h.State()
	case "play":
		st, err = h.Play()
	case "pause":
		st, err = h.Pause()
	case "step":
		st, err = h.Step(req.Delta)
	case "seek":
		st, err = h.Seek(req.Index)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type profileRequest struct {
	DisplayName string `json:"displayName"`
}

func (s *Server) putProfile(w http.ResponseWriter, r *http.Request, v *View) {
	var req profileRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := v.Session.RegisterProfile(r.Context(), req.DisplayName); err != nil {
		writeError(w, err)
		return
	}
	p, err := v.Session.PublicProfile(r.Context(), v.Viewer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// getProfile answers from the live profile once it arrived and reads the store before that.
func (s *Server) getProfile(w http.ResponseWriter, r *http.Request, v *View) {
	if p, ok := v.Session.SelfProfile(); ok {
		writeJSON(w, http.StatusOK, p)
		return
	}
	p, err := v.Session.PublicProfile(r.Context(), v.Viewer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) getNotifications(w http.ResponseWriter, _ *http.Request, v *View) {
	writeJSON(w, http.StatusOK, v.Session.Notifications())
}

type readResponse struct {
	Updated int `json:"updated"`
}

func (s *Server) postNotificationsRead(w http.ResponseWriter, r *http.Request, v *View) {
	n, err := v.Session.MarkNotificationsRead(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readResponse{Updated: n})
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request, v *View) {
	p, err := v.Session.PublicProfile(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type followResponse struct {
	Following bool `json:"following"`
}

func (s *Server) postFollow(w http.ResponseWriter, r *http.Request, v *View) {
	following, err := v.Session.ToggleFollow(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, followResponse{Following: following})
}

// getClanChat opens the chat on first use and returns what has arrived so far.
func (s *Server) getClanChat(w http.ResponseWriter, r *http.Request, v *View) {
	tag, msgs := v.Session.ClanChat()
	if tag == "" {
		var err error
		if tag, err = v.Session.OpenClanChat(r.Context()); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, clanChatFrame{Tag: tag, Messages: msgs})
}

type sentResponse struct {
	ID string `json:"id"`
}

func (s *Server) postClanChat(w http.ResponseWriter, r *http.Request, v *View) {
	var req textRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := v.Session.SendClanMessage(r.Context(), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sentResponse{ID: id})
}

func (s *Server) deleteClanChat(w http.ResponseWriter, _ *http.Request, v *View) {
	v.Session.CloseClanChat()
	w.WriteHeader(http.StatusNoContent)
}
