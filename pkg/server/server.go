// Package server exposes viewer sessions over a chi HTTP API and a websocket stream, and
// wires the hub, the HTTP listener and scene maintenance into a suture supervisor.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sudorandom/world-grid/pkg/config"
	"github.com/sudorandom/world-grid/pkg/gridengine"
	"github.com/sudorandom/world-grid/pkg/logging"
	"github.com/sudorandom/world-grid/pkg/mapview"
	"github.com/sudorandom/world-grid/pkg/metrics"
	"github.com/sudorandom/world-grid/pkg/wshub"
)

const (
	// ViewerHeader identifies the viewer on API requests.
	ViewerHeader = "X-Viewer-ID"
	viewerCookie = "grid_viewer"
	viewerQuery  = "viewer"

	commandTimeout = 10 * time.Second
)

type viewerKey struct{}

// Server serves the world grid API.
type Server struct {
	cfg      *config.Config
	hub      *wshub.Hub
	sessions *Registry
	router   chi.Router
	log      zerolog.Logger
}

type Option func(*gridengine.Options)

// WithLocator resolves client addresses for submissions without coordinates.
func WithLocator(l gridengine.Locator) Option {
	return func(o *gridengine.Options) { o.Locator = l }
}

// WithLocalState shares per-viewer local values across sessions.
func WithLocalState(l *gridengine.LocalState) Option {
	return func(o *gridengine.Options) { o.Local = l }
}

// WithClock overrides the session clock.
func WithClock(now func() time.Time) Option {
	return func(o *gridengine.Options) { o.Now = now }
}

func New(cfg *config.Config, store gridengine.Store, opts ...Option) *Server {
	base := gridengine.OptionsFromConfig(cfg)
	for _, opt := range opts {
		opt(&base)
	}
	s := &Server{
		cfg: cfg,
		log: logging.With().Str("component", "server").Logger(),
	}
	s.hub = wshub.NewHub(
		wshub.WithHandler(s.handleCommand),
		wshub.WithDisconnectHook(s.handleDisconnect),
		wshub.WithResyncHook(s.resync),
	)
	s.sessions = NewRegistry(store, s.hub, base)
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Hub() *wshub.Hub { return s.hub }

func (s *Server) Sessions() *Registry { return s.sessions }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(viewerMiddleware)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.serveWS)

	r.Route("/api", func(r chi.Router) {
		if s.cfg.Server.RateLimit > 0 {
			r.Use(httprate.Limit(s.cfg.Server.RateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		}
		r.Use(requestMetrics)

		r.Get("/stats", s.withView(s.getStats))
		r.Post("/sort", s.withView(s.postSort))
		r.Get("/scene", s.withView(s.getScene))
		r.Get("/search", s.withView(s.getSearch))
		r.Get("/hall-of-fame", s.withView(s.getHallOfFame))
		r.Post("/motd/locate", s.withView(s.postMotDLocate))
		r.Post("/autopilot", s.withView(s.postAutoPilot))
		r.Post("/restore", s.withView(s.postRestore))

		r.Post("/messages", s.withView(s.postMessage))
		r.Route("/messages/{id}", func(r chi.Router) {
			r.Post("/reactions", s.withView(s.postReaction))
			r.Get("/thread", s.withView(s.getThread))
			r.Post("/replies", s.withView(s.postReply))
			r.Post("/locate", s.withView(s.postLocate))
			r.Get("/card", s.withView(s.getCard))
		})

		r.Get("/feed", s.withView(s.getFeed))
		r.Delete("/feed", s.withView(s.deleteFeed))

		r.Get("/history", s.withView(s.getHistory))
		r.Post("/history/{action}", s.withView(s.postHistory))

		r.Get("/profile", s.withView(s.getProfile))
		r.Put("/profile", s.withView(s.putProfile))
		r.Get("/notifications", s.withView(s.getNotifications))
		r.Post("/notifications/read", s.withView(s.postNotificationsRead))
		r.Get("/users/{uid}", s.withView(s.getUser))
		r.Post("/users/{uid}/follow", s.withView(s.postFollow))

		r.Get("/clan/chat", s.withView(s.getClanChat))
		r.Post("/clan/chat", s.withView(s.postClanChat))
		r.Delete("/clan/chat", s.withView(s.deleteClanChat))
	})
	return r
}

// viewerMiddleware resolves the viewer from the header, the query or the cookie. A new
// viewer gets a fresh id in a cookie.
func viewerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		viewer := r.Header.Get(ViewerHeader)
		if viewer == "" {
			viewer = r.URL.Query().Get(viewerQuery)
		}
		if viewer == "" {
			if c, err := r.Cookie(viewerCookie); err == nil {
				viewer = c.Value
			}
		}
		if viewer == "" {
			viewer = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     viewerCookie,
				Value:    viewer,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		w.Header().Set(ViewerHeader, viewer)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), viewerKey{}, viewer)))
	})
}

func viewerFrom(ctx context.Context) string {
	v, _ := ctx.Value(viewerKey{}).(string)
	return v
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		d := time.Since(start)
		metrics.RecordAPIRequest(r.Method, route, strconv.Itoa(status), d)
		logging.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", d).
			Str("viewer", viewerFrom(r.Context())).
			Msg("request")
	})
}

type viewHandler func(w http.ResponseWriter, r *http.Request, v *View)

func (s *Server) withView(h viewHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := s.sessions.Get(r.Context(), viewerFrom(r.Context()))
		if err != nil {
			writeError(w, err)
			return
		}
		h(w, r, v)
	}
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errBadRequestBody
	}
	return nil
}

// serveWS upgrades the connection and replays the viewer's scene to the new client.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFrom(r.Context())
	v, err := s.sessions.Get(r.Context(), viewer)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := s.hub.Accept(w, r, viewer)
	if err != nil {
		s.log.Warn().Err(err).Str("viewer", viewer).Msg("websocket upgrade failed")
		return
	}
	s.reset(c, v)
}

// reset replaces everything queued for c with the full scene of v, followed by the stats.
func (s *Server) reset(c *wshub.Client, v *View) {
	v.Scene.Replay(func(ops []mapview.Op) {
		c.Reset(wshub.Message{Type: wshub.TypeSceneReset, Data: ops})
	})
	c.Send(wshub.Message{Type: wshub.TypeStats, Data: v.Session.Stats()})
}

// resync catches up a client that dropped scene frames.
func (s *Server) resync(c *wshub.Client) {
	v, ok := s.sessions.Lookup(c.Viewer())
	if !ok {
		return
	}
	s.log.Debug().Str("viewer", c.Viewer()).Uint64("client", c.ID()).Msg("resyncing websocket client")
	s.reset(c, v)
}

type commandResult struct {
	Name   string `json:"name"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Status int    `json:"status"`
}

// handleCommand runs a websocket command frame against the client's session.
func (s *Server) handleCommand(c *wshub.Client, msg wshub.Inbound) {
	var cmd gridengine.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		c.Send(wshub.Message{Type: wshub.TypeError, Data: errorBody{Error: errBadRequestBody.Error()}})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	v, err := s.sessions.Get(ctx, c.Viewer())
	if err != nil {
		c.Send(wshub.Message{Type: wshub.TypeError, Data: errorBody{Error: err.Error()}})
		return
	}
	res := commandResult{Name: cmd.Name, Status: http.StatusOK}
	out, err := v.Session.Dispatch(ctx, cmd)
	if err != nil {
		res.Status = statusFor(err)
		res.Error = err.Error()
	} else {
		res.Result = out
	}
	c.Send(wshub.Message{Type: wshub.TypeResult, Data: res})
}

func (s *Server) handleDisconnect(c *wshub.Client) {
	if !s.hub.ViewerConnected(c.Viewer()) {
		s.sessions.Release(c.Viewer())
	}
}

// Close releases every session.
func (s *Server) Close() {
	s.sessions.CloseAll()
}
