package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/sudorandom/world-grid/pkg/logging"
)

const (
	shutdownTimeout     = 10 * time.Second
	maintenanceInterval = time.Second
)

// HTTPService runs an http.Server until the supervisor stops it.
type HTTPService struct {
	server *http.Server
}

func NewHTTPService(server *http.Server) *HTTPService {
	return &HTTPService{server: server}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", h.server.Addr).Msg("http server listening")
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }

// MaintenanceService runs periodic scene housekeeping and closes idle sessions.
type MaintenanceService struct {
	sessions *Registry
	idle     time.Duration
	interval time.Duration
}

func NewMaintenanceService(sessions *Registry, idle time.Duration) *MaintenanceService {
	return &MaintenanceService{sessions: sessions, idle: idle, interval: maintenanceInterval}
}

func (m *MaintenanceService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			m.sessions.PrunePulses(now)
			if n := m.sessions.ExpireStale(); n > 0 {
				logging.Debug().Int("expired", n).Msg("stale messages expired")
			}
			if n := m.sessions.Sweep(m.idle); n > 0 {
				logging.Info().Int("closed", n).Int("sessions", m.sessions.Len()).Msg("idle sessions closed")
			}
		}
	}
}

func (m *MaintenanceService) String() string { return "scene-maintenance" }

type hubService struct{ s *Server }

func (h hubService) Serve(ctx context.Context) error { return h.s.hub.Serve(ctx) }

func (h hubService) String() string { return "websocket-hub" }

// Supervisor builds the service tree of a running server: the websocket hub, the HTTP
// listener and scene maintenance.
func (s *Server) Supervisor() *suture.Supervisor {
	root := suture.New("grid-server", suture.Spec{
		EventHook: func(e suture.Event) {
			logging.Warn().Str("event", e.String()).Fields(e.Map()).Msg("supervisor event")
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	})
	root.Add(hubService{s: s})
	root.Add(NewHTTPService(&http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}))
	root.Add(NewMaintenanceService(s.sessions, s.cfg.Server.SessionIdle))
	return root
}
