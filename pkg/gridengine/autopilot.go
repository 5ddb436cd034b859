package gridengine

import "time"

const autoPilotZoom = 6

type autoPilot struct {
	stop  chan struct{}
	popup *time.Timer
}

// SetAutoPilot starts or stops the random tour of plotted markers.
func (s *Session) SetAutoPilot(on bool) error {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !on {
		s.stopAutoPilotLocked()
		return nil
	}
	if s.pilot.stop != nil {
		return nil
	}
	stop := make(chan struct{})
	s.pilot.stop = stop
	go s.autoPilotLoop(stop)
	s.log.Debug().Dur("interval", s.opts.AutoPilotInterval).Msg("autopilot engaged")
	return nil
}

func (s *Session) AutoPilotEnabled() bool {
	s.mu.Lock()
	defer s.unlock()
	return s.pilot.stop != nil
}

func (s *Session) stopAutoPilotLocked() {
	if s.pilot.stop != nil {
		close(s.pilot.stop)
	}
	if s.pilot.popup != nil {
		s.pilot.popup.Stop()
	}
	s.pilot = autoPilot{}
}

func (s *Session) autoPilotLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.opts.AutoPilotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.autoPilotStep(stop)
		}
	}
}

func (s *Session) autoPilotStep(stop chan struct{}) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed || s.pilot.stop != stop {
		return
	}
	ids := s.markers.IDs()
	if len(ids) == 0 {
		return
	}
	id := ids[s.rng.IntN(len(ids))]
	pos, _ := s.markers.Position(id)
	s.surface.FlyTo(pos, autoPilotZoom, s.opts.AutoPilotFlight)

	if s.pilot.popup != nil {
		s.pilot.popup.Stop()
	}
	s.pilot.popup = time.AfterFunc(s.opts.AutoPilotFlight, func() {
		s.mu.Lock()
		defer s.unlock()
		if s.closed || s.pilot.stop != stop {
			return
		}
		s.surface.OpenPopup(id)
	})
}
