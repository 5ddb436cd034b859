package gridengine

import (
	"sort"
	"sync"
	"time"

	"github.com/sudorandom/world-grid/pkg/mapview"
)

const (
	historyZoom   = 6
	historyFlight = 1500 * time.Millisecond
)

var historyPathColor = mapview.ColorCyan

type HistoryState int

const (
	HistoryInactive HistoryState = iota
	HistoryIdle
	HistoryPlaying
)

func (s HistoryState) String() string {
	switch s {
	case HistoryIdle:
		return "idle"
	case HistoryPlaying:
		return "playing"
	default:
		return "inactive"
	}
}

func (s HistoryState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// HistoryStatus is what the timeline control shows.
type HistoryStatus struct {
	State   HistoryState `json:"state"`
	Index   int          `json:"index"`
	Len     int          `json:"len"`
	Current *SearchEntry `json:"current,omitempty"`
}

// History replays plotted messages in chronological order along a dashed path.
type History struct {
	surface    Surface
	interval   time.Duration
	popupDelay time.Duration

	mu      sync.Mutex
	state   HistoryState
	entries []SearchEntry
	idx     int
	path    mapview.LineID
	hasPath bool
	seq     uint64
	stop    chan struct{}
	popup   *time.Timer
}

func NewHistory(surface Surface, interval, popupDelay time.Duration) *History {
	return &History{surface: surface, interval: interval, popupDelay: popupDelay}
}

func (h *History) unlock() {
	flush(h.surface)
	h.mu.Unlock()
}

// Enter sorts entries by timestamp, draws the path and moves to the first entry. Entries
// without a timestamp sort first.
func (h *History) Enter(entries []SearchEntry) HistoryStatus {
	h.mu.Lock()
	defer h.unlock()

	h.resetLocked()
	sorted := make([]SearchEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return entryUnix(sorted[i]) < entryUnix(sorted[j])
	})
	h.entries = sorted
	h.state = HistoryIdle
	h.idx = 0

	if len(sorted) > 0 {
		points := make([]mapview.LatLng, len(sorted))
		for i, e := range sorted {
			points[i] = e.Position
		}
		h.path = h.surface.AddPolyline(mapview.Polyline{
			Points:  points,
			Color:   historyPathColor,
			Weight:  2,
			Opacity: 0.5,
			Dash:    "5, 10",
		})
		h.hasPath = true
		h.syncLocked()
	}
	return h.statusLocked()
}

func entryUnix(e SearchEntry) int64 {
	if !e.HasTimestamp {
		return 0
	}
	return e.Timestamp.Unix()
}

// Exit stops playback and removes the path.
func (h *History) Exit() {
	h.mu.Lock()
	defer h.unlock()
	h.resetLocked()
}

func (h *History) resetLocked() {
	h.stopLocked()
	h.seq++
	if h.popup != nil {
		h.popup.Stop()
		h.popup = nil
	}
	if h.hasPath {
		h.surface.RemovePolyline(h.path)
		h.hasPath = false
	}
	h.entries = nil
	h.idx = 0
	h.state = HistoryInactive
}

// Play starts auto-advance. Playing from the last entry restarts at the first.
func (h *History) Play() (HistoryStatus, error) {
	h.mu.Lock()
	defer h.unlock()
	if h.state == HistoryInactive {
		return h.statusLocked(), ErrHistoryInactive
	}
	if h.state == HistoryPlaying || len(h.entries) == 0 {
		return h.statusLocked(), nil
	}
	if h.idx >= len(h.entries)-1 {
		h.idx = 0
		h.syncLocked()
	}
	h.state = HistoryPlaying
	h.stop = make(chan struct{})
	go h.playLoop(h.stop)
	return h.statusLocked(), nil
}

func (h *History) Pause() (HistoryStatus, error) {
	h.mu.Lock()
	defer h.unlock()
	if h.state == HistoryInactive {
		return h.statusLocked(), ErrHistoryInactive
	}
	h.stopLocked()
	h.state = HistoryIdle
	return h.statusLocked(), nil
}

func (h *History) stopLocked() {
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
}

func (h *History) playLoop(stop chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.mu.Lock()
			if h.stop != stop || h.state != HistoryPlaying {
				h.unlock()
				return
			}
			if h.idx >= len(h.entries)-1 {
				h.stopLocked()
				h.state = HistoryIdle
				h.unlock()
				return
			}
			h.idx++
			h.syncLocked()
			h.unlock()
		}
	}
}

// Step moves by delta, clamped to the timeline.
func (h *History) Step(delta int) (HistoryStatus, error) {
	h.mu.Lock()
	defer h.unlock()
	if h.state == HistoryInactive {
		return h.statusLocked(), ErrHistoryInactive
	}
	h.moveLocked(h.idx + delta)
	return h.statusLocked(), nil
}

func (h *History) Seek(index int) (HistoryStatus, error) {
	h.mu.Lock()
	defer h.unlock()
	if h.state == HistoryInactive {
		return h.statusLocked(), ErrHistoryInactive
	}
	h.moveLocked(index)
	return h.statusLocked(), nil
}

func (h *History) moveLocked(index int) {
	if len(h.entries) == 0 {
		return
	}
	index = max(0, min(index, len(h.entries)-1))
	h.idx = index
	h.syncLocked()
}

func (h *History) syncLocked() {
	e := h.entries[h.idx]
	h.surface.FlyTo(e.Position, historyZoom, historyFlight)

	if h.popup != nil {
		h.popup.Stop()
	}
	h.seq++
	seq := h.seq
	id := e.ID
	h.popup = time.AfterFunc(h.popupDelay, func() {
		h.mu.Lock()
		defer h.unlock()
		if h.seq == seq && h.state != HistoryInactive {
			h.surface.OpenPopup(id)
		}
	})
}

func (h *History) State() HistoryStatus {
	h.mu.Lock()
	defer h.unlock()
	return h.statusLocked()
}

func (h *History) statusLocked() HistoryStatus {
	st := HistoryStatus{State: h.state, Index: h.idx, Len: len(h.entries)}
	if h.state != HistoryInactive && h.idx < len(h.entries) {
		e := h.entries[h.idx]
		st.Current = &e
	}
	return st
}
