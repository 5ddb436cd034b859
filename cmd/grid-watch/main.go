package main

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/sudorandom/world-grid/pkg/gridengine"
	"github.com/sudorandom/world-grid/pkg/logging"
	"github.com/sudorandom/world-grid/pkg/mapview"
	"github.com/sudorandom/world-grid/pkg/wshub"
)

type CLI struct {
	URL     string        `help:"Websocket endpoint of a grid server." default:"ws://localhost:8080/ws"`
	Viewer  string        `help:"Viewer id to watch as." default:"grid-watch"`
	Sort    string        `help:"Sort key to request after connecting (timestamp or likes)."`
	Search  string        `help:"Run a search once connected and print the matches."`
	Timeout time.Duration `help:"How long to run before exiting (0 for infinite)."`
	JSON    bool          `name:"json" help:"Dump raw frames instead of showing stats."`
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Watch accumulates what the server streamed to one viewer.
type Watch struct {
	mu            sync.Mutex
	Frames        map[string]int
	Ops           map[mapview.OpKind]int
	Markers       map[string]bool
	Stats         gridengine.Stats
	Profile       gridengine.Profile
	Notifications []gridengine.Notification
	Errors        []string
	Results       []string
	StartTime     time.Time
}

func NewWatch() *Watch {
	return &Watch{
		Frames:    make(map[string]int),
		Ops:       make(map[mapview.OpKind]int),
		Markers:   make(map[string]bool),
		StartTime: time.Now(),
	}
}

func (w *Watch) Record(msg []byte, showJSON bool) {
	if showJSON {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, msg, "", "  "); err == nil {
			fmt.Printf("%s\n\n", pretty.String())
		}
	}

	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.Frames[f.Type]++
	switch f.Type {
	case wshub.TypeSceneReset, wshub.TypeSceneOps:
		var ops []mapview.Op
		if err := json.Unmarshal(f.Data, &ops); err != nil {
			return
		}
		if f.Type == wshub.TypeSceneReset {
			w.Markers = make(map[string]bool)
		}
		for _, op := range ops {
			w.Ops[op.Kind]++
			switch op.Kind {
			case mapview.OpAddMarker:
				w.Markers[op.MarkerID] = true
			case mapview.OpRemoveMarker:
				delete(w.Markers, op.MarkerID)
			}
		}
	case wshub.TypeNotifications:
		var notes []gridengine.Notification
		if err := json.Unmarshal(f.Data, &notes); err == nil {
			w.Notifications = notes
		}
	case wshub.TypeProfile:
		_ = json.Unmarshal(f.Data, &w.Profile)
	case wshub.TypeStats:
		_ = json.Unmarshal(f.Data, &w.Stats)
	case wshub.TypeError:
		var e struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(f.Data, &e); err == nil {
			w.Errors = append(w.Errors, e.Error)
		}
	case wshub.TypeResult:
		w.Results = append(w.Results, string(f.Data))
	}
}

func (w *Watch) Report() {
	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := time.Since(w.StartTime).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}

	fmt.Printf("\033[H\033[2J")
	fmt.Printf("World Grid Monitor (Running for %.1fs)\n", elapsed)
	fmt.Printf("--------------------------------------------------\n")
	fmt.Printf("Sort:          %s\n", w.Stats.Sort)
	fmt.Printf("Signals:       %d (%d plotted)\n", w.Stats.Total, w.Stats.Plotted)
	fmt.Printf("Markers:       %d\n", len(w.Markers))
	fmt.Printf("Next reset:    %s\n", w.Stats.ResetIn.Truncate(time.Second))
	if w.Profile.DisplayName != "" {
		fmt.Printf("Profile:       %s (%d followers)\n", w.Profile.DisplayName, w.Profile.Followers)
	}
	if len(w.Notifications) > 0 {
		fmt.Printf("Notifications: %d latest\n", len(w.Notifications))
	}
	if w.Stats.MotD != nil {
		fmt.Printf("MotD:          %s: %q\n", w.Stats.MotD.Name, w.Stats.MotD.Text)
	}
	if w.Stats.Error != "" {
		fmt.Printf("Error:         %s\n", w.Stats.Error)
	}
	fmt.Printf("--------------------------------------------------\n")

	kinds := make([]string, 0, len(w.Ops))
	for k := range w.Ops {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	fmt.Printf("SCENE OPS:\n")
	for _, k := range kinds {
		fmt.Printf("  %-14s %d (%.2f/s)\n", k, w.Ops[mapview.OpKind(k)], float64(w.Ops[mapview.OpKind(k)])/elapsed)
	}
	fmt.Printf("--------------------------------------------------\n")

	if len(w.Stats.Countries) > 0 {
		fmt.Printf("Top Countries:\n")
		for _, c := range w.Stats.Countries {
			fmt.Printf("  %s %-4s %d\n", c.Flag, c.Code, c.Count)
		}
	}
	if len(w.Stats.Clans) > 0 {
		fmt.Printf("Top Clans:\n")
		for i, c := range w.Stats.Clans {
			fmt.Printf("  %2d. [%s] %d likes, %d members\n", i+1, c.Tag, c.Likes, c.Members)
		}
	}
	for _, r := range w.Results {
		fmt.Printf("Result: %s\n", r)
	}
	for _, e := range w.Errors {
		fmt.Printf("Error:  %s\n", e)
	}
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("grid-watch"),
		kong.Description("Watches a grid server's websocket stream as one viewer."),
	)
	kctx.FatalIfErrorf(run(cli))
}

func run(cli CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if cli.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cli.Timeout)
		defer cancel()
	}

	u, err := url.Parse(cli.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", cli.URL, err)
	}
	q := u.Query()
	q.Set("viewer", cli.Viewer)
	u.RawQuery = q.Encode()

	logging.Info().Str("url", u.String()).Msg("connecting")
	c, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = c.Close() }()

	watch := NewWatch()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				return
			}
			watch.Record(message, cli.JSON)
		}
	}()

	if cli.Sort != "" {
		if err := sendCommand(c, gridengine.Command{Name: gridengine.CmdSort, Sort: cli.Sort}); err != nil {
			return err
		}
	}
	if cli.Search != "" {
		if err := sendCommand(c, gridengine.Command{Name: gridengine.CmdSearch, Text: cli.Search}); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			logging.Warn().Msg("connection closed by server")
			return nil
		case <-ticker.C:
			if !cli.JSON {
				watch.Report()
			}
			if err := c.WriteJSON(wshub.Inbound{Type: wshub.TypePing}); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case <-ctx.Done():
			logging.Info().Msg("exiting")
			if !cli.JSON {
				watch.Report()
			}
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				return nil
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return nil
		}
	}
}

func sendCommand(c *websocket.Conn, cmd gridengine.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := c.WriteJSON(wshub.Inbound{Type: wshub.TypeCommand, Data: data}); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Name, err)
	}
	return nil
}
