package gridengine

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/biter777/countries"

	"github.com/sudorandom/world-grid/pkg/mapview"
)

const (
	leaderboardSize = 10
	countryBoardLen = 5
	fallbackFlag    = "🏳️"
)

// CountryStat is one row of the country leaderboard.
type CountryStat struct {
	Code  string `json:"code"`
	Name  string `json:"name"`
	Flag  string `json:"flag"`
	Count int    `json:"count"`
}

// CountryLeaderboard adds the observed language codes to the seeded base counts and returns
// the top five.
func CountryLeaderboard(msgs []Message) []CountryStat {
	stats := make([]CountryStat, len(baseStats))
	copy(stats, baseStats)
	pos := make(map[string]int, len(stats))
	for i, s := range stats {
		pos[s.Code] = i
	}

	for _, m := range msgs {
		if m.Lang == "" {
			continue
		}
		code := strings.ToLower(strings.SplitN(m.Lang, "-", 2)[0])
		if i, ok := pos[code]; ok {
			stats[i].Count++
			continue
		}
		pos[code] = len(stats)
		stats = append(stats, CountryStat{Code: code, Count: 1})
	}

	sort.SliceStable(stats, func(i, j int) bool {
		return stats[i].Count > stats[j].Count
	})
	if len(stats) > countryBoardLen {
		stats = stats[:countryBoardLen]
	}
	for i := range stats {
		stats[i].Name = countryName(stats[i].Code)
		stats[i].Flag = flagFor(stats[i].Code)
	}
	return stats
}

func countryName(code string) string {
	upper := strings.ToUpper(code)
	name := countries.ByName(upper).String()
	if name == "Unknown" {
		return upper
	}
	if idx := strings.Index(name, " ("); idx != -1 {
		name = name[:idx]
	}
	return name
}

func flagFor(code string) string {
	if flag, ok := langToFlag[code]; ok {
		return flag
	}
	upper := strings.ToUpper(code)
	if len(upper) != 2 || countries.ByName(upper) == countries.Unknown {
		return fallbackFlag
	}
	var b strings.Builder
	for _, r := range upper {
		b.WriteRune(0x1F1E6 + (r - 'A'))
	}
	return b.String()
}

var clanTagRe = regexp.MustCompile(`^\[([a-zA-Z0-9_-]+)\]`)

// ClanTag extracts the uppercased clan tag from a display name like "[RED] Alice".
func ClanTag(name string) (string, bool) {
	m := clanTagRe.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]), true
}

// ClanStat is one row of the clan leaderboard.
type ClanStat struct {
	Tag     string `json:"tag"`
	Likes   int    `json:"likes"`
	Members int    `json:"members"`
}

// ClanLeaderboard sums likes and message counts per clan tag and returns the top ten by
// likes. Ties keep first-seen order.
func ClanLeaderboard(msgs []Message) []ClanStat {
	var board []ClanStat
	pos := map[string]int{}
	for _, m := range msgs {
		tag, ok := ClanTag(m.Name)
		if !ok {
			continue
		}
		i, seen := pos[tag]
		if !seen {
			i = len(board)
			pos[tag] = i
			board = append(board, ClanStat{Tag: tag})
		}
		board[i].Likes += m.Likes
		board[i].Members++
	}
	sort.SliceStable(board, func(i, j int) bool {
		return board[i].Likes > board[j].Likes
	})
	if len(board) > leaderboardSize {
		board = board[:leaderboardSize]
	}
	return board
}

// Rivalry describes how close the next clan down the board is.
type Rivalry struct {
	Tag    string `json:"tag"`
	Rank   int    `json:"rank"`
	Chaser string `json:"chaser,omitempty"`
	Gap    int    `json:"gap"`
	Threat bool   `json:"threat"`
}

// RivalryFor locates tag on the board. It reports false when the clan is not ranked.
func RivalryFor(board []ClanStat, tag string) (Rivalry, bool) {
	if tag == "" {
		return Rivalry{}, false
	}
	for i, c := range board {
		if c.Tag != tag {
			continue
		}
		r := Rivalry{Tag: tag, Rank: i + 1}
		if i+1 < len(board) {
			chaser := board[i+1]
			r.Chaser = chaser.Tag
			r.Gap = c.Likes - chaser.Likes
			r.Threat = true
		}
		return r, true
	}
	return Rivalry{}, false
}

// MotD is the message of the day.
type MotD struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Text      string         `json:"text"`
	Position  mapview.LatLng `json:"position"`
	Synthetic bool           `json:"synthetic"`
	Date      string         `json:"date"`
}

// dateHash is the 31-multiplier string hash with 32-bit wraparound on the shifted term.
func dateHash(s string) int64 {
	var h int64
	for i := 0; i < len(s); i++ {
		h = int64(s[i]) + (int64(int32(h)<<5) - h)
	}
	return h
}

// MotDIndex picks a stable index in [0, n) for a YYYY-MM-DD date.
func MotDIndex(date string, n int) int {
	if n <= 0 {
		return -1
	}
	h := dateHash(date)
	if h < 0 {
		h = -h
	}
	return int(h % int64(n))
}

// MessageOfTheDay chooses from the real snapshot followed by the synthetic messages.
func MessageOfTheDay(now time.Time, pool []Message) (MotD, bool) {
	date := now.UTC().Format(time.DateOnly)
	i := MotDIndex(date, len(pool))
	if i < 0 {
		return MotD{}, false
	}
	m := pool[i]
	return MotD{
		ID:        m.ID,
		Name:      m.Author(),
		Text:      m.Text,
		Position:  m.Position,
		Synthetic: m.Synthetic,
		Date:      date,
	}, true
}

// Countdown returns the time left until the next UTC midnight.
func Countdown(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}
