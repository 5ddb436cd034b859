package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/alecthomas/kong"

	"github.com/sudorandom/world-grid/pkg/docstore"
	"github.com/sudorandom/world-grid/pkg/gridengine"
	"github.com/sudorandom/world-grid/pkg/logging"
	"github.com/sudorandom/world-grid/pkg/utils"
)

type CLI struct {
	Store    string        `help:"Badger directory to seed." default:"data/store" type:"path"`
	Count    int           `help:"Number of messages to write." default:"60"`
	Spread   time.Duration `help:"Messages are timestamped within this window before now." default:"12h"`
	Seed     uint64        `help:"Random seed, 0 picks one from the clock."`
	LogLevel string        `help:"Log level." default:"info"`
}

var (
	clans   = []string{"RED", "BLUE", "NEON", "ZION", ""}
	authors = []string{"Trinity", "Neo", "Morpheus", "Switch", "Apoc", "Tank", "Dozer", "Mouse"}
	texts   = []string{
		"Signal received, holding position.",
		"Is anyone else seeing the grid flicker?",
		"Good morning from the night shift.",
		"Follow the white rabbit.",
		"Testing uplink, please respond.",
		"The view from here is unreal.",
	}
	langs = []string{"en-US", "pt-BR", "de-DE", "ja-JP", "fr-FR", "es-ES", ""}
)

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("grid-seed"),
		kong.Description("Writes demo messages and profiles into a grid store."),
	)
	logging.Init(logging.Config{Level: cli.LogLevel, Format: "console", Timestamp: true})
	kctx.FatalIfErrorf(run(cli))
}

func run(cli CLI) error {
	if cli.Spread <= 0 {
		return fmt.Errorf("--spread must be positive, got %s", cli.Spread)
	}
	kv, err := utils.OpenDiskKV(cli.Store)
	if err != nil {
		return fmt.Errorf("failed to open store at %s: %w", cli.Store, err)
	}
	defer func() { _ = kv.Close() }()

	store, err := docstore.Open(docstore.WithPersistence(kv))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	seed := cli.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1))

	ctx := context.Background()
	b := store.Batch()
	for i, name := range authors {
		b.Set(gridengine.CollectionUsers, uidFor(i), docstore.Fields{"displayName": name}, true)
	}
	now := time.Now()
	for range cli.Count {
		b.Set(gridengine.CollectionMessages, store.NewID(), randomMessage(rng, now, cli.Spread), false)
	}
	if err := b.Load(ctx); err != nil {
		return fmt.Errorf("failed to load seed batch: %w", err)
	}
	logging.Info().
		Int("messages", cli.Count).
		Int("users", len(authors)).
		Uint64("seed", seed).
		Str("store", cli.Store).
		Msg("store seeded")
	return nil
}

func uidFor(i int) string { return fmt.Sprintf("seed-user-%d", i) }

func randomMessage(rng *rand.Rand, now time.Time, spread time.Duration) docstore.Fields {
	author := rng.IntN(len(authors))
	name := authors[author]
	if clan := clans[rng.IntN(len(clans))]; clan != "" {
		name = "[" + clan + "]" + name
	}
	var likedBy []string
	for i := range authors {
		if i != author && rng.IntN(3) == 0 {
			likedBy = append(likedBy, uidFor(i))
		}
	}
	return docstore.Fields{
		"name":       name,
		"text":       texts[rng.IntN(len(texts))],
		"lat":        rng.Float64()*140 - 70,
		"lng":        rng.Float64()*360 - 180,
		"timestamp":  now.Add(-time.Duration(rng.Int64N(int64(spread)))),
		"lang":       langs[rng.IntN(len(langs))],
		"uid":        uidFor(author),
		"likedBy":    likedBy,
		"likes":      len(likedBy),
		"dislikedBy": []string{},
		"dislikes":   0,
		"replyCount": 0,
	}
}
