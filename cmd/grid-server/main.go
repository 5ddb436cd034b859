package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/sudorandom/world-grid/pkg/config"
	"github.com/sudorandom/world-grid/pkg/docstore"
	"github.com/sudorandom/world-grid/pkg/gridengine"
	"github.com/sudorandom/world-grid/pkg/logging"
	"github.com/sudorandom/world-grid/pkg/server"
	"github.com/sudorandom/world-grid/pkg/utils"
)

type CLI struct {
	Config    string `help:"YAML config file. Defaults to $GRID_CONFIG." type:"path"`
	Addr      string `help:"Listen address, overrides server.addr."`
	Store     string `help:"Badger directory for documents and viewer state, overrides store.path." type:"path"`
	Memory    bool   `help:"Keep everything in memory and ignore store.path."`
	GeoIP     string `name:"geoip" help:"MaxMind city database, overrides geoip.path." type:"path"`
	LogLevel  string `help:"Log level, overrides log.level."`
	LogFormat string `help:"Log format (json or console), overrides log.format."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("grid-server"),
		kong.Description("Serves the live world message grid over HTTP and websockets."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(run(cli))
}

func run(cli CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	logging.Init(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Timestamp: true,
		Output:    os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var kv *utils.DiskKV
	var storeOpts []docstore.Option
	if cfg.Store.Path != "" {
		kv, err = utils.OpenDiskKV(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open store at %s: %w", cfg.Store.Path, err)
		}
		defer func() {
			if err := kv.Close(); err != nil {
				logging.Error().Err(err).Msg("failed to close store")
			}
		}()
		storeOpts = append(storeOpts, docstore.WithPersistence(kv))
	}

	store, err := docstore.Open(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}
	defer func() { _ = store.Close() }()

	opts := []server.Option{server.WithLocalState(gridengine.NewLocalState(kv))}
	geo, err := openGeoIP(cfg.GeoIP)
	if err != nil {
		logging.Warn().Err(err).Msg("geoip unavailable, submissions need coordinates")
	}
	if geo != nil {
		defer func() { _ = geo.Close() }()
		opts = append(opts, server.WithLocator(geo))
	}

	srv := server.New(cfg, store, opts...)
	defer srv.Close()

	logging.Info().
		Str("addr", cfg.Server.Addr).
		Str("store", cfg.Store.Path).
		Bool("geoip", geo != nil).
		Msg("starting grid server")
	if err := srv.Supervisor().Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("grid server stopped")
	return nil
}

func loadConfig(cli CLI) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.Addr != "" {
		cfg.Server.Addr = cli.Addr
	}
	if cli.Store != "" {
		cfg.Store.Path = cli.Store
	}
	if cli.Memory {
		cfg.Store.Path = ""
	}
	if cli.GeoIP != "" {
		cfg.GeoIP.Path = cli.GeoIP
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// openGeoIP opens the local database, or fetches it from the configured URL. Neither
// being set is not an error.
func openGeoIP(cfg config.GeoIPConfig) (*gridengine.GeoIP, error) {
	switch {
	case cfg.Path != "":
		return gridengine.OpenGeoIP(cfg.Path)
	case cfg.URL == "":
		return nil, nil
	case cfg.UseCache:
		path, err := utils.CachedFile(cfg.URL, cfg.CacheDir, "geoip")
		if err != nil {
			return nil, err
		}
		return gridengine.OpenGeoIP(path)
	}
	r, err := utils.GetCachedReader(cfg.URL, cfg.CacheDir, false, "geoip")
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read geoip database: %w", err)
	}
	return gridengine.GeoIPFromBytes(b)
}
