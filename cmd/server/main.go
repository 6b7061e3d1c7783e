package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DoyleJ11/roomsync-backend/internal/catalog"
	"github.com/DoyleJ11/roomsync-backend/internal/catalog/postgres"
	"github.com/DoyleJ11/roomsync-backend/internal/catalog/sqlite"
	"github.com/DoyleJ11/roomsync-backend/internal/config"
	"github.com/DoyleJ11/roomsync-backend/internal/engine"
	"github.com/DoyleJ11/roomsync-backend/internal/httpapi"
	"github.com/DoyleJ11/roomsync-backend/internal/hub"
	"github.com/DoyleJ11/roomsync-backend/internal/logging"
	"github.com/DoyleJ11/roomsync-backend/internal/room"
	"github.com/DoyleJ11/roomsync-backend/internal/store"
	"github.com/DoyleJ11/roomsync-backend/internal/store/mem"
	"github.com/DoyleJ11/roomsync-backend/internal/store/redis"
	"github.com/DoyleJ11/roomsync-backend/internal/ws"
	flag "github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Version of the build injected at build time.
var buildString = "unknown"

func main() {
	f := config.Flags("roomsync")
	cfg, _, err := config.Load(f, os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			err = multierr.Append(err, c.Close())
		}
	}()

	cat, c, err := initCatalog(ctx, cfg.Catalog, log)
	if err != nil {
		return err
	}
	if c != nil {
		closers = append(closers, c)
	}

	st, err := initStore(cfg.Store, log)
	if err != nil {
		return err
	}
	closers = append(closers, st)

	h := hub.NewHub(ctx, hub.Options{
		Catalog: cat,
		Store:   st,
		Logger:  log,
		Room: room.Config{
			InboxSize:   cfg.App.InboxSize,
			IdleTimeout: cfg.App.RoomTimeout,
		},
	})

	srv := &http.Server{
		Addr: cfg.App.Address,
		Handler: httpapi.SetupRoutes(h, cat, log, ws.Options{
			Logger:         log,
			OutboxSize:     cfg.App.OutboxSize,
			WriteTimeout:   cfg.App.WriteTimeout,
			PingInterval:   cfg.App.PingInterval,
			OriginPatterns: cfg.App.OriginPatterns,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", zap.String("address", cfg.App.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("couldn't start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		return multierr.Combine(
			srv.Shutdown(sctx),
			h.Shutdown(sctx),
		)
	})
	return g.Wait()
}

func initCatalog(ctx context.Context, cfg config.Catalog, log *zap.Logger) (catalog.Catalog, io.Closer, error) {
	seeds := cfg.SeedTracks()

	type backend interface {
		catalog.Catalog
		io.Closer
		Put(context.Context, engine.Track) error
	}
	var (
		b   backend
		err error
	)
	switch cfg.Type {
	case "memory":
		log.Info("using memory catalog", zap.Int("tracks", len(seeds)))
		return catalog.NewMemory(seeds...), nil, nil
	case "postgres":
		b, err = postgres.New(cfg.Postgres)
	case "sqlite":
		b, err = sqlite.Open(cfg.SQLite)
	default:
		return nil, nil, fmt.Errorf("unknown catalog type %q", cfg.Type)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("error initializing %s catalog: %w", cfg.Type, err)
	}

	for _, t := range seeds {
		if err := b.Put(ctx, t); err != nil {
			return nil, nil, multierr.Append(fmt.Errorf("seed track %s: %w", t.ID, err), b.Close())
		}
	}
	log.Info("using catalog", zap.String("type", cfg.Type), zap.Int("seeded", len(seeds)), zap.Bool("cache", cfg.Cache))

	if cfg.Cache {
		return catalog.NewCached(b), b, nil
	}
	return b, b, nil
}

func initStore(cfg config.Store, log *zap.Logger) (store.Store, error) {
	switch cfg.Type {
	case "memory":
		log.Info("using memory store", zap.Duration("ttl", cfg.Memory.TTL))
		return mem.New(cfg.Memory), nil
	case "redis":
		st, err := redis.New(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("error initializing store: %w", err)
		}
		log.Info("using redis store", zap.String("address", cfg.Redis.Address))
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
