// Command follower joins a room as a headless participant with a simulated
// media element, and logs how closely it tracks the room.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DoyleJ11/roomsync-backend/internal/client"
	"github.com/DoyleJ11/roomsync-backend/internal/config"
	"github.com/DoyleJ11/roomsync-backend/internal/engine"
	"github.com/DoyleJ11/roomsync-backend/internal/logging"
	"github.com/DoyleJ11/roomsync-backend/internal/player"
	"github.com/DoyleJ11/roomsync-backend/internal/store/redis"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	f := config.Flags("roomsync-follower")
	f.Duration("load-delay", 300*time.Millisecond, "Simulated media load time")
	f.Duration("report", 5*time.Second, "How often to log local playback")
	f.Bool("watch", false, "Also log states published on the room's Redis channel")

	cfg, _, err := config.Load(f, os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Client.Room == "" || cfg.Client.User == "" {
		fmt.Fprintln(os.Stderr, "--client.room and --client.user are required")
		os.Exit(2)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.With(zap.String("room", cfg.Client.Room), zap.String("user", cfg.Client.User))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loadDelay, _ := f.GetDuration("load-delay")
	report, _ := f.GetDuration("report")
	watch, _ := f.GetBool("watch")

	media := player.NewSimMedia(loadDelay)
	sess := client.New(cfg.Client, media, client.Options{
		Logger: log,
		OnState: func(s engine.State) {
			log.Info("state applied",
				zap.Uint64("version", s.Version),
				zap.String("track", s.CurrentTrackID),
				zap.Bool("playing", s.IsPlaying),
				zap.Float64("position", s.Position))
		},
		OnError: func(err error) {
			log.Warn("local error", zap.Error(err))
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sess.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		t := time.NewTicker(report)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				logPlayback(gctx, sess, media, log)
			}
		}
	})
	if watch {
		if cfg.Store.Type != "redis" {
			log.Warn("--watch needs store.type=redis, ignoring")
		} else {
			g.Go(func() error { return watchRedis(gctx, cfg, log) })
		}
	}

	if err := g.Wait(); err != nil {
		log.Fatal("follower stopped", zap.Error(err))
	}
}

func logPlayback(ctx context.Context, sess *client.Session, media *player.SimMedia, log *zap.Logger) {
	var (
		st      engine.State
		version uint64
	)
	err := sess.Do(ctx, func(p *player.Player) error {
		st, version = p.State(), p.LastVersion()
		return nil
	})
	if err != nil {
		return
	}
	log.Info("playback",
		zap.String("status", string(sess.Status())),
		zap.Uint64("version", version),
		zap.String("track", st.CurrentTrackID),
		zap.Bool("playing", media.Playing()),
		zap.Float64("local_position", media.Position()),
		zap.Float64("room_position", st.At(time.Now()).Position))
}

func watchRedis(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	st, err := redis.New(cfg.Store.Redis)
	if err != nil {
		return err
	}
	defer st.Close()

	for s := range st.Subscribe(ctx, cfg.Client.Room) {
		log.Info("published",
			zap.Uint64("version", s.Version),
			zap.String("track", s.CurrentTrackID),
			zap.Bool("playing", s.IsPlaying))
	}
	return nil
}
