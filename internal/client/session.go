// Package client joins a room over WebSocket and keeps a local player in
// step with it.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DoyleJ11/roomsync-backend/internal/engine"
	"github.com/DoyleJ11/roomsync-backend/internal/player"
	"github.com/DoyleJ11/roomsync-backend/internal/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

type Status string

const (
	StatusConnecting Status = "connecting"
	StatusInSync     Status = "in-sync"
	StatusOutOfSync  Status = "out-of-sync"
	StatusClosed     Status = "closed"
)

type Config struct {
	URL            string        `koanf:"url"` // ws://host/ws
	Room           string        `koanf:"room"`
	User           string        `koanf:"user"`
	SyncTimeout    time.Duration `koanf:"sync_timeout"`
	SyncRetries    int           `koanf:"sync_retries"`
	DriftTolerance float64       `koanf:"drift_tolerance"`
	PingInterval   time.Duration `koanf:"ping_interval"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	Reconnect      time.Duration `koanf:"reconnect"` // 0 disables reconnecting
}

type Options struct {
	Logger   *zap.Logger
	Resolve  engine.Lookup
	OnState  func(engine.State)
	OnStatus func(Status)
	// OnError receives local failures: rejected commands, media load
	// failures and sync timeouts.
	OnError func(error)
}

type action struct {
	fn    func(*player.Player) error
	reply chan error
}

// Session owns a Player and feeds it from a single event loop.
type Session struct {
	cfg   Config
	opts  Options
	log   *zap.Logger
	media player.Media
	p     *player.Player

	actions chan action
	latency atomic.Int64 // nanoseconds, one way

	mu     sync.Mutex
	status Status

	// Only touched by the loop.
	conn        *websocket.Conn
	syncTimer   *time.Timer
	syncRetries int
}

func New(cfg Config, media player.Media, opts Options) *Session {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 3 * time.Second
	}
	if cfg.SyncRetries < 0 {
		cfg.SyncRetries = 0
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Session{
		cfg:     cfg,
		opts:    opts,
		log:     opts.Logger.With(zap.String("room", cfg.Room), zap.String("user", cfg.User)),
		media:   media,
		actions: make(chan action),
		status:  StatusConnecting,
	}
	s.p = player.New(media, player.Options{
		UserID:         cfg.User,
		DriftTolerance: cfg.DriftTolerance,
		Emit:           s.emit,
		RequestSync:    s.requestSync,
		Latency:        func() time.Duration { return time.Duration(s.latency.Load()) },
		Resolve:        opts.Resolve,
		Logger:         s.log,
	})
	return s
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	s.mu.Unlock()
	if changed {
		s.log.Info("sync status", zap.String("status", string(st)))
		if s.opts.OnStatus != nil {
			s.opts.OnStatus(st)
		}
	}
}

// Do runs fn on the session loop with exclusive access to the player.
func (s *Session) Do(ctx context.Context, fn func(*player.Player) error) error {
	a := action{fn: fn, reply: make(chan error, 1)}
	select {
	case s.actions <- a:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-a.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resync asks the room for its state. The answer, or a timeout, is reported
// through the status.
func (s *Session) Resync(ctx context.Context) error {
	return s.Do(ctx, func(*player.Player) error { return s.requestSync() })
}

// Run connects and serves the session until ctx is done. With Reconnect set,
// dropped connections are redialed after that delay.
func (s *Session) Run(ctx context.Context) error {
	defer s.setStatus(StatusClosed)
	for {
		err := s.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.cfg.Reconnect <= 0 {
			return err
		}

		s.log.Warn("connection lost, reconnecting", zap.Error(err), zap.Duration("in", s.cfg.Reconnect))
		s.setStatus(StatusConnecting)
		select {
		case <-time.After(s.cfg.Reconnect):
		case <-ctx.Done():
			return ctx.Err()
		}
		s.p.Reset()
	}
}

func (s *Session) dialURL() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("room", s.cfg.Room)
	q.Set("user", s.cfg.User)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Session) serve(ctx context.Context) error {
	target, err := s.dialURL()
	if err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	conn, _, err := websocket.Dial(dctx, target, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	defer conn.CloseNow()

	ctx, cancel = context.WithCancel(ctx)
	defer cancel()

	s.conn = conn
	defer func() { s.conn = nil }()

	frames := make(chan types.ServerMessage, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			var m types.ServerMessage
			if err := wsjson.Read(ctx, conn, &m); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	if s.cfg.PingInterval > 0 {
		go s.measureLatency(ctx, conn)
	}

	// The join itself answers with a sync-state.
	s.armSync()
	defer s.disarmSync()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "bye")
			return ctx.Err()

		case err := <-readErr:
			return err

		case m := <-frames:
			s.handleFrame(m)

		case ev := <-s.media.Events():
			s.report(s.p.HandleMedia(ev))

		case a := <-s.actions:
			a.reply <- a.fn(s.p)

		case <-s.syncC():
			s.syncTimedOut()
		}
	}
}

func (s *Session) handleFrame(m types.ServerMessage) {
	switch m.Type {
	case types.TypeStateUpdate, types.TypeSyncState:
		if m.State == nil {
			return
		}
		if m.Type == types.TypeSyncState {
			s.disarmSync()
		}
		s.setStatus(StatusInSync)

		var err error
		if m.Type == types.TypeSyncState {
			err = s.p.Resync(*m.State)
		} else {
			err = s.p.Apply(*m.State)
		}
		if errors.Is(err, engine.ErrStaleUpdate) {
			return
		}
		s.report(err)
		if s.opts.OnState != nil {
			s.opts.OnState(*m.State)
		}

	case types.TypeError:
		if m.Error != nil {
			s.report(types.CodeError(*m.Error))
		}
	}
}

func (s *Session) report(err error) {
	if err == nil {
		return
	}
	s.log.Debug("session error", zap.Error(err))
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}

func (s *Session) emit(cmd engine.Command) error {
	m, err := types.FromCommand(cmd)
	if err != nil {
		return err
	}
	return s.write(m)
}

func (s *Session) requestSync() error {
	if err := s.write(types.ClientMessage{Type: types.TypeRequestSync}); err != nil {
		return err
	}
	if s.syncTimer == nil {
		s.armSync()
	}
	return nil
}

func (s *Session) write(m types.ClientMessage) error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, m)
}

func (s *Session) armSync() {
	s.disarmSync()
	s.syncRetries = 0
	s.syncTimer = time.NewTimer(s.cfg.SyncTimeout)
}

func (s *Session) disarmSync() {
	if s.syncTimer != nil {
		s.syncTimer.Stop()
		s.syncTimer = nil
	}
}

func (s *Session) syncC() <-chan time.Time {
	if s.syncTimer == nil {
		return nil
	}
	return s.syncTimer.C
}

func (s *Session) syncTimedOut() {
	if s.syncRetries < s.cfg.SyncRetries {
		s.syncRetries++
		s.log.Debug("sync timed out, retrying", zap.Int("attempt", s.syncRetries))
		s.syncTimer = time.NewTimer(s.cfg.SyncTimeout)
		if err := s.write(types.ClientMessage{Type: types.TypeRequestSync}); err != nil {
			s.report(err)
		}
		return
	}
	s.syncTimer = nil
	s.setStatus(StatusOutOfSync)
	s.report(engine.ErrSyncTimeout)
}

func (s *Session) measureLatency(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.PingInterval)
			start := time.Now()
			err := conn.Ping(pctx)
			cancel()
			if err == nil {
				s.latency.Store(int64(time.Since(start) / 2))
			}
		}
	}
}
