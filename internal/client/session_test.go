package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DoyleJ11/roomsync-backend/internal/catalog"
	"github.com/DoyleJ11/roomsync-backend/internal/engine"
	"github.com/DoyleJ11/roomsync-backend/internal/hub"
	"github.com/DoyleJ11/roomsync-backend/internal/player"
	"github.com/DoyleJ11/roomsync-backend/internal/types"
	"github.com/DoyleJ11/roomsync-backend/internal/ws"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startSession(t *testing.T, cfg Config, opts Options) (*Session, *player.SimMedia) {
	t.Helper()
	media := player.NewSimMedia(0)
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	s := New(cfg, media, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, media
}

// lastVersion reads the player's version on the session loop; 0 if the loop
// did not answer.
func lastVersion(s *Session) uint64 {
	var v uint64
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.Do(ctx, func(p *player.Player) error {
		v = p.LastVersion()
		return nil
	})
	return v
}

func TestSession_FollowerConverges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cat := catalog.NewMemory(
		engine.Track{ID: "A", FileURL: "http://media/a.mp3", Duration: 180},
		engine.Track{ID: "B", FileURL: "http://media/b.mp3", Duration: 200},
	)
	h := hub.NewHub(ctx, hub.Options{Catalog: cat, Logger: zaptest.NewLogger(t)})
	srv := httptest.NewServer(ws.Handler(h, ws.Options{Logger: zaptest.NewLogger(t)}))
	t.Cleanup(srv.Close)

	base := Config{URL: wsURL(srv), Room: "r1", SyncTimeout: time.Second, PingInterval: 20 * time.Millisecond}

	hostCfg := base
	hostCfg.User = "alice"
	host, hostMedia := startSession(t, hostCfg, Options{Resolve: catalog.Lookup(ctx, cat)})
	require.Eventually(t, func() bool { return host.Status() == StatusInSync }, 2*time.Second, 10*time.Millisecond)

	followerCfg := base
	followerCfg.User = "bob"
	follower, followerMedia := startSession(t, followerCfg, Options{})
	require.Eventually(t, func() bool { return follower.Status() == StatusInSync }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, host.Do(ctx, func(p *player.Player) error { return p.Play("A", 30) }))

	require.Eventually(t, func() bool { return lastVersion(follower) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, followerMedia.Playing, 2*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 30.0, followerMedia.Position(), 1.0)
	require.Eventually(t, hostMedia.Playing, 2*time.Second, 10*time.Millisecond)

	// Followers cannot steer the room.
	err := follower.Do(ctx, func(p *player.Player) error { return p.Pause() })
	assert.ErrorIs(t, err, engine.ErrUnauthorized)

	require.NoError(t, host.Do(ctx, func(p *player.Player) error { return p.Pause() }))
	require.Eventually(t, func() bool { return lastVersion(follower) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, followerMedia.Playing())
	require.Eventually(t, func() bool { return lastVersion(host) == 2 }, 2*time.Second, 10*time.Millisecond)
}

// silentServer accepts connections and answers nothing until told to.
type silentServer struct {
	syncRequests atomic.Int32
	send         chan types.ServerMessage
}

func (s *silentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	go func() {
		for {
			select {
			case m := <-s.send:
				_ = wsjson.Write(ctx, conn, m)
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		var m types.ClientMessage
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			return
		}
		if m.Type == types.TypeRequestSync {
			s.syncRequests.Add(1)
		}
	}
}

func TestSession_SyncTimeoutThenRecovers(t *testing.T) {
	fake := &silentServer{send: make(chan types.ServerMessage, 1)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	var mu sync.Mutex
	var errs []error
	s, _ := startSession(t, Config{
		URL:         wsURL(srv),
		Room:        "r1",
		User:        "bob",
		SyncTimeout: 30 * time.Millisecond,
		SyncRetries: 2,
	}, Options{OnError: func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}})

	require.Eventually(t, func() bool { return s.Status() == StatusOutOfSync }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return fake.syncRequests.Load() == 2 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[len(errs)-1], engine.ErrSyncTimeout)
	mu.Unlock()

	st := engine.NewState("r1", "alice")
	fake.send <- types.SyncState(st)
	require.Eventually(t, func() bool { return s.Status() == StatusInSync }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_ManualResync(t *testing.T) {
	fake := &silentServer{send: make(chan types.ServerMessage, 1)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, _ := startSession(t, Config{URL: wsURL(srv), Room: "r1", User: "bob", SyncTimeout: time.Second}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Eventually(t, func() bool { return s.Status() == StatusConnecting }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Resync(ctx))
	require.Eventually(t, func() bool { return fake.syncRequests.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_SyncStateAtSameVersionRealigns(t *testing.T) {
	fake := &silentServer{send: make(chan types.ServerMessage, 1)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, media := startSession(t, Config{URL: wsURL(srv), Room: "r1", User: "bob", SyncTimeout: time.Second}, Options{})

	st := engine.NewState("r1", "alice")
	st.CurrentTrackID = "A"
	st.Track = &engine.Track{ID: "A", FileURL: "http://media/a.mp3", Duration: 180}
	st.Position = 10
	st.Version = 3
	fake.send <- types.SyncState(st)
	require.Eventually(t, func() bool { return lastVersion(s) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.InDelta(t, 10.0, media.Position(), 1e-9)

	st.Position = 50
	fake.send <- types.SyncState(st)
	require.Eventually(t, func() bool { return media.Position() == 50 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(3), lastVersion(s))
}
