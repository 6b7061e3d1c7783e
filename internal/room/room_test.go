package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/roomsync-backend/internal/catalog"
	"github.com/DoyleJ11/roomsync-backend/internal/engine"
	"github.com/DoyleJ11/roomsync-backend/internal/store/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testCatalog() catalog.Catalog {
	return catalog.NewMemory(
		engine.Track{ID: "A", FileURL: "http://media/a.mp3", Duration: 180},
		engine.Track{ID: "B", FileURL: "http://media/b.mp3", Duration: 200},
		engine.Track{ID: "C", FileURL: "http://media/c.mp3", Duration: 95},
	)
}

func newTestRoom(t *testing.T, cfg Config, opts Options) *Room {
	t.Helper()
	if opts.Catalog == nil {
		opts.Catalog = testCatalog()
	}
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	init := engine.NewState("room1", "host")
	init.Queue = []string{"A", "B", "C"}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, init, cfg, opts)
}

// helper: receive one update with a timeout so tests never hang
func recvUpdate(t *testing.T, ch <-chan Update, within time.Duration) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		if !ok {
			t.Fatalf("participant outbox closed unexpectedly")
		}
		return u
	case <-time.After(within):
		t.Fatalf("timed out waiting for update")
		return Update{} // unreachable
	}
}

func recvNoUpdate(t *testing.T, ch <-chan Update, within time.Duration) {
	t.Helper()
	select {
	case u, ok := <-ch:
		if !ok {
			// channel closed → no further updates possible
			return
		}
		t.Fatalf("expected no update within %v, but got: %+v", within, u)
	case <-time.After(within):
	}
}

func join(t *testing.T, r *Room, connID, userID string, size int) chan Update {
	t.Helper()
	out := make(chan Update, size)
	r.Inbox() <- Join{ConnID: connID, UserID: userID, Outbox: out}
	first := recvUpdate(t, out, 200*time.Millisecond)
	require.Equal(t, UpdateSync, first.Kind)
	return out
}

func view(t *testing.T, r *Room) View {
	t.Helper()
	v, ok := r.View(context.Background())
	require.True(t, ok, "room stopped")
	return v
}

func TestRoom_HostCommandBroadcastsToEveryone(t *testing.T) {
	r := newTestRoom(t, Config{}, Options{})

	host := join(t, r, "c1", "host", 4)
	follower := join(t, r, "c2", "guest", 4)

	r.Inbox() <- FromClient{ConnID: "c1", Cmd: engine.Command{Kind: engine.CmdPlay, TrackID: "A"}}

	for _, ch := range []chan Update{host, follower} {
		u := recvUpdate(t, ch, 200*time.Millisecond)
		assert.Equal(t, UpdateState, u.Kind)
		assert.Equal(t, uint64(1), u.State.Version)
		assert.Equal(t, "A", u.State.CurrentTrackID)
		assert.True(t, u.State.IsPlaying)
	}
}

func TestRoom_NonHostRejectedToIssuerOnly(t *testing.T) {
	r := newTestRoom(t, Config{}, Options{})

	host := join(t, r, "c1", "host", 4)
	follower := join(t, r, "c2", "guest", 4)

	r.Inbox() <- FromClient{ConnID: "c2", Cmd: engine.Command{Kind: engine.CmdPause, Position: 3}}

	u := recvUpdate(t, follower, 200*time.Millisecond)
	assert.Equal(t, UpdateError, u.Kind)
	assert.ErrorIs(t, u.Err, engine.ErrUnauthorized)

	recvNoUpdate(t, host, 100*time.Millisecond)
	assert.Equal(t, uint64(0), view(t, r).State.Version)
}

func TestRoom_InvalidPayloadNotBroadcast(t *testing.T) {
	r := newTestRoom(t, Config{}, Options{})

	host := join(t, r, "c1", "host", 4)
	follower := join(t, r, "c2", "guest", 4)

	r.Inbox() <- FromClient{ConnID: "c1", Cmd: engine.Command{Kind: engine.CmdChangeTrack, TrackID: "nope"}}

	u := recvUpdate(t, host, 200*time.Millisecond)
	assert.Equal(t, UpdateError, u.Kind)
	assert.ErrorIs(t, u.Err, engine.ErrTrackNotFound)
	recvNoUpdate(t, follower, 100*time.Millisecond)
}

func TestRoom_RequestSyncDoesNotMutate(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	r := newTestRoom(t, Config{}, Options{Now: clock.Now})

	host := join(t, r, "c1", "host", 4)
	r.Inbox() <- FromClient{ConnID: "c1", Cmd: engine.Command{Kind: engine.CmdPlay, TrackID: "A", Position: 10}}
	played := recvUpdate(t, host, 200*time.Millisecond)
	require.Equal(t, uint64(1), played.State.Version)

	clock.Advance(5 * time.Second)
	r.Inbox() <- RequestSync{ConnID: "c1"}

	u := recvUpdate(t, host, 200*time.Millisecond)
	assert.Equal(t, UpdateSync, u.Kind)
	assert.Equal(t, uint64(1), u.State.Version)
	assert.InDelta(t, 15.0, u.State.Position, 1e-9, "position projected to now")
}

func TestRoom_LateJoinerGetsProjectedState(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	r := newTestRoom(t, Config{}, Options{Now: clock.Now})

	host := join(t, r, "c1", "host", 4)
	r.Inbox() <- FromClient{ConnID: "c1", Cmd: engine.Command{Kind: engine.CmdPlay, TrackID: "B", Position: 30}}
	recvUpdate(t, host, 200*time.Millisecond)

	clock.Advance(2 * time.Second)
	out := make(chan Update, 2)
	r.Inbox() <- Join{ConnID: "c2", UserID: "late", Outbox: out}
	u := recvUpdate(t, out, 200*time.Millisecond)
	assert.Equal(t, "B", u.State.CurrentTrackID)
	assert.InDelta(t, 32.0, u.State.Position, 1e-9)
}

func TestRoom_DropSlowParticipant(t *testing.T) {
	r := newTestRoom(t, Config{}, Options{})

	host := join(t, r, "c1", "host", 8)
	slow := make(chan Update, 1)
	r.Inbox() <- Join{ConnID: "c2", UserID: "slow", Outbox: slow}

	r.Inbox() <- FromClient{ConnID: "c1", Cmd: engine.Command{Kind: engine.CmdPlay, TrackID: "A"}}
	recvUpdate(t, host, 200*time.Millisecond)

	v := view(t, r)
	require.Len(t, v.Participants, 1)
	assert.Equal(t, "host", v.Participants[0].UserID)
	assert.True(t, v.Participants[0].IsHost)
}

func TestRoom_LeaveClosesOutbox(t *testing.T) {
	r := newTestRoom(t, Config{}, Options{})
	out := join(t, r, "c1", "guest", 2)

	r.Inbox() <- Leave{ConnID: "c1"}
	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("outbox not closed on leave")
	}
	assert.Empty(t, view(t, r).Participants)
}

func TestRoom_ConcurrentCommandsGetDistinctVersions(t *testing.T) {
	r := newTestRoom(t, Config{InboxSize: 256}, Options{})
	host := join(t, r, "c1", "host", 256)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Send(FromClient{ConnID: "c1", Cmd: engine.Command{Kind: engine.CmdVolumeChange, Volume: float64(i) / n}})
		}(i)
	}
	wg.Wait()

	var last uint64
	for i := 0; i < n; i++ {
		u := recvUpdate(t, host, time.Second)
		require.Equal(t, UpdateState, u.Kind)
		require.Equal(t, last+1, u.State.Version)
		last = u.State.Version
	}
}

func TestRoom_LatencyCompensation(t *testing.T) {
	r := newTestRoom(t, Config{}, Options{})
	host := join(t, r, "c1", "host", 4)

	r.Inbox() <- SetLatency{ConnID: "c1", Latency: 200 * time.Millisecond}
	r.Inbox() <- FromClient{ConnID: "c1", Cmd: engine.Command{Kind: engine.CmdPlay, TrackID: "A", Position: 10}}

	u := recvUpdate(t, host, 200*time.Millisecond)
	assert.InDelta(t, 10.2, u.State.Position, 1e-9)
}

func TestRoom_AssignHost(t *testing.T) {
	r := newTestRoom(t, Config{}, Options{})
	oldHost := join(t, r, "c1", "host", 4)
	guest := join(t, r, "c2", "guest", 4)

	reply := make(chan error, 1)
	r.Inbox() <- AssignHost{UserID: "guest", Reply: reply}
	require.NoError(t, <-reply)

	u := recvUpdate(t, guest, 200*time.Millisecond)
	assert.Equal(t, "guest", u.State.HostID)
	recvUpdate(t, oldHost, 200*time.Millisecond)

	r.Inbox() <- FromClient{ConnID: "c2", Cmd: engine.Command{Kind: engine.CmdNextTrack}}
	u = recvUpdate(t, guest, 200*time.Millisecond)
	assert.Equal(t, UpdateState, u.Kind)
	assert.Equal(t, "A", u.State.CurrentTrackID)
}

func TestRoom_PersistsCommittedState(t *testing.T) {
	st := mem.New(mem.Config{})
	defer st.Close()
	r := newTestRoom(t, Config{}, Options{Store: st})
	host := join(t, r, "c1", "host", 4)

	r.Inbox() <- FromClient{ConnID: "c1", Cmd: engine.Command{Kind: engine.CmdPlay, TrackID: "C"}}
	recvUpdate(t, host, 200*time.Millisecond)

	// The save happens before the next message is taken off the inbox.
	view(t, r)
	got, err := st.LoadState(context.Background(), "room1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)
	assert.Equal(t, "C", got.CurrentTrackID)
}

func TestRoom_IdleTimeoutStops(t *testing.T) {
	stopped := make(chan string, 1)
	r := newTestRoom(t, Config{IdleTimeout: 50 * time.Millisecond}, Options{
		OnStop: func(r *Room) { stopped <- r.ID() },
	})

	out := join(t, r, "c1", "guest", 2)
	r.Inbox() <- Leave{ConnID: "c1"}
	recvNoUpdate(t, out, 10*time.Millisecond)

	select {
	case id := <-stopped:
		assert.Equal(t, "room1", id)
	case <-time.After(time.Second):
		t.Fatal("room did not stop when idle")
	}
	assert.True(t, r.Stopped())
	assert.False(t, r.Send(RequestSync{ConnID: "c1"}))
}

func TestRoom_Shutdown_ClosesOutboxes(t *testing.T) {
	r := newTestRoom(t, Config{}, Options{})
	out := join(t, r, "c1", "guest", 2)

	r.Inbox() <- Shutdown{}
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("room did not stop")
	}
	_, ok := <-out
	assert.False(t, ok)
}

func TestRoom_ReplaceQueue(t *testing.T) {
	r := newTestRoom(t, Config{}, Options{})
	out := join(t, r, "c1", "guest", 4)

	reply := make(chan error, 1)
	r.Inbox() <- ReplaceQueue{Queue: []string{"C", "A"}, Reply: reply}
	require.NoError(t, <-reply)

	u := recvUpdate(t, out, 200*time.Millisecond)
	assert.Equal(t, []string{"C", "A"}, u.State.Queue)

	r.Inbox() <- ReplaceQueue{Queue: []string{"nope"}, Reply: reply}
	assert.ErrorIs(t, <-reply, engine.ErrTrackNotFound)
	recvNoUpdate(t, out, 50*time.Millisecond)
}

func TestRoom_VolumeWhilePlayingKeepsPlayhead(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	r := newTestRoom(t, Config{}, Options{Now: clock.Now})

	host := join(t, r, "c1", "host", 4)
	follower := join(t, r, "c2", "bob", 4)
	r.Inbox() <- FromClient{ConnID: "c1", Cmd: engine.Command{Kind: engine.CmdPlay, TrackID: "A", Position: 10}}
	recvUpdate(t, host, 200*time.Millisecond)
	recvUpdate(t, follower, 200*time.Millisecond)

	clock.Advance(60 * time.Second)
	r.Inbox() <- FromClient{ConnID: "c1", Cmd: engine.Command{Kind: engine.CmdVolumeChange, Volume: 0.5}}

	u := recvUpdate(t, follower, 200*time.Millisecond)
	assert.Equal(t, UpdateState, u.Kind)
	assert.Equal(t, 0.5, u.State.Volume)
	assert.InDelta(t, 70.0, u.State.Position, 1e-9)
	assert.Equal(t, clock.Now(), u.State.LastUpdatedAt)
}
