package hub

import (
	"context"
	"errors"
	"time"

	"github.com/DoyleJ11/roomsync-backend/internal/catalog"
	"github.com/DoyleJ11/roomsync-backend/internal/engine"
	"github.com/DoyleJ11/roomsync-backend/internal/room"
	"github.com/DoyleJ11/roomsync-backend/internal/store"
	"go.uber.org/zap"
)

type HubMsg interface{ isHubMsg() }

// CreateRoom starts a room for State. An existing live room with the same id
// is returned instead.
type CreateRoom struct {
	State engine.State
	Reply chan *room.Room
}

// GetRoom returns the live room, or nil. With Restore set, a room whose
// snapshot is still in the store is reactivated.
type GetRoom struct {
	ID      string
	Restore bool
	Reply   chan *room.Room
}

// EnsureRoom returns the room, restoring or creating it as needed. HostID is
// only used if creation happens.
type EnsureRoom struct {
	ID     string
	HostID string
	Reply  chan *room.Room
}

// RemoveRoom drops a room from the registry. When Room is set the entry is
// only removed if it still points at that room. Otherwise the room is shut
// down and its snapshot deleted, and Reply reports whether it was live.
type RemoveRoom struct {
	ID    string
	Room  *room.Room
	Reply chan bool
}

type ListRooms struct {
	Reply chan []string
}

type ShutdownHub struct{}

func (CreateRoom) isHubMsg()  {}
func (GetRoom) isHubMsg()     {}
func (EnsureRoom) isHubMsg()  {}
func (RemoveRoom) isHubMsg()  {}
func (ListRooms) isHubMsg()   {}
func (ShutdownHub) isHubMsg() {}

type Options struct {
	Catalog      catalog.Catalog
	Store        store.Store // optional
	Logger       *zap.Logger
	Room         room.Config
	StoreTimeout time.Duration
}

type Hub struct {
	inbox chan HubMsg
	rooms map[string]*room.Room
	opts  Options
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(parent context.Context, opts Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		rooms:  make(map[string]*room.Room),
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Done is closed once the hub and all of its rooms have stopped.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateRoom:
				if rm := h.live(msg.State.RoomID); rm != nil {
					msg.Reply <- rm
					break
				}
				msg.Reply <- h.start(msg.State)

			case GetRoom:
				rm := h.live(msg.ID)
				if rm == nil && msg.Restore {
					if s, ok := h.restore(msg.ID); ok {
						rm = h.start(s)
					}
				}
				msg.Reply <- rm // May be nil

			case EnsureRoom:
				if rm := h.live(msg.ID); rm != nil {
					msg.Reply <- rm
					break
				}
				s, ok := h.restore(msg.ID)
				if !ok {
					s = engine.NewState(msg.ID, msg.HostID)
				}
				msg.Reply <- h.start(s)

			case RemoveRoom:
				rm, ok := h.rooms[msg.ID]
				if msg.Room != nil {
					// A stopped room reporting in; it may already have been replaced.
					if ok && rm == msg.Room {
						delete(h.rooms, msg.ID)
						h.log.Info("room removed", zap.String("room", msg.ID), zap.Int("rooms", len(h.rooms)))
					}
					break
				}
				if ok {
					delete(h.rooms, msg.ID)
					rm.Send(room.Shutdown{})
					h.log.Info("room deleted", zap.String("room", msg.ID), zap.Int("rooms", len(h.rooms)))
				}
				h.forget(msg.ID)
				if msg.Reply != nil {
					msg.Reply <- ok
				}

			case ListRooms:
				ids := make([]string, 0, len(h.rooms))
				for id := range h.rooms {
					ids = append(ids, id)
				}
				msg.Reply <- ids

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) live(id string) *room.Room {
	rm := h.rooms[id]
	if rm == nil || rm.Stopped() {
		return nil
	}
	return rm
}

func (h *Hub) start(s engine.State) *room.Room {
	rm := room.New(h.ctx, s, h.opts.Room, room.Options{
		Catalog: h.opts.Catalog,
		Store:   h.opts.Store,
		Logger:  h.log,
		OnStop:  h.onRoomStop,
	})
	h.rooms[s.RoomID] = rm
	h.log.Info("room started",
		zap.String("room", s.RoomID),
		zap.String("host", s.HostID),
		zap.Uint64("version", s.Version),
		zap.Int("rooms", len(h.rooms)))
	return rm
}

// onRoomStop runs on the room goroutine, so it must not block on the hub.
func (h *Hub) onRoomStop(rm *room.Room) {
	go func() {
		select {
		case h.inbox <- RemoveRoom{ID: rm.ID(), Room: rm}:
		case <-h.ctx.Done():
		}
	}()
}

func (h *Hub) restore(id string) (engine.State, bool) {
	if h.opts.Store == nil {
		return engine.State{}, false
	}
	ctx, cancel := context.WithTimeout(h.ctx, h.opts.StoreTimeout)
	defer cancel()

	s, err := h.opts.Store.LoadState(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.log.Warn("error loading room state", zap.String("room", id), zap.Error(err))
		}
		return engine.State{}, false
	}
	h.log.Info("room restored from store", zap.String("room", id), zap.Uint64("version", s.Version))
	return s, true
}

func (h *Hub) forget(id string) {
	if h.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, h.opts.StoreTimeout)
	defer cancel()
	if err := h.opts.Store.RemoveState(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.log.Warn("error removing room state", zap.String("room", id), zap.Error(err))
	}
}

func (h *Hub) shutdown() {
	for _, rm := range h.rooms {
		rm.Send(room.Shutdown{})
	}
	h.cancel()
	for _, rm := range h.rooms {
		<-rm.Done()
	}
	clear(h.rooms)
}

// send delivers m unless the hub has stopped.
func (h *Hub) send(ctx context.Context, m HubMsg) bool {
	select {
	case h.inbox <- m:
		return true
	case <-h.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

func ask[T any](ctx context.Context, h *Hub, m HubMsg, reply chan T) (T, bool) {
	var zero T
	if !h.send(ctx, m) {
		return zero, false
	}
	select {
	case v := <-reply:
		return v, true
	case <-h.done:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

// Create starts a new room for s.
func (h *Hub) Create(ctx context.Context, s engine.State) *room.Room {
	reply := make(chan *room.Room, 1)
	rm, _ := ask(ctx, h, CreateRoom{State: s, Reply: reply}, reply)
	return rm
}

// Get returns the room, reactivating it from the store if needed.
func (h *Hub) Get(ctx context.Context, id string) *room.Room {
	reply := make(chan *room.Room, 1)
	rm, _ := ask(ctx, h, GetRoom{ID: id, Restore: true, Reply: reply}, reply)
	return rm
}

// Ensure returns the room, creating it with hostID as host if it is unknown.
func (h *Hub) Ensure(ctx context.Context, id, hostID string) *room.Room {
	reply := make(chan *room.Room, 1)
	rm, _ := ask(ctx, h, EnsureRoom{ID: id, HostID: hostID, Reply: reply}, reply)
	return rm
}

// Remove shuts the room down and forgets its snapshot. It reports whether
// the room was live.
func (h *Hub) Remove(ctx context.Context, id string) bool {
	reply := make(chan bool, 1)
	ok, _ := ask(ctx, h, RemoveRoom{ID: id, Reply: reply}, reply)
	return ok
}

// Rooms lists the ids of live rooms.
func (h *Hub) Rooms(ctx context.Context) []string {
	reply := make(chan []string, 1)
	ids, _ := ask(ctx, h, ListRooms{Reply: reply}, reply)
	return ids
}

// Shutdown stops every room and waits for them to exit.
func (h *Hub) Shutdown(ctx context.Context) error {
	if h.send(ctx, ShutdownHub{}) {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
