package room

import (
	"context"
	"time"

	"github.com/DoyleJ11/roomsync-backend/internal/catalog"
	"github.com/DoyleJ11/roomsync-backend/internal/engine"
	"github.com/DoyleJ11/roomsync-backend/internal/store"
	"go.uber.org/zap"
)

type Msg interface{ isRoomMsg() }

// FromClient carries a transport command from a connection.
type FromClient struct {
	ConnID string
	Cmd    engine.Command
}

func (FromClient) isRoomMsg() {}

type Join struct {
	ConnID string
	UserID string
	Outbox chan Update // where this participant receives updates; closed by the room
}

func (Join) isRoomMsg() {}

type Leave struct{ ConnID string }

func (Leave) isRoomMsg() {}

// RequestSync asks for a unicast of the current state.
type RequestSync struct{ ConnID string }

func (RequestSync) isRoomMsg() {}

// SetLatency records a participant's measured one-way latency.
type SetLatency struct {
	ConnID  string
	Latency time.Duration
}

func (SetLatency) isRoomMsg() {}

// AssignHost hands the host role to UserID. It comes from outside the
// transport, so it is not host-gated.
type AssignHost struct {
	UserID string
	Reply  chan error
}

func (AssignHost) isRoomMsg() {}

// ReplaceQueue sets the room queue on the host's behalf.
type ReplaceQueue struct {
	Queue []string
	Reply chan error
}

func (ReplaceQueue) isRoomMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

type UpdateKind string

const (
	UpdateState UpdateKind = "state-update" // broadcast after a mutation
	UpdateSync  UpdateKind = "sync-state"   // unicast on join / request
	UpdateError UpdateKind = "error"        // unicast to the issuer of a rejected command
)

type Update struct {
	Kind  UpdateKind
	State engine.State
	Err   error
}

// Participant is one connected room member.
type Participant struct {
	ConnID           string
	UserID           string
	IsHost           bool
	LastKnownLatency time.Duration
}

type View struct {
	State        engine.State // projected to now
	Participants []Participant
}

type Config struct {
	InboxSize     int
	IdleTimeout   time.Duration // 0 keeps an empty room alive
	LookupTimeout time.Duration
}

type Options struct {
	Catalog catalog.Catalog
	Store   store.Store // optional
	Logger  *zap.Logger
	Now     func() time.Time
	OnStop  func(*Room) // called from the room goroutine after it stops
}

type member struct {
	Participant
	outbox chan Update
}

type Room struct {
	id      string
	inbox   chan Msg
	state   engine.State
	members map[string]*member

	cfg  Config
	opts Options
	log  *zap.Logger
	idle *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(parent context.Context, initial engine.State, cfg Config, opts Options) *Room {
	ctx, cancel := context.WithCancel(parent)
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.NewMemory()
	}

	r := &Room{
		id:      initial.RoomID,
		inbox:   make(chan Msg, cfg.InboxSize),
		state:   initial,
		members: make(map[string]*member),
		cfg:     cfg,
		opts:    opts,
		log:     opts.Logger.With(zap.String("room", initial.RoomID)),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	r.armIdle()
	go r.loop()
	return r
}

func (r *Room) loop() {
	defer close(r.done)
	defer func() {
		if r.opts.OnStop != nil {
			r.opts.OnStop(r)
		}
	}()

	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case <-r.idleC():
			r.log.Info("room idle, stopping", zap.Duration("idle_timeout", r.cfg.IdleTimeout))
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				p := &member{
					Participant: Participant{ConnID: msg.ConnID, UserID: msg.UserID},
					outbox:      msg.Outbox,
				}
				r.members[msg.ConnID] = p
				r.disarmIdle()
				r.log.Info("participant joined",
					zap.String("user", msg.UserID),
					zap.String("conn", msg.ConnID),
					zap.Bool("host", r.state.IsHost(msg.UserID)),
					zap.Int("participants", len(r.members)))
				r.send(p, Update{Kind: UpdateSync, State: r.projected()})

			case Leave:
				if p, ok := r.members[msg.ConnID]; ok {
					close(p.outbox)
					delete(r.members, msg.ConnID)
					r.log.Info("participant left",
						zap.String("user", p.UserID),
						zap.Int("participants", len(r.members)))
				}
				if len(r.members) == 0 {
					r.armIdle()
				}

			case RequestSync:
				if p, ok := r.members[msg.ConnID]; ok {
					r.send(p, Update{Kind: UpdateSync, State: r.projected()})
				}

			case SetLatency:
				if p, ok := r.members[msg.ConnID]; ok {
					p.LastKnownLatency = msg.Latency
				}

			case FromClient:
				p, ok := r.members[msg.ConnID]
				if !ok {
					// Sender already left; the command is lost.
					break
				}
				cmd := msg.Cmd
				cmd.Issuer = p.UserID
				cmd.Latency = p.LastKnownLatency

				if err := r.apply(cmd); err != nil {
					r.log.Debug("command rejected",
						zap.String("user", p.UserID),
						zap.String("kind", string(cmd.Kind)),
						zap.Error(err))
					r.send(p, Update{Kind: UpdateError, State: r.state, Err: err})
				}

			case AssignHost:
				err := r.apply(engine.Command{Kind: engine.CmdAssignHost, HostID: msg.UserID})
				if msg.Reply != nil {
					msg.Reply <- err
				}

			case ReplaceQueue:
				err := r.apply(engine.Command{Kind: engine.CmdSetQueue, Issuer: r.state.HostID, Queue: msg.Queue})
				if msg.Reply != nil {
					msg.Reply <- err
				}

			case GetState:
				msg.Reply <- r.view()

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

// apply runs cmd through the engine and, on success, commits and broadcasts
// the new state.
func (r *Room) apply(cmd engine.Command) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.LookupTimeout)
	defer cancel()

	next, err := engine.Apply(r.state, cmd, engine.Env{
		Now:    r.opts.Now(),
		Lookup: catalog.Lookup(ctx, r.opts.Catalog),
	})
	if err != nil {
		return err
	}

	r.state = next
	r.log.Debug("state committed",
		zap.String("kind", string(cmd.Kind)),
		zap.Uint64("version", next.Version),
		zap.String("track", next.CurrentTrackID),
		zap.Bool("playing", next.IsPlaying),
		zap.Float64("position", next.Position))

	r.broadcast(Update{Kind: UpdateState, State: next})
	r.persist(ctx, next)
	return nil
}

func (r *Room) persist(ctx context.Context, s engine.State) {
	if r.opts.Store == nil {
		return
	}
	if err := r.opts.Store.SaveState(ctx, s); err != nil {
		r.log.Warn("error saving room state", zap.Uint64("version", s.Version), zap.Error(err))
	}
}

func (r *Room) projected() engine.State {
	return r.state.At(r.opts.Now())
}

func (r *Room) view() View {
	v := View{
		State:        r.projected(),
		Participants: make([]Participant, 0, len(r.members)),
	}
	for _, p := range r.members {
		pp := p.Participant
		pp.IsHost = r.state.IsHost(p.UserID)
		v.Participants = append(v.Participants, pp)
	}
	return v
}

func (r *Room) shutdown() {
	for id, p := range r.members {
		close(p.outbox) // Tell participant no more updates
		delete(r.members, id)
	}
	r.disarmIdle()
	r.cancel()
}

func (r *Room) broadcast(u Update) {
	for _, p := range r.members {
		r.send(p, u)
	}
}

// send never blocks the room: a participant whose outbox is full is dropped.
func (r *Room) send(p *member, u Update) {
	select {
	case p.outbox <- u:
	default:
		r.log.Warn("participant too slow, dropping", zap.String("user", p.UserID), zap.String("conn", p.ConnID))
		close(p.outbox)
		delete(r.members, p.ConnID)
		if len(r.members) == 0 {
			r.armIdle()
		}
	}
}

func (r *Room) armIdle() {
	if r.cfg.IdleTimeout <= 0 {
		return
	}
	r.disarmIdle()
	r.idle = time.NewTimer(r.cfg.IdleTimeout)
}

func (r *Room) disarmIdle() {
	if r.idle != nil {
		r.idle.Stop()
		r.idle = nil
	}
}

func (r *Room) idleC() <-chan time.Time {
	if r.idle == nil {
		return nil
	}
	return r.idle.C
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// Inbox exposes the inbox so tests or the WS layer can send messages.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

// Send delivers m unless the room has stopped.
func (r *Room) Send(m Msg) bool {
	select {
	case <-r.ctx.Done():
		return false
	default:
	}
	select {
	case r.inbox <- m:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// Stopped reports whether the room loop has been asked to stop.
func (r *Room) Stopped() bool { return r.ctx.Err() != nil }

// Done is closed once the room goroutine has exited.
func (r *Room) Done() <-chan struct{} { return r.done }

// View returns a snapshot of the room, or false if it has stopped.
func (r *Room) View(ctx context.Context) (View, bool) {
	reply := make(chan View, 1)
	if !r.Send(GetState{Reply: reply}) {
		return View{}, false
	}
	select {
	case v := <-reply:
		return v, true
	case <-r.done:
		return View{}, false
	case <-ctx.Done():
		return View{}, false
	}
}
