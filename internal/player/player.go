// Package player keeps a local Media element in step with the room state
// broadcast by the server, and turns the host's local actions into commands.
//
// A Player is not safe for concurrent use. It is meant to be owned by a
// single event loop that feeds it received states, media events and user
// actions one at a time.
package player

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/DoyleJ11/roomsync-backend/internal/engine"
	"go.uber.org/zap"
)

type Options struct {
	UserID         string
	DriftTolerance float64 // seconds; 0 means 1.0

	// Emit sends a command to the room. RequestSync asks the room for a
	// unicast of its state.
	Emit        func(engine.Command) error
	RequestSync func() error

	// Latency is the current one-way latency estimate to the server.
	Latency func() time.Duration
	// Resolve looks up tracks for optimistic host track changes. Without it
	// the host waits for the broadcast before loading.
	Resolve engine.Lookup

	Now    func() time.Time
	Logger *zap.Logger
}

type Player struct {
	opts  Options
	media Media
	log   *zap.Logger

	latest      engine.State // last accepted shared state
	lastVersion uint64
	applied     bool

	loadedTrack string

	loading      bool
	loadID       uint64
	pendingTrack string
	pending      engine.State // applied once the load is ready
	pendingAt    time.Time
	seen         uint64 // newest received version held while loading
	seenAny      bool
}

func New(media Media, opts Options) *Player {
	if opts.DriftTolerance <= 0 {
		opts.DriftTolerance = 1.0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Latency == nil {
		opts.Latency = func() time.Duration { return 0 }
	}
	return &Player{opts: opts, media: media, log: opts.Logger}
}

// State returns the latest shared state the player accepted.
func (p *Player) State() engine.State { return p.latest }

// LastVersion is the version of the last state applied to the media.
func (p *Player) LastVersion() uint64 { return p.lastVersion }

// Loading reports whether a media load is in flight.
func (p *Player) Loading() bool { return p.loading }

func (p *Player) IsHost() bool { return p.latest.IsHost(p.opts.UserID) }

// Reset forgets the applied version, so the next state is taken as is. Call
// it after reconnecting, since a restarted room may count from zero again.
func (p *Player) Reset() {
	p.applied = false
	p.lastVersion = 0
	p.seenAny = false
	p.seen = 0
}

// Apply reconciles the local media against a received room state. A state
// that is not newer than what the player already holds returns
// engine.ErrStaleUpdate and changes nothing.
func (p *Player) Apply(s engine.State) error {
	if p.applied && s.Version <= p.lastVersion {
		return engine.ErrStaleUpdate
	}
	if p.loading && p.seenAny && s.Version <= p.seen {
		return engine.ErrStaleUpdate
	}
	p.latest = s
	return p.sync(s, true, false)
}

// Resync applies a sync-state reply. The room answers a resync without
// bumping the version, so the version already applied is accepted again and
// the media is seeked to the exact position. Only older versions are stale.
func (p *Player) Resync(s engine.State) error {
	if p.applied && s.Version < p.lastVersion {
		return engine.ErrStaleUpdate
	}
	if p.loading && p.seenAny && s.Version < p.seen {
		return engine.ErrStaleUpdate
	}
	p.latest = s
	return p.sync(s, true, true)
}

// sync drives the media towards s. record marks s as applied once it takes
// effect; hard forces an exact seek.
func (p *Player) sync(s engine.State, record, hard bool) error {
	if s.CurrentTrackID == "" {
		wasLoading := p.loading
		p.cancelLoad()
		if p.loadedTrack != "" || wasLoading {
			p.media.Pause()
			p.media.Unload()
			p.loadedTrack = ""
		}
		p.setVolume(s.Volume)
		if record {
			p.commit(s.Version)
		}
		return nil
	}

	if s.CurrentTrackID != p.loadedTrack {
		if p.loading && s.CurrentTrackID == p.pendingTrack {
			// Superseded while loading; the newest state wins on ready.
			p.hold(s, record)
			return nil
		}
		return p.load(s, record)
	}

	p.cancelLoad()
	p.reconcile(s, p.opts.Now(), hard)
	if record {
		p.commit(s.Version)
	}
	return nil
}

func (p *Player) load(s engine.State, record bool) error {
	t, err := p.trackOf(s)
	if err != nil {
		p.cancelLoad()
		return fmt.Errorf("%w: %v", engine.ErrMediaLoad, err)
	}

	if p.loadedTrack != "" && p.media.Playing() {
		p.media.Pause()
	}
	p.loadID++
	p.loading = true
	p.loadedTrack = ""
	p.pendingTrack = s.CurrentTrackID
	p.seenAny = false
	p.hold(s, record)

	p.log.Debug("loading track", zap.String("track", t.ID), zap.Uint64("load", p.loadID), zap.Uint64("version", s.Version))
	p.media.Load(p.loadID, t)
	return nil
}

// hold keeps s as the state to apply once the pending load is ready.
// Optimistic host states do not count as seen, so any echo replaces them.
func (p *Player) hold(s engine.State, record bool) {
	p.pending = s
	p.pendingAt = p.opts.Now()
	if record {
		p.seen = s.Version
		p.seenAny = true
	}
}

func (p *Player) trackOf(s engine.State) (engine.Track, error) {
	if s.Track != nil && s.Track.ID == s.CurrentTrackID {
		return *s.Track, nil
	}
	if p.opts.Resolve != nil {
		return p.opts.Resolve(s.CurrentTrackID)
	}
	return engine.Track{}, fmt.Errorf("%w: %s", engine.ErrTrackNotFound, s.CurrentTrackID)
}

func (p *Player) cancelLoad() {
	if p.loading {
		p.loading = false
		p.loadID++ // late events for the old load are ignored
		p.pendingTrack = ""
		p.seenAny = false
	}
}

// HandleMedia processes an event raised by the media element.
func (p *Player) HandleMedia(ev MediaEvent) error {
	switch ev.Kind {
	case MediaReady:
		if !p.loading || ev.Load != p.loadID {
			return nil
		}
		p.loading = false
		p.loadedTrack = p.pendingTrack
		p.pendingTrack = ""

		p.reconcile(p.pending, p.pendingAt, true)
		if p.seenAny {
			p.commit(p.seen)
		}
		p.seenAny = false
		return nil

	case MediaFailed:
		if !p.loading || ev.Load != p.loadID {
			return nil
		}
		track := p.pendingTrack
		p.cancelLoad()
		p.log.Warn("media load failed", zap.String("track", track), zap.Error(ev.Err))
		return fmt.Errorf("%w: %s: %v", engine.ErrMediaLoad, track, ev.Err)

	case MediaEnded:
		if ev.Load != p.loadID || !p.IsHost() {
			return nil
		}
		return p.emit(engine.Command{Kind: engine.CmdNextTrack, Ended: true})
	}
	return nil
}

// reconcile brings the loaded media in line with s, received at.
func (p *Player) reconcile(s engine.State, at time.Time, hard bool) {
	target := s.Position
	if s.IsPlaying {
		target += p.opts.Latency().Seconds() + p.opts.Now().Sub(at).Seconds()
	}
	if s.Track != nil && s.Track.Duration > 0 {
		target = math.Min(target, s.Track.Duration)
	}

	if hard || math.Abs(p.media.Position()-target) > p.opts.DriftTolerance {
		p.media.Seek(target)
	}
	if s.IsPlaying != p.media.Playing() {
		if s.IsPlaying {
			p.media.Play()
		} else {
			p.media.Pause()
		}
	}
	p.setVolume(s.Volume)
}

func (p *Player) setVolume(v float64) {
	if p.media.Volume() != v {
		p.media.SetVolume(v)
	}
}

func (p *Player) commit(version uint64) {
	p.lastVersion = version
	p.applied = true
}

// Host actions. Each returns engine.ErrUnauthorized without side effects when
// the local user is not the host, except Seek, which asks for a resync.

func (p *Player) Play(trackID string, position float64) error {
	if trackID == "" && p.latest.CurrentTrackID == "" && len(p.latest.Queue) == 0 {
		return nil
	}
	return p.act(engine.Command{Kind: engine.CmdPlay, TrackID: trackID, Position: position})
}

// Resume plays the current track from where the local media is.
func (p *Player) Resume() error {
	return p.Play("", p.media.Position())
}

func (p *Player) Pause() error {
	return p.act(engine.Command{Kind: engine.CmdPause, Position: p.media.Position()})
}

func (p *Player) Seek(position float64) error {
	if !p.IsHost() {
		if p.opts.RequestSync == nil {
			return engine.ErrUnauthorized
		}
		return p.opts.RequestSync()
	}
	return p.act(engine.Command{Kind: engine.CmdSeek, Position: position})
}

func (p *Player) ChangeTrack(trackID string, autoPlay bool) error {
	return p.act(engine.Command{Kind: engine.CmdChangeTrack, TrackID: trackID, AutoPlay: autoPlay})
}

func (p *Player) Next() error {
	return p.act(engine.Command{Kind: engine.CmdNextTrack})
}

func (p *Player) Previous() error {
	return p.act(engine.Command{Kind: engine.CmdPreviousTrack})
}

func (p *Player) SetVolume(v float64) error {
	return p.act(engine.Command{Kind: engine.CmdVolumeChange, Volume: v})
}

func (p *Player) SetQueue(queue []string) error {
	return p.act(engine.Command{Kind: engine.CmdSetQueue, Queue: queue})
}

// act applies cmd to the local media first and then emits it. The room's
// echo is absorbed by the version check and the drift tolerance.
func (p *Player) act(cmd engine.Command) error {
	if !p.IsHost() {
		return engine.ErrUnauthorized
	}
	cmd.Issuer = p.opts.UserID

	predicted, err := engine.Apply(p.latest, cmd, engine.Env{Now: p.opts.Now(), Lookup: p.localLookup})
	switch {
	case err == nil:
		if err := p.sync(predicted, false, cmd.Kind == engine.CmdSeek); err != nil {
			p.log.Debug("optimistic apply failed", zap.Error(err))
		}
	case errors.Is(err, engine.ErrTrackNotFound):
		// The room's catalog decides.
	default:
		return err
	}
	return p.emit(cmd)
}

func (p *Player) localLookup(id string) (engine.Track, error) {
	if t := p.latest.Track; t != nil && t.ID == id {
		return *t, nil
	}
	if p.opts.Resolve != nil {
		return p.opts.Resolve(id)
	}
	return engine.Track{}, fmt.Errorf("%w: %s", engine.ErrTrackNotFound, id)
}

func (p *Player) emit(cmd engine.Command) error {
	if p.opts.Emit == nil {
		return nil
	}
	cmd.IssuedAt = p.opts.Now()
	return p.opts.Emit(cmd)
}
