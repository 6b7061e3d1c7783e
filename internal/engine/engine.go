package engine

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

var ErrUnauthorized = errors.New("unauthorized")
var ErrTrackNotFound = errors.New("track not found")
var ErrInvalidPayload = errors.New("invalid payload")
var ErrUnsupportedCommand = errors.New("unsupported command")

// Client-side errors. They never reach the room state.
var ErrStaleUpdate = errors.New("stale update")
var ErrMediaLoad = errors.New("media load failed")
var ErrSyncTimeout = errors.New("sync timed out")

// Track is the playable metadata of a catalog entry.
type Track struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Artist   string  `json:"artist"`
	FileURL  string  `json:"fileUrl"`
	Duration float64 `json:"duration"` // seconds
}

// State is the authoritative playback state of a room. Queue is never
// mutated in place, so copies of a State may share it.
type State struct {
	RoomID         string    `json:"roomId"`
	HostID         string    `json:"hostId"`
	CurrentTrackID string    `json:"currentTrackId"`
	Track          *Track    `json:"track,omitempty"`
	IsPlaying      bool      `json:"isPlaying"`
	Position       float64   `json:"position"` // seconds at LastUpdatedAt
	Volume         float64   `json:"volume"`
	Queue          []string  `json:"queue"`
	LastUpdatedAt  time.Time `json:"lastUpdatedAt"`
	Version        uint64    `json:"version"`
}

type CommandKind string

const (
	CmdPlay          CommandKind = "Play"
	CmdPause         CommandKind = "Pause"
	CmdSeek          CommandKind = "Seek"
	CmdChangeTrack   CommandKind = "ChangeTrack"
	CmdNextTrack     CommandKind = "NextTrack"
	CmdPreviousTrack CommandKind = "PreviousTrack"
	CmdVolumeChange  CommandKind = "VolumeChange"
	CmdSetQueue      CommandKind = "SetQueue"
	CmdAssignHost    CommandKind = "AssignHost"
)

/*
	CmdPlay          -> resume, or ChangeTrack(trackID, autoPlay) when a new track is named
	CmdPause         -> isPlaying=false at the host-reported position
	CmdSeek          -> position only
	CmdChangeTrack   -> catalog lookup, position 0
	CmdNextTrack     -> queue[i+1], wraps to 0
	CmdPreviousTrack -> queue[i-1], wraps to the last entry
	CmdVolumeChange  -> clamped to [0,1]
	CmdSetQueue      -> replaces the queue, every id must resolve
	CmdAssignHost    -> external host reassignment, not host-gated
*/

type Command struct {
	Kind     CommandKind
	Issuer   string // user id of the sender
	TrackID  string
	Position float64
	Volume   float64
	AutoPlay bool
	Ended    bool // NextTrack raised by the host's end-of-media event
	Queue    []string
	HostID   string // AssignHost target
	IssuedAt time.Time

	// Latency is the issuer's last known one-way latency. It is added to
	// positions that take effect while playing.
	Latency time.Duration
}

// Lookup resolves a track id against the catalog. Unknown ids must return an
// error wrapping ErrTrackNotFound.
type Lookup func(trackID string) (Track, error)

// Env carries what Apply needs from outside the state.
type Env struct {
	Now    time.Time
	Lookup Lookup
}

// Apply validates cmd against s and returns the next state with Version bumped.
// On error s is returned unchanged.
func Apply(s State, cmd Command, env Env) (State, error) {
	if cmd.Kind != CmdAssignHost && (s.HostID == "" || cmd.Issuer != s.HostID) {
		return s, ErrUnauthorized
	}

	// Mutations start from the position projected to now, so Position stays
	// the offset at LastUpdatedAt.
	next := s.At(env.Now)
	var err error

	switch cmd.Kind {
	case CmdPlay:
		pos, err := validPosition(cmd.Position)
		if err != nil {
			return s, err
		}

		switch {
		case cmd.TrackID != "" && cmd.TrackID != s.CurrentTrackID:
			next, err = changeTrack(next, cmd.TrackID, true, env)
		case s.CurrentTrackID == "":
			if len(s.Queue) == 0 {
				return s, fmt.Errorf("%w: no track to play", ErrInvalidPayload)
			}
			next, err = changeTrack(next, s.Queue[0], true, env)
		}
		if err != nil {
			return s, err
		}

		next.IsPlaying = true
		next.Position = clampToTrack(next, pos+cmd.Latency.Seconds())

	case CmdPause:
		pos, err := validPosition(cmd.Position)
		if err != nil {
			return s, err
		}
		next.IsPlaying = false
		next.Position = clampToTrack(next, pos)

	case CmdSeek:
		pos, err := validPosition(cmd.Position)
		if err != nil {
			return s, err
		}
		if s.CurrentTrackID == "" {
			return s, fmt.Errorf("%w: no track loaded", ErrInvalidPayload)
		}
		if s.IsPlaying {
			pos += cmd.Latency.Seconds()
		}
		next.Position = clampToTrack(next, pos)

	case CmdChangeTrack:
		if cmd.TrackID == "" {
			return s, fmt.Errorf("%w: missing track id", ErrInvalidPayload)
		}
		next, err = changeTrack(next, cmd.TrackID, cmd.AutoPlay, env)
		if err != nil {
			return s, err
		}

	case CmdNextTrack, CmdPreviousTrack:
		step := 1
		if cmd.Kind == CmdPreviousTrack {
			step = -1
		}
		idx, err := neighbour(s.Queue, s.CurrentTrackID, step)
		if err != nil {
			return s, err
		}
		if idx < 0 {
			// Single-entry queue: stop at the top of the track.
			next.IsPlaying = false
			next.Position = 0
			break
		}
		next, err = changeTrack(next, s.Queue[idx], true, env)
		if err != nil {
			return s, err
		}

	case CmdVolumeChange:
		if math.IsNaN(cmd.Volume) {
			return s, fmt.Errorf("%w: volume is not a number", ErrInvalidPayload)
		}
		next.Volume = clamp(cmd.Volume, 0, 1)

	case CmdSetQueue:
		for _, id := range cmd.Queue {
			if _, err := lookup(env, id); err != nil {
				return s, err
			}
		}
		next.Queue = slices.Clone(cmd.Queue)

	case CmdAssignHost:
		if cmd.HostID == "" {
			return s, fmt.Errorf("%w: missing host id", ErrInvalidPayload)
		}
		next.HostID = cmd.HostID

	default:
		return s, ErrUnsupportedCommand
	}

	next.Version = s.Version + 1
	next.LastUpdatedAt = env.Now
	return next, nil
}

// At projects s to now: while playing, the position advances with wall time
// and LastUpdatedAt moves to now. Version is left as it is.
func (s State) At(now time.Time) State {
	if !s.IsPlaying || s.LastUpdatedAt.IsZero() {
		return s
	}
	elapsed := now.Sub(s.LastUpdatedAt).Seconds()
	if elapsed <= 0 {
		return s
	}
	s.Position = clampToTrack(s, s.Position+elapsed)
	s.LastUpdatedAt = now
	return s
}

// IsHost reports whether userID currently holds the host role.
func (s State) IsHost(userID string) bool {
	return s.HostID != "" && s.HostID == userID
}

func changeTrack(s State, trackID string, autoPlay bool, env Env) (State, error) {
	t, err := lookup(env, trackID)
	if err != nil {
		return s, err
	}
	s.CurrentTrackID = t.ID
	s.Track = &t
	s.Position = 0
	s.IsPlaying = autoPlay
	return s, nil
}

func lookup(env Env, trackID string) (Track, error) {
	if env.Lookup == nil {
		return Track{}, fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
	}
	t, err := env.Lookup(trackID)
	if err != nil {
		return Track{}, err
	}
	if t.ID == "" {
		t.ID = trackID
	}
	return t, nil
}

func validPosition(pos float64) (float64, error) {
	if math.IsNaN(pos) || math.IsInf(pos, 0) || pos < 0 {
		return 0, fmt.Errorf("%w: position %v", ErrInvalidPayload, pos)
	}
	return pos, nil
}
