// Package types holds the WebSocket wire protocol shared by the server
// transport and the client session.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DoyleJ11/roomsync-backend/internal/engine"
)

// Client -> server event names.
const (
	TypePlay          = "room:play"
	TypePause         = "room:pause"
	TypeSeek          = "room:seek"
	TypeChangeTrack   = "room:change-track"
	TypeNextTrack     = "room:next-track"
	TypePreviousTrack = "room:previous-track"
	TypeVolume        = "room:volume"
	TypeQueue         = "room:queue"
	TypeRequestSync   = "room:request-sync"
)

// Server -> client event names.
const (
	TypeStateUpdate = "room:state-update"
	TypeSyncState   = "room:sync-state"
	TypeError       = "room:error"
)

// Error codes carried by room:error.
const (
	CodeUnauthorized   = "unauthorized"
	CodeTrackNotFound  = "track_not_found"
	CodeInvalidPayload = "invalid_payload"
	CodeInternal       = "internal"
)

type ClientMessage struct {
	Type     string   `json:"type"`
	TrackID  string   `json:"trackId,omitempty"`
	Position *float64 `json:"position,omitempty"`
	Volume   *float64 `json:"volume,omitempty"`
	AutoPlay bool     `json:"autoPlay,omitempty"`
	Ended    bool     `json:"ended,omitempty"`
	Queue    []string `json:"queue,omitempty"`
	IssuedAt int64    `json:"issuedAt,omitempty"` // unix ms
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerMessage struct {
	Type  string        `json:"type"` // "room:state-update" | "room:sync-state" | "room:error"
	State *engine.State `json:"state,omitempty"`
	Error *ErrorBody    `json:"error,omitempty"`
}

// Decode parses a client frame. Malformed JSON and a missing type are
// reported as engine.ErrInvalidPayload.
func Decode(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", engine.ErrInvalidPayload, err)
	}
	if m.Type == "" {
		return ClientMessage{}, fmt.Errorf("%w: missing type", engine.ErrInvalidPayload)
	}
	return m, nil
}

// ToCommand converts a transport message into an engine command. It does not
// handle room:request-sync, which is not a mutation.
func ToCommand(m ClientMessage) (engine.Command, error) {
	cmd := engine.Command{TrackID: m.TrackID, AutoPlay: m.AutoPlay, Ended: m.Ended}
	if m.IssuedAt > 0 {
		cmd.IssuedAt = time.UnixMilli(m.IssuedAt)
	}
	if m.Position != nil {
		cmd.Position = *m.Position
	}

	switch m.Type {
	case TypePlay:
		cmd.Kind = engine.CmdPlay
	case TypePause:
		if m.Position == nil {
			return engine.Command{}, missing(m.Type, "position")
		}
		cmd.Kind = engine.CmdPause
	case TypeSeek:
		if m.Position == nil {
			return engine.Command{}, missing(m.Type, "position")
		}
		cmd.Kind = engine.CmdSeek
	case TypeChangeTrack:
		if m.TrackID == "" {
			return engine.Command{}, missing(m.Type, "trackId")
		}
		cmd.Kind = engine.CmdChangeTrack
	case TypeNextTrack:
		cmd.Kind = engine.CmdNextTrack
	case TypePreviousTrack:
		cmd.Kind = engine.CmdPreviousTrack
	case TypeVolume:
		if m.Volume == nil {
			return engine.Command{}, missing(m.Type, "volume")
		}
		cmd.Kind = engine.CmdVolumeChange
		cmd.Volume = *m.Volume
	case TypeQueue:
		cmd.Kind = engine.CmdSetQueue
		cmd.Queue = m.Queue
		if cmd.Queue == nil {
			cmd.Queue = []string{}
		}
	default:
		return engine.Command{}, fmt.Errorf("%w: unknown type %q", engine.ErrInvalidPayload, m.Type)
	}
	return cmd, nil
}

// FromCommand is the inverse of ToCommand, used by clients to emit commands.
func FromCommand(cmd engine.Command) (ClientMessage, error) {
	m := ClientMessage{TrackID: cmd.TrackID, AutoPlay: cmd.AutoPlay, Ended: cmd.Ended}
	if !cmd.IssuedAt.IsZero() {
		m.IssuedAt = cmd.IssuedAt.UnixMilli()
	}
	pos := cmd.Position

	switch cmd.Kind {
	case engine.CmdPlay:
		m.Type = TypePlay
		m.Position = &pos
	case engine.CmdPause:
		m.Type = TypePause
		m.Position = &pos
	case engine.CmdSeek:
		m.Type = TypeSeek
		m.Position = &pos
	case engine.CmdChangeTrack:
		m.Type = TypeChangeTrack
	case engine.CmdNextTrack:
		m.Type = TypeNextTrack
	case engine.CmdPreviousTrack:
		m.Type = TypePreviousTrack
	case engine.CmdVolumeChange:
		vol := cmd.Volume
		m.Type = TypeVolume
		m.Volume = &vol
	case engine.CmdSetQueue:
		m.Type = TypeQueue
		m.Queue = cmd.Queue
	default:
		return ClientMessage{}, fmt.Errorf("%w: %s", engine.ErrUnsupportedCommand, cmd.Kind)
	}
	return m, nil
}

func missing(typ, field string) error {
	return fmt.Errorf("%w: %s requires %s", engine.ErrInvalidPayload, typ, field)
}

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, engine.ErrTrackNotFound):
		return CodeTrackNotFound
	case errors.Is(err, engine.ErrInvalidPayload), errors.Is(err, engine.ErrUnsupportedCommand):
		return CodeInvalidPayload
	default:
		return CodeInternal
	}
}

// CodeError turns a received room:error back into a sentinel-wrapping error.
func CodeError(body ErrorBody) error {
	var base error
	switch body.Code {
	case CodeUnauthorized:
		base = engine.ErrUnauthorized
	case CodeTrackNotFound:
		base = engine.ErrTrackNotFound
	case CodeInvalidPayload:
		base = engine.ErrInvalidPayload
	default:
		return errors.New(body.Message)
	}
	return fmt.Errorf("%w: %s", base, body.Message)
}

func StateUpdate(s engine.State) ServerMessage {
	return ServerMessage{Type: TypeStateUpdate, State: &s}
}

func SyncState(s engine.State) ServerMessage {
	return ServerMessage{Type: TypeSyncState, State: &s}
}

func Error(err error) ServerMessage {
	return ServerMessage{Type: TypeError, Error: &ErrorBody{Code: ErrorCode(err), Message: err.Error()}}
}
