package store

import (
	"context"
	"errors"

	"github.com/DoyleJ11/roomsync-backend/internal/engine"
)

// Store persists the last playback state of each room so a room that is
// reactivated (restart, idle expiry) resumes at the same version.
type Store interface {
	SaveState(ctx context.Context, s engine.State) error
	LoadState(ctx context.Context, roomID string) (engine.State, error)
	RemoveState(ctx context.Context, roomID string) error
	Close() error
}

// ErrNotFound indicates that no state is stored for the room.
var ErrNotFound = errors.New("room state not found")
