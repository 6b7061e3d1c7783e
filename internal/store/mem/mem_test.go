package mem

import (
	"context"
	"testing"
	"time"

	"github.com/DoyleJ11/roomsync-backend/internal/engine"
	"github.com/DoyleJ11/roomsync-backend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemory_SaveLoadRemove(t *testing.T) {
	m := New(Config{})
	defer m.Close()
	ctx := context.Background()

	_, err := m.LoadState(ctx, "r1")
	require.ErrorIs(t, err, store.ErrNotFound)

	s := engine.NewState("r1", "host")
	s.Queue = []string{"a", "b"}
	s.Version = 7
	require.NoError(t, m.SaveState(ctx, s))

	s.Queue[0] = "z"
	got, err := m.LoadState(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.Version)
	assert.Equal(t, []string{"a", "b"}, got.Queue)

	require.NoError(t, m.RemoveState(ctx, "r1"))
	_, err = m.LoadState(ctx, "r1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestInMemory_Expiry(t *testing.T) {
	m := New(Config{TTL: time.Minute})
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.SaveState(ctx, engine.NewState("r1", "h")))
	m.cleanup(time.Now().Add(2 * time.Minute))

	_, err := m.LoadState(ctx, "r1")
	require.ErrorIs(t, err, store.ErrNotFound)
}
