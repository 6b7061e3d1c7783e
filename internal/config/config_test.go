package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, _, err := Load(Flags("test"), []string{"--env-file", filepath.Join(t.TempDir(), "missing.env")})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.App.Address)
	assert.Equal(t, 30*time.Minute, cfg.App.RoomTimeout)
	assert.Equal(t, 1.0, cfg.Client.DriftTolerance)
	assert.Equal(t, "memory", cfg.Catalog.Type)
	assert.True(t, cfg.Catalog.Cache)
	assert.Equal(t, 3*time.Second, cfg.Client.SyncTimeout)
	assert.Equal(t, 2, cfg.Client.SyncRetries)
	assert.Equal(t, "roomsync:state:%s", cfg.Store.Redis.PrefixState)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	toml := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(toml, []byte(`
[app]
address = ":9000"
room_timeout = "5m"

[catalog]
type = "sqlite"

[[catalog.tracks]]
id = "A"
title = "Alpha"
file_url = "http://media/a.mp3"
duration = 180.5
`), 0o644))

	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("ROOMSYNC_STORE__TYPE=redis\n"), 0o644))
	t.Setenv("ROOMSYNC_APP__ROOM_TIMEOUT", "90s")
	t.Cleanup(func() { os.Unsetenv("ROOMSYNC_STORE__TYPE") })

	cfg, ko, err := Load(Flags("test"), []string{
		"--config", toml,
		"--env-file", dotenv,
		"--log.level", "debug",
	})
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.App.Address, "file over defaults")
	assert.Equal(t, 90*time.Second, cfg.App.RoomTimeout, "env over file")
	assert.Equal(t, "redis", cfg.Store.Type, ".env feeds the environment")
	assert.Equal(t, "debug", cfg.Log.Level, "flags over everything")
	assert.Equal(t, "sqlite", ko.String("catalog.type"))

	seeds := cfg.Catalog.SeedTracks()
	require.Len(t, seeds, 1)
	assert.Equal(t, "http://media/a.mp3", seeds[0].FileURL)
	assert.Equal(t, 180.5, seeds[0].Duration)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("ROOMSYNC_CATALOG__TYPE", "mongo")
	_, _, err := Load(Flags("test"), []string{"--env-file", ""})
	assert.ErrorContains(t, err, "catalog.type")
}
