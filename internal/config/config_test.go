package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coworkhub/chatsync/internal/cache"
	"github.com/coworkhub/chatsync/internal/logging"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFileWithDefaults(t *testing.T) {
	path := writeFile(t, "chatsync.yaml", `
participant:
  id: u-42
api:
  base_url: https://api.example.com/v1/
  timeout: 3s
cache:
  backend: memory
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "u-42", cfg.Participant.ID)
	assert.Equal(t, "u-42", cfg.Participant.Name, "name defaults to id")
	assert.Equal(t, "https://api.example.com/v1", cfg.API.BaseURL)
	assert.Equal(t, 3*time.Second, cfg.API.Timeout)
	assert.Equal(t, cache.BackendMemory, cfg.Cache.Backend)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 50, cfg.HistoryPageSize)
	assert.Equal(t, "@every 30s", cfg.PresenceSchedule)
	assert.Equal(t, logging.InfoLevel, cfg.Log.Level)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "chatsync.toml", `
[participant]
id = "from-file"
`)
	t.Setenv("CHATSYNC_PARTICIPANT_ID", "from-env")
	t.Setenv("CHATSYNC_NATS_URL", "nats://broker:4222")
	t.Setenv("CHATSYNC_HISTORY_PAGE_SIZE", "20")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Participant.ID)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, 20, cfg.HistoryPageSize)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing participant", "cache:\n  backend: memory\n"},
		{"unknown backend", "participant:\n  id: u1\ncache:\n  backend: sqlite\n"},
		{"bad page size", "participant:\n  id: u1\nhistory:\n  page_size: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "chatsync.yaml", tt.body))
			assert.Error(t, err)
		})
	}
}

func TestExplicitMissingFileIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
