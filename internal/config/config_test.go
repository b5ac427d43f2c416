package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", testKey)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.DatabaseDriver)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 8, cfg.UnsubscribeMaxSteps)
	assert.Equal(t, 30*time.Second, cfg.UnsubscribeNavTimeout)
	assert.Equal(t, 3, cfg.UnsubscribeMaxSessions)
	assert.Equal(t, 2000, cfg.ClassifierBodyLimit)
	assert.True(t, cfg.BrowserHeadless)
	assert.False(t, cfg.TelegramEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", testKey)
	t.Setenv("SYNC_INTERVAL", "90s")
	t.Setenv("UNSUBSCRIBE_MAX_SESSIONS", "5")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.SyncInterval)
	assert.Equal(t, 5, cfg.UnsubscribeMaxSessions)
	assert.True(t, cfg.TelegramEnabled())
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "short key", env: map[string]string{"ENCRYPTION_KEY": "short"}},
		{name: "pgx without url", env: map[string]string{"ENCRYPTION_KEY": testKey, "DATABASE_DRIVER": "pgx"}},
		{name: "zero steps", env: map[string]string{"ENCRYPTION_KEY": testKey, "UNSUBSCRIBE_MAX_STEPS": "0"}},
		{name: "zero sessions", env: map[string]string{"ENCRYPTION_KEY": testKey, "UNSUBSCRIBE_MAX_SESSIONS": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
