package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := FromViper(viper.New())
	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, 7*24*time.Hour, cfg.DraftTTL)
	assert.Equal(t, 30*time.Second, cfg.RevalidateInterval)
	assert.Equal(t, "Score", cfg.ScoreField)
	assert.Empty(t, cfg.SMTPHost)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("ROSTER_DRAFT_TTL", "1h")
	t.Setenv("ROSTER_SCORE_FIELD", "Rating")
	t.Setenv("SMTP_TLS", "true")
	t.Setenv("LOG_VERBOSITY", "2")

	cfg := Load()
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, time.Hour, cfg.DraftTTL)
	assert.Equal(t, "Rating", cfg.ScoreField)
	assert.True(t, cfg.SMTPTLS)
	assert.Equal(t, 2, cfg.LogVerbosity)
}
