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
	t.Chdir(t.TempDir())

	cfg := Load()
	assert.Equal(t, "dev", cfg.Server.Environment)
	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, "shadow", cfg.Outbox.Mode)
	assert.Equal(t, "kernel", cfg.Dispatch.Mode)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 8, cfg.Outbox.MaxAttempts)
	assert.Equal(t, "@every 1m", cfg.Workers.SweepSchedule)
	assert.Equal(t, 45*time.Minute, cfg.Workers.TaskTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Workers.SchedulingTimeout)
	assert.Equal(t, 3.0, cfg.Pricing.InputPerMillion)
	assert.Equal(t, 15.0, cfg.Pricing.OutputPerMillion)
	assert.Empty(t, cfg.Executor.Command)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config"), 0o755))
	yaml := `
server:
  environment: prod
outbox:
  mode: shadow
  max_attempts: 4
auth:
  executor_keys: [runner-a, runner-b]
routing:
  bot_usernames: [review-bot]
workers:
  task_timeout: 20m
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.yaml"), []byte(yaml), 0o644))
	t.Chdir(dir)
	t.Setenv("TASKORCH_OUTBOX_MODE", "outbox")

	cfg := Load()
	assert.Equal(t, "prod", cfg.Server.Environment)
	// environment beats the file
	assert.Equal(t, "outbox", cfg.Outbox.Mode)
	assert.Equal(t, 4, cfg.Outbox.MaxAttempts)
	assert.Equal(t, []string{"runner-a", "runner-b"}, cfg.Auth.ExecutorKeys)
	assert.Equal(t, []string{"review-bot"}, cfg.Routing.BotUsernames)
	assert.Equal(t, 20*time.Minute, cfg.Workers.TaskTimeout)
}

func TestLoad_BadFilePanics(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [unclosed"), 0o644))
	t.Chdir(dir)

	assert.Panics(t, func() { Load() })
}
