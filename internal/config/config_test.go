package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskscheduler/internal/domain"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "taskscheduler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(body)), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, time.Minute, cfg.RetryDelayDur)
	assert.Equal(t, time.Duration(0), cfg.DefaultTimeoutDur)
	assert.Equal(t, domain.KnownCategories(), cfg.Limits())
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
addr: ":9090"
db: /tmp/ts.db
workers: 4
retry_delay: 30s
default_timeout: 2m
timezone: UTC
log:
  level: debug
  format: json
categories:
  Email: 4
  video-encoding: 2
handlers:
  shell: false
  sleep_default: 1s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.RetryDelayDur)
	assert.Equal(t, 2*time.Minute, cfg.DefaultTimeoutDur)
	assert.Equal(t, time.Second, cfg.SleepDefaultDur)
	assert.Equal(t, time.UTC, cfg.Location)
	assert.False(t, cfg.Handlers.Shell)
	assert.True(t, cfg.Handlers.HTTP, "unset fields keep defaults")

	limits := cfg.Limits()
	assert.Equal(t, 4, limits[domain.CategoryEmail])
	assert.Equal(t, 2, limits[domain.Category("video_encoding")])
	assert.Equal(t, 5, limits[domain.CategoryFileUpload])
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown field", body: "workerz: 3", want: "field workerz not found"},
		{name: "bad duration", body: "retry_delay: soon", want: "retry_delay"},
		{name: "no workers", body: "workers: 0", want: "workers must be at least 1"},
		{name: "bad category limit", body: "categories:\n  email: 0", want: "categories.email"},
		{name: "bad level", body: "log:\n  level: loud", want: "log.level"},
		{name: "bad format", body: "log:\n  format: xml", want: "log.format"},
		{name: "bad timezone", body: "timezone: Mars/Olympus", want: "timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, t.TempDir(), tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "workers: 2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var workers atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { workers.Store(int32(c.Workers)) })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "workers: 0")
	writeConfig(t, dir, "workers: 6")

	require.Eventually(t, func() bool { return workers.Load() == 6 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
