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
	chdir(t, t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, 20*time.Second, cfg.Tasks.PollTimeout)
	assert.Equal(t, time.Hour, cfg.Tasks.DefaultLifespan)
	assert.Equal(t, 4, cfg.Tasks.Concurrency)
	assert.Empty(t, cfg.Auth.JWTSecret)
	assert.Empty(t, cfg.Sentry.DSN)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("TASKPOLL_SERVER_ADDR", ":9999")
	t.Setenv("TASKPOLL_SERVER_LOG_LEVEL", "debug")
	t.Setenv("TASKPOLL_STORE_DRIVER", "badger")
	t.Setenv("TASKPOLL_STORE_BADGER_PATH", "/var/lib/taskpoll")
	t.Setenv("TASKPOLL_TASKS_POLL_TIMEOUT", "5s")
	t.Setenv("TASKPOLL_TASKS_CONCURRENCY", "16")
	t.Setenv("TASKPOLL_AUTH_JWT_SECRET", "thisisasecretkeythatis32charslong!!")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, "badger", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/taskpoll", cfg.Store.BadgerPath)
	assert.Equal(t, 5*time.Second, cfg.Tasks.PollTimeout)
	assert.Equal(t, 16, cfg.Tasks.Concurrency)
	assert.Equal(t, "thisisasecretkeythatis32charslong!!", cfg.Auth.JWTSecret)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":7000"
store:
  driver: postgres
  postgres_url: postgres://u:p@localhost:5432/tasks
tasks:
  reap_interval: 10s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 10*time.Second, cfg.Tasks.ReapInterval)
	assert.Equal(t, "info", cfg.Server.LogLevel)
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown driver":       {"TASKPOLL_STORE_DRIVER": "mongo"},
		"badger without path":  {"TASKPOLL_STORE_DRIVER": "badger"},
		"postgres without url": {"TASKPOLL_STORE_DRIVER": "postgres"},
		"short jwt secret":     {"TASKPOLL_AUTH_JWT_SECRET": "short"},
		"bad log level":        {"TASKPOLL_SERVER_LOG_LEVEL": "loud"},
		"zero concurrency":     {"TASKPOLL_TASKS_CONCURRENCY": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			chdir(t, t.TempDir())
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
