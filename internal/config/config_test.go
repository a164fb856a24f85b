package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ".replica/replica.db", cfg.Database)
	assert.Equal(t, "http://localhost:8080", cfg.Remote.URL)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, uint64(5), cfg.Sync.MaxRetries)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.True(t, cfg.Server.EchoSuppression)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowOrigins)
	assert.Equal(t, "replica:cursor", cfg.Cursor.RedisKey)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "replica.yaml", `
database: /data/phone.db
remote:
  url: https://sync.example.com
  token: secret
sync:
  interval: 1m
  max_retries: 2
server:
  min_schema_version: 2
  allow_origins: [https://a.example.com, https://b.example.com]
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/data/phone.db", cfg.Database)
	assert.Equal(t, "https://sync.example.com", cfg.Remote.URL)
	assert.Equal(t, "secret", cfg.Remote.Token)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, uint64(2), cfg.Sync.MaxRetries)
	assert.Equal(t, 2, cfg.Server.MinSchemaVersion)
	assert.Len(t, cfg.Server.AllowOrigins, 2)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Remote.Timeout)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "replica.toml", `
database = "tablet.db"

[log]
level = "debug"
file = "replica.log"

[cursor]
redis_addr = "localhost:6379"
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "tablet.db", cfg.Database)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "replica.log", cfg.Log.File)
	assert.Equal(t, "localhost:6379", cfg.Cursor.RedisAddr)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "replica.yaml", "remote:\n  url: https://file.example.com\n")
	t.Setenv("REPLICA_REMOTE_URL", "https://env.example.com")
	t.Setenv("REPLICA_SERVER_ALLOW_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.Remote.URL)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowOrigins)
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("REPLICA_REMOTE_URL", "https://env.example.com")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("remote-url", "", "")
	flags.String("database", "", "")
	require.NoError(t, flags.Parse([]string{"--remote-url", "https://flag.example.com"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)

	assert.Equal(t, "https://flag.example.com", cfg.Remote.URL)
	// An unset flag does not clobber the default.
	assert.Equal(t, ".replica/replica.db", cfg.Database)
}

func TestLoad_DiscoversFileInWorkingDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "replica.yaml"), []byte("database: found.db\n"), 0o644))
	chdir(t, dir)

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "found.db", cfg.Database)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)

	bad := writeFile(t, "replica.yaml", "sync:\n  interval: 0s\n")
	_, err = Load(bad, nil)
	assert.ErrorContains(t, err, "sync.interval")

	retry := writeFile(t, "replica.yaml", "sync:\n  retry_initial: 10s\n  retry_max: 1s\n")
	_, err = Load(retry, nil)
	assert.ErrorContains(t, err, "retry_max")
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir for older toolchains).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
