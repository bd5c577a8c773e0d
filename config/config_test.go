package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultMaxParallel, cfg.MaxParallel)
	assert.Equal(t, "memory", cfg.Journal.Backend)
	assert.Equal(t, DefaultBrokerTTL, cfg.Brokers.TTL)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
max_parallel: 4
execution_timeout: 90s
journal:
  backend: mongo
  mongo:
    uri: mongodb://db:27017
    database: flowrun
brokers:
  ttl: 2m
  sql_max_open_conns: 20
stream:
  enabled: true
  redis_addr: redis:6379
  max_len: 500
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxParallel)
	assert.Equal(t, DefaultGlobalMaxParallel, cfg.GlobalMaxParallel)
	assert.Equal(t, 90*time.Second, cfg.ExecutionTimeout)
	assert.Equal(t, "mongo", cfg.Journal.Backend)
	assert.Equal(t, "mongodb://db:27017", cfg.Journal.Mongo.URI)
	assert.Equal(t, 2*time.Minute, cfg.Brokers.TTL)
	assert.Equal(t, 20, cfg.Brokers.SQLMaxOpenConns)
	assert.True(t, cfg.Stream.Enabled)
	assert.Equal(t, 500, cfg.Stream.MaxLen)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "max_parallell: 4\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLOWRUN_MAX_PARALLEL", "2")
	t.Setenv("FLOWRUN_EXECUTION_TIMEOUT", "30s")
	t.Setenv("FLOWRUN_JOURNAL_BACKEND", "mongo")
	t.Setenv("FLOWRUN_MONGO_URI", "mongodb://env:27017")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxParallel)
	assert.Equal(t, 30*time.Second, cfg.ExecutionTimeout)
	assert.Equal(t, "mongo", cfg.Journal.Backend)
	assert.Equal(t, "mongodb://env:27017", cfg.Journal.Mongo.URI)
}

func TestEnvOverrideParseError(t *testing.T) {
	t.Setenv("FLOWRUN_MAX_PARALLEL", "many")
	_, err := Load("")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Journal.Backend = "postgres"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Journal.Backend = "mongo"
	require.Error(t, cfg.Validate(), "mongo backend needs a URI")

	cfg = Default()
	cfg.Stream.Enabled = true
	require.Error(t, cfg.Validate())
}
