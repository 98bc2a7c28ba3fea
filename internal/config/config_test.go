package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigFromEnv(t *testing.T) {
	t.Setenv("REPOSITORY_CACHE_SIZE", "42")
	t.Setenv("REPOSITORY_CACHE_TTL", "1d")
	t.Setenv("PERSISTENCE_DRIVER", DriverMemory)

	c, err := ReadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "zenrepo", c.Name)
	assert.Equal(t, ":8080", c.Server.Addr)
	assert.Equal(t, DriverMemory, c.Persistence.Driver)
	assert.Equal(t, 5*time.Second, c.Persistence.BusyTimeout.Std())
	assert.Equal(t, 42, c.Repository.CacheSize)
	assert.Equal(t, 24*time.Hour, c.Repository.CacheTTL.Std())
	assert.Equal(t, 5, c.Repository.VersionRetries)
	assert.Equal(t, 0, c.Repository.RepairRetries)
	assert.Equal(t, "snowflake", c.Repository.IdGenerator)
}

func TestReadConfigFromFile(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "conf.yaml")
	err := os.WriteFile(fileName, []byte(`
name: repo-test
server:
  addr: ":9999"
persistence:
  driver: sqlite3
  dsn: "file:/tmp/test.db"
repository:
  cacheSize: 10
  cacheTTL: 30m
  sortResources: true
  repairRetries: 2
  idGenerator: uuid
  deployDir: /opt/definitions
`), 0o600)
	require.NoError(t, err)

	c, err := ReadConfig(fileName)
	require.NoError(t, err)
	assert.Equal(t, "repo-test", c.Name)
	assert.Equal(t, ":9999", c.Server.Addr)
	assert.Equal(t, "file:/tmp/test.db", c.Persistence.Dsn)
	assert.Equal(t, 10, c.Repository.CacheSize)
	assert.Equal(t, 30*time.Minute, c.Repository.CacheTTL.Std())
	assert.True(t, c.Repository.SortResources)
	assert.Equal(t, 2, c.Repository.RepairRetries)
	assert.Equal(t, "uuid", c.Repository.IdGenerator)
	assert.Equal(t, "/opt/definitions", c.Repository.DeployDir)
}

func TestInvalidConfig(t *testing.T) {
	t.Setenv("PERSISTENCE_DRIVER", "postgres")
	t.Setenv("REPOSITORY_ID_GENERATOR", "random")
	t.Setenv("REPOSITORY_NODE_ID", "5000")

	_, err := ReadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
	assert.Contains(t, err.Error(), "random")
	assert.Contains(t, err.Error(), "5000")
}
