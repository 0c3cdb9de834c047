package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pgaskin/ckpe/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
log:
  path: ckpe.log
  level: debug
database:
  path: db/ckpe.relb
host:
  edition: fallout4-1.10.162
  build: 1.10.162.0
modules:
  bRenderWindowVSync: false
  Quit Handler: true
`

func writeConfig(t *testing.T, contents string) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, Name+".yaml"), []byte(contents), 0644))
	return dir
}

func TestLoad(t *testing.T) {
	dir := writeConfig(t, testConfig)
	c, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, c.Dir())
	assert.Equal(t, "ckpe.log", c.Log.Path)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, filepath.Join(dir, "db", "ckpe.relb"), c.Resolve(c.Database.Path))
	assert.Equal(t, "CreationKitPlatformExtendedFilter.txt", c.Filter.Path, "default")

	assert.False(t, c.Option("bRenderWindowVSync", true))
	assert.False(t, c.Option("brenderwindowvsync", true))
	assert.True(t, c.Option("bLoadTextureArchives", true))

	enabled, ok := c.Enabled("QUIT HANDLER")
	assert.True(t, ok)
	assert.True(t, enabled)
	_, ok = c.Enabled("Object Window")
	assert.False(t, ok)

	id, ok, err := c.HostOverride()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, host.Identity{Edition: host.Fallout4_1_10_162, Build: "1.10.162.0"}, id)
}

func TestLoadEnv(t *testing.T) {
	dir := writeConfig(t, testConfig)
	t.Setenv("CKPE_LOG_LEVEL", "warn")
	t.Setenv("CKPE_MODULES_BRENDERWINDOWVSYNC", "true")
	t.Setenv("CKPE_FILTER_PATH", "filter.txt")

	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "warn", c.Log.Level)
	assert.Equal(t, "filter.txt", c.Filter.Path)
	assert.True(t, c.Option("bRenderWindowVSync", false))
}

func TestLoadMissing(t *testing.T) {
	c, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "ckpe.relb", c.Database.Path)
	assert.Empty(t, c.Modules)

	_, ok, err := c.HostOverride()
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "log: [unterminated"))
	assert.Error(t, err)

	c, err := Load(writeConfig(t, "host:\n  edition: morrowind\n"))
	require.NoError(t, err)
	_, _, err = c.HostOverride()
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "", c.Dir())
	assert.Equal(t, "ckpe.relb", c.Resolve("ckpe.relb"))
	assert.True(t, c.Option("anything", true))
}
