package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Engine.MaxGotoIterations)
	assert.Equal(t, 60.0, cfg.Engine.DefaultBackoffBase)
	assert.Equal(t, 1000, cfg.Ledger.MaxEntries)
	assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
version = "1"

[engine]
max_goto_iterations = 25

[logging]
level = "debug"
format = "text"
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 25, cfg.Engine.MaxGotoIterations)
	assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
	assert.Equal(t, LogFormatText, cfg.Logging.Format)
	// Untouched sections keep defaults.
	assert.Equal(t, ".maestro/state", cfg.Paths.StoreDir)
	assert.Equal(t, 3, cfg.Engine.DefaultMaxRetries)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromDirProjectOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".maestro"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".maestro", "config.toml"), []byte(`
[ledger]
max_entries = 50
`), 0644))

	cfg, err := LoadFromDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Ledger.MaxEntries)
}

func TestValidate(t *testing.T) {
	bad := Default()
	bad.Engine.MaxGotoIterations = 0
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.Paths.StoreDir = ""
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.Ledger.MaxEntries = 0
	assert.Error(t, bad.Validate())
}

func TestPathResolution(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "/base/.maestro/state", cfg.StoreDir("/base"))
	assert.Equal(t, "/base/.maestro/state/ledger.json", cfg.LedgerFile("/base"))

	cfg.Paths.StoreDir = "/abs/state"
	assert.Equal(t, "/abs/state", cfg.StoreDir("/base"))
}
