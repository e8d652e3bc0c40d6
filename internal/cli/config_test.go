package cli

import (
	"path/filepath"
	"testing"

	"github.com/harun/tally/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetConfigFlags() {
	initContestDir = ""
	initEngine = ""
	initForce = false
}

func TestConfigInit(t *testing.T) {
	resetConfigFlags()
	defer resetConfigFlags()

	dir := t.TempDir()
	path := filepath.Join(dir, "tally.json")
	contests := filepath.Join(dir, "contests")

	stdout, _, err := execute(t, "--config", path, "config", "init", "--contest-dir", contests, "--engine", "/bin/sh")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Configuration saved to: "+path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, contests, cfg.Storage.ContestDir)
	assert.Equal(t, "/bin/sh", cfg.Engine.Command)

	_, _, err = execute(t, "--config", path, "config", "init", "--contest-dir", contests, "--engine", "/bin/sh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, _, err = execute(t, "--config", path, "config", "init", "--contest-dir", contests, "--engine", "/bin/sh", "--force")
	assert.NoError(t, err)
}

func TestConfigInit_RequiresEngine(t *testing.T) {
	resetConfigFlags()
	defer resetConfigFlags()

	path := filepath.Join(t.TempDir(), "tally.json")
	_, _, err := execute(t, "--config", path, "config", "init", "--contest-dir", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.command")
	assert.NoFileExists(t, path)
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path, _ := writeTestConfig(t, nil)

		stdout, _, err := execute(t, "--config", path, "config", "validate")
		require.NoError(t, err)
		assert.Contains(t, stdout, "configuration is valid")
	})

	t.Run("invalid", func(t *testing.T) {
		path, _ := writeTestConfig(t, func(c *config.Config) {
			c.Server.Port = 70000
			c.Logging.Level = "loud"
		})

		_, stderr, err := execute(t, "--config", path, "config", "validate")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "2 configuration error(s)")
		assert.Contains(t, stderr, "invalid port")
		assert.Contains(t, stderr, "invalid log level")
	})
}
