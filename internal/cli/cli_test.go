package cli

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/harun/tally/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// writeTestConfig saves a valid config and returns its path.
func writeTestConfig(t *testing.T, mutate func(*config.Config)) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Server.Port = 0
	cfg.Storage.ContestDir = filepath.Join(dir, "contests")
	cfg.Engine.Command = "/bin/sh"
	if mutate != nil {
		mutate(cfg)
	}

	path := filepath.Join(dir, "tally.json")
	require.NoError(t, config.NewLoader(path).Save(cfg))
	return path, cfg
}

// resetBoolFlags clears --help and --version left set by earlier runs of the
// shared command tree.
func resetBoolFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "help" || f.Name == "version" {
			_ = f.Value.Set("false")
			f.Changed = false
		}
	})
	for _, sub := range cmd.Commands() {
		resetBoolFlags(sub)
	}
}

// execute runs the root command and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetBoolFlags(cmd)
	cmd.SetArgs(args)

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	defer func() {
		cmd.SetOut(nil)
		cmd.SetErr(nil)
	}()

	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func hasCommand(name string) bool {
	for _, c := range GetRootCmd().Commands() {
		if c.Name() == name {
			return true
		}
	}
	return false
}
