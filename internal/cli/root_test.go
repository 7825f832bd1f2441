package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/harun/overwatch/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlags clears persistent flag values left behind by earlier Execute calls
func resetFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		cfgFile = ""
		logLevel = ""
	})
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--version"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		assert.Contains(t, output.String(), "overwatch version")
		assert.Contains(t, output.String(), GetVersion())
	})

	t.Run("subcommands", func(t *testing.T) {
		cmd := GetRootCmd()

		for _, path := range [][]string{
			{"serve"},
			{"simulate"},
			{"config", "init"},
			{"config", "show"},
			{"config", "validate"},
		} {
			found, _, err := cmd.Find(path)
			require.NoError(t, err, path)
			assert.Equal(t, path[len(path)-1], found.Name())
		}
	})
}

func TestLogLevelOverride(t *testing.T) {
	resetFlags(t)
	path := filepath.Join(t.TempDir(), "overwatch.json")

	t.Run("applied to the effective config", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--config", path, "--log-level", "warn", "config", "show"})
		output := &bytes.Buffer{}
		cmd.SetOut(output)

		require.NoError(t, cmd.Execute())

		var cfg config.Config
		require.NoError(t, json.Unmarshal(output.Bytes(), &cfg))
		assert.Equal(t, "warn", cfg.Logging.Level)
	})

	t.Run("invalid level rejected before the command runs", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--config", path, "--log-level", "verbose", "config", "init"})
		output := &bytes.Buffer{}
		cmd.SetOut(output)
		cmd.SetErr(&bytes.Buffer{})

		err := cmd.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "verbose")
		assert.NoFileExists(t, path, "config init never ran")
	})
}
