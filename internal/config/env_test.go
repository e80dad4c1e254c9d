package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyEnvIgnoresBlankValues(t *testing.T) {
	cfg := Default()
	lookup := func(key string) (string, bool) {
		if key == EnvServerURL {
			return "   ", true
		}
		return "", false
	}

	warnings, err := ApplyEnv(&cfg, lookup)
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Equal(t, Default(), cfg)
}

func TestApplyEnvRejectsBadPlaybackCommand(t *testing.T) {
	cfg := Default()
	_, err := ApplyEnv(&cfg, func(key string) (string, bool) {
		if key == EnvPlaybackCmd {
			return `mpv "broken`, true
		}
		return "", false
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), EnvPlaybackCmd)
}

func TestApplyEnvNilLookup(t *testing.T) {
	cfg := Default()
	_, err := ApplyEnv(&cfg, nil)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadDotEnvSetsUnsetVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PARLEY_AUDIO_INPUT=dotenv-mic\nPARLEY_SERVER_URL=http://from-dotenv:8000\n"), 0o600))

	t.Setenv(EnvAudioInput, "")
	require.NoError(t, os.Unsetenv(EnvAudioInput))
	t.Setenv(EnvServerURL, "http://already-set:8000")

	require.NoError(t, LoadDotEnv(path))
	require.Equal(t, "dotenv-mic", os.Getenv(EnvAudioInput))
	require.Equal(t, "http://already-set:8000", os.Getenv(EnvServerURL))
}

func TestLoadDotEnvMissingFileIsNotAnError(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}
