package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides applied after the config file.
const (
	EnvServerURL   = "PARLEY_SERVER_URL"
	EnvPlaybackCmd = "PARLEY_PLAYBACK_CMD"
	EnvAudioInput  = "PARLEY_AUDIO_INPUT"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays PARLEY_* overrides onto cfg; lookup is usually os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) ([]Warning, error) {
	var warnings []Warning

	if v, ok := lookupNonEmpty(lookup, EnvServerURL); ok {
		cfg.Server.URL = v
		warnings = append(warnings, Warning{Message: fmt.Sprintf("server.url overridden by %s", EnvServerURL)})
	}
	if v, ok := lookupNonEmpty(lookup, EnvPlaybackCmd); ok {
		cmd, err := parseCommand(EnvPlaybackCmd, v)
		if err != nil {
			return nil, err
		}
		cfg.Playback = cmd
	}
	if v, ok := lookupNonEmpty(lookup, EnvAudioInput); ok {
		cfg.Audio.Input = v
	}
	return warnings, nil
}

func lookupNonEmpty(lookup func(string) (string, bool), key string) (string, bool) {
	if lookup == nil {
		return "", false
	}
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}
