package config

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	playback := "mpv --no-video --really-quiet --no-terminal"
	clipboard := "wl-copy --trim-newline"

	return Config{
		Server:  ServerConfig{URL: "http://127.0.0.1:8000"},
		Session: SessionConfig{Param: "session_id"},
		Audio: AudioConfig{
			Input:    "default",
			Fallback: "default",
			Format:   AudioFormatWAV,
		},
		Conversation: ConversationConfig{
			AutoRestart:   true,
			GraceMS:       500,
			StartOnLaunch: true,
		},
		Playback: mustCommand(playback),
		Indicator: IndicatorConfig{
			Enable:         true,
			Backend:        "hypr",
			DesktopAppName: "parley",
			SoundEnable:    true,
			ErrorTimeoutMS: 1600,
			ReplyMaxChars:  280,
		},
		Clipboard: mustCommand(clipboard),
	}
}
