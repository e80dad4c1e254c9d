// Package config resolves, parses, validates, and defaults parley configuration.
package config

// Config is the fully materialized runtime configuration used by parley.
type Config struct {
	Server       ServerConfig
	Session      SessionConfig
	Audio        AudioConfig
	Conversation ConversationConfig
	Playback     CommandConfig
	Indicator    IndicatorConfig
	Reply        ReplyConfig
	Clipboard    CommandConfig
	Debug        DebugConfig
}

// ServerConfig locates the remote turn processor.
type ServerConfig struct {
	URL string
}

// SessionConfig controls where the session identifier lives.
type SessionConfig struct {
	Param        string
	LocationFile string
}

// AudioConfig controls input-source selection and the uploaded payload format.
type AudioConfig struct {
	Input    string
	Fallback string
	Format   string
}

// Supported audio.format values.
const (
	AudioFormatWAV = "wav"
	AudioFormatPCM = "pcm"
)

// ConversationConfig controls loop pacing.
type ConversationConfig struct {
	AutoRestart   bool
	GraceMS       int
	StartOnLaunch bool
}

// IndicatorConfig controls visual indicator and audio cue behavior.
type IndicatorConfig struct {
	Enable         bool
	Backend        string
	DesktopAppName string
	SoundEnable    bool
	ErrorTimeoutMS int
	ReplyMaxChars  int
}

// ReplyConfig controls what happens with reply text besides display.
type ReplyConfig struct {
	Clipboard bool
}

// CommandConfig stores a raw command string and its parsed argv form.
type CommandConfig struct {
	Raw  string
	Argv []string
}

// DebugConfig controls optional debug artifact output.
type DebugConfig struct {
	EnableAudioDump bool
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}
