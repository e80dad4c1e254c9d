package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if err := validateServerURL(cfg.Server.URL); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Session.Param) == "" {
		return nil, fmt.Errorf("session.param must not be empty")
	}

	switch cfg.Audio.Format {
	case AudioFormatWAV, AudioFormatPCM:
	default:
		return nil, fmt.Errorf("audio.format must be one of: wav, pcm")
	}

	if cfg.Conversation.GraceMS < 0 {
		return nil, fmt.Errorf("conversation.grace_ms must be >= 0")
	}
	if cfg.Conversation.GraceMS > 10000 {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("conversation.grace_ms=%d delays every restart by over 10s", cfg.Conversation.GraceMS)})
	}
	if !cfg.Conversation.AutoRestart && cfg.Conversation.GraceMS != Default().Conversation.GraceMS {
		warnings = append(warnings, Warning{Message: "conversation.grace_ms has no effect when conversation.auto_restart=false"})
	}

	if len(cfg.Playback.Argv) == 0 {
		return nil, fmt.Errorf("playback.cmd must not be empty")
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Indicator.Backend))
	if backend == "" {
		return nil, fmt.Errorf("indicator.backend must not be empty")
	}
	if backend != "hypr" && backend != "desktop" && backend != "console" {
		return nil, fmt.Errorf("indicator.backend must be one of: hypr, desktop, console")
	}
	if backend == "desktop" && strings.TrimSpace(cfg.Indicator.DesktopAppName) == "" {
		return nil, fmt.Errorf("indicator.desktop_app_name must not be empty when indicator.backend=desktop")
	}
	if cfg.Indicator.ErrorTimeoutMS < 0 {
		return nil, fmt.Errorf("indicator.error_timeout_ms must be >= 0")
	}
	if cfg.Indicator.ReplyMaxChars < 0 {
		return nil, fmt.Errorf("indicator.reply_max_chars must be >= 0")
	}

	if cfg.Reply.Clipboard && len(cfg.Clipboard.Argv) == 0 {
		return nil, fmt.Errorf("clipboard_cmd must not be empty when reply.clipboard=true")
	}

	return warnings, nil
}

func validateServerURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("server.url must not be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("server.url is invalid: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("server.url must use http or https")
	}
	if parsed.Host == "" {
		return fmt.Errorf("server.url must include a host")
	}
	return nil
}
