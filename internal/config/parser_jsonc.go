package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type jsoncConfig struct {
	Server       *jsoncServer       `json:"server"`
	Session      *jsoncSession      `json:"session"`
	Audio        *jsoncAudio        `json:"audio"`
	Conversation *jsoncConversation `json:"conversation"`
	Playback     *jsoncPlayback     `json:"playback"`
	Indicator    *jsoncIndicator    `json:"indicator"`
	Reply        *jsoncReply        `json:"reply"`
	ClipboardCmd *string            `json:"clipboard_cmd"`
	Debug        *jsoncDebug        `json:"debug"`
}

type jsoncServer struct {
	URL *string `json:"url"`
}

type jsoncSession struct {
	Param        *string `json:"param"`
	LocationFile *string `json:"location_file"`
}

type jsoncAudio struct {
	Input    *string `json:"input"`
	Fallback *string `json:"fallback"`
	Format   *string `json:"format"`
}

type jsoncConversation struct {
	AutoRestart   *bool `json:"auto_restart"`
	GraceMS       *int  `json:"grace_ms"`
	StartOnLaunch *bool `json:"start_on_launch"`
}

type jsoncPlayback struct {
	Cmd *string `json:"cmd"`
}

type jsoncIndicator struct {
	Enable         *bool   `json:"enable"`
	Backend        *string `json:"backend"`
	DesktopAppName *string `json:"desktop_app_name"`
	SoundEnable    *bool   `json:"sound_enable"`
	ErrorTimeoutMS *int    `json:"error_timeout_ms"`
	ReplyMaxChars  *int    `json:"reply_max_chars"`
}

type jsoncReply struct {
	Clipboard *bool `json:"clipboard"`
}

type jsoncDebug struct {
	AudioDump *bool `json:"audio_dump"`
}

func parseJSONC(content string, base Config) (Config, []Warning, error) {
	normalized, err := normalizeJSONC(content)
	if err != nil {
		return Config{}, nil, err
	}

	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}

	cfg := base
	if err := payload.applyTo(&cfg); err != nil {
		return Config{}, nil, err
	}

	warnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, warnings, nil
}

func (payload jsoncConfig) applyTo(cfg *Config) error {
	if s := payload.Server; s != nil && s.URL != nil {
		cfg.Server.URL = strings.TrimSpace(*s.URL)
	}

	if s := payload.Session; s != nil {
		setString(&cfg.Session.Param, s.Param)
		setString(&cfg.Session.LocationFile, s.LocationFile)
	}

	if a := payload.Audio; a != nil {
		setString(&cfg.Audio.Input, a.Input)
		setString(&cfg.Audio.Fallback, a.Fallback)
		if a.Format != nil {
			cfg.Audio.Format = strings.ToLower(strings.TrimSpace(*a.Format))
		}
	}

	if c := payload.Conversation; c != nil {
		setBool(&cfg.Conversation.AutoRestart, c.AutoRestart)
		setInt(&cfg.Conversation.GraceMS, c.GraceMS)
		setBool(&cfg.Conversation.StartOnLaunch, c.StartOnLaunch)
	}

	if p := payload.Playback; p != nil && p.Cmd != nil {
		cmd, err := parseCommand("playback.cmd", *p.Cmd)
		if err != nil {
			return err
		}
		cfg.Playback = cmd
	}

	if i := payload.Indicator; i != nil {
		setBool(&cfg.Indicator.Enable, i.Enable)
		setString(&cfg.Indicator.Backend, i.Backend)
		setString(&cfg.Indicator.DesktopAppName, i.DesktopAppName)
		setBool(&cfg.Indicator.SoundEnable, i.SoundEnable)
		setInt(&cfg.Indicator.ErrorTimeoutMS, i.ErrorTimeoutMS)
		setInt(&cfg.Indicator.ReplyMaxChars, i.ReplyMaxChars)
	}

	if r := payload.Reply; r != nil {
		setBool(&cfg.Reply.Clipboard, r.Clipboard)
	}

	if payload.ClipboardCmd != nil {
		cmd, err := parseCommand("clipboard_cmd", *payload.ClipboardCmd)
		if err != nil {
			return err
		}
		cfg.Clipboard = cmd
	}

	if d := payload.Debug; d != nil {
		setBool(&cfg.Debug.EnableAudioDump, d.AudioDump)
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// normalizeJSONC blanks out comments and drops trailing commas in one pass.
// Byte offsets of everything else are preserved so decode errors map to source positions.
func normalizeJSONC(content string) (string, error) {
	out := []byte(content)

	const (
		code = iota
		str
		lineComment
		blockComment
	)
	mode := code
	escaped := false
	pendingComma := -1

	for i := 0; i < len(out); i++ {
		ch := out[i]
		switch mode {
		case str:
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				mode = code
			}
		case lineComment:
			if ch == '\n' || ch == '\r' {
				mode = code
				continue
			}
			out[i] = ' '
		case blockComment:
			if ch == '*' && i+1 < len(out) && out[i+1] == '/' {
				out[i], out[i+1] = ' ', ' '
				i++
				mode = code
				continue
			}
			if ch != '\n' && ch != '\r' && ch != '\t' {
				out[i] = ' '
			}
		default:
			switch {
			case ch == '/' && i+1 < len(out) && out[i+1] == '/':
				out[i], out[i+1] = ' ', ' '
				i++
				mode = lineComment
			case ch == '/' && i+1 < len(out) && out[i+1] == '*':
				out[i], out[i+1] = ' ', ' '
				i++
				mode = blockComment
			case ch == '"':
				pendingComma = -1
				mode = str
			case ch == ',':
				pendingComma = i
			case ch == '}' || ch == ']':
				if pendingComma >= 0 {
					out[pendingComma] = ' '
				}
				pendingComma = -1
			case !isJSONWhitespace(ch):
				pendingComma = -1
			}
		}
	}

	if mode == blockComment {
		return "", errors.New("unterminated block comment in JSONC")
	}
	return string(out), nil
}

func isJSONWhitespace(ch byte) bool {
	switch ch {
	case ' ', '\n', '\r', '\t':
		return true
	default:
		return false
	}
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	var extra struct{}
	err := decoder.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return errors.New("multiple JSON values are not allowed")
	}
	return err
}

func wrapJSONDecodeError(content string, err error) error {
	var offset int64
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		offset = syntaxErr.Offset
	case errors.As(err, &typeErr):
		offset = typeErr.Offset
	default:
		return err
	}
	line, col := offsetToLineCol(content, offset)
	return fmt.Errorf("line %d column %d: %w", line, col, err)
}

func offsetToLineCol(content string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}
	limit := min(int(offset), len(content))

	line, col := 1, 1
	for i := 0; i < limit-1; i++ {
		if content[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
