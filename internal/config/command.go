package config

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// parseCommand splits a configured command line (playback.cmd, clipboard_cmd, PARLEY_PLAYBACK_CMD)
// into argv. key names the setting in errors. A blank line yields an empty command, which
// Validate rejects where a command is required.
func parseCommand(key string, raw string) (CommandConfig, error) {
	raw = strings.TrimSpace(raw)
	argv, err := splitCommand(raw)
	if err != nil {
		return CommandConfig{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return CommandConfig{Raw: raw, Argv: argv}, nil
}

// mustCommand parses a built-in default command.
func mustCommand(raw string) CommandConfig {
	cmd, err := parseCommand("default command", raw)
	if err != nil {
		panic(err)
	}
	return cmd
}

// splitCommand tokenizes a command line with shell quoting rules: single quotes are literal,
// double quotes allow backslash escapes, and an unquoted backslash escapes the next rune.
// Audio references are appended by the player, never substituted into the line.
func splitCommand(line string) ([]string, error) {
	var (
		argv    []string
		current strings.Builder
		inWord  bool
		quote   rune
		quoteAt int
		escape  bool
	)

	for i, r := range line {
		switch {
		case escape:
			current.WriteRune(r)
			escape = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
				continue
			}
			current.WriteRune(r)
		case r == '\\':
			escape = true
			inWord = true
		case quote == '"':
			if r == '"' {
				quote = 0
				continue
			}
			current.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			quoteAt = i + 1
			inWord = true
		case unicode.IsSpace(r):
			if inWord {
				argv = append(argv, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}

	if escape {
		return nil, errors.New("command ends with a dangling backslash")
	}
	if quote != 0 {
		return nil, fmt.Errorf("unclosed %c quote opened at column %d", quote, quoteAt)
	}
	if inWord {
		argv = append(argv, current.String())
	}
	return argv, nil
}
