package indicator

import (
	"os"
	"strings"
	"unicode/utf8"
)

type locale string

const (
	localeEnglish locale = "en"
)

type messages struct {
	listening string
	thinking  string
	speaking  string
	errorText string
}

func indicatorMessagesFromEnv() messages {
	return indicatorMessages(resolveLocale(os.Getenv("LANG")))
}

func resolveLocale(raw string) locale {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if strings.HasPrefix(raw, "en") {
		return localeEnglish
	}
	return localeEnglish
}

func indicatorMessages(tag locale) messages {
	switch tag {
	case localeEnglish:
		fallthrough
	default:
		return messages{
			listening: "Listening…",
			thinking:  "Thinking…",
			speaking:  "Speaking…",
			errorText: "Conversation error",
		}
	}
}

// ErrorText renders an error detail the way every reporter shows it.
func ErrorText(detail string) string {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		detail = indicatorMessagesFromEnv().errorText
	}
	return "error: " + detail
}

// TruncateReply shortens text to at most maxChars runes plus an ellipsis,
// cutting at the last word boundary when there is one. maxChars <= 0 disables truncation.
func TruncateReply(text string, maxChars int) string {
	text = strings.TrimSpace(text)
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}

	runes := []rune(text)
	cut := string(runes[:maxChars])
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " ,;:") + "…"
}
