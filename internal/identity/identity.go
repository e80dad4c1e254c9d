// Package identity resolves the conversation session identifier carried in a location URL.
package identity

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultParam is the query parameter holding the session identifier.
	DefaultParam = "session_id"
	// DefaultURL is the location used when nothing has been persisted yet.
	DefaultURL = "parley://conversation"
)

// Location is a mutable URL holder, such as a persisted file or an in-memory value.
type Location interface {
	Current() string
	Replace(string) error
}

var newID = uuid.NewString

// Resolve returns the session identifier stored in loc under param.
// When it is missing or blank a random UUIDv4 is generated and written back to loc
// with only that parameter added. Resolve never fails; a failed write is logged.
func Resolve(loc Location, param string, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	param = strings.TrimSpace(param)
	if param == "" {
		param = DefaultParam
	}

	current := loc.Current()
	if id := Lookup(current, param); id != "" {
		logger.Debug("session id reused", "session_id", id)
		return id
	}

	id := newID()
	if err := loc.Replace(withParam(current, param, id)); err != nil {
		logger.Warn("persist session id failed", "session_id", id, "error", err.Error())
	} else {
		logger.Info("session id created", "session_id", id)
	}
	return id
}

// Lookup returns the trimmed value of param in raw, or "" when absent.
func Lookup(raw, param string) string {
	query := splitQuery(raw)
	values, _ := url.ParseQuery(query)
	return strings.TrimSpace(values.Get(param))
}

// withParam sets param=value in raw, dropping blank occurrences and keeping everything else.
func withParam(raw, param, value string) string {
	base, fragment, hasFragment := strings.Cut(raw, "#")
	path, query, _ := strings.Cut(base, "?")

	parts := make([]string, 0, 4)
	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		key, _, _ := strings.Cut(part, "=")
		if unescaped, err := url.QueryUnescape(key); err == nil && unescaped == param {
			continue
		}
		parts = append(parts, part)
	}
	parts = append(parts, url.QueryEscape(param)+"="+url.QueryEscape(value))

	out := path + "?" + strings.Join(parts, "&")
	if hasFragment {
		out += "#" + fragment
	}
	return out
}

func splitQuery(raw string) string {
	base, _, _ := strings.Cut(raw, "#")
	_, query, _ := strings.Cut(base, "?")
	return query
}
