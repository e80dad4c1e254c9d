// Package remote submits recorded turns to the agent chat endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rbright/parley/internal/conversation"
	"github.com/rbright/parley/internal/version"
)

// FileField is the multipart field carrying the recording.
const FileField = "file"

const maxResponseBytes = 1 << 20

// Client posts one recording per turn to {base}/agent/chat/{sessionID}.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

// NewClient validates baseURL and builds a client. A nil httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("server url %q must be absolute", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{base: base, http: httpClient, logger: logger}, nil
}

type chatResponse struct {
	Text     string          `json:"gemini_text"`
	AudioURL string          `json:"audio_url"`
	Detail   json.RawMessage `json:"detail"`
}

// Submit sends rec once and returns the reply. It never retries; every failure
// is a *conversation.RequestError.
func (c *Client) Submit(ctx context.Context, sessionID string, rec conversation.Recording) (conversation.TurnReply, error) {
	endpoint := c.endpoint(sessionID)

	body, contentType, err := encodeRecording(rec)
	if err != nil {
		return conversation.TurnReply{}, &conversation.RequestError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return conversation.TurnReply{}, &conversation.RequestError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return conversation.TurnReply{}, &conversation.RequestError{Err: fmt.Errorf("post %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return conversation.TurnReply{}, &conversation.RequestError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	c.logger.Debug("turn response received",
		"status", resp.StatusCode,
		"bytes", len(raw),
		"latency_ms", time.Since(started).Milliseconds(),
	)

	var payload chatResponse
	decodeErr := json.Unmarshal(raw, &payload)
	detail := ""
	if decodeErr == nil {
		detail = parseDetail(payload.Detail)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if detail == "" {
			detail = conversation.IncompleteResponseDetail
		}
		return conversation.TurnReply{}, &conversation.RequestError{
			StatusCode: resp.StatusCode,
			Detail:     detail,
			Err:        fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	}
	if decodeErr != nil {
		return conversation.TurnReply{}, &conversation.RequestError{
			StatusCode: resp.StatusCode,
			Detail:     conversation.IncompleteResponseDetail,
			Err:        fmt.Errorf("decode response: %w", decodeErr),
		}
	}

	reply := conversation.TurnReply{
		Text:     payload.Text,
		AudioRef: c.resolveAudioRef(payload.AudioURL),
	}
	if !reply.Valid() {
		if detail == "" {
			detail = conversation.IncompleteResponseDetail
		}
		return conversation.TurnReply{}, &conversation.RequestError{StatusCode: resp.StatusCode, Detail: detail}
	}
	return reply, nil
}

func (c *Client) endpoint(sessionID string) string {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + "/agent/chat/" + sessionID
	u.RawPath = strings.TrimRight(c.base.EscapedPath(), "/") + "/agent/chat/" + url.PathEscape(sessionID)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// resolveAudioRef makes a relative audio_url absolute against the server URL.
func (c *Client) resolveAudioRef(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil || ref.IsAbs() {
		return raw
	}
	return c.base.ResolveReference(ref).String()
}

// encodeRecording builds the single-field multipart body.
func encodeRecording(rec conversation.Recording) (io.Reader, string, error) {
	filename := rec.Filename
	if filename == "" {
		filename = conversation.DefaultFilename
	}
	mediaType := rec.MediaType
	if mediaType == "" {
		mediaType = conversation.DefaultMediaType
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FileField, filename))
	header.Set("Content-Type", mediaType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(rec.Data); err != nil {
		return nil, "", fmt.Errorf("write multipart part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

// parseDetail accepts a plain string detail or a list of {msg} validation entries.
func parseDetail(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}

	var entries []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &entries); err == nil {
		msgs := make([]string, 0, len(entries))
		for _, entry := range entries {
			if msg := strings.TrimSpace(entry.Msg); msg != "" {
				msgs = append(msgs, msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}

// IsRequestError reports whether err came from a failed submission.
func IsRequestError(err error) bool {
	var reqErr *conversation.RequestError
	return errors.As(err, &reqErr)
}
