package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// requestReadTimeout bounds how long a connected client may take to send its command line.
const requestReadTimeout = 2 * time.Second

// Handler processes one control command for the loop owner.
type Handler interface {
	Handle(context.Context, Request) Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, Request) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// Serve answers control commands on listener until ctx is cancelled or the listener closes.
// Every handled command is logged with its outcome and the owner's session id.
func Serve(ctx context.Context, listener net.Listener, handler Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept control connection: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			serveConn(ctx, conn, handler, logger)
		}()
	}
}

func serveConn(ctx context.Context, conn net.Conn, handler Handler, logger *slog.Logger) {
	_ = conn.SetReadDeadline(time.Now().Add(requestReadTimeout))

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		reply(conn, Response{Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		reply(conn, Response{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	req.Command = strings.ToLower(strings.TrimSpace(req.Command))
	if req.Command == "" {
		reply(conn, Response{Error: "missing command"})
		return
	}

	started := time.Now()
	resp := handler.Handle(ctx, req)
	logCommand(logger, req, resp, time.Since(started))
	reply(conn, resp)
}

func reply(conn net.Conn, resp Response) {
	_ = conn.SetWriteDeadline(time.Now().Add(requestReadTimeout))
	_ = json.NewEncoder(conn).Encode(resp)
}

// logCommand records one handled command; status polls stay at debug.
func logCommand(logger *slog.Logger, req Request, resp Response, elapsed time.Duration) {
	fields := []any{
		"command", req.Command,
		"ok", resp.OK,
		"state", resp.State,
		"session_id", resp.SessionID,
		"duration_ms", elapsed.Milliseconds(),
	}
	switch {
	case !resp.OK:
		logger.Warn("control command rejected", append(fields, "error", resp.Error)...)
	case req.Command == "status":
		logger.Debug("control command handled", fields...)
	default:
		logger.Info("control command handled", fields...)
	}
}
