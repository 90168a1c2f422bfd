package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/avoloshko/devbox/internal/backend"
	"github.com/avoloshko/devbox/internal/config"
	"github.com/avoloshko/devbox/internal/identity"
	"github.com/avoloshko/devbox/internal/store"
	"github.com/coder/websocket"
)

const (
	// containerReadTimeout keeps the output loop responsive to cancellation
	// without busy-looping on the container stream.
	containerReadTimeout = 100 * time.Millisecond

	outputBufferSize = 32 * 1024

	defaultCols = 80
	defaultRows = 24
)

// SessionResolver is the orchestrator surface the bridge needs: locating a
// session's container, re-checking readiness, and recording activity.
type SessionResolver interface {
	ResolveContainer(ctx context.Context, sessionID string) (backend.Handle, error)
	ProbeReady(ctx context.Context, sessionID string) (bool, error)
	Touch(ctx context.Context, sessionID string)
}

// Bridge upgrades HTTP requests to WebSocket terminal sessions and duplexes
// raw terminal bytes between the client and a TTY exec in the container.
type Bridge struct {
	repo          store.Store
	backend       backend.Backend
	resolver      SessionResolver
	cm            *ConnManager
	sandbox       config.SandboxConfig
	allowedOrigin string
	isDev         bool
}

// NewBridge creates a terminal bridge handler.
func NewBridge(repo store.Store, b backend.Backend, resolver SessionResolver, cm *ConnManager, sandbox config.SandboxConfig, allowedOrigin string, isDev bool) *Bridge {
	return &Bridge{
		repo:          repo,
		backend:       b,
		resolver:      resolver,
		cm:            cm,
		sandbox:       sandbox,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// controlMessage is a JSON text frame; all binary frames are raw terminal
// bytes with no envelope.
type controlMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Content string `json:"content,omitempty"`
	Cols    uint   `json:"cols,omitempty"`
	Rows    uint   `json:"rows,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	clientID := identity.ClientIDFromContext(r.Context())
	sessionID := r.URL.Query().Get("session_id")
	slog.Info("Terminal connection request", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if sessionID == "" {
		h.sendError(ws, "session_id is required")
		return
	}

	session, err := h.repo.GetSession(ctx, sessionID)
	if err != nil || session == nil {
		h.sendError(ws, "session not found")
		return
	}
	if session.OwnerUserID != userID {
		h.sendError(ws, "forbidden")
		return
	}

	// Re-verify readiness before attaching; the container may have been
	// swept or may still be provisioning.
	ready, err := h.resolver.ProbeReady(ctx, sessionID)
	if err != nil || !ready {
		slog.Warn("Session not ready for terminal attach", "session_id", sessionID, "error", err)
		h.sendError(ws, "container not ready")
		return
	}

	handle, err := h.resolver.ResolveContainer(ctx, sessionID)
	if err != nil {
		h.sendError(ws, "container not found")
		return
	}

	execID, stream, err := h.backend.ExecInteractive(ctx, handle.ID, backend.TerminalOptions{
		Cmd:     []string{h.sandbox.Shell, "-l"},
		WorkDir: h.sandbox.WorkDir,
		Env:     []string{"TERM=" + h.sandbox.TerminalTerm},
		Cols:    defaultCols,
		Rows:    defaultRows,
	})
	if err != nil {
		slog.Error("Failed to create interactive exec", "error", err, "session_id", sessionID)
		h.sendError(ws, "failed to attach terminal")
		return
	}
	defer func() {
		if closeErr := stream.Close(); closeErr != nil {
			slog.Debug("Failed to close exec stream", "error", closeErr, "session_id", sessionID)
		}
	}()

	h.cm.Register(sessionID, clientID, ws)
	defer h.cm.Unregister(sessionID, clientID, ws)

	// Explicit ack so the client can tell "connected and ready" from silence.
	if err := h.writeControl(ws, controlMessage{Type: "ready"}); err != nil {
		slog.Debug("Failed to send ready frame", "error", err, "session_id", sessionID)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: client -> container stdin.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, stream, sessionID, execID)
	}()

	// Output loop: container TTY -> client.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, stream, sessionID)
	}()

	wg.Wait()
	slog.Info("Terminal session ended", "session_id", sessionID, "user_id", userID)
}

func (h *Bridge) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("Terminal origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// inputLoop forwards client frames to the container's stdin. Binary frames
// and unrecognized text are passed through unmodified; JSON control frames
// handle resize and keepalive.
func (h *Bridge) inputLoop(ctx context.Context, ws *websocket.Conn, stream io.Writer, sessionID, execID string) {
	for {
		msgType, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sessionID)
			} else if !errors.Is(err, context.Canceled) {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		if msgType == websocket.MessageBinary {
			if _, err := stream.Write(message); err != nil {
				slog.Error("Exec stdin write error", "error", err, "session_id", sessionID)
				return
			}
			h.touchAsync(sessionID)
			continue
		}

		var msg controlMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			// Not a control frame; treat text as raw input bytes.
			if _, err := stream.Write(message); err != nil {
				slog.Error("Exec stdin write error", "error", err, "session_id", sessionID)
				return
			}
			h.touchAsync(sessionID)
			continue
		}

		switch msg.Type {
		case "data":
			if _, err := stream.Write([]byte(msg.Content)); err != nil {
				slog.Error("Exec stdin write error", "error", err, "session_id", sessionID)
				return
			}
		case "ping":
			if err := h.writeControl(ws, controlMessage{Type: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err, "session_id", sessionID)
			}
		case "resize":
			if err := h.backend.ResizeExec(ctx, execID, msg.Cols, msg.Rows); err != nil {
				slog.Warn("Failed to resize terminal", "error", err, "session_id", sessionID)
			}
		case "terminate":
			slog.Info("Terminal terminate requested", "session_id", sessionID)
			if err := h.writeControl(ws, controlMessage{Type: "terminated"}); err != nil {
				slog.Debug("Failed to send terminated acknowledgment", "error", err, "session_id", sessionID)
			}
			return
		}

		h.touchAsync(sessionID)
	}
}

// outputLoop forwards container TTY output to the client, one binary frame
// per read. Short read deadlines keep the loop responsive to cancellation;
// deadline expiry is not an error.
func (h *Bridge) outputLoop(ctx context.Context, ws *websocket.Conn, stream net.Conn, sessionID string) {
	buf := make([]byte, outputBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}

		if err := stream.SetReadDeadline(time.Now().Add(containerReadTimeout)); err != nil {
			slog.Debug("Failed to set read deadline", "error", err, "session_id", sessionID)
		}

		n, err := stream.Read(buf)
		if n > 0 {
			if writeErr := ws.Write(context.Background(), websocket.MessageBinary, buf[:n]); writeErr != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "error", writeErr, "session_id", sessionID)
				}
				return
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				slog.Warn("Container output error", "error", err, "session_id", sessionID)
			}
			return
		}
	}
}

func (h *Bridge) touchAsync(sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.resolver.Touch(ctx, sessionID)
	}()
}

func (h *Bridge) sendError(ws *websocket.Conn, message string) {
	if err := h.writeControl(ws, controlMessage{Type: "error", Message: message}); err != nil {
		slog.Debug("Failed to send error frame", "error", err)
	}
}

func (h *Bridge) writeControl(ws *websocket.Conn, msg controlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
