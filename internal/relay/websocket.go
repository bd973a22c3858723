package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// disconnectTimeout bounds the presence clear after an agent leaves.
const disconnectTimeout = 10 * time.Second

// ServeHTTP implements http.Handler for the agent WebSocket upgrade.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("WebSocket connection request", "ip", r.RemoteAddr, "origin", r.Header.Get("Origin"))

	// Browser extensions connect from chrome-extension:// and moz-extension:// origins.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx := r.Context()
	agent := h.Connect(ctx, ws, r.RemoteAddr)
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
		defer cancel()
		h.Disconnect(dctx, agent.ID)
	}()

	h.readLoop(ctx, ws, agent)
}

func (h *Hub) readLoop(ctx context.Context, ws *websocket.Conn, agent *AgentConn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed", "agent_id", agent.ID, "status", websocket.CloseStatus(err))
			} else {
				h.logger.Warn("WebSocket read error", "agent_id", agent.ID, "error", err)
			}
			return
		}
		h.handleSafely(ctx, agent, data)
	}
}

// handleSafely keeps one bad message from ending the connection.
func (h *Hub) handleSafely(ctx context.Context, agent *AgentConn, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Panic while handling agent message", "agent_id", agent.ID, "panic", r)
		}
	}()
	h.HandleMessage(ctx, agent, data)
}

// LogValue implements slog.LogValuer.
func (a *AgentConn) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", a.ID),
		slog.String("remote_addr", a.RemoteAddr),
	)
}
