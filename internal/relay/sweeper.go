package relay

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

// StartSweeper runs a background goroutine that periodically evicts agents
// that have been silent for longer than the activity timeout.
func (h *Hub) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.InactiveCheckInterval)
	go func() {
		defer ticker.Stop()
		h.logger.Info("Inactivity sweeper started",
			"interval", h.cfg.InactiveCheckInterval,
			"timeout", h.cfg.ActivityTimeout)

		for {
			select {
			case <-ticker.C:
				h.Sweep(ctx)
			case <-ctx.Done():
				h.logger.Info("Inactivity sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep evicts idle agents and returns how many were removed. The display is
// cleared when no agents remain.
func (h *Hub) Sweep(ctx context.Context) int {
	now := h.now()

	h.mu.Lock()
	var evicted []*AgentConn
	var idle []time.Duration
	for id, a := range h.agents {
		if d := now.Sub(a.lastActivityAt); d > h.cfg.ActivityTimeout {
			evicted = append(evicted, a)
			idle = append(idle, d)
			delete(h.agents, id)
		}
	}
	remaining := len(h.agents)
	h.mu.Unlock()

	if len(evicted) == 0 {
		return 0
	}

	for i, a := range evicted {
		h.logger.Info("Evicting inactive agent", "agent", a, "idle", idle[i])
	}
	if remaining == 0 {
		h.logger.Info("No active agents remain, clearing presence")
		h.clearActivity(ctx)
	}
	for _, a := range evicted {
		if err := a.socket.Close(websocket.StatusNormalClosure, "Inactive timeout"); err != nil {
			h.logger.Debug("Failed to close inactive agent socket", "agent_id", a.ID, "error", err)
		}
	}
	return len(evicted)
}
