package hub

import (
	"context"
	"log/slog"
	"time"
)

// RunJanitor sweeps stale sessions on a fixed interval until the context is
// cancelled. Reaped sessions leave through the same broadcast path as an
// explicit disconnect so every remaining client sees a consistent roster.
func (h *Hub) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("presence janitor started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("presence janitor stopped")
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *Hub) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	reaped, err := h.service.DisconnectInactive(sweepCtx)
	if err != nil {
		slog.Error("presence sweep failed", "error", err)
		return
	}
	if len(reaped) == 0 {
		return
	}

	// Evict each stale member before any departure event goes out, then
	// refresh each touched roster once.
	touched := make(map[string]bool)
	for _, session := range reaped {
		h.leaveGroup(session.ConnectionID, session.User.PresentationID)
		if client := h.connection(session.ConnectionID); client != nil {
			client.clearJoined()
		}
		touched[session.User.PresentationID] = true
	}

	for _, session := range reaped {
		h.broadcast(session.User.PresentationID, Event{Type: EvtUserDisconnected, Data: session.User}, "")
		slog.Info("reaped inactive session", "connection", session.ConnectionID, "user", session.User.Nickname, "presentation", session.User.PresentationID)
	}

	for presentationID := range touched {
		h.broadcastRoster(sweepCtx, presentationID)
	}
}

func (h *Hub) connection(connectionID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[connectionID]
}
