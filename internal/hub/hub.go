// Package hub is the realtime protocol layer: it owns the websocket
// connections, the per-presentation broadcast groups, and the command
// dispatcher that authorizes and applies mutations through the app service
// before fanning out events.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"slidecast/internal/app"
)

// commandTimeout bounds the persistence work done for one client command.
const commandTimeout = 10 * time.Second

// Service is the slice of the app service the hub drives.
type Service interface {
	Join(ctx context.Context, presentationID, nickname, ticket, connectionID string) (app.UserDTO, error)
	UserByConnection(ctx context.Context, connectionID string) (app.UserDTO, error)
	Roster(ctx context.Context, presentationID string) ([]app.UserDTO, error)
	Disconnect(ctx context.Context, connectionID string) (app.UserDTO, bool, error)
	Touch(ctx context.Context, connectionID string) error
	ChangeUserRole(ctx context.Context, requesterUserID, targetUserID string, newRole int) error
	CanEdit(ctx context.Context, presentationID, userID string) (bool, error)
	UpsertElement(ctx context.Context, presentationID, elementID, slideID string, spec app.ElementSpec) (app.ElementDTO, error)
	DeleteElement(ctx context.Context, presentationID, elementID string) (bool, error)
	AddSlide(ctx context.Context, presentationID string) (app.SlideDTO, error)
	DeleteSlide(ctx context.Context, slideID, requestingUserID string) (bool, error)
	DisconnectInactive(ctx context.Context) ([]app.ReapedSession, error)
}

// Hub maintains active connections and the per-presentation groups used as
// fan-out targets. Group membership changes happen synchronously with
// session attach/detach so a joined connection never misses an event and a
// departed one never receives a stale one.
type Hub struct {
	mu sync.RWMutex

	// connections by connection id
	conns map[string]*Client

	// presentationId -> connectionId -> client
	groups map[string]map[string]*Client

	service Service
}

func New(service Service) *Hub {
	return &Hub{
		conns:   make(map[string]*Client),
		groups:  make(map[string]map[string]*Client),
		service: service,
	}
}

func (h *Hub) addConnection(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
	slog.Info("client connected", "connection", c.id, "total", len(h.conns))
}

func (h *Hub) removeConnection(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, found := h.conns[c.id]; !found {
		return
	}
	// The send channel is never closed: a broadcast that snapshotted this
	// client as a target may still enqueue after removal. The done channel
	// is what stops the write pump.
	delete(h.conns, c.id)
	slog.Info("client removed", "connection", c.id, "total", len(h.conns))
}

func (h *Hub) joinGroup(c *Client, presentationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group := h.groups[presentationID]
	if group == nil {
		group = make(map[string]*Client)
		h.groups[presentationID] = group
	}
	group[c.id] = c
}

func (h *Hub) leaveGroup(connectionID, presentationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, found := h.groups[presentationID]
	if !found {
		return
	}
	delete(group, connectionID)
	if len(group) == 0 {
		delete(h.groups, presentationID)
	}
}

// membersOf returns the connection ids in a group, mostly for tests and
// diagnostics.
func (h *Hub) membersOf(presentationID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.groups[presentationID]))
	for id := range h.groups[presentationID] {
		ids = append(ids, id)
	}
	return ids
}

// broadcast sends an event to every member of a group. excludeConnectionID
// may be empty to address the whole group.
func (h *Hub) broadcast(presentationID string, event Event, excludeConnectionID string) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("marshal event", "event", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	group := h.groups[presentationID]
	targets := make([]*Client, 0, len(group))
	for id, client := range group {
		if id == excludeConnectionID {
			continue
		}
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.enqueue(payload)
	}
}

// sendEvent delivers an event to a single connection.
func (h *Hub) sendEvent(c *Client, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("marshal event", "event", event.Type, "error", err)
		return
	}
	c.enqueue(payload)
}

// dropConnection runs the full disconnect sequence for a client: detach the
// session, leave the group, notify the remaining members. Safe to call more
// than once; the cleanup runs exactly once per connection.
func (h *Hub) dropConnection(c *Client) {
	if !c.beginDetach() {
		h.removeConnection(c)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	// The group eviction never depends on the store: even when the detach
	// fails, the dead connection must stop being a fan-out target.
	if presentationID, _, isJoined := c.joined(); isJoined {
		h.leaveGroup(c.id, presentationID)
		c.clearJoined()
	}

	user, found, err := h.service.Disconnect(ctx, c.id)
	if err != nil {
		// The transport-level disconnect still completes; the janitor
		// will reap the session later.
		slog.Error("disconnect cleanup failed", "connection", c.id, "error", err)
	}
	if found {
		h.broadcast(user.PresentationID, Event{Type: EvtUserDisconnected, Data: user}, "")
		h.broadcastRoster(ctx, user.PresentationID)
		slog.Info("client disconnected", "connection", c.id, "user", user.Nickname, "presentation", user.PresentationID)
	}

	h.removeConnection(c)
}

// broadcastRoster fans the refreshed roster out to the whole group.
func (h *Hub) broadcastRoster(ctx context.Context, presentationID string) {
	roster, err := h.service.Roster(ctx, presentationID)
	if err != nil {
		slog.Error("load roster", "presentation", presentationID, "error", err)
		return
	}
	h.broadcast(presentationID, Event{Type: EvtUsersUpdated, Data: roster}, "")
}
