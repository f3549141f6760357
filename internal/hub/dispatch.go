package hub

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/goccy/go-json"

	"slidecast/internal/app"
	"slidecast/internal/rbac"
)

// dispatch routes one client command through authorize → mutate → broadcast
// and always produces a response envelope. A panic in a handler is contained
// here so one caller's bug cannot take down the shared connection.
func (h *Hub) dispatch(c *Client, cmd Command) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("command handler panic", "command", cmd.Type, "connection", c.id, "panic", r, "stack", string(debug.Stack()))
			resp = fail(cmd.ID, "An internal error occurred")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch cmd.Type {
	case CmdJoinPresentation:
		return h.handleJoin(ctx, c, cmd)
	case CmdLeavePresentation:
		return h.handleLeave(ctx, c, cmd)
	case CmdUpdateElement:
		return h.handleUpdateElement(ctx, c, cmd)
	case CmdDeleteElement:
		return h.handleDeleteElement(ctx, c, cmd)
	case CmdChangeUserRole:
		return h.handleChangeUserRole(ctx, c, cmd)
	case CmdAddSlide:
		return h.handleAddSlide(ctx, c, cmd)
	case CmdDeleteSlide:
		return h.handleDeleteSlide(ctx, c, cmd)
	default:
		slog.Warn("unknown command", "type", cmd.Type, "connection", c.id)
		return fail(cmd.ID, "Unknown command")
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, cmd Command) Response {
	var payload JoinPayload
	if err := json.Unmarshal(cmd.Data, &payload); err != nil {
		return fail(cmd.ID, "Malformed join payload")
	}

	// Re-joining the same presentation on the same connection is idempotent:
	// hand back the existing session and refresh the caller's roster.
	if currentPID, _, isJoined := c.joined(); isJoined {
		if currentPID == payload.PresentationID {
			user, err := h.service.UserByConnection(ctx, c.id)
			if err == nil {
				roster, rosterErr := h.service.Roster(ctx, currentPID)
				if rosterErr == nil {
					h.sendEvent(c, Event{Type: EvtUsersUpdated, Data: roster})
				}
				info := ConnectionInfo{ConnectionID: c.id, PresentationID: currentPID, User: user}
				return ok(cmd.ID, info, "Already joined this presentation")
			}
			// Stale local state: the session is gone (reaped or store
			// hiccup), fall through and join fresh.
			c.clearJoined()
			h.leaveGroup(c.id, currentPID)
		} else {
			// Joining another presentation implies leaving the current one.
			h.leaveCurrent(ctx, c, EvtUserLeft)
		}
	}

	user, err := h.service.Join(ctx, payload.PresentationID, payload.Nickname, payload.Ticket, c.id)
	if err != nil {
		return h.failFrom(cmd.ID, err, "Cannot join presentation. Nickname may be in use or presentation not found.")
	}

	// Membership changes with the attach, before any event can be fanned
	// out to the group.
	h.joinGroup(c, payload.PresentationID)
	c.setJoined(payload.PresentationID, user.ID)

	h.broadcast(payload.PresentationID, Event{Type: EvtUserJoined, Data: user}, c.id)
	h.broadcastRoster(ctx, payload.PresentationID)

	slog.Info("user joined", "connection", c.id, "user", user.Nickname, "role", user.Role, "presentation", payload.PresentationID)

	info := ConnectionInfo{ConnectionID: c.id, PresentationID: payload.PresentationID, User: user}
	return ok(cmd.ID, info, "Successfully joined presentation")
}

func (h *Hub) handleLeave(ctx context.Context, c *Client, cmd Command) Response {
	if _, _, isJoined := c.joined(); !isJoined {
		return fail(cmd.ID, "Not joined to a presentation")
	}
	h.leaveCurrent(ctx, c, EvtUserLeft)
	return ok(cmd.ID, true, "")
}

// leaveCurrent runs the leave sequence for the client's current
// presentation: detach the session, leave the group, notify the remaining
// members. The departure event name differs between an explicit leave and a
// transport-level disconnect.
func (h *Hub) leaveCurrent(ctx context.Context, c *Client, departureEvent string) {
	presentationID, _, isJoined := c.joined()
	if !isJoined {
		return
	}

	user, found, err := h.service.Disconnect(ctx, c.id)
	if err != nil {
		slog.Error("detach session", "connection", c.id, "error", err)
	}

	h.leaveGroup(c.id, presentationID)
	c.clearJoined()

	if found {
		h.broadcast(presentationID, Event{Type: departureEvent, Data: user}, "")
		h.broadcastRoster(ctx, presentationID)
	}
}

func (h *Hub) handleUpdateElement(ctx context.Context, c *Client, cmd Command) Response {
	var payload UpdateElementPayload
	if err := json.Unmarshal(cmd.Data, &payload); err != nil {
		return fail(cmd.ID, "Malformed element payload")
	}

	user, err := h.service.UserByConnection(ctx, c.id)
	if err != nil {
		return fail(cmd.ID, "User not found")
	}

	canEdit, err := h.service.CanEdit(ctx, user.PresentationID, user.ID)
	if err != nil {
		slog.Error("authorize edit", "connection", c.id, "error", err)
		return fail(cmd.ID, "An internal error occurred")
	}
	if !canEdit {
		return fail(cmd.ID, "You don't have permission to edit")
	}

	element, err := h.service.UpsertElement(ctx, user.PresentationID, payload.ElementID, payload.SlideID, payload.Data)
	if err != nil {
		return h.failFrom(cmd.ID, err, "Failed to update element")
	}

	if err := h.service.Touch(ctx, c.id); err != nil {
		slog.Warn("touch activity", "connection", c.id, "error", err)
	}

	h.broadcast(user.PresentationID, Event{
		Type: EvtElementUpdated,
		Data: ElementUpdatedPayload{Element: element, UpdatedBy: user.Nickname, SlideID: payload.SlideID},
	}, "")

	return ok(cmd.ID, element, "")
}

func (h *Hub) handleDeleteElement(ctx context.Context, c *Client, cmd Command) Response {
	var payload DeleteElementPayload
	if err := json.Unmarshal(cmd.Data, &payload); err != nil {
		return fail(cmd.ID, "Malformed element payload")
	}

	user, err := h.service.UserByConnection(ctx, c.id)
	if err != nil {
		return fail(cmd.ID, "User not found")
	}

	canEdit, err := h.service.CanEdit(ctx, user.PresentationID, user.ID)
	if err != nil {
		slog.Error("authorize delete", "connection", c.id, "error", err)
		return fail(cmd.ID, "An internal error occurred")
	}
	if !canEdit {
		return fail(cmd.ID, "You don't have permission to delete")
	}

	deleted, err := h.service.DeleteElement(ctx, user.PresentationID, payload.ElementID)
	if err != nil {
		return h.failFrom(cmd.ID, err, "Failed to delete element")
	}
	if !deleted {
		return fail(cmd.ID, "Element not found")
	}

	h.broadcast(user.PresentationID, Event{Type: EvtElementDeleted, Data: payload.ElementID}, "")
	return ok(cmd.ID, true, "")
}

func (h *Hub) handleChangeUserRole(ctx context.Context, c *Client, cmd Command) Response {
	var payload ChangeUserRolePayload
	if err := json.Unmarshal(cmd.Data, &payload); err != nil {
		return fail(cmd.ID, "Malformed role payload")
	}

	user, err := h.service.UserByConnection(ctx, c.id)
	if err != nil {
		return fail(cmd.ID, "User not found")
	}

	if err := h.service.ChangeUserRole(ctx, user.ID, payload.UserID, payload.NewRole); err != nil {
		return h.failFrom(cmd.ID, err, "Cannot change role. You must be the creator.")
	}

	h.broadcastRoster(ctx, user.PresentationID)
	return ok(cmd.ID, true, "Role changed successfully")
}

func (h *Hub) handleAddSlide(ctx context.Context, c *Client, cmd Command) Response {
	var payload AddSlidePayload
	if err := json.Unmarshal(cmd.Data, &payload); err != nil {
		return fail(cmd.ID, "Malformed slide payload")
	}

	user, err := h.service.UserByConnection(ctx, c.id)
	if err != nil {
		return fail(cmd.ID, "User not found")
	}
	if payload.PresentationID != user.PresentationID {
		return fail(cmd.ID, "Cannot add slides to another presentation")
	}
	// Structural changes are creator-only.
	if rbac.Role(user.Role) != rbac.RoleCreator {
		return fail(cmd.ID, "Only the creator can add slides")
	}

	slide, err := h.service.AddSlide(ctx, payload.PresentationID)
	if err != nil {
		return h.failFrom(cmd.ID, err, "Failed to add slide")
	}

	h.broadcast(payload.PresentationID, Event{Type: EvtSlideAdded, Data: slide}, "")
	return ok(cmd.ID, slide, "")
}

func (h *Hub) handleDeleteSlide(ctx context.Context, c *Client, cmd Command) Response {
	var payload DeleteSlidePayload
	if err := json.Unmarshal(cmd.Data, &payload); err != nil {
		return fail(cmd.ID, "Malformed slide payload")
	}

	user, err := h.service.UserByConnection(ctx, c.id)
	if err != nil {
		return fail(cmd.ID, "User not found")
	}

	deleted, err := h.service.DeleteSlide(ctx, payload.SlideID, user.ID)
	if err != nil {
		slog.Error("delete slide", "connection", c.id, "error", err)
		return fail(cmd.ID, "An internal error occurred")
	}
	if !deleted {
		return fail(cmd.ID, "Cannot delete slide. You must be the creator or it's the last slide.")
	}

	h.broadcast(user.PresentationID, Event{Type: EvtSlideDeleted, Data: payload.SlideID}, "")
	return ok(cmd.ID, true, "")
}

// failFrom surfaces a domain error message to the caller and hides
// everything else behind a fallback.
func (h *Hub) failFrom(id string, err error, fallback string) Response {
	if domain, isDomain := app.AsDomainError(err); isDomain {
		return fail(id, domain.Message)
	}
	slog.Error("command failed", "error", err)
	return fail(id, fallback)
}
