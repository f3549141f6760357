package hub

import (
	"github.com/goccy/go-json"

	"slidecast/internal/app"
)

// Command is the client-to-server frame. The optional id is echoed back on
// the response so callers can correlate.
type Command struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Command types.
const (
	CmdJoinPresentation  = "JoinPresentation"
	CmdLeavePresentation = "LeavePresentation"
	CmdUpdateElement     = "UpdateElement"
	CmdDeleteElement     = "DeleteElement"
	CmdChangeUserRole    = "ChangeUserRole"
	CmdAddSlide          = "AddSlide"
	CmdDeleteSlide       = "DeleteSlide"
)

// Server-to-client event names.
const (
	EvtUserJoined       = "UserJoined"
	EvtUserLeft         = "UserLeft"
	EvtUserDisconnected = "UserDisconnected"
	EvtUsersUpdated     = "UsersUpdated"
	EvtElementUpdated   = "ElementUpdated"
	EvtElementDeleted   = "ElementDeleted"
	EvtSlideAdded       = "SlideAdded"
	EvtSlideDeleted     = "SlideDeleted"
)

// Response is the uniform command reply envelope.
type Response struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Event is a server-initiated frame fanned out to a broadcast group.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type JoinPayload struct {
	PresentationID string `json:"presentationId"`
	Nickname       string `json:"nickname"`
	Ticket         string `json:"ticket,omitempty"`
}

type UpdateElementPayload struct {
	ElementID string          `json:"elementId,omitempty"`
	SlideID   string          `json:"slideId"`
	Data      app.ElementSpec `json:"data"`
}

type DeleteElementPayload struct {
	ElementID string `json:"elementId"`
}

type ChangeUserRolePayload struct {
	UserID  string `json:"userId"`
	NewRole int    `json:"newRole"`
}

type AddSlidePayload struct {
	PresentationID string `json:"presentationId"`
}

type DeleteSlidePayload struct {
	SlideID string `json:"slideId"`
}

// ConnectionInfo is the JoinPresentation success payload.
type ConnectionInfo struct {
	ConnectionID   string      `json:"connectionId"`
	PresentationID string      `json:"presentationId"`
	User           app.UserDTO `json:"user"`
}

// ElementUpdatedPayload mirrors what editors need to apply a remote change.
type ElementUpdatedPayload struct {
	Element   app.ElementDTO `json:"element"`
	UpdatedBy string         `json:"updatedBy"`
	SlideID   string         `json:"slideId"`
}

func ok(id string, data any, message string) Response {
	return Response{ID: id, Type: "Response", Success: true, Message: message, Data: data}
}

func fail(id, message string) Response {
	return Response{ID: id, Type: "Response", Success: false, Message: message}
}
