package store

import "time"

// ElementType values match the wire encoding, which serializes element
// types as integers.
type ElementType int

const (
	ElementText  ElementType = 0
	ElementShape ElementType = 1
	ElementImage ElementType = 2
	ElementLine  ElementType = 3
	ElementArrow ElementType = 4
)

type Presentation struct {
	ID              string
	Title           string
	CreatorNickname string
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PresentationSummary is the listing row: presentation metadata plus the
// number of currently connected users.
type PresentationSummary struct {
	ID              string
	Title           string
	CreatorNickname string
	CreatedAt       time.Time
	ActiveUserCount int
}

type Slide struct {
	ID              string
	PresentationID  string
	Order           int
	BackgroundColor string
	BackgroundImage string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Element struct {
	ID        string
	SlideID   string
	Type      ElementType
	Content   string
	PositionX float64
	PositionY float64
	Width     float64
	Height    float64
	ZIndex    int
	// Properties is an opaque serialized blob (fill, stroke, shapeType for
	// shapes). Empty when the element type carries none.
	Properties string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ActiveUser is a per-connection session row. Rows are marked disconnected
// rather than deleted so the history survives reconnects and the janitor
// sweep.
type ActiveUser struct {
	ID             string
	PresentationID string
	Nickname       string
	Role           int
	ConnectionID   string
	JoinedAt       time.Time
	LastActivityAt time.Time
	IsConnected    bool
}
