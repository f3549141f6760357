package app

import (
	"time"

	"slidecast/internal/store"
)

// Wire DTOs. Field casing and the integer role/type enums match what the
// original client expects.

type PresentationListItem struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	CreatorNickname string    `json:"creatorNickname"`
	CreatedAt       time.Time `json:"createdAt"`
	ActiveUserCount int       `json:"activeUserCount"`
}

type PresentationSnapshot struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	CreatorNickname string     `json:"creatorNickname"`
	IsActive        bool       `json:"isActive"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	Slides          []SlideDTO `json:"slides"`
	Users           []UserDTO  `json:"users"`
}

type SlideDTO struct {
	ID              string       `json:"id"`
	PresentationID  string       `json:"presentationId"`
	Order           int          `json:"order"`
	BackgroundColor string       `json:"backgroundColor,omitempty"`
	BackgroundImage string       `json:"backgroundImage,omitempty"`
	Elements        []ElementDTO `json:"elements"`
}

type ElementDTO struct {
	ID         string    `json:"id"`
	SlideID    string    `json:"slideId"`
	Type       int       `json:"type"`
	Content    string    `json:"content"`
	PositionX  float64   `json:"positionX"`
	PositionY  float64   `json:"positionY"`
	Width      float64   `json:"width"`
	Height     float64   `json:"height"`
	ZIndex     int       `json:"zIndex"`
	Properties string    `json:"properties,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type UserDTO struct {
	ID             string    `json:"id"`
	PresentationID string    `json:"presentationId"`
	Nickname       string    `json:"nickname"`
	Role           int       `json:"role"`
	JoinedAt       time.Time `json:"joinedAt"`
	IsConnected    bool      `json:"isConnected"`
}

// JoinDescriptor is the one-time descriptor handed out by the REST join
// endpoint; the socket JoinPresentation command validates the ticket.
type JoinDescriptor struct {
	ConnectionID string    `json:"connectionId"`
	Ticket       string    `json:"ticket"`
	Role         int       `json:"role"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// ReapedSession is a session detached by the janitor sweep, carrying the
// connection id so the hub can evict the matching group member.
type ReapedSession struct {
	User         UserDTO
	ConnectionID string
}

// ElementSpec carries the caller-supplied element fields for create/update.
// Updates are full-replace: every field overwrites the stored element.
type ElementSpec struct {
	Type       int     `json:"type"`
	Content    string  `json:"content"`
	PositionX  float64 `json:"positionX"`
	PositionY  float64 `json:"positionY"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	ZIndex     int     `json:"zIndex"`
	Properties string  `json:"properties,omitempty"`
}

func toUserDTO(u store.ActiveUser) UserDTO {
	return UserDTO{
		ID:             u.ID,
		PresentationID: u.PresentationID,
		Nickname:       u.Nickname,
		Role:           u.Role,
		JoinedAt:       u.JoinedAt,
		IsConnected:    u.IsConnected,
	}
}

func toUserDTOs(users []store.ActiveUser) []UserDTO {
	dtos := make([]UserDTO, 0, len(users))
	for _, u := range users {
		dtos = append(dtos, toUserDTO(u))
	}
	return dtos
}

func toElementDTO(e store.Element) ElementDTO {
	return ElementDTO{
		ID:         e.ID,
		SlideID:    e.SlideID,
		Type:       int(e.Type),
		Content:    e.Content,
		PositionX:  e.PositionX,
		PositionY:  e.PositionY,
		Width:      e.Width,
		Height:     e.Height,
		ZIndex:     e.ZIndex,
		Properties: e.Properties,
		UpdatedAt:  e.UpdatedAt,
	}
}

func toSlideDTO(s store.Slide, elements []store.Element) SlideDTO {
	dto := SlideDTO{
		ID:              s.ID,
		PresentationID:  s.PresentationID,
		Order:           s.Order,
		BackgroundColor: s.BackgroundColor,
		BackgroundImage: s.BackgroundImage,
		Elements:        []ElementDTO{},
	}
	for _, e := range elements {
		dto.Elements = append(dto.Elements, toElementDTO(e))
	}
	return dto
}
