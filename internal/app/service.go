package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"slidecast/internal/auth"
	"slidecast/internal/config"
	"slidecast/internal/rbac"
	"slidecast/internal/session"
	"slidecast/internal/store"
	"slidecast/internal/util"
)

const defaultSlideBackground = "#FFFFFF"

type dataStore interface {
	Ping(context.Context) error

	ListActivePresentations(context.Context) ([]store.PresentationSummary, error)
	GetPresentation(context.Context, string) (store.Presentation, error)
	IsTitleTaken(context.Context, string) (bool, error)
	CreatePresentation(context.Context, store.Presentation, store.Slide) error

	GetSlide(context.Context, string) (store.Slide, error)
	SlidesByPresentation(context.Context, string) ([]store.Slide, error)
	InsertSlide(context.Context, store.Slide) error
	MaxSlideOrder(context.Context, string) (int, error)
	CountSlides(context.Context, string) (int, error)
	DeleteSlide(context.Context, string) (bool, error)

	GetElement(context.Context, string) (store.Element, error)
	ElementsBySlide(context.Context, string) ([]store.Element, error)
	InsertElement(context.Context, store.Element) error
	UpdateElement(context.Context, store.Element) (bool, error)
	DeleteElement(context.Context, string) (bool, error)
	MaxZIndex(context.Context, string) (int, error)

	InsertActiveUser(context.Context, store.ActiveUser) error
	GetActiveUser(context.Context, string) (store.ActiveUser, error)
	GetUserByConnection(context.Context, string) (store.ActiveUser, error)
	ConnectedUsersByPresentation(context.Context, string) ([]store.ActiveUser, error)
	IsNicknameInUse(context.Context, string, string) (bool, error)
	DisconnectUser(context.Context, string) (store.ActiveUser, bool, error)
	TouchUser(context.Context, string) error
	UpdateUserRole(context.Context, string, int) error
	DisconnectInactiveSince(context.Context, time.Time) ([]store.ActiveUser, error)
}

// sessionCache is the optional hot lookup for connection sessions. The
// service works without one; every method tolerates a nil cache.
type sessionCache interface {
	Save(ctx context.Context, connectionID string, entry session.Entry) error
	Lookup(ctx context.Context, connectionID string) (session.Entry, bool, error)
	Touch(ctx context.Context, connectionID string) error
	Delete(ctx context.Context, connectionID string) error
}

type Service struct {
	cfg   config.Config
	store dataStore
	cache sessionCache
}

func New(cfg config.Config, dataStore dataStore) *Service {
	return &Service{cfg: cfg, store: dataStore}
}

func NewWithSessionCache(cfg config.Config, dataStore dataStore, cache sessionCache) *Service {
	return &Service{cfg: cfg, store: dataStore, cache: cache}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- presentations ---

func (s *Service) ListPresentations(ctx context.Context) ([]PresentationListItem, error) {
	summaries, err := s.store.ListActivePresentations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list presentations: %w", err)
	}
	items := make([]PresentationListItem, 0, len(summaries))
	for _, summary := range summaries {
		items = append(items, PresentationListItem{
			ID:              summary.ID,
			Title:           summary.Title,
			CreatorNickname: summary.CreatorNickname,
			CreatedAt:       summary.CreatedAt,
			ActiveUserCount: summary.ActiveUserCount,
		})
	}
	return items, nil
}

func (s *Service) GetPresentationSnapshot(ctx context.Context, id string) (PresentationSnapshot, error) {
	presentation, err := s.store.GetPresentation(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return PresentationSnapshot{}, notFound("presentation not found")
	}
	if err != nil {
		return PresentationSnapshot{}, fmt.Errorf("get presentation: %w", err)
	}

	slides, err := s.store.SlidesByPresentation(ctx, id)
	if err != nil {
		return PresentationSnapshot{}, fmt.Errorf("get slides: %w", err)
	}

	snapshot := PresentationSnapshot{
		ID:              presentation.ID,
		Title:           presentation.Title,
		CreatorNickname: presentation.CreatorNickname,
		IsActive:        presentation.IsActive,
		CreatedAt:       presentation.CreatedAt,
		UpdatedAt:       presentation.UpdatedAt,
		Slides:          []SlideDTO{},
		Users:           []UserDTO{},
	}

	for _, slide := range slides {
		elements, err := s.store.ElementsBySlide(ctx, slide.ID)
		if err != nil {
			return PresentationSnapshot{}, fmt.Errorf("get elements for slide %s: %w", slide.ID, err)
		}
		snapshot.Slides = append(snapshot.Slides, toSlideDTO(slide, elements))
	}

	users, err := s.store.ConnectedUsersByPresentation(ctx, id)
	if err != nil {
		return PresentationSnapshot{}, fmt.Errorf("get roster: %w", err)
	}
	snapshot.Users = toUserDTOs(users)

	return snapshot, nil
}

// CreatePresentation creates the presentation together with its first slide
// so a presentation always has at least one slide.
func (s *Service) CreatePresentation(ctx context.Context, title, creatorNickname string) (PresentationSnapshot, error) {
	title = strings.TrimSpace(title)
	creatorNickname = strings.TrimSpace(creatorNickname)
	if title == "" || creatorNickname == "" {
		return PresentationSnapshot{}, invalidState("title and creator nickname are required")
	}

	taken, err := s.store.IsTitleTaken(ctx, title)
	if err != nil {
		return PresentationSnapshot{}, fmt.Errorf("check title: %w", err)
	}
	if taken {
		return PresentationSnapshot{}, conflict("a presentation with this title already exists")
	}

	now := time.Now().UTC()
	presentation := store.Presentation{
		ID:              util.NewID("pres"),
		Title:           title,
		CreatorNickname: creatorNickname,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	firstSlide := store.Slide{
		ID:              util.NewID("slide"),
		PresentationID:  presentation.ID,
		Order:           1,
		BackgroundColor: defaultSlideBackground,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.CreatePresentation(ctx, presentation, firstSlide); err != nil {
		return PresentationSnapshot{}, fmt.Errorf("create presentation: %w", err)
	}

	return PresentationSnapshot{
		ID:              presentation.ID,
		Title:           presentation.Title,
		CreatorNickname: presentation.CreatorNickname,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
		Slides:          []SlideDTO{toSlideDTO(firstSlide, nil)},
		Users:           []UserDTO{},
	}, nil
}

// --- join flow ---

// IssueJoinTicket validates the join preconditions and mints a short-lived
// signed ticket. The creator role is bound here: a socket join presenting
// this ticket gets the role baked into it, a join without a ticket is
// always a viewer.
func (s *Service) IssueJoinTicket(ctx context.Context, presentationID, nickname string) (JoinDescriptor, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return JoinDescriptor{}, invalidState("nickname is required")
	}

	presentation, err := s.store.GetPresentation(ctx, presentationID)
	if errors.Is(err, sql.ErrNoRows) {
		return JoinDescriptor{}, notFound("presentation not found")
	}
	if err != nil {
		return JoinDescriptor{}, fmt.Errorf("get presentation: %w", err)
	}
	if !presentation.IsActive {
		return JoinDescriptor{}, notFound("presentation is not active")
	}

	inUse, err := s.store.IsNicknameInUse(ctx, presentationID, nickname)
	if err != nil {
		return JoinDescriptor{}, fmt.Errorf("check nickname: %w", err)
	}
	if inUse {
		return JoinDescriptor{}, conflict("nickname is already in use")
	}

	role := rbac.RoleViewer
	if presentation.CreatorNickname == nickname {
		role = rbac.RoleCreator
	}

	connectionID := uuid.New().String()
	expiresAt := time.Now().Add(s.cfg.TicketTTL)
	ticket, err := auth.IssueTicket([]byte(s.cfg.TicketSecret), auth.Ticket{
		PresentationID: presentationID,
		Nickname:       nickname,
		Role:           int(role),
		ConnectionID:   connectionID,
		Exp:            expiresAt.Unix(),
	})
	if err != nil {
		return JoinDescriptor{}, fmt.Errorf("issue ticket: %w", err)
	}

	return JoinDescriptor{
		ConnectionID: connectionID,
		Ticket:       ticket,
		Role:         int(role),
		ExpiresAt:    expiresAt,
	}, nil
}

// Join attaches a connection to a presentation. The ticket is optional: with
// one, the role comes from its claims; without one, the user is a viewer
// regardless of nickname.
func (s *Service) Join(ctx context.Context, presentationID, nickname, ticket, connectionID string) (UserDTO, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return UserDTO{}, invalidState("nickname is required")
	}

	presentation, err := s.store.GetPresentation(ctx, presentationID)
	if errors.Is(err, sql.ErrNoRows) {
		return UserDTO{}, notFound("presentation not found")
	}
	if err != nil {
		return UserDTO{}, fmt.Errorf("get presentation: %w", err)
	}
	if !presentation.IsActive {
		return UserDTO{}, notFound("presentation is not active")
	}

	role := rbac.RoleViewer
	if ticket != "" {
		claims, err := auth.ParseTicket([]byte(s.cfg.TicketSecret), ticket)
		if err != nil {
			return UserDTO{}, forbidden("invalid join ticket")
		}
		if claims.PresentationID != presentationID || !strings.EqualFold(claims.Nickname, nickname) {
			return UserDTO{}, forbidden("join ticket does not match this join")
		}
		role = rbac.Normalize(claims.Role)
	}

	now := time.Now().UTC()
	user := store.ActiveUser{
		ID:             util.NewID("user"),
		PresentationID: presentationID,
		Nickname:       nickname,
		Role:           int(role),
		ConnectionID:   connectionID,
		JoinedAt:       now,
		LastActivityAt: now,
		IsConnected:    true,
	}
	if err := s.store.InsertActiveUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrNicknameTaken) {
			return UserDTO{}, conflict("nickname is already in use")
		}
		return UserDTO{}, fmt.Errorf("attach user: %w", err)
	}

	if s.cache != nil {
		entry := session.Entry{
			UserID:         user.ID,
			PresentationID: presentationID,
			Nickname:       user.Nickname,
			Role:           user.Role,
			JoinedAt:       user.JoinedAt,
		}
		if err := s.cache.Save(ctx, connectionID, entry); err != nil {
			log.Printf("session cache save failed for %s: %v", connectionID, err)
		}
	}

	return toUserDTO(user), nil
}

// --- sessions ---

// UserByConnection resolves the live session for a connection id.
func (s *Service) UserByConnection(ctx context.Context, connectionID string) (UserDTO, error) {
	if s.cache != nil {
		entry, found, err := s.cache.Lookup(ctx, connectionID)
		if err != nil {
			log.Printf("session cache lookup failed for %s: %v", connectionID, err)
		} else if found {
			user, err := s.store.GetActiveUser(ctx, entry.UserID)
			if err == nil && user.IsConnected {
				return toUserDTO(user), nil
			}
		}
	}

	user, err := s.store.GetUserByConnection(ctx, connectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return UserDTO{}, notFound("no session for this connection")
	}
	if err != nil {
		return UserDTO{}, fmt.Errorf("resolve connection: %w", err)
	}
	return toUserDTO(user), nil
}

func (s *Service) Roster(ctx context.Context, presentationID string) ([]UserDTO, error) {
	users, err := s.store.ConnectedUsersByPresentation(ctx, presentationID)
	if err != nil {
		return nil, fmt.Errorf("get roster: %w", err)
	}
	return toUserDTOs(users), nil
}

// Disconnect detaches the session for a connection. Unknown connections are
// a no-op, reported through found=false.
func (s *Service) Disconnect(ctx context.Context, connectionID string) (UserDTO, bool, error) {
	user, found, err := s.store.DisconnectUser(ctx, connectionID)
	if err != nil {
		return UserDTO{}, false, fmt.Errorf("disconnect: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, connectionID); err != nil {
			log.Printf("session cache delete failed for %s: %v", connectionID, err)
		}
	}
	return toUserDTO(user), found, nil
}

// Touch refreshes the session's activity timestamp.
func (s *Service) Touch(ctx context.Context, connectionID string) error {
	if err := s.store.TouchUser(ctx, connectionID); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Touch(ctx, connectionID); err != nil {
			log.Printf("session cache touch failed for %s: %v", connectionID, err)
		}
	}
	return nil
}

// ChangeUserRole reassigns the target's role. Only the creator of the same
// presentation may do this, a creator can never be demoted, and the creator
// role can never be handed out after the fact.
func (s *Service) ChangeUserRole(ctx context.Context, requesterUserID, targetUserID string, newRole int) error {
	requester, err := s.store.GetActiveUser(ctx, requesterUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("requesting user not found")
	}
	if err != nil {
		return fmt.Errorf("get requester: %w", err)
	}
	if rbac.Role(requester.Role) != rbac.RoleCreator {
		return forbidden("only the creator can change roles")
	}

	target, err := s.store.GetActiveUser(ctx, targetUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("target user not found")
	}
	if err != nil {
		return fmt.Errorf("get target: %w", err)
	}
	if target.PresentationID != requester.PresentationID {
		return forbidden("target belongs to another presentation")
	}
	if rbac.Role(target.Role) == rbac.RoleCreator {
		return invalidState("the creator's role cannot be changed")
	}

	role := rbac.Normalize(newRole)
	if role == rbac.RoleCreator {
		return invalidState("the creator role cannot be assigned")
	}

	if err := s.store.UpdateUserRole(ctx, targetUserID, int(role)); err != nil {
		return fmt.Errorf("update role: %w", err)
	}

	// Drop the target's cached session so the next authorization check
	// reads the new role.
	if s.cache != nil && target.ConnectionID != "" {
		if err := s.cache.Delete(ctx, target.ConnectionID); err != nil {
			log.Printf("session cache delete failed for %s: %v", target.ConnectionID, err)
		}
	}
	return nil
}

// CanEdit reports whether the user belongs to the presentation and holds an
// edit-capable role. Read-only, consulted before every content mutation.
func (s *Service) CanEdit(ctx context.Context, presentationID, userID string) (bool, error) {
	user, err := s.store.GetActiveUser(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get user: %w", err)
	}
	if user.PresentationID != presentationID {
		return false, nil
	}
	return rbac.Can(rbac.Role(user.Role), rbac.ActionEdit), nil
}

// --- elements ---

// UpsertElement creates the element when elementID is empty and replaces it
// in full otherwise. The mutation is contained to presentationID: a slide or
// element belonging to another presentation is rejected no matter what role
// the caller holds elsewhere.
func (s *Service) UpsertElement(ctx context.Context, presentationID, elementID, slideID string, spec ElementSpec) (ElementDTO, error) {
	if elementID == "" {
		return s.createElement(ctx, presentationID, slideID, spec)
	}
	return s.updateElement(ctx, presentationID, elementID, spec)
}

func (s *Service) createElement(ctx context.Context, presentationID, slideID string, spec ElementSpec) (ElementDTO, error) {
	slide, err := s.store.GetSlide(ctx, slideID)
	if errors.Is(err, sql.ErrNoRows) {
		return ElementDTO{}, notFound("slide not found")
	}
	if err != nil {
		return ElementDTO{}, fmt.Errorf("get slide: %w", err)
	}
	if slide.PresentationID != presentationID {
		return ElementDTO{}, forbidden("slide belongs to another presentation")
	}

	zIndex := spec.ZIndex
	if zIndex == 0 {
		max, err := s.store.MaxZIndex(ctx, slideID)
		if err != nil {
			return ElementDTO{}, fmt.Errorf("next z index: %w", err)
		}
		zIndex = max + 1
	}

	now := time.Now().UTC()
	element := store.Element{
		ID:         util.NewID("el"),
		SlideID:    slideID,
		Type:       store.ElementType(spec.Type),
		Content:    spec.Content,
		PositionX:  spec.PositionX,
		PositionY:  spec.PositionY,
		Width:      spec.Width,
		Height:     spec.Height,
		ZIndex:     zIndex,
		Properties: spec.Properties,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.InsertElement(ctx, element); err != nil {
		return ElementDTO{}, fmt.Errorf("insert element: %w", err)
	}
	return toElementDTO(element), nil
}

func (s *Service) updateElement(ctx context.Context, presentationID, elementID string, spec ElementSpec) (ElementDTO, error) {
	element, err := s.store.GetElement(ctx, elementID)
	if errors.Is(err, sql.ErrNoRows) {
		return ElementDTO{}, notFound("element not found")
	}
	if err != nil {
		return ElementDTO{}, fmt.Errorf("get element: %w", err)
	}

	slide, err := s.store.GetSlide(ctx, element.SlideID)
	if err != nil {
		return ElementDTO{}, fmt.Errorf("get slide: %w", err)
	}
	if slide.PresentationID != presentationID {
		return ElementDTO{}, forbidden("element belongs to another presentation")
	}

	// Full replace: the caller resends every field, zIndex included.
	element.Type = store.ElementType(spec.Type)
	element.Content = spec.Content
	element.PositionX = spec.PositionX
	element.PositionY = spec.PositionY
	element.Width = spec.Width
	element.Height = spec.Height
	element.ZIndex = spec.ZIndex
	element.Properties = spec.Properties
	element.UpdatedAt = time.Now().UTC()

	ok, err := s.store.UpdateElement(ctx, element)
	if err != nil {
		return ElementDTO{}, fmt.Errorf("update element: %w", err)
	}
	if !ok {
		return ElementDTO{}, notFound("element not found")
	}
	return toElementDTO(element), nil
}

// DeleteElement removes an element after checking it belongs to the
// caller's presentation. A missing element reports false, not an error.
func (s *Service) DeleteElement(ctx context.Context, presentationID, elementID string) (bool, error) {
	element, err := s.store.GetElement(ctx, elementID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get element: %w", err)
	}

	slide, err := s.store.GetSlide(ctx, element.SlideID)
	if err != nil {
		return false, fmt.Errorf("get slide: %w", err)
	}
	if slide.PresentationID != presentationID {
		return false, forbidden("element belongs to another presentation")
	}

	ok, err := s.store.DeleteElement(ctx, elementID)
	if err != nil {
		return false, fmt.Errorf("delete element: %w", err)
	}
	return ok, nil
}

func (s *Service) ElementsBySlide(ctx context.Context, slideID string) ([]ElementDTO, error) {
	if _, err := s.store.GetSlide(ctx, slideID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("slide not found")
		}
		return nil, fmt.Errorf("get slide: %w", err)
	}

	elements, err := s.store.ElementsBySlide(ctx, slideID)
	if err != nil {
		return nil, fmt.Errorf("list elements: %w", err)
	}
	dtos := make([]ElementDTO, 0, len(elements))
	for _, e := range elements {
		dtos = append(dtos, toElementDTO(e))
	}
	return dtos, nil
}

// --- slides ---

func (s *Service) AddSlide(ctx context.Context, presentationID string) (SlideDTO, error) {
	if _, err := s.store.GetPresentation(ctx, presentationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SlideDTO{}, notFound("presentation not found")
		}
		return SlideDTO{}, fmt.Errorf("get presentation: %w", err)
	}

	maxOrder, err := s.store.MaxSlideOrder(ctx, presentationID)
	if err != nil {
		return SlideDTO{}, fmt.Errorf("max order: %w", err)
	}

	now := time.Now().UTC()
	slide := store.Slide{
		ID:              util.NewID("slide"),
		PresentationID:  presentationID,
		Order:           maxOrder + 1,
		BackgroundColor: defaultSlideBackground,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.InsertSlide(ctx, slide); err != nil {
		return SlideDTO{}, fmt.Errorf("insert slide: %w", err)
	}
	return toSlideDTO(slide, nil), nil
}

// DeleteSlide removes a slide and its elements. It reports false, not an
// error, when the slide or presentation is missing, when the requester is
// not the creator, or when this is the presentation's last slide.
func (s *Service) DeleteSlide(ctx context.Context, slideID, requestingUserID string) (bool, error) {
	slide, err := s.store.GetSlide(ctx, slideID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get slide: %w", err)
	}

	if _, err := s.store.GetPresentation(ctx, slide.PresentationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("get presentation: %w", err)
	}

	user, err := s.store.GetActiveUser(ctx, requestingUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get user: %w", err)
	}
	if user.PresentationID != slide.PresentationID || !rbac.Can(rbac.Role(user.Role), rbac.ActionManage) {
		return false, nil
	}

	count, err := s.store.CountSlides(ctx, slide.PresentationID)
	if err != nil {
		return false, fmt.Errorf("count slides: %w", err)
	}
	if count <= 1 {
		return false, nil
	}

	return s.store.DeleteSlide(ctx, slideID)
}

// --- presence cleanup ---

// DisconnectInactive detaches every session idle past the configured
// threshold and returns them so the hub can broadcast the departures.
func (s *Service) DisconnectInactive(ctx context.Context) ([]ReapedSession, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.InactivityThreshold)
	users, err := s.store.DisconnectInactiveSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("disconnect inactive: %w", err)
	}
	reaped := make([]ReapedSession, 0, len(users))
	for _, user := range users {
		if s.cache != nil {
			if err := s.cache.Delete(ctx, user.ConnectionID); err != nil {
				log.Printf("session cache delete failed for %s: %v", user.ConnectionID, err)
			}
		}
		reaped = append(reaped, ReapedSession{User: toUserDTO(user), ConnectionID: user.ConnectionID})
	}
	return reaped, nil
}
