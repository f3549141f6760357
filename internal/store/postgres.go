package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNicknameTaken is returned by InsertActiveUser when another connected
// session already holds the nickname in the same presentation. Enforced by
// the active_users_live_nickname partial unique index, so the insert fails
// atomically even when two joins race.
var ErrNicknameTaken = errors.New("nickname already in use")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- presentations ---

func (s *PostgresStore) ListActivePresentations(ctx context.Context) ([]PresentationSummary, error) {
	const query = `
		SELECT p.id, p.title, p.creator_nickname, p.created_at,
			(SELECT COUNT(*) FROM active_users u WHERE u.presentation_id = p.id AND u.is_connected)
		FROM presentations p
		WHERE p.is_active
		ORDER BY p.created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list presentations: %w", err)
	}
	defer rows.Close()

	var items []PresentationSummary
	for rows.Next() {
		var item PresentationSummary
		if err := rows.Scan(&item.ID, &item.Title, &item.CreatorNickname, &item.CreatedAt, &item.ActiveUserCount); err != nil {
			return nil, fmt.Errorf("scan presentation summary: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetPresentation(ctx context.Context, id string) (Presentation, error) {
	const query = `
		SELECT id, title, creator_nickname, is_active, created_at, updated_at
		FROM presentations WHERE id=$1
	`
	var p Presentation
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.Title, &p.CreatorNickname, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Presentation{}, err
	}
	return p, nil
}

func (s *PostgresStore) IsTitleTaken(ctx context.Context, title string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM presentations WHERE LOWER(title)=LOWER($1))`, title).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check title: %w", err)
	}
	return exists, nil
}

// CreatePresentation inserts the presentation together with its first slide
// in one transaction so a presentation is never observable without a slide.
func (s *PostgresStore) CreatePresentation(ctx context.Context, p Presentation, firstSlide Slide) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create presentation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO presentations (id, title, creator_nickname, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, p.ID, p.Title, p.CreatorNickname, p.IsActive, p.CreatedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert presentation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO slides (id, presentation_id, sort_order, background_color, background_image, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, firstSlide.ID, firstSlide.PresentationID, firstSlide.Order, firstSlide.BackgroundColor, firstSlide.BackgroundImage, firstSlide.CreatedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert first slide: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create presentation: %w", err)
	}
	return nil
}

// --- slides ---

func (s *PostgresStore) GetSlide(ctx context.Context, id string) (Slide, error) {
	const query = `
		SELECT id, presentation_id, sort_order, background_color, background_image, created_at, updated_at
		FROM slides WHERE id=$1
	`
	var slide Slide
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&slide.ID, &slide.PresentationID, &slide.Order, &slide.BackgroundColor,
		&slide.BackgroundImage, &slide.CreatedAt, &slide.UpdatedAt)
	if err != nil {
		return Slide{}, err
	}
	return slide, nil
}

func (s *PostgresStore) SlidesByPresentation(ctx context.Context, presentationID string) ([]Slide, error) {
	const query = `
		SELECT id, presentation_id, sort_order, background_color, background_image, created_at, updated_at
		FROM slides WHERE presentation_id=$1
		ORDER BY sort_order
	`
	rows, err := s.db.QueryContext(ctx, query, presentationID)
	if err != nil {
		return nil, fmt.Errorf("list slides: %w", err)
	}
	defer rows.Close()

	var slides []Slide
	for rows.Next() {
		var slide Slide
		if err := rows.Scan(&slide.ID, &slide.PresentationID, &slide.Order, &slide.BackgroundColor,
			&slide.BackgroundImage, &slide.CreatedAt, &slide.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan slide: %w", err)
		}
		slides = append(slides, slide)
	}
	return slides, rows.Err()
}

func (s *PostgresStore) InsertSlide(ctx context.Context, slide Slide) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO slides (id, presentation_id, sort_order, background_color, background_image, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, slide.ID, slide.PresentationID, slide.Order, slide.BackgroundColor, slide.BackgroundImage, slide.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert slide: %w", err)
	}
	return nil
}

// MaxSlideOrder returns 0 when the presentation has no slides.
func (s *PostgresStore) MaxSlideOrder(ctx context.Context, presentationID string) (int, error) {
	var max int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sort_order), 0) FROM slides WHERE presentation_id=$1`, presentationID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max slide order: %w", err)
	}
	return max, nil
}

func (s *PostgresStore) CountSlides(ctx context.Context, presentationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM slides WHERE presentation_id=$1`, presentationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count slides: %w", err)
	}
	return count, nil
}

// DeleteSlide removes the slide; its elements go with it through the
// ON DELETE CASCADE foreign key.
func (s *PostgresStore) DeleteSlide(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM slides WHERE id=$1`, id)
	if err != nil {
		return false, fmt.Errorf("delete slide: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete slide rows: %w", err)
	}
	return affected > 0, nil
}

// --- elements ---

func (s *PostgresStore) GetElement(ctx context.Context, id string) (Element, error) {
	const query = `
		SELECT id, slide_id, element_type, content, position_x, position_y, width, height, z_index,
			COALESCE(properties, ''), created_at, updated_at
		FROM elements WHERE id=$1
	`
	var e Element
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.SlideID, &e.Type, &e.Content, &e.PositionX, &e.PositionY,
		&e.Width, &e.Height, &e.ZIndex, &e.Properties, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Element{}, err
	}
	return e, nil
}

func (s *PostgresStore) ElementsBySlide(ctx context.Context, slideID string) ([]Element, error) {
	const query = `
		SELECT id, slide_id, element_type, content, position_x, position_y, width, height, z_index,
			COALESCE(properties, ''), created_at, updated_at
		FROM elements WHERE slide_id=$1
		ORDER BY z_index
	`
	rows, err := s.db.QueryContext(ctx, query, slideID)
	if err != nil {
		return nil, fmt.Errorf("list elements: %w", err)
	}
	defer rows.Close()

	var elements []Element
	for rows.Next() {
		var e Element
		if err := rows.Scan(&e.ID, &e.SlideID, &e.Type, &e.Content, &e.PositionX, &e.PositionY,
			&e.Width, &e.Height, &e.ZIndex, &e.Properties, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan element: %w", err)
		}
		elements = append(elements, e)
	}
	return elements, rows.Err()
}

func (s *PostgresStore) InsertElement(ctx context.Context, e Element) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO elements (id, slide_id, element_type, content, position_x, position_y, width, height, z_index, properties, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $11)
	`, e.ID, e.SlideID, e.Type, e.Content, e.PositionX, e.PositionY, e.Width, e.Height, e.ZIndex, e.Properties, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert element: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateElement(ctx context.Context, e Element) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE elements
		SET element_type=$2, content=$3, position_x=$4, position_y=$5, width=$6, height=$7,
			z_index=$8, properties=NULLIF($9, ''), updated_at=NOW()
		WHERE id=$1
	`, e.ID, e.Type, e.Content, e.PositionX, e.PositionY, e.Width, e.Height, e.ZIndex, e.Properties)
	if err != nil {
		return false, fmt.Errorf("update element: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update element rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteElement(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM elements WHERE id=$1`, id)
	if err != nil {
		return false, fmt.Errorf("delete element: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete element rows: %w", err)
	}
	return affected > 0, nil
}

// MaxZIndex returns 0 when the slide has no elements.
func (s *PostgresStore) MaxZIndex(ctx context.Context, slideID string) (int, error) {
	var max int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(z_index), 0) FROM elements WHERE slide_id=$1`, slideID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max z index: %w", err)
	}
	return max, nil
}

// --- active users ---

func (s *PostgresStore) InsertActiveUser(ctx context.Context, u ActiveUser) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_users (id, presentation_id, nickname, role, connection_id, joined_at, last_activity_at, is_connected)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, u.ID, u.PresentationID, u.Nickname, u.Role, u.ConnectionID, u.JoinedAt, u.LastActivityAt, u.IsConnected)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrNicknameTaken
		}
		return fmt.Errorf("insert active user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActiveUser(ctx context.Context, id string) (ActiveUser, error) {
	const query = `
		SELECT id, presentation_id, nickname, role, connection_id, joined_at, last_activity_at, is_connected
		FROM active_users WHERE id=$1
	`
	var u ActiveUser
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.PresentationID, &u.Nickname, &u.Role, &u.ConnectionID,
		&u.JoinedAt, &u.LastActivityAt, &u.IsConnected)
	if err != nil {
		return ActiveUser{}, err
	}
	return u, nil
}

// GetUserByConnection resolves the connected session for a connection id.
func (s *PostgresStore) GetUserByConnection(ctx context.Context, connectionID string) (ActiveUser, error) {
	const query = `
		SELECT id, presentation_id, nickname, role, connection_id, joined_at, last_activity_at, is_connected
		FROM active_users WHERE connection_id=$1 AND is_connected
	`
	var u ActiveUser
	err := s.db.QueryRowContext(ctx, query, connectionID).Scan(
		&u.ID, &u.PresentationID, &u.Nickname, &u.Role, &u.ConnectionID,
		&u.JoinedAt, &u.LastActivityAt, &u.IsConnected)
	if err != nil {
		return ActiveUser{}, err
	}
	return u, nil
}

func (s *PostgresStore) ConnectedUsersByPresentation(ctx context.Context, presentationID string) ([]ActiveUser, error) {
	const query = `
		SELECT id, presentation_id, nickname, role, connection_id, joined_at, last_activity_at, is_connected
		FROM active_users
		WHERE presentation_id=$1 AND is_connected
		ORDER BY joined_at
	`
	rows, err := s.db.QueryContext(ctx, query, presentationID)
	if err != nil {
		return nil, fmt.Errorf("list connected users: %w", err)
	}
	defer rows.Close()

	var users []ActiveUser
	for rows.Next() {
		var u ActiveUser
		if err := rows.Scan(&u.ID, &u.PresentationID, &u.Nickname, &u.Role, &u.ConnectionID,
			&u.JoinedAt, &u.LastActivityAt, &u.IsConnected); err != nil {
			return nil, fmt.Errorf("scan active user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) IsNicknameInUse(ctx context.Context, presentationID, nickname string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM active_users
			WHERE presentation_id=$1 AND LOWER(nickname)=LOWER($2) AND is_connected
		)
	`, presentationID, nickname).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check nickname: %w", err)
	}
	return exists, nil
}

// DisconnectUser marks the session closed and stamps last activity. Returns
// the updated session, with found=false when the connection has no live
// session (already detached or never attached).
func (s *PostgresStore) DisconnectUser(ctx context.Context, connectionID string) (ActiveUser, bool, error) {
	const query = `
		UPDATE active_users
		SET is_connected=FALSE, last_activity_at=NOW()
		WHERE connection_id=$1 AND is_connected
		RETURNING id, presentation_id, nickname, role, connection_id, joined_at, last_activity_at, is_connected
	`
	var u ActiveUser
	err := s.db.QueryRowContext(ctx, query, connectionID).Scan(
		&u.ID, &u.PresentationID, &u.Nickname, &u.Role, &u.ConnectionID,
		&u.JoinedAt, &u.LastActivityAt, &u.IsConnected)
	if errors.Is(err, sql.ErrNoRows) {
		return ActiveUser{}, false, nil
	}
	if err != nil {
		return ActiveUser{}, false, fmt.Errorf("disconnect user: %w", err)
	}
	return u, true, nil
}

// TouchUser refreshes last activity; unknown connections are a no-op.
func (s *PostgresStore) TouchUser(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_users SET last_activity_at=NOW() WHERE connection_id=$1 AND is_connected`, connectionID)
	if err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID string, role int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_users SET role=$2 WHERE id=$1`, userID, role)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	return nil
}

// DisconnectInactiveSince flips every connected session whose last activity
// predates the cutoff and returns the affected rows so callers can broadcast
// the same way an explicit leave would.
func (s *PostgresStore) DisconnectInactiveSince(ctx context.Context, cutoff time.Time) ([]ActiveUser, error) {
	const query = `
		UPDATE active_users
		SET is_connected=FALSE
		WHERE is_connected AND last_activity_at < $1
		RETURNING id, presentation_id, nickname, role, connection_id, joined_at, last_activity_at, is_connected
	`
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("disconnect inactive users: %w", err)
	}
	defer rows.Close()

	var users []ActiveUser
	for rows.Next() {
		var u ActiveUser
		if err := rows.Scan(&u.ID, &u.PresentationID, &u.Nickname, &u.Role, &u.ConnectionID,
			&u.JoinedAt, &u.LastActivityAt, &u.IsConnected); err != nil {
			return nil, fmt.Errorf("scan inactive user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
