package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// BirthDateLayout is the birth date format stored in the users table.
const BirthDateLayout = "02.01.2006"

const pgForeignKeyViolation = "23503"

// ErrUserNotFound is returned when no registered user has the requested id.
var ErrUserNotFound = errors.New("directory: user not found")

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// User is a registered bot user.
type User struct {
	ID           int64     `json:"user_id"`
	FullName     string    `json:"fio"`
	Phone        string    `json:"phone"`
	BirthDate    string    `json:"birth_date"`
	LastChatID   *int64    `json:"last_chat_id,omitempty"`
	RegisteredAt time.Time `json:"registration_date"`
}

// Store reads the user directory populated by the registration flow.
type Store struct {
	db DB
}

// NewStore creates a directory store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// ToDirectoryDate converts YYYY-MM-DD to the directory's DD.MM.YYYY form.
func ToDirectoryDate(isoDate string) (string, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(isoDate))
	if err != nil {
		return "", fmt.Errorf("directory: birth date %q: %w", isoDate, err)
	}
	return t.Format(BirthDateLayout), nil
}

// FindByBirthDate lists users registered with the given DD.MM.YYYY birth date.
func (s *Store) FindByBirthDate(ctx context.Context, birthDate string) ([]User, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id, fio, phone, birth_date, last_chat_id, registration_date
		FROM users
		WHERE birth_date = $1
		ORDER BY user_id`, birthDate)
	if err != nil {
		return nil, fmt.Errorf("directory: find by birth date: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.FullName, &u.Phone, &u.BirthDate, &u.LastChatID, &u.RegisteredAt); err != nil {
			return nil, fmt.Errorf("directory: scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: iterate users: %w", err)
	}
	return users, nil
}

// Get returns the full profile of a user.
func (s *Store) Get(ctx context.Context, userID int64) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx, `
		SELECT user_id, fio, phone, birth_date, last_chat_id, registration_date
		FROM users
		WHERE user_id = $1`, userID).
		Scan(&u.ID, &u.FullName, &u.Phone, &u.BirthDate, &u.LastChatID, &u.RegisteredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("directory: get user: %w", err)
	}
	return &u, nil
}

// RemindersEnabled reports the user's reminder preference. Users without an
// explicit preference receive reminders.
func (s *Store) RemindersEnabled(ctx context.Context, userID int64) (bool, error) {
	var enabled bool
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(r.enabled, TRUE)
		FROM users u
		LEFT JOIN user_reminders r ON r.user_id = u.user_id
		WHERE u.user_id = $1`, userID).Scan(&enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrUserNotFound
		}
		return false, fmt.Errorf("directory: reminders enabled: %w", err)
	}
	return enabled, nil
}

// SetRemindersEnabled stores the user's reminder preference.
func (s *Store) SetRemindersEnabled(ctx context.Context, userID int64, enabled bool) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_reminders (user_id, enabled, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()`,
		userID, enabled)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return ErrUserNotFound
		}
		return fmt.Errorf("directory: set reminders enabled: %w", err)
	}
	return nil
}

// LastChatID returns the chat the user last wrote from, if known.
func (s *Store) LastChatID(ctx context.Context, userID int64) (int64, bool, error) {
	var chatID *int64
	err := s.db.QueryRow(ctx, `SELECT last_chat_id FROM users WHERE user_id = $1`, userID).Scan(&chatID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, ErrUserNotFound
		}
		return 0, false, fmt.Errorf("directory: last chat id: %w", err)
	}
	if chatID == nil || *chatID == 0 {
		return 0, false, nil
	}
	return *chatID, true, nil
}

// SetLastChatID records the chat a user last wrote from.
func (s *Store) SetLastChatID(ctx context.Context, userID, chatID int64) error {
	tag, err := s.db.Exec(ctx, `UPDATE users SET last_chat_id = $2 WHERE user_id = $1`, userID, chatID)
	if err != nil {
		return fmt.Errorf("directory: set last chat id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
