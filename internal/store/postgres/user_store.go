package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

// UserStore implements domain.UserStore using PostgreSQL. The settings bundle
// is stored as a JSONB blob so new per-user knobs never need a migration.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a new UserStore backed by the given connection pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

const userSelectCols = `id, wallet, balance, status, settings, created_at, updated_at`

func scanUserRow(row pgx.Row) (domain.User, error) {
	var u domain.User
	var status string
	var settings []byte

	if err := row.Scan(&u.ID, &u.Wallet, &u.Balance, &status, &settings, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return domain.User{}, err
	}
	u.Status = domain.UserStatus(status)
	if err := json.Unmarshal(settings, &u.Settings); err != nil {
		return domain.User{}, fmt.Errorf("postgres: unmarshal settings for %s: %w", u.ID, err)
	}
	return u, nil
}

// Create inserts a new user.
func (s *UserStore) Create(ctx context.Context, u domain.User) error {
	settings, err := json.Marshal(u.Settings)
	if err != nil {
		return fmt.Errorf("postgres: marshal settings for %s: %w", u.ID, err)
	}

	const query = `
		INSERT INTO users (id, wallet, balance, status, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())`

	if _, err := s.pool.Exec(ctx, query, u.ID, u.Wallet, u.Balance, string(u.Status), settings); err != nil {
		return fmt.Errorf("postgres: create user %s: %w", u.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a user.
func (s *UserStore) Update(ctx context.Context, u domain.User) error {
	settings, err := json.Marshal(u.Settings)
	if err != nil {
		return fmt.Errorf("postgres: marshal settings for %s: %w", u.ID, err)
	}

	const query = `
		UPDATE users SET
			wallet     = $2,
			balance    = $3,
			status     = $4,
			settings   = $5,
			updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, u.ID, u.Wallet, u.Balance, string(u.Status), settings)
	if err != nil {
		return fmt.Errorf("postgres: update user %s: %w", u.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateStatus transitions a user's status.
func (s *UserStore) UpdateStatus(ctx context.Context, id string, status domain.UserStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: update user status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateBalance adds delta (which may be negative) to a user's balance.
func (s *UserStore) UpdateBalance(ctx context.Context, id string, delta float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET balance = balance + $2, updated_at = NOW() WHERE id = $1`,
		id, delta)
	if err != nil {
		return fmt.Errorf("postgres: update user balance %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single user.
func (s *UserStore) GetByID(ctx context.Context, id string) (domain.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userSelectCols+` FROM users WHERE id = $1`, id)

	u, err := scanUserRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("postgres: get user %s: %w", id, err)
	}
	return u, nil
}

// ListActive returns all users whose status is active.
func (s *UserStore) ListActive(ctx context.Context) ([]domain.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userSelectCols+` FROM users WHERE status = 'active' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Compile-time interface check.
var _ domain.UserStore = (*UserStore)(nil)
