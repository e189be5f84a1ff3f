package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*gateway.User, error) {
	var (
		u       gateway.User
		created string
	)
	row := s.read.QueryRowContext(ctx,
		"SELECT id, email, password_hash, created_at FROM users WHERE email = ?", email)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = parseTime(created)
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *gateway.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		"INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)",
		u.ID, u.Email, u.PasswordHash, formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}
