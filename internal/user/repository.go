package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

var ErrNotFound = errors.New("user not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users
		WHERE email = $1
	`, strings.ToLower(strings.TrimSpace(email))).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("query user by email: %w", err)
	}
	return u, nil
}

// UpsertBootstrapAdmin creates or refreshes the single bootstrap account from
// environment configuration. No-op when both values are empty.
func (r *Repository) UpsertBootstrapAdmin(ctx context.Context, email, plainPassword string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	plainPassword = strings.TrimSpace(plainPassword)

	if email == "" && plainPassword == "" {
		return nil
	}
	if email == "" || plainPassword == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate uuid v7: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (email)
		DO UPDATE SET password_hash = EXCLUDED.password_hash, updated_at = EXCLUDED.updated_at
	`, id.String(), email, string(hash), now)
	if err != nil {
		return fmt.Errorf("upsert bootstrap admin: %w", err)
	}

	return nil
}
