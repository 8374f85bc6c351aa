package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUserExists means the username is already taken.
	ErrUserExists = errors.New("username already exists")

	// ErrBadCredentials covers unknown users and wrong passwords alike,
	// so callers cannot probe which usernames exist.
	ErrBadCredentials = errors.New("invalid username or password")
)

// User is an account row.
type User struct {
	ID       string
	Username string
	Email    string
}

// UserStore persists accounts on the management database handle.
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a store over db.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func verifyPassword(stored, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

// Register creates a named account.
func (s *UserStore) Register(ctx context.Context, username, password string) (*User, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = $1 AND NOT is_deleted)`,
		username).Scan(&taken)
	if err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if taken {
		return nil, ErrUserExists
	}

	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &User{ID: uuid.NewString(), Username: username}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash) VALUES ($1, $2, $3)`,
		u.ID, u.Username, hash)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// Authenticate checks a username/password pair.
func (s *UserStore) Authenticate(ctx context.Context, username, password string) (*User, error) {
	var u User
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, COALESCE(email, ''), password_hash
		 FROM users WHERE username = $1 AND NOT is_deleted`,
		username).Scan(&u.ID, &u.Username, &u.Email, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("look up user: %w", err)
	}
	if !verifyPassword(hash, password) {
		return nil, ErrBadCredentials
	}
	return &u, nil
}

// CreateAnonymous creates a throwaway account with no username.
func (s *UserStore) CreateAnonymous(ctx context.Context) (*User, error) {
	u := &User{ID: uuid.NewString()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, password_hash) VALUES ($1, '')`,
		u.ID)
	if err != nil {
		return nil, fmt.Errorf("create anonymous user: %w", err)
	}
	return u, nil
}
