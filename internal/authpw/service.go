// Package authpw provides email/password registration and login.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"tracker/api/internal/store"
	"tracker/api/internal/util"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrMissingFields      = errors.New("email, password, and name are required")
	ErrPasswordTooShort   = errors.New("password must be at least 8 characters")
)

// UserStore defines the storage surface auth needs.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

type Service struct {
	store UserStore
}

func NewService(userStore UserStore) *Service {
	return &Service{store: userStore}
}

type RegisterRequest struct {
	Email    string
	Password string
	Name     string
}

// Register creates a user account. New accounts are never superadmins;
// that flag is granted by an existing superadmin afterwards.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.Name)
	if email == "" || req.Password == "" || name == "" {
		return store.User{}, ErrMissingFields
	}
	if len(req.Password) < 8 {
		return store.User{}, ErrPasswordTooShort
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		IsSuperAdmin: false,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		// Lost a registration race to the same address.
		if errors.Is(err, store.ErrDuplicateEmail) {
			return store.User{}, ErrEmailTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and returns the account. Lookup and
// password failures are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (store.User, error) {
	if email == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
