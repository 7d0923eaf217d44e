// Package authpw provides email/password authentication and password resets.
package authpw

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"nextcrm/api/internal/auth"
	"nextcrm/api/internal/store"
	"nextcrm/api/internal/util"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingFields      = errors.New("email, password, and name are required")
	ErrInvalidEmail       = errors.New("email address is invalid")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrEmailExists        = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountPending     = errors.New("account is pending approval")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrInvalidResetToken  = errors.New("invalid or expired reset token")
)

const minPasswordLength = 8

// Service provides email/password authentication
type Service struct {
	store    UserStore
	cost     int
	resetTTL time.Duration
	now      func() time.Time
}

// UserStore defines the storage interface for auth
type UserStore interface {
	CountUsers(ctx context.Context) (int, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	CreatePasswordReset(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, tokenHash string) (string, error)
	MarkPasswordResetUsed(ctx context.Context, tokenHash string) error
}

// NewService creates a new auth service
func NewService(store UserStore) *Service {
	return &Service{
		store:    store,
		cost:     bcrypt.DefaultCost,
		resetTTL: time.Hour,
		now:      time.Now,
	}
}

// WithCost overrides the bcrypt cost, mainly for tests.
func (s *Service) WithCost(cost int) *Service {
	s.cost = cost
	return s
}

type SignUpRequest struct {
	Email    string
	Password string
	Name     string
	Language string
}

type SignUpResponse struct {
	User store.User
	// FirstUser is set when this signup bootstrapped the first admin.
	FirstUser bool
}

// SignUp creates a user. The very first user becomes an active admin; every
// later user waits in PENDING until an admin activates them.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.Name)
	if email == "" || req.Password == "" || name == "" {
		return nil, ErrMissingFields
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmail
	}
	if len(req.Password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = "en"
	}
	user := store.User{
		ID:           util.NewID("usr"),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		Status:       store.UserStatusPending,
		Language:     language,
	}
	first := count == 0
	if first {
		user.Status = store.UserStatusActive
		user.IsAdmin = true
		user.IsAccountAdmin = true
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &SignUpResponse{User: user, FirstUser: first}, nil
}

type SignInRequest struct {
	Email    string
	Password string
}

type SignInResponse struct {
	User store.User
}

// SignIn checks credentials before status so that account state is never
// revealed for a wrong password.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*SignInResponse, error) {
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	switch user.Status {
	case store.UserStatusActive:
		return &SignInResponse{User: user}, nil
	case store.UserStatusPending:
		return nil, ErrAccountPending
	default:
		return nil, ErrAccountInactive
	}
}

func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return ErrWeakPassword
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(currentPassword)); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.UpdateUserPassword(ctx, userID, string(hash))
}

// ResetRequest is returned for a known email. Token is the raw value to send
// to the user; only its hash is stored.
type ResetRequest struct {
	User      store.User
	Token     string
	ExpiresAt time.Time
}

// RequestPasswordReset returns nil, nil for unknown emails so callers can
// answer identically either way.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (*ResetRequest, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user.Status == store.UserStatusInactive {
		return nil, nil
	}

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate reset token: %w", err)
	}
	expiresAt := s.now().Add(s.resetTTL)
	if err := s.store.CreatePasswordReset(ctx, user.ID, auth.HashToken(token), expiresAt); err != nil {
		return nil, fmt.Errorf("store reset token: %w", err)
	}
	return &ResetRequest{User: user, Token: token, ExpiresAt: expiresAt}, nil
}

type ResetPasswordRequest struct {
	Token       string
	NewPassword string
}

// ResetPassword resets a user's password using a reset token
func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if strings.TrimSpace(req.Token) == "" {
		return ErrInvalidResetToken
	}
	if len(req.NewPassword) < minPasswordLength {
		return ErrWeakPassword
	}

	tokenHash := auth.HashToken(strings.TrimSpace(req.Token))
	userID, err := s.store.GetPasswordReset(ctx, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInvalidResetToken
	}
	if err != nil {
		return fmt.Errorf("lookup reset token: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.MarkPasswordResetUsed(ctx, tokenHash); err != nil {
		return fmt.Errorf("consume reset token: %w", err)
	}
	if err := s.store.UpdateUserPassword(ctx, userID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// generateToken creates a secure random token
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
