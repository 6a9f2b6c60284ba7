// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/rollcall-app/rollcall/internal/logging"
	"github.com/rollcall-app/rollcall/internal/metrics"
	"github.com/rollcall-app/rollcall/internal/models"
	"github.com/rollcall-app/rollcall/internal/store"
	"github.com/rollcall-app/rollcall/internal/throttle"
)

// ErrInvalidCredentials covers unknown users and wrong passwords alike, so
// responses never reveal which accounts exist.
var ErrInvalidCredentials = errors.New("invalid email or password")

// ErrEmailTaken rejects duplicate registrations.
var ErrEmailTaken = errors.New("email already registered")

// ThrottledError reports a login attempt rejected by the throttle.
type ThrottledError struct {
	Wait time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many failed attempts, retry in %s", e.Wait.Round(time.Second))
}

// Session is a successful login.
type Session struct {
	UserID  string    `json:"user_id"`
	Email   string    `json:"email"`
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// Service performs password login against the user store.
type Service struct {
	store    store.Store
	throttle *throttle.Throttle
	issuer   *TokenIssuer

	tokenTTL   time.Duration
	bcryptCost int
}

// NewService wires the login flow. The throttle callback feeds the lockout
// metric.
func NewService(st store.Store, th *throttle.Throttle, issuer *TokenIssuer, tokenTTL time.Duration, bcryptCost int) *Service {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	th.SetOnLockout(func(string) { metrics.ThrottleLockouts.Inc() })
	return &Service{
		store:      st,
		throttle:   th,
		issuer:     issuer,
		tokenTTL:   tokenTTL,
		bcryptCost: bcryptCost,
	}
}

// Login authenticates email/password and returns a session token.
// Throttled attempts fail before the password is even checked, keeping
// lockout wait times independent of credential validity.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	id := throttleID(email)

	if d := s.throttle.CheckAllowed(id); !d.Allowed {
		metrics.RecordLogin("throttled")
		return nil, &ThrottledError{Wait: d.Wait}
	}

	user, err := s.findUser(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		s.recordFailure(id, email)
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.recordFailure(id, email)
		return nil, ErrInvalidCredentials
	}

	s.throttle.Clear(id)
	metrics.RecordLogin("success")

	token, err := s.issuer.Issue(user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	return &Session{
		UserID:  user.ID,
		Email:   user.Email,
		Token:   token,
		Expires: time.Now().Add(s.tokenTTL),
	}, nil
}

// Register creates a user with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, email, displayName, password string) (*models.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	existing, err := s.findUser(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	row, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("encode user: %w", err)
	}
	var r store.Row
	if err := json.Unmarshal(row, &r); err != nil {
		return nil, fmt.Errorf("encode user row: %w", err)
	}
	if _, err := s.store.Insert(ctx, models.TableUsers, r); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	logging.Info().Str("email", email).Msg("user registered")
	user.PasswordHash = ""
	return user, nil
}

// Verify validates a bearer token and returns its claims.
func (s *Service) Verify(token string) (*Claims, error) {
	return s.issuer.Verify(token)
}

// findUser loads a user by email. A missing user returns (nil, nil).
func (s *Service) findUser(ctx context.Context, email string) (*models.User, error) {
	rows, err := s.store.Get(ctx, models.TableUsers,
		store.Filter{Column: "email", Value: strings.TrimSpace(email)})
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(rows[0])
	if err != nil {
		return nil, fmt.Errorf("encode user row: %w", err)
	}
	var user models.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &user, nil
}

func (s *Service) recordFailure(id, email string) {
	metrics.RecordLogin("bad_credentials")
	d := s.throttle.RecordFailure(id)
	if !d.Allowed {
		logging.Warn().Str("email", email).Dur("wait", d.Wait).Msg("login locked out")
	}
}

// throttleID normalizes an email into a throttle identifier so casing
// changes cannot dodge the window.
func throttleID(email string) string {
	return "user:" + strings.ToLower(strings.TrimSpace(email))
}
