package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
)

// LockoutNotifier publishes lockout events, typically onto a job queue.
type LockoutNotifier interface {
	NotifyLockout(ctx context.Context, event LockoutEvent) error
}

// LoginObserver records login outcomes.
type LoginObserver interface {
	ObserveLogin(outcome string)
}

// ServiceDeps groups the collaborators of Service.
type ServiceDeps struct {
	Repo       Repository
	Throttle   *Throttle
	Principals rbac.PrincipalLoader
	Policy     rbac.Policy
	Notifier   LockoutNotifier
	Observer   LoginObserver
	Logger     *slog.Logger
	Now        func() time.Time
	// ComparePassword defaults to bcrypt.CompareHashAndPassword.
	ComparePassword func(hash, password []byte) error
}

// Service wraps authentication business rules.
type Service struct {
	repo       Repository
	throttle   *Throttle
	principals rbac.PrincipalLoader
	policy     rbac.Policy
	notifier   LockoutNotifier
	observer   LoginObserver
	logger     *slog.Logger
	now        func() time.Time
	compare    func(hash, password []byte) error
}

var (
	dummyOnce sync.Once
	dummy     []byte
)

// dummyHash is compared against when no usable account exists so that
// unknown and inactive usernames cost the same bcrypt work as real ones.
func dummyHash() []byte {
	dummyOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("odyssey-unused-password"), bcrypt.DefaultCost)
		if err != nil {
			panic(fmt.Sprintf("auth: dummy hash: %v", err))
		}
		dummy = h
	})
	return dummy
}

// NewService constructs a new Service.
func NewService(deps ServiceDeps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.ComparePassword == nil {
		deps.ComparePassword = bcrypt.CompareHashAndPassword
	}
	return &Service{
		repo:       deps.Repo,
		throttle:   deps.Throttle,
		principals: deps.Principals,
		policy:     deps.Policy,
		notifier:   deps.Notifier,
		observer:   deps.Observer,
		logger:     deps.Logger,
		now:        deps.Now,
		compare:    deps.ComparePassword,
	}
}

// Login reserves a throttle slot, verifies credentials and resolves the
// landing page. It fails with *shared.RateLimitedError while the key is locked
// out and with shared.ErrInvalidCredentials for any unknown user, inactive
// user or wrong password. Other errors are infrastructure failures and do not
// count against the throttle.
func (s *Service) Login(ctx context.Context, username, password, clientIP string) (*LoginResult, error) {
	key := ThrottleKey(username, clientIP)

	_, ok, err := s.throttle.Reserve(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.lockout(ctx, key, username, clientIP)
	}

	user, err := s.authenticate(ctx, username, password)
	if err != nil {
		if !errors.Is(err, shared.ErrInvalidCredentials) {
			if relErr := s.throttle.Release(ctx, key); relErr != nil {
				s.logger.Warn("release login throttle", slog.String("throttle_key", key), slog.Any("error", relErr))
			}
			return nil, err
		}
		s.observe(OutcomeFailed)
		return nil, shared.ErrInvalidCredentials
	}

	if err := s.throttle.Clear(ctx, key); err != nil {
		s.logger.Warn("clear login throttle", slog.String("throttle_key", key), slog.Any("error", err))
	}
	if err := s.repo.TouchLastLogin(ctx, user.ID, s.now()); err != nil {
		s.logger.Warn("touch last login", slog.Int64("user_id", user.ID), slog.Any("error", err))
	}

	principal, err := s.principals.LoadPrincipal(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: load principal: %w", err)
	}
	s.observe(OutcomeSuccess)
	return &LoginResult{User: user, Principal: principal, Landing: s.policy.LoginLanding(principal.Role)}, nil
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, userID, expiresAt, ip, ua)
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}

// Policy returns the landing policy used after login.
func (s *Service) Policy() rbac.Policy {
	return s.policy
}

func (s *Service) authenticate(ctx context.Context, username, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, shared.ErrInvalidCredentials
	}
	user, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			_ = s.compare(dummyHash(), []byte(password))
			return nil, shared.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: find user: %w", err)
	}
	if !user.IsActive {
		_ = s.compare(dummyHash(), []byte(password))
		return nil, shared.ErrInvalidCredentials
	}
	if err := s.compare([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

func (s *Service) lockout(ctx context.Context, key, username, clientIP string) error {
	retry, err := s.throttle.AvailableIn(ctx, key)
	if err != nil {
		return err
	}
	if retry <= 0 {
		retry = time.Second
	}
	attempts, _ := s.throttle.Attempts(ctx, key)
	s.observe(OutcomeLocked)
	s.logger.Info("login locked out", slog.String("throttle_key", key), slog.Duration("retry_after", retry))

	if s.notifier != nil {
		event := LockoutEvent{
			Username:   strings.ToLower(strings.TrimSpace(username)),
			IP:         clientIP,
			Attempts:   attempts,
			RetryAfter: retry,
			OccurredAt: s.now().UTC(),
		}
		if err := s.notifier.NotifyLockout(ctx, event); err != nil {
			s.logger.Warn("notify lockout", slog.String("throttle_key", key), slog.Any("error", err))
		}
	}
	return &shared.RateLimitedError{RetryAfter: retry}
}

func (s *Service) observe(outcome string) {
	if s.observer != nil {
		s.observer.ObserveLogin(outcome)
	}
}
