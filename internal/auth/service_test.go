package auth_test

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-admin/internal/auth"
	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
)

type stubRepo struct {
	mu       sync.Mutex
	users    map[string]*auth.User
	roles    map[int64]*rbac.Role
	sessions map[string]int64
	touched  map[int64]time.Time
	finds    int
	findErr  error
	delay    time.Duration
}

func newStubRepo(t *testing.T) *stubRepo {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte("correctpass"), bcrypt.MinCost)
	require.NoError(t, err)
	auditorID := int64(2)
	return &stubRepo{
		users: map[string]*auth.User{
			"alice": {ID: 7, Username: "alice", PasswordHash: string(hashed), IsActive: true, RoleID: &auditorID},
			"bob":   {ID: 8, Username: "bob", PasswordHash: string(hashed), IsActive: false},
		},
		roles: map[int64]*rbac.Role{
			auditorID: {ID: auditorID, Name: "Auditor", Slug: rbac.SlugAuditor, Kind: rbac.KindRegular},
		},
		sessions: make(map[string]int64),
		touched:  make(map[int64]time.Time),
	}
}

func (s *stubRepo) FindByUsername(ctx context.Context, username string) (*auth.User, error) {
	s.mu.Lock()
	s.finds++
	delay := s.delay
	s.mu.Unlock()
	time.Sleep(delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	user, ok := s.users[strings.ToLower(username)]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (s *stubRepo) TouchLastLogin(ctx context.Context, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[userID] = at
	return nil
}

func (s *stubRepo) CreateSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = userID
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *stubRepo) LoadPrincipal(ctx context.Context, userID int64) (*rbac.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID != userID {
			continue
		}
		p := &rbac.Principal{UserID: u.ID, Username: u.Username}
		if u.RoleID != nil {
			p.Role = s.roles[*u.RoleID]
		}
		return p, nil
	}
	return nil, shared.ErrNotFound
}

func (s *stubRepo) sessionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []auth.LockoutEvent
	err    error
}

func (n *recordingNotifier) NotifyLockout(ctx context.Context, event auth.LockoutEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

type countingLogins struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingLogins) ObserveLogin(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[outcome]++
}

func (c *countingLogins) count(outcome string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[outcome]
}

type serviceHarness struct {
	service  *auth.Service
	repo     *stubRepo
	notifier *recordingNotifier
	logins   *countingLogins
	redis    *miniredis.Miniredis
	compares *atomic.Int32
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := newStubRepo(t)
	notifier := &recordingNotifier{}
	logins := &countingLogins{}
	compares := &atomic.Int32{}
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	service := auth.NewService(auth.ServiceDeps{
		Repo:       repo,
		Throttle:   auth.NewThrottle(client, auth.DefaultThrottlePolicy()),
		Principals: repo,
		Policy:     rbac.DefaultPolicy(),
		Notifier:   notifier,
		Observer:   logins,
		Now:        func() time.Time { return now },
		ComparePassword: func(hash, password []byte) error {
			compares.Add(1)
			return bcrypt.CompareHashAndPassword(hash, password)
		},
	})
	return &serviceHarness{service: service, repo: repo, notifier: notifier, logins: logins, redis: mr, compares: compares}
}

func TestLoginSuccess(t *testing.T) {
	h := newServiceHarness(t)

	result, err := h.service.Login(context.Background(), "  ALICE ", "correctpass", "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, int64(7), result.User.ID)
	require.NotNil(t, result.Principal.Role)
	assert.Equal(t, rbac.SlugAuditor, result.Principal.Role.Slug)
	assert.Equal(t, "/dashboard", result.Landing)
	assert.Contains(t, h.repo.touched, int64(7))
	assert.Equal(t, 1, h.logins.count(auth.OutcomeSuccess))
}

func TestLoginRejectsWithoutLeakingReason(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	cases := []struct {
		name, username, password string
	}{
		{"unknown user", "mallory", "correctpass"},
		{"wrong password", "alice", "nope"},
		{"inactive user", "bob", "correctpass"},
		{"blank password", "alice", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.service.Login(ctx, tc.username, tc.password, "10.0.0.2")
			assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
		})
	}
	assert.Equal(t, len(cases), h.logins.count(auth.OutcomeFailed))
}

func TestLoginPropagatesStoreErrors(t *testing.T) {
	h := newServiceHarness(t)
	boom := errors.New("connection refused")
	h.repo.findErr = boom

	_, err := h.service.Login(context.Background(), "alice", "correctpass", "10.0.0.1")

	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, shared.ErrInvalidCredentials)
	assert.Zero(t, h.logins.count(auth.OutcomeFailed))
	assert.False(t, h.redis.Exists("login:"+auth.ThrottleKey("alice", "10.0.0.1")))
}

func TestStoreOutageDoesNotLockOut(t *testing.T) {
	h := newServiceHarness(t)
	h.repo.findErr = errors.New("connection refused")
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := h.service.Login(ctx, "alice", "correctpass", "10.0.0.1")
		require.NotErrorIs(t, err, shared.ErrRateLimited)
	}

	h.repo.mu.Lock()
	h.repo.findErr = nil
	h.repo.mu.Unlock()

	_, err := h.service.Login(ctx, "alice", "correctpass", "10.0.0.1")
	assert.NoError(t, err)
}

func TestUnusableAccountsStillPayForPasswordCheck(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	for _, username := range []string{"mallory", "bob", "alice"} {
		before := h.compares.Load()
		_, err := h.service.Login(ctx, username, "wrongpass", "10.0.0.3")
		require.ErrorIs(t, err, shared.ErrInvalidCredentials)
		assert.Equal(t, before+1, h.compares.Load(), username)
	}
}

func TestConcurrentFailuresCannotExceedThreshold(t *testing.T) {
	h := newServiceHarness(t)
	h.repo.delay = 20 * time.Millisecond
	ctx := context.Background()

	const workers = 50
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		invalid atomic.Int32
		limited atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.service.Login(ctx, "alice", "wrong", "10.0.0.1")
			switch {
			case errors.Is(err, shared.ErrInvalidCredentials):
				invalid.Add(1)
			case errors.Is(err, shared.ErrRateLimited):
				limited.Add(1)
			default:
				t.Errorf("unexpected login result: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	h.repo.mu.Lock()
	finds := h.repo.finds
	h.repo.mu.Unlock()
	assert.Equal(t, 5, finds)
	assert.Equal(t, int32(5), h.compares.Load())
	assert.Equal(t, int32(5), invalid.Load())
	assert.Equal(t, int32(workers-5), limited.Load())
}

func TestLoginLocksAfterFiveFailures(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.service.Login(ctx, "alice", "wrong", "10.0.0.1")
		require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	}

	_, err := h.service.Login(ctx, "alice", "correctpass", "10.0.0.1")
	var limited *shared.RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Greater(t, limited.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, limited.RetryAfter, 90*time.Second)
	assert.ErrorIs(t, err, shared.ErrRateLimited)
	assert.Equal(t, 1, h.logins.count(auth.OutcomeLocked))

	require.Len(t, h.notifier.events, 1)
	event := h.notifier.events[0]
	assert.Equal(t, "alice", event.Username)
	assert.Equal(t, "10.0.0.1", event.IP)
	assert.Equal(t, 5, event.Attempts)

	// Another address is counted separately.
	_, err = h.service.Login(ctx, "alice", "correctpass", "10.0.0.9")
	assert.NoError(t, err)
}

func TestLoginLockoutExpires(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = h.service.Login(ctx, "alice", "wrong", "10.0.0.1")
	}

	h.redis.FastForward(91 * time.Second)

	_, err := h.service.Login(ctx, "alice", "correctpass", "10.0.0.1")
	assert.NoError(t, err)
}

func TestLoginSuccessResetsFailures(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, _ = h.service.Login(ctx, "alice", "wrong", "10.0.0.1")
	}
	_, err := h.service.Login(ctx, "alice", "correctpass", "10.0.0.1")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := h.service.Login(ctx, "alice", "wrong", "10.0.0.1")
		require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	}
	_, err = h.service.Login(ctx, "alice", "correctpass", "10.0.0.1")
	assert.NoError(t, err)
}

func TestLockoutNotifierFailureDoesNotMaskLockout(t *testing.T) {
	h := newServiceHarness(t)
	h.notifier.err = errors.New("queue down")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = h.service.Login(ctx, "alice", "wrong", "10.0.0.1")
	}

	_, err := h.service.Login(ctx, "alice", "wrong", "10.0.0.1")

	assert.ErrorIs(t, err, shared.ErrRateLimited)
}
