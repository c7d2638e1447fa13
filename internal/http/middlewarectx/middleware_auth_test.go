package middlewarectx_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/research-gate/internal/http/middlewarectx"
	"github.com/magabrotheeeer/research-gate/internal/models"
)

type SessionResolverMock struct {
	mock.Mock
}

func (m *SessionResolverMock) ResolveUser(r *http.Request) *models.AuthUser {
	args := m.Called(r)
	user, _ := args.Get(0).(*models.AuthUser)
	return user
}

type TrialExpirerMock struct {
	mock.Mock
}

func (m *TrialExpirerMock) ExpireTrialIfElapsed(ctx context.Context, user *models.AuthUser) (*models.AuthUser, error) {
	args := m.Called(ctx, user)
	out, _ := args.Get(0).(*models.AuthUser)
	return out, args.Error(1)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func ptr[T any](v T) *T { return &v }

func TestOptional(t *testing.T) {
	user := &models.AuthUser{ID: "u1", Role: models.RoleSubscriber, Plan: models.PlanActiveMonthly}

	tests := []struct {
		name     string
		resolved *models.AuthUser
	}{
		{name: "with session", resolved: user},
		{name: "anonymous", resolved: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := new(SessionResolverMock)
			sessions.On("ResolveUser", mock.Anything).Return(tt.resolved).Once()
			guards := middlewarectx.NewGuards(newNoopLogger(), sessions, new(TrialExpirerMock), "secret")

			called := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				assert.Equal(t, tt.resolved, middlewarectx.UserFromContext(r.Context()))
				w.WriteHeader(http.StatusOK)
			})

			rec := httptest.NewRecorder()
			guards.Optional(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))

			assert.True(t, called)
			assert.Equal(t, http.StatusOK, rec.Code)
			sessions.AssertExpectations(t)
		})
	}
}

func TestOptionalThenRequireAdminResolvesOnce(t *testing.T) {
	admin := &models.AuthUser{ID: "a1", Role: models.RoleAdmin, Plan: models.PlanTrial}
	sessions := new(SessionResolverMock)
	sessions.On("ResolveUser", mock.Anything).Return(admin).Once()
	guards := middlewarectx.NewGuards(newNoopLogger(), sessions, new(TrialExpirerMock), "secret")

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	rec := httptest.NewRecorder()
	guards.Optional(guards.RequireAdmin(next)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	sessions.AssertNumberOfCalls(t, "ResolveUser", 1)
}

func TestRequireAdmin(t *testing.T) {
	admin := &models.AuthUser{ID: "a1", Role: models.RoleAdmin}
	subscriber := &models.AuthUser{ID: "s1", Role: models.RoleSubscriber, Plan: models.PlanActiveAnnual}

	tests := []struct {
		name       string
		configured string
		user       *models.AuthUser
		passcode   string
		wantStatus int
		wantCalled bool
	}{
		{name: "admin role without passcode", configured: "letmein", user: admin, wantStatus: http.StatusOK, wantCalled: true},
		{name: "correct passcode", configured: "letmein", passcode: "letmein", wantStatus: http.StatusOK, wantCalled: true},
		{name: "wrong passcode", configured: "letmein", passcode: "letmeout", wantStatus: http.StatusForbidden},
		{name: "subscriber without passcode", configured: "letmein", user: subscriber, wantStatus: http.StatusForbidden},
		{name: "anonymous without passcode", configured: "letmein", wantStatus: http.StatusForbidden},
		{name: "open mode lets anyone in", configured: "", wantStatus: http.StatusOK, wantCalled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := new(SessionResolverMock)
			sessions.On("ResolveUser", mock.Anything).Return(tt.user)
			guards := middlewarectx.NewGuards(newNoopLogger(), sessions, new(TrialExpirerMock), tt.configured)

			called := false
			next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodPost, "/api/admin/subscribers/s1/trial", nil)
			if tt.passcode != "" {
				req.Header.Set(middlewarectx.PasscodeHeader, tt.passcode)
			}
			rec := httptest.NewRecorder()
			guards.RequireAdmin(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCalled, called)
		})
	}
}

func TestRequireSubscriber(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(72 * time.Hour)

	trialUser := &models.AuthUser{ID: "t1", Role: models.RoleTrial, Plan: models.PlanTrial, TrialEnd: &future}
	elapsedUser := &models.AuthUser{ID: "t2", Role: models.RoleTrial, Plan: models.PlanTrial, TrialEnd: &past}
	expiredUser := &models.AuthUser{ID: "t2", Role: models.RoleExpired, Plan: models.PlanExpired, TrialEnd: &past, TrialDaysRemaining: ptr(0)}
	admin := &models.AuthUser{ID: "a1", Role: models.RoleAdmin, Plan: models.PlanExpired}

	tests := []struct {
		name         string
		user         *models.AuthUser
		setupExpirer func(*TrialExpirerMock)
		wantStatus   int
		wantLocation string
		wantFull     bool
		wantRole     models.Role
	}{
		{
			name:         "anonymous is redirected to login",
			wantStatus:   http.StatusFound,
			wantLocation: "/login",
		},
		{
			name:       "active trial gets full access",
			user:       trialUser,
			wantStatus: http.StatusOK,
			wantFull:   true,
			wantRole:   models.RoleTrial,
		},
		{
			name:       "admin gets full access regardless of plan",
			user:       admin,
			wantStatus: http.StatusOK,
			wantFull:   true,
			wantRole:   models.RoleAdmin,
		},
		{
			name: "elapsed trial is expired lazily and restricted",
			user: elapsedUser,
			setupExpirer: func(m *TrialExpirerMock) {
				m.On("ExpireTrialIfElapsed", mock.Anything, elapsedUser).Return(expiredUser, nil).Once()
			},
			wantStatus: http.StatusOK,
			wantFull:   false,
			wantRole:   models.RoleExpired,
		},
		{
			name: "storage failure during expiry still restricts",
			user: elapsedUser,
			setupExpirer: func(m *TrialExpirerMock) {
				m.On("ExpireTrialIfElapsed", mock.Anything, elapsedUser).Return(elapsedUser, errors.New("db down")).Once()
			},
			wantStatus: http.StatusOK,
			wantFull:   false,
			wantRole:   models.RoleExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := new(SessionResolverMock)
			sessions.On("ResolveUser", mock.Anything).Return(tt.user)
			expirer := new(TrialExpirerMock)
			if tt.setupExpirer != nil {
				tt.setupExpirer(expirer)
			}
			guards := middlewarectx.NewGuards(newNoopLogger(), sessions, expirer, "secret")

			var gotAccess middlewarectx.Access
			var gotUser *models.AuthUser
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAccess = middlewarectx.AccessFromContext(r.Context())
				gotUser = middlewarectx.UserFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			rec := httptest.NewRecorder()
			guards.RequireSubscriber(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/feed/access", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantLocation != "" {
				assert.Equal(t, tt.wantLocation, rec.Header().Get("Location"))
				return
			}
			assert.Equal(t, tt.wantFull, gotAccess.Full)
			if assert.NotNil(t, gotUser) {
				assert.Equal(t, tt.wantRole, gotUser.Role)
			}
			expirer.AssertExpectations(t)
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := rate.NewLimiter(0, 1)
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := middlewarectx.RateLimitMiddleware(newNoopLogger(), limiter)(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "too many requests")
}
