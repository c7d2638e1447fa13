package verify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/research-gate/internal/models"
	"github.com/magabrotheeeer/research-gate/internal/services/magiclink"
)

type RedeemerMock struct {
	mock.Mock
}

func (m *RedeemerMock) Redeem(ctx context.Context, token string) (*models.Subscriber, error) {
	args := m.Called(ctx, token)
	sub, _ := args.Get(0).(*models.Subscriber)
	return sub, args.Error(1)
}

type SessionCreatorMock struct {
	mock.Mock
}

func (m *SessionCreatorMock) CreateSession(w http.ResponseWriter, subscriberID string) error {
	args := m.Called(w, subscriberID)
	return args.Error(0)
}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestVerifyHandler(t *testing.T) {
	const token = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

	tests := []struct {
		name         string
		setup        func(*RedeemerMock, *SessionCreatorMock)
		wantStatus   int
		wantLocation string
	}{
		{
			name: "subscriber goes to feed",
			setup: func(l *RedeemerMock, s *SessionCreatorMock) {
				l.On("Redeem", mock.Anything, token).Return(&models.Subscriber{ID: "s1", Role: models.RoleTrial}, nil).Once()
				s.On("CreateSession", mock.Anything, "s1").Return(nil).Once()
			},
			wantStatus:   http.StatusFound,
			wantLocation: SubscriberRedirect,
		},
		{
			name: "admin goes to root",
			setup: func(l *RedeemerMock, s *SessionCreatorMock) {
				l.On("Redeem", mock.Anything, token).Return(&models.Subscriber{ID: "a1", Role: models.RoleAdmin}, nil).Once()
				s.On("CreateSession", mock.Anything, "a1").Return(nil).Once()
			},
			wantStatus:   http.StatusFound,
			wantLocation: AdminRedirect,
		},
		{
			name: "unknown or used token",
			setup: func(l *RedeemerMock, _ *SessionCreatorMock) {
				l.On("Redeem", mock.Anything, token).Return(nil, magiclink.ErrLinkInvalid).Once()
			},
			wantStatus:   http.StatusFound,
			wantLocation: InvalidRedirect,
		},
		{
			name: "expired token",
			setup: func(l *RedeemerMock, _ *SessionCreatorMock) {
				l.On("Redeem", mock.Anything, token).Return(nil, magiclink.ErrLinkExpired).Once()
			},
			wantStatus:   http.StatusFound,
			wantLocation: ExpiredRedirect,
		},
		{
			name: "storage failure",
			setup: func(l *RedeemerMock, _ *SessionCreatorMock) {
				l.On("Redeem", mock.Anything, token).Return(nil, errors.New("db down")).Once()
			},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name: "session cannot be signed",
			setup: func(l *RedeemerMock, s *SessionCreatorMock) {
				l.On("Redeem", mock.Anything, token).Return(&models.Subscriber{ID: "s1", Role: models.RoleTrial}, nil).Once()
				s.On("CreateSession", mock.Anything, "s1").Return(errors.New("sign failed")).Once()
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			links := new(RedeemerMock)
			sessions := new(SessionCreatorMock)
			tt.setup(links, sessions)

			req := httptest.NewRequest(http.MethodGet, "/api/auth/verify/"+token, nil)
			rctx := chi.NewRouteContext()
			rctx.URLParams.Add("token", token)
			req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

			rec := httptest.NewRecorder()
			New(newNoopLogger(), links, sessions).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantLocation != "" {
				assert.Equal(t, tt.wantLocation, rec.Header().Get("Location"))
			}
			links.AssertExpectations(t)
			sessions.AssertExpectations(t)
		})
	}
}
