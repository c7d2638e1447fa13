package trial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/research-gate/internal/models"
	"github.com/magabrotheeeer/research-gate/internal/services/billing"
)

type ServiceMock struct {
	mock.Mock
}

func (m *ServiceMock) ExtendTrial(ctx context.Context, id string, days int) (*models.AuthUser, error) {
	args := m.Called(ctx, id, days)
	user, _ := args.Get(0).(*models.AuthUser)
	return user, args.Error(1)
}

func TestTrialHandler(t *testing.T) {
	const id = "6f1c1b7e-4d0a-4c55-9d43-3f4f4c2b8a10"
	days := 30

	tests := []struct {
		name       string
		id         string
		body       string
		setupMock  func(*ServiceMock)
		wantStatus int
		wantBody   string
	}{
		{
			name: "extended",
			id:   id,
			body: `{"days":30}`,
			setupMock: func(m *ServiceMock) {
				m.On("ExtendTrial", mock.Anything, id, 30).
					Return(&models.AuthUser{ID: id, Role: models.RoleTrial, Plan: models.PlanTrial, TrialDaysRemaining: &days}, nil).Once()
			},
			wantStatus: http.StatusOK,
			wantBody:   `"trial_days_remaining":30`,
		},
		{
			name:       "bad id",
			id:         "42",
			body:       `{"days":30}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "zero days",
			id:         id,
			body:       `{"days":0}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "more than a year",
			id:         id,
			body:       `{"days":366}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   "field Days must be at most 365",
		},
		{
			name:       "broken json",
			id:         id,
			body:       `{"days":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "unknown subscriber",
			id:   id,
			body: `{"days":7}`,
			setupMock: func(m *ServiceMock) {
				m.On("ExtendTrial", mock.Anything, id, 7).
					Return(nil, fmt.Errorf("billing.ExtendTrial: %w", models.ErrSubscriberNotFound)).Once()
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "concurrent change",
			id:   id,
			body: `{"days":7}`,
			setupMock: func(m *ServiceMock) {
				m.On("ExtendTrial", mock.Anything, id, 7).Return(nil, billing.ErrConcurrentUpdate).Once()
			},
			wantStatus: http.StatusConflict,
		},
		{
			name: "storage failure",
			id:   id,
			body: `{"days":7}`,
			setupMock: func(m *ServiceMock) {
				m.On("ExtendTrial", mock.Anything, id, 7).Return(nil, errors.New("db down")).Once()
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(ServiceMock)
			if tt.setupMock != nil {
				tt.setupMock(svc)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/admin/subscribers/"+tt.id+"/trial", bytes.NewBufferString(tt.body))
			rctx := chi.NewRouteContext()
			rctx.URLParams.Add("id", tt.id)
			req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

			rec := httptest.NewRecorder()
			New(slog.New(slog.NewTextHandler(io.Discard, nil)), svc).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
			svc.AssertExpectations(t)
		})
	}
}
