package paymentwebhook

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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/research-gate/internal/lib/webhooksig"
	"github.com/magabrotheeeer/research-gate/internal/models"
	"github.com/magabrotheeeer/research-gate/internal/paymentprovider"
	"github.com/magabrotheeeer/research-gate/internal/services/billing"
)

const secret = "whsec_test"

type ServiceMock struct {
	mock.Mock
}

func (m *ServiceMock) HandleEvent(ctx context.Context, ev paymentprovider.Event) (billing.Result, error) {
	args := m.Called(ctx, ev)
	res, _ := args.Get(0).(billing.Result)
	return res, args.Error(1)
}

const invoicePaid = `{"id":"evt_1","type":"invoice.paid","created":1700000000,"data":{"object":{"customer":"cus_1"}}}`

func TestWebhookHandler(t *testing.T) {
	now := time.Unix(1_700_000_100, 0)
	isInvoicePaid := mock.MatchedBy(func(ev paymentprovider.Event) bool {
		paid, ok := ev.(paymentprovider.InvoicePaid)
		return ok && paid.CustomerID == "cus_1"
	})

	tests := []struct {
		name       string
		body       string
		signature  func(body []byte) string
		setupMock  func(*ServiceMock)
		wantStatus int
		wantBody   string
	}{
		{
			name:      "applied",
			body:      invoicePaid,
			signature: func(b []byte) string { return webhooksig.Sign(b, secret, now) },
			setupMock: func(m *ServiceMock) {
				m.On("HandleEvent", mock.Anything, isInvoicePaid).Return(billing.ResultApplied, nil).Once()
			},
			wantStatus: http.StatusOK,
			wantBody:   `"result":"applied"`,
		},
		{
			name:      "stale event still acknowledged",
			body:      invoicePaid,
			signature: func(b []byte) string { return webhooksig.Sign(b, secret, now) },
			setupMock: func(m *ServiceMock) {
				m.On("HandleEvent", mock.Anything, isInvoicePaid).Return(billing.ResultStale, nil).Once()
			},
			wantStatus: http.StatusOK,
			wantBody:   `"result":"stale"`,
		},
		{
			name:       "missing signature",
			body:       invoicePaid,
			signature:  func(_ []byte) string { return "" },
			wantStatus: http.StatusBadRequest,
			wantBody:   "invalid signature",
		},
		{
			name:       "signed with another secret",
			body:       invoicePaid,
			signature:  func(b []byte) string { return webhooksig.Sign(b, "whsec_other", now) },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "signature too old",
			body:       invoicePaid,
			signature:  func(b []byte) string { return webhooksig.Sign(b, secret, now.Add(-10*time.Minute)) },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unsupported event type",
			body:       `{"id":"evt_2","type":"charge.refunded","created":1700000000,"data":{"object":{}}}`,
			signature:  func(b []byte) string { return webhooksig.Sign(b, secret, now) },
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   "unsupported event type",
		},
		{
			name:       "malformed event",
			body:       `{"id":"evt_3","type":"invoice.paid","created":1700000000,"data":{"object":{}}}`,
			signature:  func(b []byte) string { return webhooksig.Sign(b, secret, now) },
			wantStatus: http.StatusBadRequest,
			wantBody:   "malformed event",
		},
		{
			name:      "unknown subscriber is acknowledged",
			body:      invoicePaid,
			signature: func(b []byte) string { return webhooksig.Sign(b, secret, now) },
			setupMock: func(m *ServiceMock) {
				m.On("HandleEvent", mock.Anything, isInvoicePaid).
					Return(billing.Result(""), fmt.Errorf("billing.HandleEvent: %w", models.ErrSubscriberNotFound)).Once()
			},
			wantStatus: http.StatusOK,
			wantBody:   "unknown_subscriber",
		},
		{
			name:      "storage failure asks for redelivery",
			body:      invoicePaid,
			signature: func(b []byte) string { return webhooksig.Sign(b, secret, now) },
			setupMock: func(m *ServiceMock) {
				m.On("HandleEvent", mock.Anything, isInvoicePaid).Return(billing.Result(""), errors.New("db down")).Once()
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
			h := New(slog.New(slog.NewTextHandler(io.Discard, nil)), svc, secret, nil)
			h.now = func() time.Time { return now }

			body := []byte(tt.body)
			req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(body))
			if sig := tt.signature(body); sig != "" {
				req.Header.Set(webhooksig.HeaderName, sig)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestWebhookHandler_EmptySecretRejectsEverything(t *testing.T) {
	svc := new(ServiceMock)
	h := New(slog.New(slog.NewTextHandler(io.Discard, nil)), svc, "", nil)

	body := []byte(invoicePaid)
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(body))
	req.Header.Set(webhooksig.HeaderName, webhooksig.Sign(body, "", time.Now()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "HandleEvent", mock.Anything, mock.Anything)
}
