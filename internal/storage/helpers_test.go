package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/magabrotheeeer/research-gate/internal/migrations"
	"github.com/magabrotheeeer/research-gate/internal/models"
)

// setupTestDb поднимает PostgreSQL в контейнере и применяет миграции.
func setupTestDb(t *testing.T) *Storage {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err, "failed to start container")
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	storage, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	root, err := filepath.Abs("../..")
	require.NoError(t, err)
	require.NoError(t, migrations.Run(storage.DB, filepath.Join(root, "migrations")))

	return storage
}

// TestDataFactory содержит методы для создания тестовых данных
type TestDataFactory struct {
	storage *Storage
}

// NewTestDataFactory создает новую фабрику тестовых данных
func NewTestDataFactory(storage *Storage) *TestDataFactory {
	return &TestDataFactory{storage: storage}
}

// CreateTrialSubscriber создаёт подписчика в пробном периоде, заканчивающемся в trialEnd.
func (f *TestDataFactory) CreateTrialSubscriber(t *testing.T, email string, trialEnd time.Time) *models.Subscriber {
	t.Helper()
	start := trialEnd.Add(-60 * 24 * time.Hour)
	sub := models.Subscriber{
		ID:         uuid.NewString(),
		Email:      email,
		Role:       models.RoleTrial,
		Plan:       models.PlanTrial,
		TrialStart: &start,
		TrialEnd:   &trialEnd,
	}
	created, err := f.storage.CreateSubscriber(context.Background(), sub)
	require.NoError(t, err)
	require.True(t, created)
	return &sub
}

// CreateAdmin создаёт администратора.
func (f *TestDataFactory) CreateAdmin(t *testing.T, email string) *models.Subscriber {
	t.Helper()
	sub := models.Subscriber{
		ID:    uuid.NewString(),
		Email: email,
		Role:  models.RoleAdmin,
		Plan:  models.PlanExpired,
	}
	created, err := f.storage.CreateSubscriber(context.Background(), sub)
	require.NoError(t, err)
	require.True(t, created)
	return &sub
}
