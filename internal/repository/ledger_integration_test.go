//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"ussd-service/internal/db/migrate"
	"ussd-service/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ussd_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, migrate.Run(dsn, "up"))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestIntegration_AccountRepository(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewAccountRepository(pool)
	ctx := context.Background()

	a := &domain.Account{PhoneNumber: "+254711000001", CustodyAddress: "0x1111111111111111111111111111111111111111"}
	require.NoError(t, repo.Create(ctx, a))
	assert.NotZero(t, a.ID)

	assert.ErrorIs(t, repo.Create(ctx, &domain.Account{PhoneNumber: a.PhoneNumber, CustodyAddress: "0x2"}), domain.ErrAccountExists)

	require.NoError(t, repo.UpdateCachedBalance(ctx, a.PhoneNumber, decimal.RequireFromString("59.9")))
	got, err := repo.GetByPhone(ctx, a.PhoneNumber)
	require.NoError(t, err)
	assert.True(t, got.CachedBalance.Equal(decimal.RequireFromString("59.9")))

	_, err = repo.GetByPhone(ctx, "+254799999999")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestIntegration_TransactionStatusIsOneWay(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewTransactionRepository(pool)
	ctx := context.Background()

	tx := &domain.Transaction{
		ID:          "TX_INTEGRATION_1",
		PhoneNumber: "+254711000002",
		Type:        domain.TxTypeWithdrawal,
		Amount:      decimal.RequireFromString("50"),
		Currency:    domain.BaseCurrency,
		Status:      domain.TxStatusPending,
		Provider:    "mpesa",
		Metadata:    domain.TransactionMetadata{SettlementCurrency: "KES"},
	}
	require.NoError(t, repo.Create(ctx, tx))

	// completed without an external reference violates the ledger constraint
	assert.Error(t, repo.UpdateStatus(ctx, tx.ID, domain.TxStatusCompleted, tx.Metadata))

	require.NoError(t, repo.SetExternalRef(ctx, tx.ID, "AG_123"))
	require.NoError(t, repo.UpdateStatus(ctx, tx.ID, domain.TxStatusCompleted, tx.Metadata))
	assert.ErrorIs(t, repo.UpdateStatus(ctx, tx.ID, domain.TxStatusFailed, tx.Metadata), domain.ErrInvalidTransition)

	got, err := repo.GetByExternalRef(ctx, "mpesa", "AG_123")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "KES", got.Metadata.SettlementCurrency)

	list, err := repo.ListByPhone(ctx, tx.PhoneNumber, 5)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
