package repository

import (
	"context"
	"testing"
	"time"

	"ussd-service/internal/domain"
	"ussd-service/pkg/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.New(client), mr
}

func TestSessionSaveAndGet(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t)
	repo := NewSessionRepository(c, time.Hour)
	ctx := context.Background()

	data := domain.StartFlow(domain.FlowWithdraw)
	data.Withdrawal.Provider = "mpesa"
	data.Withdrawal.Amount = domain.DecimalPtr(decimal.RequireFromString("50.125"))

	s := &domain.Session{
		SessionID:    "ATUid_1",
		PhoneNumber:  "+254712345678",
		CurrentState: domain.StateWithdrawConfirm,
		Data:         data,
	}
	require.NoError(t, repo.Save(ctx, s))
	assert.Equal(t, int64(1), s.Version)
	assert.Equal(t, time.Hour, mr.TTL("ussd:session:ATUid_1"))

	got, err := repo.Get(ctx, "ATUid_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateWithdrawConfirm, got.CurrentState)
	assert.Equal(t, int64(1), got.Version)
	require.NotNil(t, got.Data.Withdrawal)
	assert.True(t, got.Data.Withdrawal.Amount.Equal(decimal.RequireFromString("50.125")))
}

func TestSessionSaveRejectsStaleVersion(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)
	repo := NewSessionRepository(c, time.Hour)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &domain.Session{SessionID: "s1", CurrentState: domain.StateMain}))

	first, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	second, err := repo.Get(ctx, "s1")
	require.NoError(t, err)

	first.CurrentState = domain.StateBalance
	require.NoError(t, repo.Save(ctx, first))

	second.CurrentState = domain.StateHistory
	assert.ErrorIs(t, repo.Save(ctx, second), domain.ErrSessionConflict)

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateBalance, got.CurrentState)
}

func TestSessionNewMustNotExist(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)
	repo := NewSessionRepository(c, time.Hour)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &domain.Session{SessionID: "dup"}))
	assert.ErrorIs(t, repo.Save(ctx, &domain.Session{SessionID: "dup"}), domain.ErrSessionConflict)
}

func TestSessionExpiresAndDeletes(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t)
	repo := NewSessionRepository(c, time.Minute)
	ctx := context.Background()

	s := &domain.Session{SessionID: "gone"}
	require.NoError(t, repo.Save(ctx, s))
	mr.FastForward(2 * time.Minute)

	_, err := repo.Get(ctx, "gone")
	assert.ErrorIs(t, err, domain.ErrUSSDSessionGone)
	assert.ErrorIs(t, repo.Save(ctx, s), domain.ErrUSSDSessionGone)

	require.NoError(t, repo.Save(ctx, &domain.Session{SessionID: "del"}))
	require.NoError(t, repo.Delete(ctx, "del"))
	_, err = repo.Get(ctx, "del")
	assert.ErrorIs(t, err, domain.ErrUSSDSessionGone)
}
