package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/storefront/checkout-api/internal/domain"
	"github.com/storefront/checkout-api/internal/repositories"
)

func newTestRepository(t *testing.T) (*SessionRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo, err := NewSessionRepository(client)
	require.NoError(t, err)
	return repo, mr
}

func TestSnapshotRoundTripAndExpiry(t *testing.T) {
	repo, mr := newTestRepository(t)
	ctx := context.Background()

	snapshot := domain.CheckoutSnapshot{
		UserID: "u1",
		Items: []domain.SnapshotItem{{
			ProductID:           "p1",
			Size:                "M",
			Quantity:            2,
			OriginalUnitPrice:   decimal.RequireFromString("1000"),
			UnitPriceAfterOffer: decimal.RequireFromString("900"),
		}},
		Subtotal:    decimal.RequireFromString("2000"),
		FinalAmount: decimal.RequireFromString("1800"),
		CreatedAt:   time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.SaveSnapshot(ctx, snapshot, 30*time.Minute))
	assert.Equal(t, 30*time.Minute, mr.TTL(snapshotKey("u1")))

	got, err := repo.GetSnapshot(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.FinalAmount.Equal(snapshot.FinalAmount))
	assert.Equal(t, "900", got.Items[0].UnitPriceAfterOffer.String())

	mr.FastForward(31 * time.Minute)
	_, err = repo.GetSnapshot(ctx, "u1")
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound())
}

func TestTakePendingReturnsRecordOnce(t *testing.T) {
	repo, mr := newTestRepository(t)
	ctx := context.Background()

	pending := domain.PendingPayment{
		InternalOrderID: "ORD-1",
		GatewayOrderID:  "gw_1",
		UserID:          "u1",
		Amount:          decimal.RequireFromString("720"),
		AmountMinor:     72000,
		Status:          domain.PendingPaymentCreated,
		Attempts:        1,
	}
	require.NoError(t, repo.SavePending(ctx, pending, time.Hour))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		taken int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.TakePending(ctx, "u1"); err == nil {
				mu.Lock()
				taken++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, taken)
	assert.False(t, mr.Exists(pendingKey("u1")))
}

func TestDeleteIsIdempotent(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.DeletePending(ctx, "u1"))
	require.NoError(t, repo.DeleteSnapshot(ctx, "u1"))

	_, err := repo.GetPending(ctx, "u1")
	var repoErr *Error
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound())
	assert.False(t, repoErr.IsUnavailable())
}

func TestSaveRequiresUser(t *testing.T) {
	repo, _ := newTestRepository(t)
	err := repo.SavePending(context.Background(), domain.PendingPayment{}, time.Minute)
	require.Error(t, err)
}

func TestUnavailableBackend(t *testing.T) {
	repo, mr := newTestRepository(t)
	mr.Close()

	_, err := repo.GetSnapshot(context.Background(), "u1")
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsUnavailable())
}
