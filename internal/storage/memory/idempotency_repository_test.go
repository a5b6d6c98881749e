package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
)

func fixedClock(repo *IdempotencyRepository, now *time.Time) {
	repo.clock = func() time.Time { return *now }
}

func TestIdempotencyRepository_CachedOrderResponse(t *testing.T) {
	repo := NewIdempotencyRepository()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fixedClock(repo, &now)

	rec, err := repo.CreateProcessing(" checkout-1 ", "sha-burger", time.Time{})
	require.NoError(t, err)
	require.Equal(t, "checkout-1", rec.Key)
	require.Equal(t, domain.IdempotencyStatusProcessing, rec.Status)
	require.Equal(t, now.Add(defaultIdempotencyTTL), rec.TTLAt, "zero ttl falls back to default")
	require.False(t, rec.Replayable())

	body := []byte(`{"id":"order-1","status":"pending"}`)
	now = now.Add(time.Second)
	require.NoError(t, repo.MarkDone("checkout-1", body, 201))
	body[0] = 'X'

	got, err := repo.Get("checkout-1")
	require.NoError(t, err)
	require.True(t, got.Replayable())
	require.Equal(t, 201, got.HTTPStatus)
	require.Equal(t, `{"id":"order-1","status":"pending"}`, string(got.ResponseBody))
	require.Equal(t, now, got.UpdatedAt)
}

func TestIdempotencyRepository_RetryAndMismatch(t *testing.T) {
	repo := NewIdempotencyRepository()
	ttl := time.Now().UTC().Add(time.Hour)

	_, err := repo.CreateProcessing("checkout-2", "sha-a", ttl)
	require.NoError(t, err)

	held, err := repo.CreateProcessing("checkout-2", "sha-a", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	require.Equal(t, "sha-a", held.RequestHash)

	_, err = repo.CreateProcessing("checkout-2", "sha-b", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
}

func TestIdempotencyRepository_ExpiredKeys(t *testing.T) {
	repo := NewIdempotencyRepository()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fixedClock(repo, &now)

	for i, key := range []string{"old-2", "old-1", "old-3"} {
		_, err := repo.CreateProcessing(key, "sha", now.Add(time.Duration(i+1)*time.Minute))
		require.NoError(t, err)
	}
	_, err := repo.CreateProcessing("fresh", "sha", now.Add(time.Hour))
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)

	// истёкший ключ можно занять заново
	reused, err := repo.CreateProcessing("old-3", "sha-new", now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, "sha-new", reused.RequestHash)

	removed, err := repo.DeleteExpired(time.Time{}, 1)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	_, err = repo.Get("old-2")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound, "oldest ttl goes first")

	removed, err = repo.DeleteExpired(now, 0)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	for _, key := range []string{"old-3", "fresh"} {
		_, err := repo.Get(key)
		require.NoError(t, err, key)
	}
}

func TestIdempotencyRepository_Validation(t *testing.T) {
	repo := NewIdempotencyRepository()

	_, err := repo.CreateProcessing("  ", "sha", time.Time{})
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
	_, err = repo.CreateProcessing("key", "", time.Time{})
	require.ErrorIs(t, err, domain.ErrIdempotencyRequestHashRequired)
	_, err = repo.Get("")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
	require.ErrorIs(t, repo.MarkFailed("missing", nil, 500), domain.ErrIdempotencyKeyNotFound)
}
