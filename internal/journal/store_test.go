package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRebindPostgresPlaceholders(t *testing.T) {
	cases := map[string]string{
		"SELECT 1":                               "SELECT 1",
		"WHERE a = ? AND b = ?":                  "WHERE a = $1 AND b = $2",
		"WHERE a = '?' AND b = ?":                "WHERE a = '?' AND b = $1",
		"WHERE a = 'it''s ?' AND b = ? OR c = ?": "WHERE a = 'it''s ?' AND b = $1 OR c = $2",
	}
	for in, want := range cases {
		assert.Equal(t, want, rebindPostgresPlaceholders(in), in)
	}
}

func TestNormalizePagination(t *testing.T) {
	limit, offset := normalizePagination(0, -4)
	assert.Equal(t, defaultPageLimit, limit)
	assert.Equal(t, 0, offset)

	limit, offset = normalizePagination(1000, 7)
	assert.Equal(t, maxPageLimit, limit)
	assert.Equal(t, 7, offset)
}

func setupStore(t *testing.T) *Store {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("journal"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := time.UnixMilli(1_700_000_000_000)
	store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return store
}

func TestStoreLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container test")
	}
	store := setupStore(t)
	ctx := context.Background()

	first := Attempt{
		Signature:    "sig-1",
		Owner:        "owner-a",
		Vault:        "vault-a",
		Caller:       "keeper",
		PreHealth:    12,
		RepayAmount:  25_000_000,
		CollateralIn: 180_000_000,
		StartBalance: 1_000_000_000,
	}
	second := first
	second.Signature = "sig-2"
	second.Owner = "owner-b"
	second.Vault = "vault-b"

	require.NoError(t, store.Record(ctx, first))
	require.NoError(t, store.Record(ctx, second))
	// Duplicate signatures are ignored.
	require.NoError(t, store.Record(ctx, Attempt{Signature: "sig-1", Owner: "someone-else"}))

	got, err := store.Get(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, got.Status)
	assert.Equal(t, "owner-a", got.Owner)
	assert.Equal(t, uint64(180_000_000), got.CollateralIn)
	assert.Nil(t, got.PostHealth)

	post := uint8(41)
	require.NoError(t, store.Resolve(ctx, "sig-1", StatusConfirmed, 4242, &post, ""))
	require.NoError(t, store.Resolve(ctx, "sig-2", StatusFailed, 0, nil, "custom program error: 0x177b"))

	got, err = store.Get(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	require.NotNil(t, got.PostHealth)
	assert.Equal(t, uint8(41), *got.PostHealth)
	assert.Equal(t, uint64(4242), got.Slot)
	assert.Greater(t, got.UpdatedAt, got.CreatedAt)

	items, limit, offset, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, defaultPageLimit, limit)
	assert.Equal(t, 0, offset)
	require.Len(t, items, 2)
	assert.Equal(t, "sig-2", items[0].Signature)

	items, _, _, err = store.List(ctx, Filter{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "custom program error: 0x177b", items[0].Error)

	items, _, _, err = store.List(ctx, Filter{Owner: "owner-a", Status: StatusFailed})
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Resolve(ctx, "missing", StatusFailed, 0, nil, ""), ErrNotFound)
}
