package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func testRecord(hash string) Record {
	now := time.Now()
	return Record{
		InboxIDHash:     hash,
		CreatedAt:       now,
		LastUsedAt:      now,
		LastRefreshedAt: now,
		TTLSeconds:      300,
		Status:          StatusActive,
		OwnerInstance:   "instance-1",
		Stats:           Stats{Misses: 1},
	}
}

func TestStore_PutNewAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("abc123def456")
	require.NoError(t, store.PutNew(ctx, ProtocolIMAP, "abc123def456", rec, 300*time.Second))

	got, err := store.Get(ctx, ProtocolIMAP, "abc123def456")
	require.NoError(t, err)
	assert.Equal(t, "abc123def456", got.InboxIDHash)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, int64(300), got.TTLSeconds)
	assert.Equal(t, "instance-1", got.OwnerInstance)
	assert.Equal(t, int64(1), got.Stats.Misses)
	assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestStore_PutNew_AlreadyExists(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutNew(ctx, ProtocolIMAP, "aa", testRecord("aa"), time.Minute))
	err := store.PutNew(ctx, ProtocolIMAP, "aa", testRecord("aa"), time.Minute)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestStore_Get_Missing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), ProtocolSMTP, "nope")
	assert.ErrorIs(t, err, ErrMissing)
}

func TestStore_ProtocolsAreNamespaced(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutNew(ctx, ProtocolIMAP, "aa", testRecord("aa"), time.Minute))

	_, err := store.Get(ctx, ProtocolSMTP, "aa")
	assert.ErrorIs(t, err, ErrMissing)
}

func TestStore_Touch(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutNew(ctx, ProtocolIMAP, "aa", testRecord("aa"), 10*time.Second))

	// Let most of the TTL elapse, then touch back up to five minutes.
	mr.FastForward(8 * time.Second)
	require.NoError(t, store.Touch(ctx, ProtocolIMAP, "aa", 300*time.Second))

	ttl, err := store.TTL(ctx, ProtocolIMAP, "aa")
	require.NoError(t, err)
	assert.Greater(t, ttl, 290*time.Second)

	t.Run("missing record", func(t *testing.T) {
		err := store.Touch(ctx, ProtocolIMAP, "gone", time.Minute)
		assert.ErrorIs(t, err, ErrMissing)
	})
}

func TestStore_Expiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutNew(ctx, ProtocolIMAP, "aa", testRecord("aa"), 10*time.Second))
	mr.FastForward(11 * time.Second)

	_, err := store.Get(ctx, ProtocolIMAP, "aa")
	assert.ErrorIs(t, err, ErrMissing, "store expiry is the authoritative session expiry")
}

func TestStore_IncrStat(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutNew(ctx, ProtocolIMAP, "aa", testRecord("aa"), time.Minute))
	require.NoError(t, store.IncrStat(ctx, ProtocolIMAP, "aa", StatHits, 1))
	require.NoError(t, store.IncrStat(ctx, ProtocolIMAP, "aa", StatHits, 1))
	require.NoError(t, store.IncrStat(ctx, ProtocolIMAP, "aa", StatNoopsOK, 1))

	rec, err := store.Get(ctx, ProtocolIMAP, "aa")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Stats.Hits)
	assert.Equal(t, int64(1), rec.Stats.Misses)
	assert.Equal(t, int64(1), rec.Stats.NoopsOK)
}

func TestStore_MarkRetired(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutNew(ctx, ProtocolIMAP, "aa", testRecord("aa"), time.Minute))
	require.NoError(t, store.MarkRetired(ctx, ProtocolIMAP, "aa"))

	rec, err := store.Get(ctx, ProtocolIMAP, "aa")
	require.NoError(t, err)
	assert.Equal(t, StatusRetired, rec.Status)

	assert.ErrorIs(t, store.MarkRetired(ctx, ProtocolIMAP, "gone"), ErrMissing)
}

func TestStore_ScanActive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutNew(ctx, ProtocolIMAP, "aa", testRecord("aa"), time.Minute))
	require.NoError(t, store.PutNew(ctx, ProtocolIMAP, "bb", testRecord("bb"), time.Minute))
	require.NoError(t, store.PutNew(ctx, ProtocolIMAP, "cc", testRecord("cc"), time.Minute))
	require.NoError(t, store.MarkRetired(ctx, ProtocolIMAP, "cc"))
	// A record in the other protocol namespace must not appear.
	require.NoError(t, store.PutNew(ctx, ProtocolSMTP, "dd", testRecord("dd"), time.Minute))

	seen := map[string]Record{}
	err := store.ScanActive(ctx, ProtocolIMAP, func(hash string, rec Record) error {
		seen[hash] = rec
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, seen, 2)
	assert.Contains(t, seen, "aa")
	assert.Contains(t, seen, "bb")
	assert.NotContains(t, seen, "cc", "retired records are skipped")
}

func TestStore_IgnoresUnknownFields(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutNew(ctx, ProtocolIMAP, "aa", testRecord("aa"), time.Minute))
	// A future version writes a field this one does not know about.
	mr.HSet(Key(ProtocolIMAP, "aa"), "shard_hint", "7")

	rec, err := store.Get(ctx, ProtocolIMAP, "aa")
	require.NoError(t, err)
	assert.Equal(t, "aa", rec.InboxIDHash)
}

func TestStore_Delete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutNew(ctx, ProtocolIMAP, "aa", testRecord("aa"), time.Minute))
	require.NoError(t, store.Delete(ctx, ProtocolIMAP, "aa"))

	_, err := store.Get(ctx, ProtocolIMAP, "aa")
	assert.ErrorIs(t, err, ErrMissing)
}

func TestStore_UnreachableStoreReturnsError(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	_, err := store.Get(context.Background(), ProtocolIMAP, "aa")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissing, "outage must be distinguishable from a missing record")
}
