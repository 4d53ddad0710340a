package keepalive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailproxy/internal/credentials"
	"github.com/vdavid/mailproxy/internal/idhash"
	"github.com/vdavid/mailproxy/internal/session"
	"github.com/vdavid/mailproxy/internal/testutil"
)

const (
	testTTL      = 100 * time.Second
	testInterval = 10 * time.Second
)

type fakeProber struct {
	alive  bool
	held   bool
	probes int
}

func (f *fakeProber) ProbeByHash(context.Context, string) (bool, bool) {
	f.probes++
	return f.alive, f.held
}

func newTestWorker(t *testing.T, prober Prober) (*Worker, *session.Store, *credentials.Resolver) {
	t.Helper()

	store, _ := testutil.NewTestSessionStore(t)
	resolver, err := credentials.NewResolver("")
	require.NoError(t, err)

	probers := map[session.Protocol]Prober{}
	if prober != nil {
		probers[session.ProtocolIMAP] = prober
	}
	w := NewWorker(Options{
		Store:      store,
		Resolver:   resolver,
		Probers:    probers,
		Interval:   testInterval,
		SessionTTL: testTTL,
		InstanceID: "instance-1",
	})
	return w, store, resolver
}

func seedRecord(t *testing.T, store *session.Store, proto session.Protocol, hash, owner string, lastRefreshed time.Time) {
	t.Helper()

	now := time.Now()
	rec := session.Record{
		InboxIDHash:     hash,
		CreatedAt:       now,
		LastUsedAt:      now,
		LastRefreshedAt: lastRefreshed,
		TTLSeconds:      int64(testTTL / time.Second),
		Status:          session.StatusActive,
		OwnerInstance:   owner,
	}
	require.NoError(t, store.PutNew(context.Background(), proto, hash, rec, testTTL))
}

func TestTickRefreshesAgingForeignRecord(t *testing.T) {
	w, store, _ := newTestWorker(t, nil)
	ctx := context.Background()

	hash := idhash.Hash("someone@example.com")
	seedRecord(t, store, session.ProtocolSMTP, hash, "instance-2", time.Now().Add(-testTTL))

	before, err := store.Get(ctx, session.ProtocolSMTP, hash)
	require.NoError(t, err)

	summary := w.Tick(ctx)
	assert.Equal(t, Summary{Total: 1, Success: 1, Failed: 0}, summary)

	after, err := store.Get(ctx, session.ProtocolSMTP, hash)
	require.NoError(t, err)
	assert.True(t, after.LastRefreshedAt.After(before.LastRefreshedAt), "foreign record gets a TTL touch")
}

func TestTickSkipsFreshRecord(t *testing.T) {
	w, store, _ := newTestWorker(t, nil)
	ctx := context.Background()

	hash := idhash.Hash("someone@example.com")
	seedRecord(t, store, session.ProtocolSMTP, hash, "instance-2", time.Now())

	summary := w.Tick(ctx)
	assert.Equal(t, Summary{Total: 1, Success: 1, Failed: 0}, summary)

	after, err := store.Get(ctx, session.ProtocolSMTP, hash)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), after.LastRefreshedAt, time.Second, "fresh record left alone")
}

func TestTickProbesOwnedSession(t *testing.T) {
	prober := &fakeProber{alive: true, held: true}
	w, store, _ := newTestWorker(t, prober)
	ctx := context.Background()

	hash := idhash.Hash("someone@example.com")
	seedRecord(t, store, session.ProtocolIMAP, hash, "instance-1", time.Now().Add(-testTTL))

	summary := w.Tick(ctx)
	assert.Equal(t, Summary{Total: 1, Success: 1, Failed: 0}, summary)
	assert.Equal(t, 1, prober.probes)

	rec, err := store.Get(ctx, session.ProtocolIMAP, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Stats.NoopsOK)
	assert.Equal(t, int64(0), rec.Stats.NoopsFail)
}

func TestTickFailedProbeRetiresSession(t *testing.T) {
	prober := &fakeProber{alive: false, held: true}
	w, store, _ := newTestWorker(t, prober)
	ctx := context.Background()

	hash := idhash.Hash("someone@example.com")
	stale := time.Now().Add(-testTTL)
	seedRecord(t, store, session.ProtocolIMAP, hash, "instance-1", stale)

	summary := w.Tick(ctx)
	assert.Equal(t, Summary{Total: 1, Success: 0, Failed: 1}, summary)

	rec, err := store.Get(ctx, session.ProtocolIMAP, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Stats.NoopsFail)
	assert.Equal(t, session.StatusRetired, rec.Status)
	assert.WithinDuration(t, stale, rec.LastRefreshedAt, time.Second, "dead connection earns no refresh")

	// Retired records are out of the sweep; the next checkout rebuilds.
	assert.Equal(t, Summary{}, w.Tick(ctx))
}

func TestTickOwnedSessionWithoutLocalHandle(t *testing.T) {
	// Evicted handle, record still ours: keep it alive so the next
	// checkout dials against a live record.
	prober := &fakeProber{alive: false, held: false}
	w, store, _ := newTestWorker(t, prober)
	ctx := context.Background()

	hash := idhash.Hash("someone@example.com")
	seedRecord(t, store, session.ProtocolIMAP, hash, "instance-1", time.Now().Add(-testTTL))

	summary := w.Tick(ctx)
	assert.Equal(t, Summary{Total: 1, Success: 1, Failed: 0}, summary)

	rec, err := store.Get(ctx, session.ProtocolIMAP, hash)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), rec.LastRefreshedAt, time.Second)
}

func TestTickRepairsOrphanRecord(t *testing.T) {
	store, mr := testutil.NewTestSessionStore(t)
	resolver, err := credentials.NewResolver("")
	require.NoError(t, err)
	w := NewWorker(Options{
		Store:      store,
		Resolver:   resolver,
		Interval:   testInterval,
		SessionTTL: testTTL,
		InstanceID: "instance-1",
	})
	ctx := context.Background()

	// A record with no key TTL, left behind by a writer that died between
	// HSET and EXPIRE.
	hash := idhash.Hash("someone@example.com")
	mr.HSet(session.Key(session.ProtocolIMAP, hash),
		"inbox_id_hash", hash,
		"status", string(session.StatusActive),
		"owner_instance", "instance-1",
	)

	summary := w.Tick(ctx)
	assert.Equal(t, Summary{Total: 1, Success: 1, Failed: 0}, summary)

	ttl, err := store.TTL(ctx, session.ProtocolIMAP, hash)
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "orphan got an expiry")
}

func TestTickFlagsExpiringToken(t *testing.T) {
	w, store, resolver := newTestWorker(t, &fakeProber{alive: true, held: true})
	ctx := context.Background()

	require.NoError(t, resolver.Register(credentials.Credentials{
		InboxID:        "oauth@example.com",
		IMAPAddr:       "127.0.0.1:143",
		SMTPAddr:       "127.0.0.1:587",
		Username:       "oauth@example.com",
		Secret:         "token",
		AuthKind:       credentials.AuthOAuthBearer,
		TokenExpiresAt: time.Now().Add(30 * time.Second),
	}))

	hash := idhash.Hash("oauth@example.com")
	seedRecord(t, store, session.ProtocolIMAP, hash, "instance-1", time.Now())

	w.Tick(ctx)

	rec, err := store.Get(ctx, session.ProtocolIMAP, hash)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRefreshing, rec.Status)
}

func TestTickEmptyStore(t *testing.T) {
	w, _, _ := newTestWorker(t, nil)
	assert.Equal(t, Summary{}, w.Tick(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	w, _, _ := newTestWorker(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
