package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vdavid/mailproxy/internal/session"
)

// NewTestSessionStore starts an in-process Redis and returns a session store
// backed by it. The miniredis instance is returned so tests can manipulate
// keys and clocks directly (FastForward, Del, outage simulation via Close).
func NewTestSessionStore(t *testing.T) (*session.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store := session.NewStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}
