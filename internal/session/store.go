// Package session persists mail-session metadata in a Redis-compatible
// key/value store so that sessions survive proxy restarts. Records are
// hashes under session:{protocol}:{inbox_id_hash}; the key TTL is the
// authoritative session expiry.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrMissing is returned when no record exists for the key.
	ErrMissing = errors.New("session record missing")
	// ErrAlreadyExists is returned by PutNew when a record is already present.
	ErrAlreadyExists = errors.New("session record already exists")
)

// Every store round-trip is bounded by this deadline unless the caller's
// context is tighter.
const opTimeout = 2 * time.Second

// Store is a typed wrapper over the external key/value store. All operations
// are atomic with respect to a single session key; there are no multi-key
// transactions and no distributed locks.
type Store struct {
	rdb *redis.Client
}

// NewStore connects to the store at a redis:// URL.
func NewStore(storeURL string) (*Store, error) {
	opts, err := redis.ParseURL(storeURL)
	if err != nil {
		return nil, fmt.Errorf("invalid store URL: %w", err)
	}
	return &Store{rdb: redis.NewClient(opts)}, nil
}

// NewStoreFromClient wraps an existing client. Used by tests.
func NewStoreFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Key returns the store key for a session record.
func Key(proto Protocol, inboxIDHash string) string {
	return fmt.Sprintf("session:%s:%s", proto, inboxIDHash)
}

// Get fetches a session record. Returns ErrMissing when the key does not
// exist (or has expired).
func (s *Store) Get(ctx context.Context, proto Protocol, inboxIDHash string) (Record, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	fields, err := s.rdb.HGetAll(ctx, Key(proto, inboxIDHash)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("store get: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, ErrMissing
	}
	return parseRecord(fields), nil
}

// PutNew creates a session record with the given TTL. Returns
// ErrAlreadyExists if a record is already present; the existing record is
// left untouched. Creation is keyed on HSETNX of the inbox_id_hash field so
// two racing instances cannot both create the record.
func (s *Store) PutNew(ctx context.Context, proto Protocol, inboxIDHash string, rec Record, ttl time.Duration) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	key := Key(proto, inboxIDHash)
	created, err := s.rdb.HSetNX(ctx, key, fieldInboxIDHash, inboxIDHash).Result()
	if err != nil {
		return fmt.Errorf("store put_new: %w", err)
	}
	if !created {
		return ErrAlreadyExists
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, rec.fields())
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store put_new: %w", err)
	}
	return nil
}

// Touch resets the key TTL and updates last_used_at. Returns ErrMissing when
// the record is gone.
func (s *Store) Touch(ctx context.Context, proto Protocol, inboxIDHash string, ttl time.Duration) error {
	return s.touch(ctx, proto, inboxIDHash, ttl, fieldLastUsedAt)
}

// Refresh resets the key TTL and updates last_refreshed_at. Used by the
// keep-alive worker so that refresh activity is distinguishable from request
// traffic.
func (s *Store) Refresh(ctx context.Context, proto Protocol, inboxIDHash string, ttl time.Duration) error {
	return s.touch(ctx, proto, inboxIDHash, ttl, fieldLastRefreshedAt)
}

func (s *Store) touch(ctx context.Context, proto Protocol, inboxIDHash string, ttl time.Duration, tsField string) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	key := Key(proto, inboxIDHash)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("store touch: %w", err)
	}
	if exists == 0 {
		return ErrMissing
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, tsField, formatUnixMilli(time.Now()))
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store touch: %w", err)
	}
	return nil
}

// SetStatus updates the status field without changing the TTL.
func (s *Store) SetStatus(ctx context.Context, proto Protocol, inboxIDHash string, status Status) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	key := Key(proto, inboxIDHash)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("store set_status: %w", err)
	}
	if exists == 0 {
		return ErrMissing
	}
	if err := s.rdb.HSet(ctx, key, fieldStatus, string(status)).Err(); err != nil {
		return fmt.Errorf("store set_status: %w", err)
	}
	return nil
}

// MarkRetired transitions a record to status=retired.
func (s *Store) MarkRetired(ctx context.Context, proto Protocol, inboxIDHash string) error {
	return s.SetStatus(ctx, proto, inboxIDHash, StatusRetired)
}

// IncrStat atomically increments a stat counter server-side. Callers treat a
// failure as log-and-drop; a stat write must never fail a request.
func (s *Store) IncrStat(ctx context.Context, proto Protocol, inboxIDHash, field string, delta int64) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	if err := s.rdb.HIncrBy(ctx, Key(proto, inboxIDHash), field, delta).Err(); err != nil {
		return fmt.Errorf("store incr_stat: %w", err)
	}
	return nil
}

// Delete removes a session record outright (explicit logout).
func (s *Store) Delete(ctx context.Context, proto Protocol, inboxIDHash string) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	if err := s.rdb.Del(ctx, Key(proto, inboxIDHash)).Err(); err != nil {
		return fmt.Errorf("store delete: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime of a record. A negative value means the
// key has no expiry (orphaned) or does not exist.
func (s *Store) TTL(ctx context.Context, proto Protocol, inboxIDHash string) (time.Duration, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	ttl, err := s.rdb.TTL(ctx, Key(proto, inboxIDHash)).Result()
	if err != nil {
		return 0, fmt.Errorf("store ttl: %w", err)
	}
	return ttl, nil
}

// ScanActive iterates all non-retired session records for a protocol,
// invoking fn for each. Iteration uses SCAN, so concurrent mutation may
// produce duplicates or skip records added mid-scan; it terminates
// regardless. Returning an error from fn stops the scan.
func (s *Store) ScanActive(ctx context.Context, proto Protocol, fn func(inboxIDHash string, rec Record) error) error {
	pattern := Key(proto, "*")
	prefix := Key(proto, "")

	var cursor uint64
	for {
		scanCtx, cancel := withOpTimeout(ctx)
		keys, next, err := s.rdb.Scan(scanCtx, cursor, pattern, 64).Result()
		cancel()
		if err != nil {
			return fmt.Errorf("store scan: %w", err)
		}

		for _, key := range keys {
			hash := key[len(prefix):]
			rec, err := s.Get(ctx, proto, hash)
			if errors.Is(err, ErrMissing) {
				continue // expired between SCAN and HGETALL
			}
			if err != nil {
				return err
			}
			if rec.Status == StatusRetired {
				continue
			}
			if err := fn(hash, rec); err != nil {
				return err
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func withOpTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, opTimeout)
}
