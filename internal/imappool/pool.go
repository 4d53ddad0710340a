// Package imappool maintains live IMAP connections keyed by inbox id.
//
// Each inbox id owns at most one live handle, checked out exclusively:
// IMAP is a stateful session (selected mailbox, tag numbering), so the pool
// serialises concurrent callers for the same id while different ids proceed
// in parallel. Session metadata lives in the external store so a restarted
// instance can find and refresh sessions; the in-memory handle is only a
// best-effort cache of what the store asserts is still alive.
package imappool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vdavid/mailproxy/internal/credentials"
	"github.com/vdavid/mailproxy/internal/idhash"
	"github.com/vdavid/mailproxy/internal/metrics"
	"github.com/vdavid/mailproxy/internal/session"
)

var (
	// ErrUpstreamAuthFailed is returned when the upstream rejects LOGIN or
	// AUTHENTICATE. Not retryable within the request.
	ErrUpstreamAuthFailed = errors.New("upstream authentication failed")
	// ErrUpstreamUnavailable is returned after two consecutive rebuild
	// failures. The bad handle is already closed; retryable at request level.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamProtocol is returned for a tagged NO/BAD on an otherwise
	// legal command. The handle is closed on checkin.
	ErrUpstreamProtocol = errors.New("upstream protocol error")
)

const defaultOpTimeout = 15 * time.Second

// Options configures a Pool.
type Options struct {
	Store              *session.Store // nil degrades to memory-only operation
	SessionTTL         time.Duration
	IdleProbeThreshold time.Duration
	MaxLiveHandles     int
	InstanceID         string
	Logger             zerolog.Logger
}

// Pool manages IMAP handles per inbox id.
type Pool struct {
	resolver           *credentials.Resolver
	store              *session.Store
	sessionTTL         time.Duration
	idleProbeThreshold time.Duration
	maxLiveHandles     int
	instanceID         string
	log                zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	live    int
}

// entry is the per-inbox slot. The semaphore channel (capacity 1) is the
// exclusivity token: whoever holds it owns the handle. Waiters on a channel
// send are queued in FIFO order, which gives checkout fairness.
type entry struct {
	inboxID  string
	hash     string
	sem      chan struct{}
	handle   *Handle // access only while holding sem
	hits     int64   // local counters, fallback when the store is unreachable
	misses   int64
	statsMu  sync.Mutex
	lastUsed time.Time
}

// Stats is the hit/miss/live summary for one inbox id or the whole pool.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Live   int   `json:"live"`
}

// NewPool creates an IMAP pool backed by the given resolver and options.
func NewPool(resolver *credentials.Resolver, opts Options) *Pool {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 300 * time.Second
	}
	if opts.IdleProbeThreshold <= 0 {
		opts.IdleProbeThreshold = 60 * time.Second
	}
	if opts.MaxLiveHandles <= 0 {
		opts.MaxLiveHandles = 512
	}
	return &Pool{
		resolver:           resolver,
		store:              opts.Store,
		sessionTTL:         opts.SessionTTL,
		idleProbeThreshold: opts.IdleProbeThreshold,
		maxLiveHandles:     opts.MaxLiveHandles,
		instanceID:         opts.InstanceID,
		log:                opts.Logger.With().Str("component", "imappool").Logger(),
		entries:            make(map[string]*entry),
	}
}

func (p *Pool) protocol() session.Protocol { return session.ProtocolIMAP }

func (p *Pool) getOrCreateEntry(inboxID string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[inboxID]; ok {
		return e
	}
	e := &entry{
		inboxID: inboxID,
		hash:    idhash.Hash(inboxID),
		sem:     make(chan struct{}, 1),
	}
	p.entries[inboxID] = e
	return e
}

// Checkout acquires the single handle for an inbox id, building one on first
// use. Concurrent checkouts for the same id are serialised; the caller must
// pass the returned handle to Checkin exactly once.
func (p *Pool) Checkout(ctx context.Context, inboxID string) (*Handle, error) {
	e := p.getOrCreateEntry(inboxID)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h, err := p.checkoutLocked(ctx, e)
	if err != nil {
		<-e.sem
		return nil, err
	}
	return h, nil
}

// checkoutLocked runs with e.sem held.
func (p *Pool) checkoutLocked(ctx context.Context, e *entry) (*Handle, error) {
	if h := e.handle; h != nil && h.healthy {
		if p.staleInStore(ctx, e) {
			// The store record expired or was deleted; the handle no longer
			// represents a session the rest of the system believes in.
			p.closeHandle(e)
		} else if time.Since(h.lastUsed) > p.idleProbeThreshold && !p.probeLocked(ctx, e) {
			p.closeHandle(e)
		}
	} else if e.handle != nil {
		p.closeHandle(e)
	}

	if e.handle != nil {
		e.handle.lastUsed = time.Now()
		e.statsMu.Lock()
		e.hits++
		e.lastUsed = time.Now()
		e.statsMu.Unlock()
		p.recordHit(ctx, e)
		return e.handle, nil
	}

	return p.buildLocked(ctx, e)
}

// staleInStore reports whether the store says this session no longer exists
// or has been retired. A store outage is non-fatal: the pool degrades to
// memory-only and trusts the live handle.
func (p *Pool) staleInStore(ctx context.Context, e *entry) bool {
	if p.store == nil {
		return false
	}
	rec, err := p.store.Get(ctx, p.protocol(), e.hash)
	if errors.Is(err, session.ErrMissing) {
		return true
	}
	if err != nil {
		metrics.StoreErrors.Inc()
		p.log.Warn().Str("inbox_hash", e.hash).Err(err).Msg("store_unreachable")
		return false
	}
	return rec.Status == session.StatusRetired
}

// probeLocked issues a NOOP against the held handle. Runs with e.sem held.
func (p *Pool) probeLocked(ctx context.Context, e *entry) bool {
	e.handle.applyDeadline(ctx)
	if err := e.handle.client.Noop(); err != nil {
		p.log.Debug().Str("inbox_hash", e.hash).Err(err).Msg("probe_failed")
		return false
	}
	return true
}

// buildLocked creates a fresh handle, retrying once on connect failure.
// Runs with e.sem held.
func (p *Pool) buildLocked(ctx context.Context, e *entry) (*Handle, error) {
	creds, err := p.resolver.Resolve(e.inboxID)
	if err != nil {
		return nil, err
	}

	var h *Handle
	var buildErr error
	for attempt := 0; attempt < 2; attempt++ {
		h, buildErr = buildHandle(ctx, creds)
		if buildErr == nil {
			break
		}
		if errors.Is(buildErr, ErrUpstreamAuthFailed) || ctx.Err() != nil {
			metrics.CheckoutsTotal.WithLabelValues(string(p.protocol()), "fail").Inc()
			return nil, buildErr
		}
	}
	if buildErr != nil {
		metrics.CheckoutsTotal.WithLabelValues(string(p.protocol()), "fail").Inc()
		return nil, errors.Join(ErrUpstreamUnavailable, buildErr)
	}

	p.mu.Lock()
	p.live++
	over := p.live - p.maxLiveHandles
	p.mu.Unlock()
	if over > 0 {
		p.evictIdle(over, e)
	}
	metrics.LiveHandles.WithLabelValues(string(p.protocol())).Inc()

	e.handle = h
	e.statsMu.Lock()
	e.misses++
	e.lastUsed = time.Now()
	e.statsMu.Unlock()
	p.recordMiss(ctx, e)
	return h, nil
}

// Checkin returns a handle to the pool. A non-nil opErr (or a handle marked
// unhealthy) closes the connection so the next checkout rebuilds; a handle
// abandoned mid-command must never be reused.
func (p *Pool) Checkin(h *Handle, opErr error) {
	if h == nil {
		return
	}
	e := p.getOrCreateEntry(h.inboxID)
	if opErr != nil || !h.healthy {
		h.healthy = false
		if e.handle == h {
			p.closeHandle(e)
		}
	} else {
		h.lastUsed = time.Now()
	}
	<-e.sem
}

// closeHandle closes the entry's handle. Runs with e.sem held.
func (p *Pool) closeHandle(e *entry) {
	if e.handle == nil {
		return
	}
	e.handle.close()
	e.handle = nil
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	metrics.LiveHandles.WithLabelValues(string(p.protocol())).Dec()
}

// evictIdle closes up to n least-recently-used idle handles to honour the
// live-handle cap. Entries whose semaphore is busy are skipped.
func (p *Pool) evictIdle(n int, keep *entry) {
	p.mu.Lock()
	candidates := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e != keep {
			candidates = append(candidates, e)
		}
	}
	p.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		candidates[i].statsMu.Lock()
		ti := candidates[i].lastUsed
		candidates[i].statsMu.Unlock()
		candidates[j].statsMu.Lock()
		tj := candidates[j].lastUsed
		candidates[j].statsMu.Unlock()
		return ti.Before(tj)
	})

	evicted := 0
	for _, e := range candidates {
		if evicted >= n {
			break
		}
		select {
		case e.sem <- struct{}{}:
			if e.handle != nil {
				p.closeHandle(e)
				evicted++
				p.log.Debug().Str("inbox_hash", e.hash).Msg("handle_evicted")
			}
			<-e.sem
		default:
		}
	}
}

// recordHit updates the session record for a warm checkout. Store failures
// are logged and dropped; they never fail the request.
func (p *Pool) recordHit(ctx context.Context, e *entry) {
	metrics.CheckoutsTotal.WithLabelValues(string(p.protocol()), "hit").Inc()
	if p.store == nil {
		return
	}
	if err := p.store.IncrStat(ctx, p.protocol(), e.hash, session.StatHits, 1); err != nil {
		metrics.StoreErrors.Inc()
		p.log.Warn().Str("inbox_hash", e.hash).Err(err).Msg("store_unreachable")
		return
	}
	if err := p.store.Touch(ctx, p.protocol(), e.hash, p.sessionTTL); err != nil && !errors.Is(err, session.ErrMissing) {
		metrics.StoreErrors.Inc()
		p.log.Warn().Str("inbox_hash", e.hash).Err(err).Msg("store_unreachable")
	}
}

// recordMiss creates the session record on first login (or after expiry) and
// bumps the miss counter.
func (p *Pool) recordMiss(ctx context.Context, e *entry) {
	metrics.CheckoutsTotal.WithLabelValues(string(p.protocol()), "miss").Inc()
	if p.store == nil {
		return
	}
	now := time.Now()
	rec := session.Record{
		InboxIDHash:     e.hash,
		CreatedAt:       now,
		LastUsedAt:      now,
		LastRefreshedAt: now,
		TTLSeconds:      int64(p.sessionTTL / time.Second),
		Status:          session.StatusActive,
		OwnerInstance:   p.instanceID,
	}
	err := p.store.PutNew(ctx, p.protocol(), e.hash, rec, p.sessionTTL)
	switch {
	case errors.Is(err, session.ErrAlreadyExists):
		// A retired record survives the rebuild; flip it back to active so
		// the fresh connection is not discarded again on the next checkout.
		if err := p.store.SetStatus(ctx, p.protocol(), e.hash, session.StatusActive); err != nil && !errors.Is(err, session.ErrMissing) {
			metrics.StoreErrors.Inc()
			p.log.Warn().Str("inbox_hash", e.hash).Err(err).Msg("store_unreachable")
		}
	case err != nil:
		metrics.StoreErrors.Inc()
		p.log.Warn().Str("inbox_hash", e.hash).Err(err).Msg("store_unreachable")
		return
	}
	if err := p.store.IncrStat(ctx, p.protocol(), e.hash, session.StatMisses, 1); err != nil {
		metrics.StoreErrors.Inc()
		p.log.Warn().Str("inbox_hash", e.hash).Err(err).Msg("store_unreachable")
	}
}

// Probe issues a NOOP against the live handle for inboxID if the pool holds
// one and it is not currently checked out. Returns (alive, held): held is
// false when this instance has no live handle for the id.
func (p *Pool) Probe(ctx context.Context, inboxID string) (alive, held bool) {
	p.mu.Lock()
	e, ok := p.entries[inboxID]
	p.mu.Unlock()
	if !ok {
		return false, false
	}

	select {
	case e.sem <- struct{}{}:
	default:
		// Checked out right now; in-use is the strongest liveness signal.
		return true, true
	}
	defer func() { <-e.sem }()

	if e.handle == nil || !e.handle.healthy {
		return false, false
	}
	if !p.probeLocked(ctx, e) {
		p.closeHandle(e)
		return false, true
	}
	e.handle.lastUsed = time.Now()
	return true, true
}

// ProbeByHash is Probe keyed by inbox id hash, for callers that only have
// the session record.
func (p *Pool) ProbeByHash(ctx context.Context, inboxIDHash string) (alive, held bool) {
	p.mu.Lock()
	var inboxID string
	for id, e := range p.entries {
		if e.hash == inboxIDHash {
			inboxID = id
			break
		}
	}
	p.mu.Unlock()
	if inboxID == "" {
		return false, false
	}
	return p.Probe(ctx, inboxID)
}

// StatsFor returns hit/miss/live counts for one inbox id. Persisted counters
// win when the store is reachable; otherwise the in-memory counters serve.
func (p *Pool) StatsFor(ctx context.Context, inboxID string) Stats {
	e := p.getOrCreateEntry(inboxID)

	live := 0
	if e.handle != nil { // racy read, display only
		live = 1
	}

	if p.store != nil {
		rec, err := p.store.Get(ctx, p.protocol(), e.hash)
		if err == nil {
			return Stats{Hits: rec.Stats.Hits, Misses: rec.Stats.Misses, Live: live}
		}
		if !errors.Is(err, session.ErrMissing) {
			metrics.StoreErrors.Inc()
			p.log.Warn().Str("inbox_hash", e.hash).Err(err).Msg("store_unreachable")
		}
	}

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return Stats{Hits: e.hits, Misses: e.misses, Live: live}
}

// StatsAggregate sums stats over every inbox id this instance has seen.
func (p *Pool) StatsAggregate(ctx context.Context) Stats {
	p.mu.Lock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var total Stats
	for _, id := range ids {
		s := p.StatsFor(ctx, id)
		total.Hits += s.Hits
		total.Misses += s.Misses
		total.Live += s.Live
	}
	return total
}

// Logout closes the live handle for an inbox id and retires its session
// record.
func (p *Pool) Logout(ctx context.Context, inboxID string) {
	p.mu.Lock()
	e, ok := p.entries[inboxID]
	p.mu.Unlock()
	if ok {
		select {
		case e.sem <- struct{}{}:
			p.closeHandle(e)
			<-e.sem
		case <-ctx.Done():
		}
	}
	if p.store != nil {
		hash := idhash.Hash(inboxID)
		if err := p.store.Delete(ctx, p.protocol(), hash); err != nil {
			metrics.StoreErrors.Inc()
			p.log.Warn().Str("inbox_hash", hash).Err(err).Msg("store_unreachable")
		}
	}
}

// Close shuts the pool down, closing every handle. In-use handles are closed
// anyway; this is shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		select {
		case e.sem <- struct{}{}:
			p.closeHandle(e)
			<-e.sem
		default:
			if e.handle != nil {
				e.handle.close()
			}
		}
	}
}
