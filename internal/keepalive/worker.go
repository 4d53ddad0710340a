// Package keepalive sweeps the session store on a fixed interval and keeps
// live sessions from expiring between requests. Sessions owned by this
// instance get a real NOOP probe; sessions owned by another instance only
// get their TTL extended, since their connection lives in someone else's
// process memory.
package keepalive

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vdavid/mailproxy/internal/credentials"
	"github.com/vdavid/mailproxy/internal/idhash"
	"github.com/vdavid/mailproxy/internal/metrics"
	"github.com/vdavid/mailproxy/internal/session"
)

// tokenExpiryWarning is how close to oauth token expiry a session is flagged
// for credential refresh.
const tokenExpiryWarning = 60 * time.Second

// Prober checks a pool-held connection without disturbing a checked-out
// handle. Implemented by the IMAP and SMTP pools.
type Prober interface {
	ProbeByHash(ctx context.Context, inboxIDHash string) (alive, held bool)
}

// Options configures a Worker.
type Options struct {
	Store      *session.Store
	Resolver   *credentials.Resolver
	Probers    map[session.Protocol]Prober
	Interval   time.Duration
	SessionTTL time.Duration
	InstanceID string
	Logger     zerolog.Logger
}

// Worker is the background session refresher.
type Worker struct {
	store      *session.Store
	resolver   *credentials.Resolver
	probers    map[session.Protocol]Prober
	interval   time.Duration
	sessionTTL time.Duration
	instanceID string
	log        zerolog.Logger
}

// Summary reports what one sweep did.
type Summary struct {
	Total   int
	Success int
	Failed  int
}

// NewWorker creates a keep-alive worker.
func NewWorker(opts Options) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = 25 * time.Second
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 300 * time.Second
	}
	return &Worker{
		store:      opts.Store,
		resolver:   opts.Resolver,
		probers:    opts.Probers,
		interval:   opts.Interval,
		sessionTTL: opts.SessionTTL,
		instanceID: opts.InstanceID,
		log:        opts.Logger.With().Str("component", "keepalive").Logger(),
	}
}

// Run sweeps until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick performs one sweep over every protocol namespace and returns the
// per-sweep summary. A store outage aborts the sweep; nothing is retired on
// the strength of an unreachable store.
func (w *Worker) Tick(ctx context.Context) Summary {
	summaries := make([]Summary, len(session.Protocols))

	g, gctx := errgroup.WithContext(ctx)
	for i, proto := range session.Protocols {
		g.Go(func() error {
			summaries[i] = w.sweep(gctx, proto)
			return nil
		})
	}
	_ = g.Wait()

	var total Summary
	for _, s := range summaries {
		total.Total += s.Total
		total.Success += s.Success
		total.Failed += s.Failed
	}
	w.log.Info().
		Int("total", total.Total).
		Int("success", total.Success).
		Int("failed", total.Failed).
		Msg("keepalive_sweep")
	return total
}

func (w *Worker) sweep(ctx context.Context, proto session.Protocol) Summary {
	byHash := w.credentialsByHash()

	var s Summary
	err := w.store.ScanActive(ctx, proto, func(hash string, rec session.Record) error {
		s.Total++
		if w.refresh(ctx, proto, hash, rec, byHash[hash]) {
			s.Success++
			metrics.KeepaliveSessions.WithLabelValues("success").Inc()
		} else {
			s.Failed++
			metrics.KeepaliveSessions.WithLabelValues("failed").Inc()
		}
		return nil
	})
	if err != nil {
		metrics.StoreErrors.Inc()
		w.log.Warn().Str("protocol", string(proto)).Err(err).Msg("store_unreachable")
	}
	return s
}

// refresh handles a single record and reports success.
func (w *Worker) refresh(ctx context.Context, proto session.Protocol, hash string, rec session.Record, creds *credentials.Credentials) bool {
	w.flagExpiringToken(ctx, proto, hash, rec, creds)

	ttl := w.sessionTTL
	if rec.TTLSeconds > 0 {
		ttl = time.Duration(rec.TTLSeconds) * time.Second
	}

	remaining, err := w.store.TTL(ctx, proto, hash)
	if err != nil {
		w.log.Warn().Str("inbox_hash", hash).Err(err).Msg("store_unreachable")
		return false
	}
	if remaining < 0 {
		// Record without an expiry, left behind by a crashed writer. Give it
		// a TTL so it either gets refreshed normally or ages out.
		w.log.Warn().Str("inbox_hash", hash).Str("protocol", string(proto)).Msg("orphan_record_repaired")
		return w.touchTTL(ctx, proto, hash, ttl)
	}

	// Skip records refreshed recently; they cannot expire before the sweep
	// after next gets another look at them.
	if time.Since(rec.LastRefreshedAt) < ttl-2*w.interval {
		return true
	}

	if rec.OwnerInstance == w.instanceID {
		return w.refreshOwned(ctx, proto, hash, ttl)
	}
	// Foreign session: the connection is in another instance's memory, so a
	// probe from here is meaningless. Keep the record alive and let the
	// owner do the real work.
	return w.touchTTL(ctx, proto, hash, ttl)
}

// refreshOwned probes the pooled connection before extending the TTL. A
// dead connection does not earn a refresh; the record ages out unless a
// request rebuilds it first.
func (w *Worker) refreshOwned(ctx context.Context, proto session.Protocol, hash string, ttl time.Duration) bool {
	prober, ok := w.probers[proto]
	if !ok {
		return w.touchTTL(ctx, proto, hash, ttl)
	}

	alive, held := prober.ProbeByHash(ctx, hash)
	if !held {
		// No local handle (e.g. evicted). The session is still ours to keep
		// alive; the next checkout dials fresh against a live record.
		return w.touchTTL(ctx, proto, hash, ttl)
	}
	if !alive {
		if err := w.store.IncrStat(ctx, proto, hash, session.StatNoopsFail, 1); err != nil {
			w.log.Warn().Str("inbox_hash", hash).Err(err).Msg("store_unreachable")
		}
		// Retire the record so the next checkout discards the dead handle
		// and dials fresh instead of trusting a stale session.
		if err := w.store.MarkRetired(ctx, proto, hash); err != nil && !errors.Is(err, session.ErrMissing) {
			w.log.Warn().Str("inbox_hash", hash).Err(err).Msg("store_unreachable")
		}
		w.log.Warn().Str("inbox_hash", hash).Str("protocol", string(proto)).Msg("session_retired")
		return false
	}

	if err := w.store.IncrStat(ctx, proto, hash, session.StatNoopsOK, 1); err != nil {
		w.log.Warn().Str("inbox_hash", hash).Err(err).Msg("store_unreachable")
	}
	return w.touchTTL(ctx, proto, hash, ttl)
}

func (w *Worker) touchTTL(ctx context.Context, proto session.Protocol, hash string, ttl time.Duration) bool {
	err := w.store.Refresh(ctx, proto, hash, ttl)
	if errors.Is(err, session.ErrMissing) {
		return true // expired mid-sweep, nothing to keep alive
	}
	if err != nil {
		metrics.StoreErrors.Inc()
		w.log.Warn().Str("inbox_hash", hash).Err(err).Msg("store_unreachable")
		return false
	}
	return true
}

// flagExpiringToken marks sessions whose oauth token is about to expire so
// operators (or a token refresher) can act before upstream auth starts
// failing.
func (w *Worker) flagExpiringToken(ctx context.Context, proto session.Protocol, hash string, rec session.Record, creds *credentials.Credentials) {
	if creds == nil || creds.AuthKind != credentials.AuthOAuthBearer || creds.TokenExpiresAt.IsZero() {
		return
	}
	if time.Until(creds.TokenExpiresAt) > tokenExpiryWarning {
		return
	}
	if rec.Status == session.StatusRefreshing {
		return
	}
	w.log.Warn().
		Str("inbox_hash", hash).
		Str("protocol", string(proto)).
		Time("expires_at", creds.TokenExpiresAt).
		Msg("token_expiring_soon")
	if err := w.store.SetStatus(ctx, proto, hash, session.StatusRefreshing); err != nil && !errors.Is(err, session.ErrMissing) {
		w.log.Warn().Str("inbox_hash", hash).Err(err).Msg("store_unreachable")
	}
}

func (w *Worker) credentialsByHash() map[string]*credentials.Credentials {
	snapshot := w.resolver.Snapshot()
	byHash := make(map[string]*credentials.Credentials, len(snapshot))
	for i := range snapshot {
		byHash[idhash.Hash(snapshot[i].InboxID)] = &snapshot[i]
	}
	return byHash
}
