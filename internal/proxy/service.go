// Package proxy is the thin glue between the external operations and the
// pools: resolve, checkout, speak the protocol, transform, checkin. All
// policy lives in the pools and the transformer; this layer only sequences
// them.
package proxy

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/vdavid/mailproxy/internal/credentials"
	"github.com/vdavid/mailproxy/internal/idhash"
	"github.com/vdavid/mailproxy/internal/imappool"
	"github.com/vdavid/mailproxy/internal/smtppool"
	"github.com/vdavid/mailproxy/internal/transform"
)

const defaultListLimit = 20

// Service binds the external operations to the pools and the transformer.
type Service struct {
	resolver    *credentials.Resolver
	imap        *imappool.Pool
	smtp        *smtppool.Pool
	transformer *transform.Transformer
	log         zerolog.Logger
}

// NewService creates the service.
func NewService(resolver *credentials.Resolver, imap *imappool.Pool, smtp *smtppool.Pool, transformer *transform.Transformer, logger zerolog.Logger) *Service {
	return &Service{
		resolver:    resolver,
		imap:        imap,
		smtp:        smtp,
		transformer: transformer,
		log:         logger.With().Str("component", "proxy").Logger(),
	}
}

// ListedMessage is a transformed message plus the UID that addresses it
// upstream.
type ListedMessage struct {
	UID uint32 `json:"uid"`
	transform.Message
}

// ListPage is one page of messages, newest last. NextCursor is empty when
// no older messages remain.
type ListPage struct {
	Messages   []ListedMessage `json:"messages"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// ListMessages returns up to limit transformed messages from the inbox,
// paging from newest to oldest. A cursor from a previous page continues
// below the oldest UID already seen. The whole page rides on one pool
// checkout; transformation happens after the handle is back in the pool.
func (s *Service) ListMessages(ctx context.Context, inboxID string, limit int, cursor string) (ListPage, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	var before uint32
	if cursor != "" {
		if parsed, err := strconv.ParseUint(cursor, 10, 32); err == nil {
			before = uint32(parsed)
		}
	}

	raws, more, err := s.imap.FetchPage(ctx, inboxID, limit, before)
	if err != nil {
		return ListPage{}, err
	}

	messages := make([]ListedMessage, 0, len(raws))
	for _, raw := range raws {
		messages = append(messages, ListedMessage{UID: raw.UID, Message: s.transformer.Transform(raw.Raw)})
	}

	out := ListPage{Messages: messages}
	if more {
		out.NextCursor = strconv.FormatUint(uint64(raws[0].UID), 10)
	}
	s.log.Debug().
		Str("inbox_hash", idhash.Hash(inboxID)).
		Int("count", len(messages)).
		Msg("messages_listed")
	return out, nil
}

// GetMessage fetches and transforms one message by UID.
func (s *Service) GetMessage(ctx context.Context, inboxID string, uid uint32) (ListedMessage, error) {
	raw, err := s.imap.FetchMessage(ctx, inboxID, uid)
	if err != nil {
		return ListedMessage{}, err
	}
	return ListedMessage{UID: raw.UID, Message: s.transformer.Transform(raw.Raw)}, nil
}

// SendMessage submits a message through the inbox's pooled SMTP connection.
func (s *Service) SendMessage(ctx context.Context, inboxID string, req smtppool.SendRequest) (smtppool.SendResult, error) {
	res, err := s.smtp.Send(ctx, inboxID, req)
	if err != nil {
		return smtppool.SendResult{}, err
	}
	s.log.Info().
		Str("inbox_hash", idhash.Hash(inboxID)).
		Str("message_id", res.MessageID).
		Int("recipients", len(req.To)+len(req.CC)+len(req.BCC)).
		Msg("message_sent")
	return res, nil
}

// PoolStats reports hit/miss/live counts, for one inbox id or aggregated
// over everything this instance has served when inboxID is empty.
type PoolStats struct {
	IMAP imappool.Stats `json:"imap"`
	SMTP smtppool.Stats `json:"smtp"`
}

// PoolStats returns connection pool statistics.
func (s *Service) PoolStats(ctx context.Context, inboxID string) PoolStats {
	if inboxID == "" {
		return PoolStats{
			IMAP: s.imap.StatsAggregate(ctx),
			SMTP: s.smtp.StatsAggregate(ctx),
		}
	}
	return PoolStats{
		IMAP: s.imap.StatsFor(ctx, inboxID),
		SMTP: s.smtp.StatsFor(ctx, inboxID),
	}
}

// RegisterInbox adds inbox credentials at runtime.
func (s *Service) RegisterInbox(data []byte) (string, error) {
	creds, err := s.resolver.RegisterJSON(data)
	if err != nil {
		return "", err
	}
	hash := idhash.Hash(creds.InboxID)
	s.log.Info().Str("inbox_hash", hash).Msg("inbox_registered")
	return hash, nil
}

// Logout drops the inbox's live connections and retires its session records.
func (s *Service) Logout(ctx context.Context, inboxID string) {
	s.imap.Logout(ctx, inboxID)
	s.smtp.Logout(ctx, inboxID)
}
