package imappool

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/emersion/go-imap"
)

// RawMessage is a message as fetched from the upstream: raw RFC 5322 bytes
// plus the UID that addresses it.
type RawMessage struct {
	UID uint32
	Raw []byte
}

// ListUIDs returns every UID in INBOX in ascending order. Checkout/checkin
// are handled internally.
func (p *Pool) ListUIDs(ctx context.Context, inboxID string) (uids []uint32, err error) {
	h, err := p.Checkout(ctx, inboxID)
	if err != nil {
		return nil, err
	}
	defer func() { p.Checkin(h, err) }()

	return searchAll(ctx, h)
}

// FetchRecent fetches the raw bytes of the newest n messages in INBOX.
func (p *Pool) FetchRecent(ctx context.Context, inboxID string, n int) (msgs []RawMessage, err error) {
	h, err := p.Checkout(ctx, inboxID)
	if err != nil {
		return nil, err
	}
	defer func() { p.Checkin(h, err) }()

	uids, err := searchAll(ctx, h)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return []RawMessage{}, nil
	}
	if n > 0 && len(uids) > n {
		uids = uids[len(uids)-n:]
	}
	return fetchRaw(ctx, h, uids)
}

// FetchPage fetches up to limit messages with UIDs strictly below before
// (0 means newest), oldest first. The UID search and every fetch run under
// one checkout, so a warm page costs a single hit regardless of page size.
// more reports whether older messages remain below the page.
func (p *Pool) FetchPage(ctx context.Context, inboxID string, limit int, before uint32) (msgs []RawMessage, more bool, err error) {
	h, err := p.Checkout(ctx, inboxID)
	if err != nil {
		return nil, false, err
	}
	defer func() { p.Checkin(h, err) }()

	uids, err := searchAll(ctx, h)
	if err != nil {
		return nil, false, err
	}
	if before > 0 {
		uids = uidsBelow(uids, before)
	}
	if len(uids) == 0 {
		return []RawMessage{}, false, nil
	}

	page := uids
	if limit > 0 && len(page) > limit {
		page = page[len(page)-limit:]
	}

	msgs, err = fetchRaw(ctx, h, page)
	if err != nil {
		return nil, false, err
	}
	return msgs, len(uids) > len(page), nil
}

// FetchMessage fetches the raw bytes of a single message by UID.
func (p *Pool) FetchMessage(ctx context.Context, inboxID string, uid uint32) (msg RawMessage, err error) {
	h, err := p.Checkout(ctx, inboxID)
	if err != nil {
		return RawMessage{}, err
	}
	defer func() { p.Checkin(h, err) }()

	msgs, err := fetchRaw(ctx, h, []uint32{uid})
	if err != nil {
		return RawMessage{}, err
	}
	if len(msgs) == 0 {
		err = fmt.Errorf("%w: no message with uid %d", ErrUpstreamProtocol, uid)
		return RawMessage{}, err
	}
	return msgs[0], nil
}

func uidsBelow(uids []uint32, before uint32) []uint32 {
	out := uids[:0:0]
	for _, uid := range uids {
		if uid < before {
			out = append(out, uid)
		}
	}
	return out
}

func searchAll(ctx context.Context, h *Handle) ([]uint32, error) {
	h.applyDeadline(ctx)
	uids, err := h.client.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("%w: UID SEARCH: %v", ErrUpstreamProtocol, err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// fetchRaw fetches full messages with BODY.PEEK[] so the \Seen flag is left
// alone.
func fetchRaw(ctx context.Context, h *Handle, uids []uint32) ([]RawMessage, error) {
	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	h.applyDeadline(ctx)
	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- h.client.UidFetch(seqSet, items, messages)
	}()

	var result []RawMessage
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			<-done
			return nil, fmt.Errorf("%w: reading body: %v", ErrUpstreamProtocol, err)
		}
		result = append(result, RawMessage{UID: msg.Uid, Raw: raw})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("%w: UID FETCH: %v", ErrUpstreamProtocol, err)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].UID < result[j].UID })
	return result, nil
}
