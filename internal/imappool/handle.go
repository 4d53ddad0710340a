package imappool

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/client"

	"github.com/vdavid/mailproxy/internal/credentials"
)

const dialTimeout = 5 * time.Second

// Handle is a live, authenticated IMAP connection bound to one inbox id.
// It is exclusively owned by the pool: at most one caller holds it at a
// time, handed out through Checkout and returned through Checkin.
type Handle struct {
	inboxID   string
	client    *client.Client
	createdAt time.Time
	lastUsed  time.Time
	healthy   bool
}

// Client returns the underlying IMAP client. Valid only between Checkout
// and Checkin.
func (h *Handle) Client() *client.Client {
	return h.client
}

// InboxID returns the inbox id this handle is bound to.
func (h *Handle) InboxID() string {
	return h.inboxID
}

// applyDeadline maps the context deadline onto the go-imap command timeout,
// so a breached deadline aborts the in-flight tagged command.
func (h *Handle) applyDeadline(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		h.client.Timeout = time.Until(deadline)
	} else {
		h.client.Timeout = defaultOpTimeout
	}
}

func (h *Handle) close() {
	h.healthy = false
	h.client.Timeout = dialTimeout
	_ = h.client.Logout()
}

// buildHandle dials, authenticates, and selects INBOX.
// An authentication rejection comes back wrapped in ErrUpstreamAuthFailed;
// everything else is a connect failure the caller may retry once.
func buildHandle(ctx context.Context, creds credentials.Credentials) (*Handle, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}

	var c *client.Client
	var err error
	if creds.UseTLS {
		c, err = client.DialWithDialerTLS(dialer, creds.IMAPAddr, nil)
	} else {
		c, err = client.DialWithDialer(dialer, creds.IMAPAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.Timeout = time.Until(deadline)
	} else {
		c.Timeout = defaultOpTimeout
	}

	if creds.AuthKind == credentials.AuthOAuthBearer {
		err = c.Authenticate(creds.SASLClient())
	} else {
		err = c.Login(creds.Username, creds.Secret)
	}
	if err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamAuthFailed, err)
	}

	if _, err := c.Select("INBOX", false); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to select INBOX: %w", err)
	}

	now := time.Now()
	return &Handle{
		inboxID:   creds.InboxID,
		client:    c,
		createdAt: now,
		lastUsed:  now,
		healthy:   true,
	}, nil
}
