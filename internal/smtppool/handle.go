package smtppool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/vdavid/mailproxy/internal/credentials"
)

const dialTimeout = 5 * time.Second

// Handle is a live, authenticated SMTP submission connection bound to one
// inbox id. Session state is just "EHLO'd and authenticated"; sending a
// message does not invalidate it.
type Handle struct {
	inboxID   string
	client    *smtp.Client
	createdAt time.Time
	lastUsed  time.Time
	healthy   bool
}

// Client returns the underlying SMTP client. Valid only between Checkout
// and Checkin.
func (h *Handle) Client() *smtp.Client {
	return h.client
}

// InboxID returns the inbox id this handle is bound to.
func (h *Handle) InboxID() string {
	return h.inboxID
}

func (h *Handle) applyDeadline(ctx context.Context) {
	timeout := defaultOpTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	h.client.CommandTimeout = timeout
	h.client.SubmissionTimeout = timeout
}

func (h *Handle) close() {
	h.healthy = false
	_ = h.client.Quit()
}

// buildHandle dials and authenticates. Port 465 means implicit TLS,
// anything else STARTTLS when TLS is enabled at all.
func buildHandle(ctx context.Context, creds credentials.Credentials) (*Handle, error) {
	var c *smtp.Client
	var err error
	switch {
	case creds.UseTLS && strings.HasSuffix(creds.SMTPAddr, ":465"):
		c, err = smtp.DialTLS(creds.SMTPAddr, nil)
	case creds.UseTLS:
		c, err = smtp.DialStartTLS(creds.SMTPAddr, nil)
	default:
		c, err = smtp.Dial(creds.SMTPAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	now := time.Now()
	h := &Handle{inboxID: creds.InboxID, client: c, createdAt: now, lastUsed: now, healthy: true}
	h.applyDeadline(ctx)

	if err := c.Auth(creds.SASLClient()); err != nil {
		_ = c.Quit()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamAuthFailed, err)
	}

	return h, nil
}
