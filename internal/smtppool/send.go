package smtppool

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
)

// SendRequest describes one outgoing message. From is taken from the inbox
// credentials; Bcc recipients go on the envelope only.
type SendRequest struct {
	To      []string          `json:"to"`
	CC      []string          `json:"cc,omitempty"`
	BCC     []string          `json:"bcc,omitempty"`
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	HTML    string            `json:"html,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// SendResult reports the Message-Id assigned to a sent message.
type SendResult struct {
	MessageID string `json:"message_id"`
}

// Send checks out the inbox's submission connection, composes a MIME
// message, and submits it. The generated Message-Id is returned so callers
// can correlate the sent message with later thread lookups.
func (p *Pool) Send(ctx context.Context, inboxID string, req SendRequest) (SendResult, error) {
	if len(req.To) == 0 {
		return SendResult{}, fmt.Errorf("%w: no recipients", ErrUpstreamProtocol)
	}

	creds, err := p.resolver.Resolve(inboxID)
	if err != nil {
		return SendResult{}, err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), addrDomain(creds.Username))

	builder := enmime.Builder().
		From("", creds.Username).
		ToAddrs(toAddrs(req.To)).
		Subject(req.Subject).
		Text([]byte(req.Body)).
		Header("Message-Id", messageID)
	if len(req.CC) > 0 {
		builder = builder.CCAddrs(toAddrs(req.CC))
	}
	if req.HTML != "" {
		builder = builder.HTML([]byte(req.HTML))
	}
	for name, value := range req.Headers {
		builder = builder.Header(name, value)
	}

	part, err := builder.Build()
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to compose message: %w", err)
	}

	h, err := p.Checkout(ctx, inboxID)
	if err != nil {
		return SendResult{}, err
	}

	sendErr := submit(ctx, h, creds.Username, envelopeRecipients(req), part)
	p.Checkin(h, sendErr)
	if sendErr != nil {
		return SendResult{}, sendErr
	}
	return SendResult{MessageID: messageID}, nil
}

func submit(ctx context.Context, h *Handle, from string, rcpts []string, part *enmime.Part) error {
	h.applyDeadline(ctx)
	c := h.client

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("%w: MAIL FROM rejected: %v", ErrUpstreamProtocol, err)
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt, nil); err != nil {
			_ = c.Reset()
			return fmt.Errorf("%w: RCPT TO %s rejected: %v", ErrUpstreamProtocol, rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("%w: DATA rejected: %v", ErrUpstreamProtocol, err)
	}
	if err := part.Encode(w); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: message rejected: %v", ErrUpstreamProtocol, err)
	}
	return nil
}

// envelopeRecipients is the full RCPT TO set. Bcc shows up here and
// nowhere in the headers.
func envelopeRecipients(req SendRequest) []string {
	rcpts := make([]string, 0, len(req.To)+len(req.CC)+len(req.BCC))
	rcpts = append(rcpts, req.To...)
	rcpts = append(rcpts, req.CC...)
	rcpts = append(rcpts, req.BCC...)
	return rcpts
}

func toAddrs(addrs []string) []mail.Address {
	out := make([]mail.Address, len(addrs))
	for i, a := range addrs {
		out[i] = mail.Address{Address: a}
	}
	return out
}

func addrDomain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
