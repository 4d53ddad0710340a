// Package transform turns raw RFC 5322 bytes into compact, retrieval-ready
// message records: boilerplate and deep quote chains stripped, attachment
// text extracted, body bounded in size, and a stable thread id attached.
//
// Transform never fails. Malformed input degrades to a best-effort record
// with the problems listed in Errors; callers decide whether to surface
// them.
package transform

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jhillyerd/enmime"
	"github.com/rs/zerolog"

	"github.com/vdavid/mailproxy/internal/metrics"
)

const (
	defaultBodyCharLimit       = 5000
	defaultAttachmentCharLimit = 2000

	truncationMarker = "…\n[truncated]"
)

// Attachment describes one non-inline attachment. ExtractedText is nil when
// no extractor handled the content type.
type Attachment struct {
	Filename      string  `json:"filename"`
	ContentType   string  `json:"content_type"`
	Size          int     `json:"size"`
	ExtractedText *string `json:"extracted_text,omitempty"`
}

// Message is the transformed representation of one mail message.
type Message struct {
	Subject     string       `json:"subject"`
	From        string       `json:"from"`
	To          []string     `json:"to"`
	Date        time.Time    `json:"date"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments"`
	ThreadID    string       `json:"thread_id"`
	Errors      []string     `json:"errors,omitempty"`
}

// Options configures a Transformer.
type Options struct {
	BodyCharLimit        int
	AttachmentCharLimit  int
	TrackingHostPatterns []string
	Extractor            Extractor // optional, e.g. a PDF text extractor
	Logger               zerolog.Logger
}

// Transformer is stateless and safe for concurrent use.
type Transformer struct {
	bodyLimit       int
	attachmentLimit int
	trackingHosts   []string
	extractor       Extractor
	log             zerolog.Logger
}

// New creates a Transformer.
func New(opts Options) *Transformer {
	if opts.BodyCharLimit <= 0 {
		opts.BodyCharLimit = defaultBodyCharLimit
	}
	if opts.AttachmentCharLimit <= 0 {
		opts.AttachmentCharLimit = defaultAttachmentCharLimit
	}
	return &Transformer{
		bodyLimit:       opts.BodyCharLimit,
		attachmentLimit: opts.AttachmentCharLimit,
		trackingHosts:   opts.TrackingHostPatterns,
		extractor:       opts.Extractor,
		log:             opts.Logger.With().Str("component", "transform").Logger(),
	}
}

// Transform converts raw message bytes into a Message. It never returns an
// error; degradations are recorded in Message.Errors.
func (t *Transformer) Transform(raw []byte) Message {
	var msg Message

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		msg.Errors = append(msg.Errors, fmt.Sprintf("mime parse failed: %v", err))
		t.degraded(msg.Errors)
		return msg
	}
	for _, e := range env.Errors {
		msg.Errors = append(msg.Errors, fmt.Sprintf("%s: %s", e.Name, e.Detail))
	}

	msg.Subject = env.GetHeader("Subject")
	msg.From = env.GetHeader("From")
	msg.To = addressList(env, "To")
	if date, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		msg.Date = date
	}

	msg.Body = t.body(env, &msg.Errors)
	msg.Attachments = t.attachments(env, &msg.Errors)
	msg.ThreadID = threadID(
		env.GetHeader("References"),
		env.GetHeader("In-Reply-To"),
		msg.Subject,
		participants(env),
	)

	msg.Body = clipRunes(msg.Body, t.bodyLimit)

	t.degraded(msg.Errors)
	return msg
}

// body picks the text source. A genuine text/plain part wins; the parser
// synthesises plain text from HTML either way, so the check is against the
// part tree, not against the decoded Text being non-empty.
func (t *Transformer) body(env *enmime.Envelope, degradations *[]string) string {
	hasPlain := env.Root != nil && env.Root.DepthMatchFirst(func(p *enmime.Part) bool {
		return p.ContentType == "text/plain" && p.Disposition != "attachment"
	}) != nil

	var text string
	switch {
	case hasPlain:
		text = env.Text
	case env.HTML != "":
		cleaned, err := htmlToText(env.HTML, t.trackingHosts)
		if err != nil {
			*degradations = append(*degradations, fmt.Sprintf("html cleanup failed: %v", err))
		}
		text = cleaned
	default:
		text = env.Text
	}

	return collapseQuotes(strings.TrimRight(text, "\n"))
}

func (t *Transformer) attachments(env *enmime.Envelope, degradations *[]string) []Attachment {
	out := make([]Attachment, 0, len(env.Attachments))
	for _, part := range env.Attachments {
		att := Attachment{
			Filename:    part.FileName,
			ContentType: part.ContentType,
			Size:        len(part.Content),
		}
		if text, ok := t.extractText(part, degradations); ok {
			clipped := clipRunes(text, t.attachmentLimit)
			att.ExtractedText = &clipped
		}
		out = append(out, att)
	}
	return out
}

func (t *Transformer) extractText(part *enmime.Part, degradations *[]string) (string, bool) {
	for _, extractor := range []Extractor{textExtractor{}, t.extractor} {
		if extractor == nil {
			continue
		}
		text, err := extractor.Extract(part.Content, part.ContentType)
		if err == nil {
			return text, true
		}
		if !errors.Is(err, ErrUnsupported) {
			*degradations = append(*degradations, fmt.Sprintf("extraction failed for %q: %v", part.FileName, err))
			return "", false
		}
	}
	return "", false
}

func (t *Transformer) degraded(errs []string) {
	if len(errs) == 0 {
		return
	}
	metrics.TransformDegraded.Inc()
	t.log.Debug().Strs("degradations", errs).Msg("transform_degraded")
}

func participants(env *enmime.Envelope) []string {
	var out []string
	for _, key := range []string{"From", "To", "Cc"} {
		out = append(out, addressList(env, key)...)
	}
	return out
}

func addressList(env *enmime.Envelope, key string) []string {
	addrs, err := env.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}

// clipRunes bounds s to limit Unicode code points, marker included, so the
// clipped result re-clips to itself.
func clipRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	keep := limit - utf8.RuneCountInString(truncationMarker)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(s)
	return string(runes[:keep]) + truncationMarker
}
