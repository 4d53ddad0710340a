package transform

import (
	"errors"
	"strings"
)

// ErrUnsupported is returned by an Extractor for content types it cannot
// handle. The attachment is then kept without extracted text.
var ErrUnsupported = errors.New("unsupported content type")

// Extractor pulls plain text out of attachment bytes. Implementations may
// call external tooling (a PDF text extractor, OCR) and may block; callers
// bound them with a deadline.
type Extractor interface {
	Extract(data []byte, contentType string) (string, error)
}

// textExtractor handles text/* attachments. Transfer encoding and charset
// are already undone by the MIME parser, so all that remains is making the
// bytes valid UTF-8.
type textExtractor struct{}

func (textExtractor) Extract(data []byte, contentType string) (string, error) {
	if !strings.HasPrefix(contentType, "text/") {
		return "", ErrUnsupported
	}
	return strings.ToValidUTF8(string(data), string('�')), nil
}
