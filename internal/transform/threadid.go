package transform

import (
	"regexp"
	"sort"
	"strings"

	"github.com/vdavid/mailproxy/internal/idhash"
)

var (
	messageIDPattern = regexp.MustCompile(`<[^<>]+>`)
	replyPrefix      = regexp.MustCompile(`(?i)^\s*(re|fwd?)\s*:\s*`)
)

// threadID derives a stable thread identifier, always the same 12-hex
// shape regardless of the source. The References chain is authoritative
// when present: its last entry names the thread root's most recent
// ancestor, which every well-behaved client carries forward. Without
// References or In-Reply-To the thread is keyed by normalised subject
// plus the participant set, so "Re: Budget" from the same people lands
// in the same thread.
func threadID(references, inReplyTo, subject string, participants []string) string {
	if ids := messageIDPattern.FindAllString(references, -1); len(ids) > 0 {
		return idhash.Hash(ids[len(ids)-1])
	}
	if id := messageIDPattern.FindString(inReplyTo); id != "" {
		return idhash.Hash(id)
	}

	normalised := normaliseSubject(subject)
	addrs := make([]string, 0, len(participants))
	for _, p := range participants {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			addrs = append(addrs, p)
		}
	}
	sort.Strings(addrs)

	return idhash.Hash(normalised + "|" + strings.Join(addrs, ","))
}

// normaliseSubject strips reply/forward prefixes (repeatedly, for the
// "Re: Re: Fwd:" pileup), lowercases, and collapses whitespace.
func normaliseSubject(subject string) string {
	for {
		stripped := replyPrefix.ReplaceAllString(subject, "")
		if stripped == subject {
			break
		}
		subject = stripped
	}
	return strings.Join(strings.Fields(strings.ToLower(subject)), " ")
}
