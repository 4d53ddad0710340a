// Package credentials maps opaque inbox ids to upstream IMAP/SMTP endpoints
// and secrets. Records come from configuration or runtime registration and
// are never persisted by any other component.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for an inbox id.
	ErrNotFound = errors.New("inbox not found")
	// ErrCredentialExpired is returned when an oauth bearer token is past its expiry.
	ErrCredentialExpired = errors.New("credential expired")
)

// AuthKind selects the upstream authentication mechanism.
type AuthKind string

const (
	AuthPassword    AuthKind = "password"
	AuthOAuthBearer AuthKind = "oauth_bearer"
)

// Credentials holds everything needed to open upstream connections for one inbox.
type Credentials struct {
	InboxID        string
	IMAPAddr       string // host:port
	SMTPAddr       string // host:port
	Username       string
	Secret         string // password or oauth access token
	AuthKind       AuthKind
	TokenExpiresAt time.Time // zero for password auth
	UseTLS         bool
}

// record is the JSON shape accepted from MAILPROXY_INBOXES and the inbox
// registration endpoint.
type record struct {
	InboxID        string `json:"inbox_id"`
	IMAPHost       string `json:"imap_host"`
	SMTPHost       string `json:"smtp_host"`
	Username       string `json:"username"`
	Secret         string `json:"secret"`
	AuthKind       string `json:"auth_kind,omitempty"`
	TokenExpiresAt string `json:"token_expires_at,omitempty"`
	UseTLS         *bool  `json:"use_tls,omitempty"`
}

// Resolver resolves inbox ids to credentials. Safe for concurrent use.
type Resolver struct {
	mu      sync.RWMutex
	records map[string]Credentials
}

// NewResolver creates a resolver seeded from a JSON array of inbox records.
// An empty string seeds an empty resolver.
func NewResolver(inboxesJSON string) (*Resolver, error) {
	r := &Resolver{records: make(map[string]Credentials)}
	if inboxesJSON == "" {
		return r, nil
	}

	var records []record
	if err := json.Unmarshal([]byte(inboxesJSON), &records); err != nil {
		return nil, fmt.Errorf("failed to parse inbox records: %w", err)
	}
	for _, rec := range records {
		creds, err := rec.toCredentials()
		if err != nil {
			return nil, err
		}
		r.records[creds.InboxID] = creds
	}
	return r, nil
}

// Resolve returns the credentials for an inbox id.
// Returns ErrNotFound for unknown ids and ErrCredentialExpired for oauth
// records whose token expiry is in the past.
func (r *Resolver) Resolve(inboxID string) (Credentials, error) {
	r.mu.RLock()
	creds, ok := r.records[inboxID]
	r.mu.RUnlock()

	if !ok {
		return Credentials{}, fmt.Errorf("%w: no record for inbox", ErrNotFound)
	}
	if creds.AuthKind == AuthOAuthBearer && !creds.TokenExpiresAt.IsZero() && creds.TokenExpiresAt.Before(time.Now()) {
		return Credentials{}, fmt.Errorf("%w: token expired at %s", ErrCredentialExpired, creds.TokenExpiresAt.Format(time.RFC3339))
	}
	return creds, nil
}

// Register adds or replaces a record at runtime.
func (r *Resolver) Register(creds Credentials) error {
	if creds.InboxID == "" {
		return fmt.Errorf("inbox_id is required")
	}
	if creds.IMAPAddr == "" || creds.SMTPAddr == "" {
		return fmt.Errorf("imap and smtp addresses are required")
	}
	if creds.AuthKind == "" {
		creds.AuthKind = AuthPassword
	}

	r.mu.Lock()
	r.records[creds.InboxID] = creds
	r.mu.Unlock()
	return nil
}

// Snapshot returns a copy of every registered record.
func (r *Resolver) Snapshot() []Credentials {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Credentials, 0, len(r.records))
	for _, creds := range r.records {
		out = append(out, creds)
	}
	return out
}

// RegisterJSON parses a single inbox record and registers it.
func (r *Resolver) RegisterJSON(data []byte) (Credentials, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Credentials{}, fmt.Errorf("failed to parse inbox record: %w", err)
	}
	creds, err := rec.toCredentials()
	if err != nil {
		return Credentials{}, err
	}
	if err := r.Register(creds); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

func (rec record) toCredentials() (Credentials, error) {
	if rec.InboxID == "" {
		return Credentials{}, fmt.Errorf("inbox record is missing inbox_id")
	}
	if rec.IMAPHost == "" || rec.SMTPHost == "" {
		return Credentials{}, fmt.Errorf("inbox record %q is missing imap_host or smtp_host", rec.InboxID)
	}

	kind := AuthKind(rec.AuthKind)
	switch kind {
	case "":
		kind = AuthPassword
	case AuthPassword, AuthOAuthBearer:
	default:
		return Credentials{}, fmt.Errorf("inbox record %q has unknown auth_kind %q", rec.InboxID, rec.AuthKind)
	}

	var expiresAt time.Time
	if rec.TokenExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, rec.TokenExpiresAt)
		if err != nil {
			return Credentials{}, fmt.Errorf("inbox record %q has invalid token_expires_at: %w", rec.InboxID, err)
		}
		expiresAt = parsed
	}

	useTLS := true
	if rec.UseTLS != nil {
		useTLS = *rec.UseTLS
	}

	username := rec.Username
	if username == "" {
		username = rec.InboxID
	}

	return Credentials{
		InboxID:        rec.InboxID,
		IMAPAddr:       rec.IMAPHost,
		SMTPAddr:       rec.SMTPHost,
		Username:       username,
		Secret:         rec.Secret,
		AuthKind:       kind,
		TokenExpiresAt: expiresAt,
		UseTLS:         useTLS,
	}, nil
}
