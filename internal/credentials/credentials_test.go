package credentials

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_Resolve(t *testing.T) {
	t.Run("returns ErrNotFound for unknown inbox", func(t *testing.T) {
		r, err := NewResolver("")
		require.NoError(t, err)

		_, err = r.Resolve("nobody@example.com")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("resolves a config-seeded record", func(t *testing.T) {
		r, err := NewResolver(`[{
			"inbox_id": "u@x.com",
			"imap_host": "imap.example.com:993",
			"smtp_host": "smtp.example.com:587",
			"secret": "hunter2"
		}]`)
		require.NoError(t, err)

		creds, err := r.Resolve("u@x.com")
		require.NoError(t, err)
		assert.Equal(t, "imap.example.com:993", creds.IMAPAddr)
		assert.Equal(t, "smtp.example.com:587", creds.SMTPAddr)
		assert.Equal(t, "u@x.com", creds.Username, "username defaults to the inbox id")
		assert.Equal(t, AuthPassword, creds.AuthKind)
		assert.True(t, creds.UseTLS)
	})

	t.Run("returns ErrCredentialExpired for stale oauth tokens", func(t *testing.T) {
		r, err := NewResolver("")
		require.NoError(t, err)
		require.NoError(t, r.Register(Credentials{
			InboxID:        "o@x.com",
			IMAPAddr:       "imap.example.com:993",
			SMTPAddr:       "smtp.example.com:587",
			Username:       "o@x.com",
			Secret:         "token",
			AuthKind:       AuthOAuthBearer,
			TokenExpiresAt: time.Now().Add(-time.Minute),
		}))

		_, err = r.Resolve("o@x.com")
		assert.ErrorIs(t, err, ErrCredentialExpired)
	})

	t.Run("accepts an oauth token that is still valid", func(t *testing.T) {
		r, err := NewResolver("")
		require.NoError(t, err)
		require.NoError(t, r.Register(Credentials{
			InboxID:        "o@x.com",
			IMAPAddr:       "imap.example.com:993",
			SMTPAddr:       "smtp.example.com:587",
			Secret:         "token",
			AuthKind:       AuthOAuthBearer,
			TokenExpiresAt: time.Now().Add(time.Hour),
		}))

		_, err = r.Resolve("o@x.com")
		assert.NoError(t, err)
	})
}

func TestResolver_RegisterJSON(t *testing.T) {
	r, err := NewResolver("")
	require.NoError(t, err)

	creds, err := r.RegisterJSON([]byte(`{
		"inbox_id": "new@x.com",
		"imap_host": "imap.example.com:993",
		"smtp_host": "smtp.example.com:587",
		"username": "new-user",
		"secret": "s3cret",
		"use_tls": false
	}`))
	require.NoError(t, err)
	assert.Equal(t, "new-user", creds.Username)
	assert.False(t, creds.UseTLS)

	resolved, err := r.Resolve("new@x.com")
	require.NoError(t, err)
	assert.Equal(t, creds, resolved)
}

func TestResolver_RejectsBadRecords(t *testing.T) {
	_, err := NewResolver(`[{"inbox_id": "u@x.com"}]`)
	assert.Error(t, err, "missing hosts must be rejected")

	_, err = NewResolver(`[{
		"inbox_id": "u@x.com",
		"imap_host": "a:1", "smtp_host": "b:2",
		"auth_kind": "kerberos"
	}]`)
	assert.Error(t, err, "unknown auth kinds must be rejected")
}

func TestXOAuth2Client(t *testing.T) {
	creds := Credentials{Username: "u@x.com", Secret: "tok", AuthKind: AuthOAuthBearer}
	mech, ir, err := creds.SASLClient().Start()
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, "user=u@x.com\x01auth=Bearer tok\x01\x01", string(ir))
}
