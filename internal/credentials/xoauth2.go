package credentials

import (
	"fmt"
	"io"

	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the XOAUTH2 mechanism used by Gmail and Outlook.
// go-sasl ships OAUTHBEARER but not XOAUTH2, so the initial response is
// built here.
type xoauth2Client struct {
	username string
	token    string
	stepDone bool
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	payload := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.token)
	return "XOAUTH2", []byte(payload), nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// A challenge after the initial response carries a JSON error blob;
	// reply with an empty line so the server returns its final status.
	if c.stepDone {
		return nil, io.EOF
	}
	c.stepDone = true
	return []byte(""), nil
}

var _ sasl.Client = (*xoauth2Client)(nil)

// SASLClient returns the SASL client matching the record's auth kind.
func (c Credentials) SASLClient() sasl.Client {
	if c.AuthKind == AuthOAuthBearer {
		return &xoauth2Client{username: c.Username, token: c.Secret}
	}
	return sasl.NewPlainClient("", c.Username, c.Secret)
}
