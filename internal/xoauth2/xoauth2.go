// Package xoauth2 implements the SASL XOAUTH2 mechanism used by IMAP and SMTP
// servers that accept OAuth2 bearer tokens.
//
// The mechanism is a single round trip: the client sends
// "user=<username>\x01auth=Bearer <token>\x01\x01" as its initial response and
// the server either accepts it or replies with an error challenge.
package xoauth2

import (
	"encoding/base64"

	"github.com/emersion/go-sasl"
)

// Mechanism is the SASL mechanism name for OAuth2 bearer logins.
const Mechanism = "XOAUTH2"

// client implements the XOAUTH2 mechanism on top of the go-sasl client interface.
type client struct {
	username string
	token    string
}

// Compile-time check to ensure client implements sasl.Client
var _ sasl.Client = (*client)(nil)

// NewClient creates a SASL client authenticating as username with the given
// OAuth2 bearer token.
//
// The mechanism has no escaping: username and token must be ASCII, a
// precondition callers are responsible for.
func NewClient(username, token string) sasl.Client {
	return &client{username: username, token: token}
}

// Start begins the SASL exchange with the XOAUTH2 initial response.
func (c *client) Start() (mech string, ir []byte, err error) {
	return Mechanism, initialResponse(c.username, c.token), nil
}

// Next handles a server challenge. XOAUTH2 completes in a single round trip,
// so any challenge is unexpected.
func (c *client) Next(challenge []byte) ([]byte, error) {
	return nil, sasl.ErrUnexpectedServerChallenge
}

// Encode returns the base64 form of the XOAUTH2 initial response for username
// and token, suitable for mail clients that take the encoded string directly.
// Deterministic and free of I/O.
func Encode(username, token string) string {
	return base64.StdEncoding.EncodeToString(initialResponse(username, token))
}

// initialResponse builds the raw (unencoded) XOAUTH2 client response.
// 0x01 is the SASL field separator.
func initialResponse(username, token string) []byte {
	buf := make([]byte, 0, len("user=")+len(username)+len("auth=Bearer ")+len(token)+3)
	buf = append(buf, "user="...)
	buf = append(buf, username...)
	buf = append(buf, 0x01)
	buf = append(buf, "auth=Bearer "...)
	buf = append(buf, token...)
	buf = append(buf, 0x01, 0x01)
	return buf
}
