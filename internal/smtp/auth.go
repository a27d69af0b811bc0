// Package smtp is the SMTP wire layer of the relay: it owns the listener,
// the per-connection command loop, STARTTLS and AUTH, and feeds envelope
// commands into a session.Handler.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	// ErrAuthFailed is returned when the credentials do not match.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrAuthMalformed is returned when the client response cannot be decoded.
	ErrAuthMalformed = errors.New("malformed authentication response")
)

// Authenticator checks SMTP AUTH credentials against a single configured
// user. An Authenticator with no credentials is disabled and lets every
// session submit mail.
type Authenticator struct {
	username []byte
	password []byte
}

// NewAuthenticator creates an Authenticator. Authentication is enabled only
// when both username and password are set.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: []byte(username),
		password: []byte(password),
	}
}

// Enabled reports whether clients must authenticate before MAIL.
func (a *Authenticator) Enabled() bool {
	return len(a.username) > 0 && len(a.password) > 0
}

// VerifyPlain checks a base64 AUTH PLAIN response of the form
// [authzid] NUL authcid NUL password. The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ErrAuthMalformed
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return ErrAuthMalformed
	}
	return a.check([]byte(parts[1]), []byte(parts[2]))
}

// VerifyLogin checks the two base64 answers of the AUTH LOGIN exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return ErrAuthMalformed
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return ErrAuthMalformed
	}
	return a.check(user, pass)
}

func (a *Authenticator) check(user, pass []byte) error {
	userOK := subtle.ConstantTimeCompare(user, a.username)
	passOK := subtle.ConstantTimeCompare(pass, a.password)
	if userOK&passOK != 1 {
		return ErrAuthFailed
	}
	return nil
}
