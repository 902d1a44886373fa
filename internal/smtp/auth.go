// Package smtp implements the relay's SMTP front end: a small ESMTP server
// with STARTTLS and AUTH that hands each accepted message to a Provider.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	// ErrBadEncoding is returned when an AUTH response is not valid base64.
	ErrBadEncoding = errors.New("smtp: invalid base64 in auth response")

	// ErrBadCredentials is returned when the decoded credentials do not match.
	ErrBadCredentials = errors.New("smtp: authentication failed")
)

// Authenticator checks AUTH PLAIN and AUTH LOGIN credentials against a
// single configured account.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator returns an Authenticator for the given account. Auth is
// disabled unless both values are non-empty.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{username: username, password: password}
}

// Enabled reports whether clients must authenticate before MAIL.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// VerifyPlain checks a base64 AUTH PLAIN response of the form
// authzid NUL authcid NUL password. The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ErrBadEncoding
	}

	fields := strings.SplitN(string(decoded), "\x00", 3)
	if len(fields) != 3 {
		return ErrBadCredentials
	}
	return a.check(fields[1], fields[2])
}

// VerifyLogin checks the two base64 answers of an AUTH LOGIN exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return ErrBadEncoding
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return ErrBadEncoding
	}
	return a.check(string(user), string(pass))
}

func (a *Authenticator) check(user, pass string) error {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) == 1
	if !userOK || !passOK {
		return ErrBadCredentials
	}
	return nil
}
