package socklet

import (
	"crypto/subtle"
	"strings"

	"github.com/mna/socklet/handshake"
)

// Authenticator defines the method required to authenticate an
// upgrade request before the handshake completes.
type Authenticator interface {
	Authenticate(*handshake.Request) bool
}

// AuthenticatorFunc is a function signature that implements the
// Authenticator interface.
type AuthenticatorFunc func(*handshake.Request) bool

// Authenticate implements Authenticator for the AuthenticatorFunc by
// calling the function itself.
func (fn AuthenticatorFunc) Authenticate(r *handshake.Request) bool {
	return fn(r)
}

// BearerAuth returns an Authenticator that accepts requests with an
// "Authorization: Bearer <token>" header where token is one of tokens.
func BearerAuth(tokens ...string) Authenticator {
	return AuthenticatorFunc(func(r *handshake.Request) bool {
		h := r.Header.Get("Authorization")
		const prefix = "bearer "
		if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
			return false
		}
		got := []byte(strings.TrimSpace(h[len(prefix):]))
		for _, tok := range tokens {
			if subtle.ConstantTimeCompare(got, []byte(tok)) == 1 {
				return true
			}
		}
		return false
	})
}
