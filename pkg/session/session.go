// Package session provides the stores behind the "Cookies" authentication
// scheme. Every store implements gorilla's sessions.Store; the cookie store
// keeps values in the cookie, the server stores keep only a signed id there.
package session

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

// SchemeName is the authentication scheme name of the session cookie.
const SchemeName = "Cookies"

// Options configure the cookie and its codecs.
type Options struct {
	CookieName string
	MaxAge     time.Duration
	// Secure marks cookies https-only. Only tests turn it off.
	Secure   bool
	HashKey  []byte
	BlockKey []byte
}

// GenerateKeys returns a random 64 byte hash key and 32 byte block key.
func GenerateKeys() (hash, block []byte, err error) {
	hash = securecookie.GenerateRandomKey(64)
	block = securecookie.GenerateRandomKey(32)
	if hash == nil || block == nil {
		return nil, nil, errors.New("generate session keys: random source failed")
	}
	return hash, block, nil
}

func (o Options) cookieOptions() *sessions.Options {
	return &sessions.Options{
		Path:     "/",
		MaxAge:   int(o.MaxAge / time.Second),
		Secure:   o.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func (o Options) codecs() []securecookie.Codec {
	codecs := securecookie.CodecsFromPairs(o.HashKey, o.BlockKey)
	for _, c := range codecs {
		if sc, ok := c.(*securecookie.SecureCookie); ok {
			sc.MaxAge(int(o.MaxAge / time.Second))
		}
	}
	return codecs
}

// NewCookieStore keeps the whole session in an encrypted, signed cookie.
func NewCookieStore(o Options) *sessions.CookieStore {
	s := sessions.NewCookieStore(o.HashKey, o.BlockKey)
	s.Options = o.cookieOptions()
	s.MaxAge(s.Options.MaxAge)
	return s
}

// Expire marks sess for deletion on the next Save.
func Expire(sess *sessions.Session) {
	sess.Options.MaxAge = -1
	for k := range sess.Values {
		delete(sess.Values, k)
	}
}
