package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

// Backend persists encoded session payloads by id.
type Backend interface {
	Load(ctx context.Context, id string) (data string, found bool, err error)
	Save(ctx context.Context, id, data string, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// ServerStore keeps session values in a Backend and only a signed, encrypted
// session id in the cookie.
type ServerStore struct {
	backend Backend
	codecs  []securecookie.Codec
	Options *sessions.Options
}

func NewServerStore(backend Backend, o Options) *ServerStore {
	codecs := o.codecs()
	for _, c := range codecs {
		if sc, ok := c.(*securecookie.SecureCookie); ok {
			// payloads live server side and may exceed a cookie's size
			sc.MaxLength(0)
		}
	}
	return &ServerStore{backend: backend, codecs: codecs, Options: o.cookieOptions()}
}

// Get returns the session for name, cached per request.
func (s *ServerStore) Get(r *http.Request, name string) (*sessions.Session, error) {
	return sessions.GetRegistry(r).Get(s, name)
}

// New loads the session referenced by the cookie, or returns a fresh one.
// A cookie that fails to decode yields a fresh session and the decode error.
func (s *ServerStore) New(r *http.Request, name string) (*sessions.Session, error) {
	sess := sessions.NewSession(s, name)
	opts := *s.Options
	sess.Options = &opts
	sess.IsNew = true

	c, err := r.Cookie(name)
	if err != nil {
		return sess, nil
	}
	var id string
	if err := securecookie.DecodeMulti(name, c.Value, &id, s.codecs...); err != nil {
		return sess, err
	}
	data, found, err := s.backend.Load(r.Context(), id)
	if err != nil {
		return sess, fmt.Errorf("load session: %w", err)
	}
	if !found {
		return sess, nil
	}
	if err := securecookie.DecodeMulti(name, data, &sess.Values, s.codecs...); err != nil {
		return sess, err
	}
	sess.ID = id
	sess.IsNew = false
	return sess, nil
}

// Save persists sess and writes the id cookie. A negative MaxAge deletes the
// stored payload and expires the cookie.
func (s *ServerStore) Save(r *http.Request, w http.ResponseWriter, sess *sessions.Session) error {
	ctx := r.Context()
	if sess.Options.MaxAge < 0 {
		if sess.ID != "" {
			if err := s.backend.Delete(ctx, sess.ID); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
		}
		http.SetCookie(w, sessions.NewCookie(sess.Name(), "", sess.Options))
		return nil
	}
	if sess.Options.MaxAge == 0 {
		return errors.New("server sessions need a positive max age")
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	data, err := securecookie.EncodeMulti(sess.Name(), sess.Values, s.codecs...)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ttl := time.Duration(sess.Options.MaxAge) * time.Second
	if err := s.backend.Save(ctx, sess.ID, data, ttl); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	cookie, err := securecookie.EncodeMulti(sess.Name(), sess.ID, s.codecs...)
	if err != nil {
		return fmt.Errorf("encode session id: %w", err)
	}
	http.SetCookie(w, sessions.NewCookie(sess.Name(), cookie, sess.Options))
	return nil
}
