// Package identity decides who a storefront participant is before any chat
// connection exists.
package identity

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/egor/ecochatserver/models"
)

// User is the signed-in storefront account, as the host application sees it.
type User struct {
	ID    string
	Email string
	Name  string
	// Token is the storefront-issued JWT presented on JOIN_CHAT.
	Token string
}

// Credentials reports the currently signed-in user, if any.
type Credentials interface {
	CurrentUser() (User, bool)
}

// Resolver produces the identity a chat connection joins with.
type Resolver struct {
	creds Credentials
	store SessionStore
	log   *zap.Logger

	mu      sync.Mutex
	session *Session
}

func NewResolver(creds Credentials, store SessionStore, log *zap.Logger) *Resolver {
	return &Resolver{creds: creds, store: store, log: log}
}

// Resolve returns the signed-in user's identity, or the device's anonymous
// identity with any captured email. It never fails: storage problems are
// logged and the in-memory session is used.
func (r *Resolver) Resolve() models.Identity {
	if u, ok := r.currentUser(); ok {
		return models.UserIdentity(u.ID, u.Email, u.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.loadLocked()
	return models.AnonymousIdentity(s.SessionID, s.Email)
}

// Token is the credential to present with the identity; empty for visitors.
func (r *Resolver) Token() string {
	if u, ok := r.currentUser(); ok {
		return u.Token
	}
	return ""
}

func (r *Resolver) currentUser() (User, bool) {
	if r.creds == nil {
		return User{}, false
	}
	u, ok := r.creds.CurrentUser()
	if !ok || strings.TrimSpace(u.ID) == "" {
		return User{}, false
	}
	return u, true
}

func (r *Resolver) loadLocked() *Session {
	if r.session != nil {
		return r.session
	}
	s, err := r.store.Load()
	if err != nil {
		r.log.Warn("session load failed, starting a new session", zap.Error(err))
	}
	if s.SessionID == "" {
		s.SessionID = uuid.NewString()
		if err := r.store.Save(s); err != nil {
			r.log.Warn("session save failed", zap.Error(err))
		}
	}
	r.session = &s
	return r.session
}

// CaptureEmail validates and remembers a visitor's email. The returned
// identity carries it, as will every later Resolve.
func (r *Resolver) CaptureEmail(email string) (models.Identity, error) {
	addr, err := models.ValidateEmail(email)
	if err != nil {
		return models.Identity{}, err
	}
	if u, ok := r.currentUser(); ok {
		return models.UserIdentity(u.ID, u.Email, u.Name), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.loadLocked()
	s.Email = addr
	if err := r.store.Save(*s); err != nil {
		r.log.Warn("session save failed", zap.Error(err))
	}
	return models.AnonymousIdentity(s.SessionID, s.Email), nil
}
