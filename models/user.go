package models

import (
	"fmt"
	"net/mail"
	"strings"
)

// IdentityKind distinguishes authenticated users from anonymous visitors.
type IdentityKind string

const (
	IdentityUser      IdentityKind = "user"
	IdentityAnonymous IdentityKind = "anonymous"
)

const (
	userKeyPrefix    = "user_"
	sessionKeyPrefix = "session_"
)

// Identity is the stable participant a conversation is indexed by.
type Identity struct {
	Kind      IdentityKind `json:"kind"`
	UserID    string       `json:"user_id,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Email     string       `json:"email,omitempty"`
	Name      *string      `json:"name"`
}

// UserIdentity builds the identity of an authenticated storefront user.
func UserIdentity(userID, email, name string) Identity {
	n := name
	return Identity{Kind: IdentityUser, UserID: userID, Email: email, Name: &n}
}

// AnonymousIdentity builds the identity of a visitor known only by device session.
func AnonymousIdentity(sessionID, email string) Identity {
	return Identity{Kind: IdentityAnonymous, SessionID: sessionID, Email: email}
}

// Key returns the conversation identifier derived from the identity.
func (i Identity) Key() string {
	switch i.Kind {
	case IdentityUser:
		return userKeyPrefix + i.UserID
	case IdentityAnonymous:
		return sessionKeyPrefix + i.SessionID
	}
	return ""
}

// IsAnonymous reports whether the identity belongs to an unauthenticated visitor.
func (i Identity) IsAnonymous() bool { return i.Kind == IdentityAnonymous }

// Validate checks that the identity carries the id its kind requires.
func (i Identity) Validate() error {
	switch i.Kind {
	case IdentityUser:
		if strings.TrimSpace(i.UserID) == "" {
			return fmt.Errorf("%w: user identity without user_id", ErrValidation)
		}
	case IdentityAnonymous:
		if strings.TrimSpace(i.SessionID) == "" {
			return fmt.Errorf("%w: anonymous identity without session_id", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown identity kind %q", ErrValidation, i.Kind)
	}
	return nil
}

// DisplayName is the name agents see for this customer.
func (i Identity) DisplayName() string {
	if i.Name != nil && strings.TrimSpace(*i.Name) != "" {
		return strings.TrimSpace(*i.Name)
	}
	if i.Email != "" {
		return i.Email
	}
	if i.Kind == IdentityAnonymous {
		id := i.SessionID
		if len(id) > 8 {
			id = id[:8]
		}
		return "Guest " + id
	}
	return "Customer " + i.UserID
}

// Initials returns up to two upper-case initials of the display name.
func (i Identity) Initials() string {
	name := i.DisplayName()
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}
	var initials []rune
	for _, part := range strings.Fields(name) {
		initials = append(initials, []rune(strings.ToUpper(part))[0])
		if len(initials) == 2 {
			break
		}
	}
	if len(initials) == 0 {
		return "?"
	}
	return string(initials)
}

// ParseIdentifier reverses Identity.Key. The result carries no email or name.
func ParseIdentifier(identifier string) (Identity, error) {
	switch {
	case strings.HasPrefix(identifier, userKeyPrefix) && len(identifier) > len(userKeyPrefix):
		return Identity{Kind: IdentityUser, UserID: strings.TrimPrefix(identifier, userKeyPrefix)}, nil
	case strings.HasPrefix(identifier, sessionKeyPrefix) && len(identifier) > len(sessionKeyPrefix):
		return Identity{Kind: IdentityAnonymous, SessionID: strings.TrimPrefix(identifier, sessionKeyPrefix)}, nil
	}
	return Identity{}, fmt.Errorf("%w: malformed conversation identifier %q", ErrValidation, identifier)
}

// ValidateEmail returns the bare address of a single RFC 5322 mailbox.
func ValidateEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(addr.Address[strings.IndexByte(addr.Address, '@')+1:], ".") {
		return "", fmt.Errorf("%w: invalid email address %q", ErrValidation, email)
	}
	return addr.Address, nil
}
