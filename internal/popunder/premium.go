package popunder

import (
	"sync/atomic"
)

// PremiumStatusProvider reports whether the current session belongs to a paying
// user. Implementations must answer from memory; no network calls.
type PremiumStatusProvider func() bool

// PublicMetadata is the part of the identity provider's user object the gate reads.
type PublicMetadata struct {
	IsPremium bool `json:"isPremium"`
}

// User is the signed-in user as published by the identity bridge.
type User struct {
	ID             string         `json:"id"`
	PublicMetadata PublicMetadata `json:"publicMetadata"`
}

// SessionBridge holds the user published asynchronously by the identity
// provider once sign-in resolves. A nil user means signed out or not loaded yet.
type SessionBridge struct {
	user atomic.Pointer[User]
}

// NewSessionBridge returns a bridge with no user published.
func NewSessionBridge() *SessionBridge {
	return &SessionBridge{}
}

// Publish replaces the current user. Passing nil is equivalent to Clear.
func (b *SessionBridge) Publish(u *User) {
	b.user.Store(u)
}

// Clear forgets the current user.
func (b *SessionBridge) Clear() {
	b.user.Store(nil)
}

// User returns the published user or nil.
func (b *SessionBridge) User() *User {
	if b == nil {
		return nil
	}
	return b.user.Load()
}

// IsPremium is a PremiumStatusProvider over the bridge.
func (b *SessionBridge) IsPremium() bool {
	u := b.User()
	return u != nil && u.PublicMetadata.IsPremium
}

// SafePremium wraps p so that a nil provider or a panicking provider reads as
// "not premium".
func SafePremium(p PremiumStatusProvider) PremiumStatusProvider {
	return func() (premium bool) {
		if p == nil {
			return false
		}
		defer func() {
			if recover() != nil {
				premium = false
			}
		}()
		return p()
	}
}

// StaticPremium returns a provider that always answers v.
func StaticPremium(v bool) PremiumStatusProvider {
	return func() bool { return v }
}
