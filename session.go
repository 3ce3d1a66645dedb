package chatsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/LuminPulse-AI/chatsync/internal/envelope"
)

// Session is the decoded view of the stored access token.
type Session struct {
	AccessToken string
	// Expiry is zero when the token carries no readable exp claim.
	Expiry time.Time
}

// Expired reports whether the token must be refreshed before use. Tokens
// without a readable expiry count as expired.
func (s Session) Expired(now time.Time) bool {
	if s.Expiry.IsZero() {
		return true
	}
	return now.Unix() >= s.Expiry.Unix()
}

// ParseSession decodes the exp claim of token without verifying its
// signature; the client only needs to know when to refresh.
func ParseSession(token string) Session {
	s := Session{AccessToken: token}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return s
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.Expiry = exp.Time
	}
	return s
}

// SessionStore holds the access token and user profile for the lifetime of
// the client.
type SessionStore interface {
	Token() string
	SetToken(token string)
	ClearToken()
	SetProfile(p *UserProfile) error
	Profile() (*UserProfile, error)
	// Clear removes token and profile (logout).
	Clear()
}

// MemorySessionStore is a goroutine-safe in-memory SessionStore. The profile
// is kept sealed with the envelope cipher.
type MemorySessionStore struct {
	mu      sync.RWMutex
	cipher  envelope.Cipher
	token   string
	profile string
	watch   []func(token string)
}

// NewMemorySessionStore returns an empty store sealing profiles with c.
func NewMemorySessionStore(c envelope.Cipher) *MemorySessionStore {
	return &MemorySessionStore{cipher: c}
}

func (s *MemorySessionStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *MemorySessionStore) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	watch := append([]func(string){}, s.watch...)
	s.mu.Unlock()
	for _, fn := range watch {
		fn(token)
	}
}

func (s *MemorySessionStore) ClearToken() {
	s.SetToken("")
}

// Session returns the decoded current token.
func (s *MemorySessionStore) Session() Session {
	return ParseSession(s.Token())
}

// Watch registers fn to be called after every token change, including
// clears (with ""). Used to persist the session outside the process.
func (s *MemorySessionStore) Watch(fn func(token string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watch = append(s.watch, fn)
}

func (s *MemorySessionStore) SetProfile(p *UserProfile) error {
	if p == nil {
		s.mu.Lock()
		s.profile = ""
		s.mu.Unlock()
		return nil
	}
	sealed, err := envelope.Seal(s.cipher, p)
	if err != nil {
		return fmt.Errorf("seal profile: %w", err)
	}
	s.mu.Lock()
	s.profile = sealed
	s.mu.Unlock()
	return nil
}

// Profile returns the stored profile, or nil when none is stored.
func (s *MemorySessionStore) Profile() (*UserProfile, error) {
	s.mu.RLock()
	sealed := s.profile
	s.mu.RUnlock()
	if sealed == "" {
		return nil, nil
	}
	var p UserProfile
	if err := envelope.Open(s.cipher, sealed, &p); err != nil {
		return nil, fmt.Errorf("open profile: %w", err)
	}
	return &p, nil
}

func (s *MemorySessionStore) Clear() {
	s.mu.Lock()
	s.profile = ""
	s.mu.Unlock()
	s.ClearToken()
}
