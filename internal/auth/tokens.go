package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// tokenBytes is the entropy of an issued token; tokens are hex encoded.
const tokenBytes = 32

// TokenService issues and validates opaque bearer tokens. Tokens carry no
// claims; all state lives server side, so revocation is immediate.
type TokenService struct {
	mu     sync.RWMutex
	ttl    time.Duration
	tokens map[string]session
	now    func() time.Time
}

type session struct {
	username  string
	expiresAt time.Time
}

// NewTokenService creates a token service with the given lifetime
func NewTokenService(ttl time.Duration) *TokenService {
	return &TokenService{
		ttl:    ttl,
		tokens: make(map[string]session),
		now:    time.Now,
	}
}

// Issue mints a fresh token for the user
func (s *TokenService) Issue(username string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = session{
		username:  username,
		expiresAt: s.now().Add(s.ttl),
	}
	return token, nil
}

// Verify returns the owning username for a live token. Unknown, revoked and
// expired tokens all fail the same way. Expired entries are pruned on sight.
func (s *TokenService) Verify(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.tokens[token]
	if !ok {
		return "", false
	}
	if s.now().After(sess.expiresAt) {
		delete(s.tokens, token)
		return "", false
	}
	return sess.username, true
}

// Revoke invalidates a token immediately. Revoking an unknown token is a
// no-op.
func (s *TokenService) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}
