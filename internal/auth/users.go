// Package auth verifies user credentials and issues opaque session tokens.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// UserStore holds username to bcrypt hash mappings loaded at startup
type UserStore struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewUserStore creates an empty user store
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]string)}
}

// LoadFile reads a JSON object of {"username": "<bcrypt hash>"} entries and
// merges it into the store. Later loads override earlier entries.
func (s *UserStore) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read users file: %w", err)
	}

	var users map[string]string
	if err := json.Unmarshal(data, &users); err != nil {
		return fmt.Errorf("parse users file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, hash := range users {
		s.users[name] = hash
	}
	log.Info().Int("count", len(users)).Str("path", path).Msg("Users loaded")
	return nil
}

// AddUser hashes the password and stores the user. Intended for defaults and
// tests; production deployments load hashed files.
func (s *UserStore) AddUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = string(hash)
	return nil
}

// Verify checks a username/password pair against the stored hash. Unknown
// users and wrong passwords are indistinguishable to the caller.
func (s *UserStore) Verify(username, password string) bool {
	s.mu.RLock()
	hash, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		// Burn a comparison anyway so missing users cost the same as bad
		// passwords.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$000000000000000000000uGyUvPeoXkXyJmeNDiRs5rtqCqbSG1/G"), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
