// Package auth validates client credentials against bcrypt password hashes.
//
// An empty Store authenticates nobody but reports Enabled() == false;
// transports treat that as "login not required".
package auth

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MaxUsernameLength is the longest accepted username.
	MaxUsernameLength = 16

	// MaxPasswordLength is the longest accepted password.
	MaxPasswordLength = 64

	// DefaultCost is the bcrypt cost used by HashPassword.
	DefaultCost = bcrypt.DefaultCost
)

var (
	ErrInvalidUsername = errors.New("username must be 1-16 letters or digits")
	ErrInvalidPassword = errors.New("password must be at most 64 printable ASCII characters")
	ErrInvalidHash     = errors.New("not a bcrypt hash")
)

// ValidateUsername checks that name is 1-16 ASCII letters or digits.
func ValidateUsername(name string) error {
	if len(name) == 0 || len(name) > MaxUsernameLength {
		return ErrInvalidUsername
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return ErrInvalidUsername
		}
	}
	return nil
}

// ValidatePassword checks that pw is at most 64 printable ASCII characters.
func ValidatePassword(pw string) error {
	if len(pw) > MaxPasswordLength {
		return ErrInvalidPassword
	}
	for i := 0; i < len(pw); i++ {
		if pw[i] < 32 || pw[i] > 126 {
			return ErrInvalidPassword
		}
	}
	return nil
}

// HashPassword returns the bcrypt hash of pw at the given cost. A cost of
// 0 selects DefaultCost.
func HashPassword(pw string, cost int) (string, error) {
	if err := ValidatePassword(pw); err != nil {
		return "", err
	}
	if cost == 0 {
		cost = DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// Store holds username to bcrypt hash entries.
type Store struct {
	mu     sync.RWMutex
	hashes map[string][]byte
}

// NewStore creates a store from a username to hash map, as found in the
// configuration file.
func NewStore(users map[string]string) (*Store, error) {
	s := &Store{hashes: make(map[string][]byte, len(users))}
	for name, hash := range users {
		if err := s.AddHash(name, hash); err != nil {
			return nil, fmt.Errorf("user %q: %w", name, err)
		}
	}
	return s, nil
}

// AddHash adds or replaces a user with an existing bcrypt hash.
func (s *Store) AddHash(name, hash string) error {
	if err := ValidateUsername(name); err != nil {
		return err
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidHash, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[name] = []byte(hash)
	return nil
}

// SetPassword adds or replaces a user, hashing pw at DefaultCost.
func (s *Store) SetPassword(name, pw string) error {
	if err := ValidateUsername(name); err != nil {
		return err
	}
	hash, err := HashPassword(pw, 0)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[name] = []byte(hash)
	return nil
}

// Remove deletes a user.
func (s *Store) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes, name)
}

// Enabled reports whether any user is configured.
func (s *Store) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hashes) > 0
}

// Count returns the number of users.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hashes)
}

// Authenticate reports whether the credentials match a stored user.
func (s *Store) Authenticate(name, pw string) bool {
	if ValidateUsername(name) != nil || ValidatePassword(pw) != nil {
		return false
	}
	s.mu.RLock()
	hash, ok := s.hashes[name]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(pw)) == nil
}
