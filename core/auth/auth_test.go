package auth

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"letters", "admin", true},
		{"mixed case digits", "Admin42", true},
		{"max length", strings.Repeat("a", 16), true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 17), false},
		{"space", "ad min", false},
		{"punctuation", "admin!", false},
		{"non-ascii", "adminé", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.input)
			if tt.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidUsername) {
				t.Errorf("expected ErrInvalidUsername, got %v", err)
			}
		})
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"empty", "", true},
		{"printable", "s3cret pass~", true},
		{"max length", strings.Repeat("x", 64), true},
		{"too long", strings.Repeat("x", 65), false},
		{"tab", "a\tb", false},
		{"del", "a\x7fb", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.input)
			if tt.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidPassword) {
				t.Errorf("expected ErrInvalidPassword, got %v", err)
			}
		})
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("hunter2", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		t.Fatalf("bcrypt.Cost: %v", err)
	}
	if cost != bcrypt.MinCost {
		t.Errorf("cost = %d, want %d", cost, bcrypt.MinCost)
	}

	if _, err := HashPassword("bad\npassword", bcrypt.MinCost); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestStore_Authenticate(t *testing.T) {
	hash, err := HashPassword("hunter2", bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(map[string]string{"admin": hash})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if !s.Enabled() {
		t.Fatal("store with users should be enabled")
	}

	tests := []struct {
		name string
		user string
		pw   string
		want bool
	}{
		{"correct", "admin", "hunter2", true},
		{"wrong password", "admin", "hunter3", false},
		{"unknown user", "root", "hunter2", false},
		{"invalid username", "ad min", "hunter2", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Authenticate(tt.user, tt.pw); got != tt.want {
				t.Errorf("Authenticate(%q, %q) = %v, want %v", tt.user, tt.pw, got, tt.want)
			}
		})
	}
}

func TestStore_SetAndRemove(t *testing.T) {
	s, _ := NewStore(nil)
	if s.Enabled() {
		t.Fatal("empty store should be disabled")
	}
	if err := s.SetPassword("op", "pw"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if !s.Authenticate("op", "pw") {
		t.Error("Authenticate after SetPassword failed")
	}
	if s.Count() != 1 {
		t.Errorf("Count = %d, want 1", s.Count())
	}
	s.Remove("op")
	if s.Authenticate("op", "pw") || s.Enabled() {
		t.Error("user still present after Remove")
	}
}

func TestNewStore_RejectsBadEntries(t *testing.T) {
	if _, err := NewStore(map[string]string{"admin": "plaintext"}); !errors.Is(err, ErrInvalidHash) {
		t.Errorf("expected ErrInvalidHash, got %v", err)
	}
	hash, _ := HashPassword("x", bcrypt.MinCost)
	if _, err := NewStore(map[string]string{"bad user": hash}); !errors.Is(err, ErrInvalidUsername) {
		t.Errorf("expected ErrInvalidUsername, got %v", err)
	}
}
