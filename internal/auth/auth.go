// Package auth resolves playlist credentials and access tokens to user
// entitlements.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

var (
	// ErrInvalidCredentials is returned for unknown users, wrong passwords
	// and unknown tokens.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrDuplicateUser is returned when a user table repeats a username or token.
	ErrDuplicateUser = errors.New("duplicate user")
)

var tokenNamespace = uuid.MustParse("6f1c3a52-9d0e-4b7a-8f21-3c5d7e9a1b40")

// Entitlement describes what one user may see. It is read-only for the
// consumers of this package.
type Entitlement struct {
	Username          string   `yaml:"username"`
	Password          string   `yaml:"password"`
	Token             string   `yaml:"token"`
	AllowedCategories []string `yaml:"allowed_categories"`
	HDHREnabled       bool     `yaml:"hdhr_enabled"`
	// Admin may trigger data refreshes.
	Admin bool `yaml:"admin"`
}

// Unrestricted reports whether the user may see every category.
func (e Entitlement) Unrestricted() bool {
	return len(e.AllowedCategories) == 0
}

// Authenticator validates user credentials.
type Authenticator interface {
	ValidateToken(token string) (Entitlement, error)
	ValidatePlaylistCredentials(username, password string) (Entitlement, error)
}

// Static authenticates against a fixed user table.
type Static struct {
	byUsername map[string]Entitlement
	byToken    map[string]string
}

var _ Authenticator = (*Static)(nil)

// NewStatic builds an authenticator from the given users. Users without a
// token get one derived from their credentials so it stays stable across
// restarts.
func NewStatic(users []Entitlement) (*Static, error) {
	s := &Static{
		byUsername: make(map[string]Entitlement, len(users)),
		byToken:    make(map[string]string, len(users)),
	}

	for _, u := range users {
		if u.Username == "" {
			return nil, errors.New("user without username")
		}

		if _, exists := s.byUsername[u.Username]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUser, u.Username)
		}

		if u.Token == "" {
			u.Token = DeriveToken(u.Username, u.Password)
		}

		if _, exists := s.byToken[u.Token]; exists {
			return nil, fmt.Errorf("%w: token of %s", ErrDuplicateUser, u.Username)
		}

		u.AllowedCategories = append([]string(nil), u.AllowedCategories...)

		s.byUsername[u.Username] = u
		s.byToken[u.Token] = u.Username
	}

	return s, nil
}

// DeriveToken returns the token generated for a user without one.
func DeriveToken(username, password string) string {
	return uuid.NewSHA1(tokenNamespace, []byte(username+"\x00"+password)).String()
}

// ValidateToken returns the entitlement bound to the token.
func (s *Static) ValidateToken(token string) (Entitlement, error) {
	if token == "" {
		return Entitlement{}, ErrInvalidCredentials
	}

	username, ok := s.byToken[token]
	if !ok {
		return Entitlement{}, ErrInvalidCredentials
	}

	return s.byUsername[username], nil
}

// ValidatePlaylistCredentials returns the entitlement of the user when the
// password matches.
func (s *Static) ValidatePlaylistCredentials(username, password string) (Entitlement, error) {
	u, ok := s.byUsername[username]
	if !ok || subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) != 1 {
		return Entitlement{}, ErrInvalidCredentials
	}

	return u, nil
}

// Users returns the number of configured users.
func (s *Static) Users() int {
	return len(s.byUsername)
}

// HDHRUsers returns the users with tuner emulation enabled, by username.
func (s *Static) HDHRUsers() []Entitlement {
	users := make([]Entitlement, 0, len(s.byUsername))

	for _, u := range s.byUsername {
		if u.HDHREnabled {
			users = append(users, u)
		}
	}

	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })

	return users
}
