package server

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/medatarun/medatarun-sub000/oidc"
)

// StaticDirectory is the embedded actor directory: config-defined users with
// bcrypt password hashes. It implements oidc.ActorDirectory for token
// issuance and additionally verifies login credentials.
type StaticDirectory struct {
	users map[string]UserConfig
}

// NewStaticDirectory builds the directory from configuration.
func NewStaticDirectory(users []UserConfig) *StaticDirectory {
	byName := make(map[string]UserConfig, len(users))
	for _, u := range users {
		byName[u.Username] = u
	}
	return &StaticDirectory{users: byName}
}

// LookupBySubject resolves a token subject to its actor profile.
func (d *StaticDirectory) LookupBySubject(subject string) (oidc.Actor, bool) {
	u, ok := d.users[subject]
	if !ok {
		return oidc.Actor{}, false
	}
	return oidc.Actor{Subject: u.Username, Name: u.Name, Role: u.Role, Mid: u.Mid}, true
}

// Authenticate verifies a username/password pair against the stored bcrypt
// hash and returns the actor on success.
func (d *StaticDirectory) Authenticate(username, password string) (oidc.Actor, bool) {
	u, ok := d.users[username]
	if !ok {
		// Burn comparable time for unknown users.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return oidc.Actor{}, false
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return oidc.Actor{}, false
	}
	return oidc.Actor{Subject: u.Username, Name: u.Name, Role: u.Role, Mid: u.Mid}, true
}
