package socks5

import (
	"crypto/subtle"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// CredentialStore validates a username and password. The agent uses it for
// SOCKS5 users and for the relay password of its SSH server.
type CredentialStore interface {
	Valid(username, password string) bool
}

// StaticCredentials maps usernames to plaintext passwords.
type StaticCredentials map[string]string

// Valid compares in constant time.
func (s StaticCredentials) Valid(username, password string) bool {
	stored, ok := s[username]
	if !ok {
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}

// HashedCredentials maps usernames to bcrypt password hashes.
type HashedCredentials map[string]string

// dummyHash keeps unknown usernames as slow as known ones.
var dummyHash = sync.OnceValue(func() []byte {
	return []byte(MustHashPassword("kestrel-dummy-password"))
})

// Valid checks the password against the stored bcrypt hash.
func (h HashedCredentials) Valid(username, password string) bool {
	hash, ok := h[username]
	if !ok {
		bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// MustHashPassword is HashPassword for values known to hash.
func MustHashPassword(password string) string {
	hash, err := HashPassword(password)
	if err != nil {
		panic(err)
	}
	return hash
}

// MultiCredentials accepts a user found valid by any store. Every store is
// consulted so timing does not reveal which one matched.
type MultiCredentials []CredentialStore

func (m MultiCredentials) Valid(username, password string) bool {
	ok := false
	for _, s := range m {
		if s.Valid(username, password) {
			ok = true
		}
	}
	return ok
}
