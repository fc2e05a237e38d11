// Package authtest is a minimal in-memory Authenticator backend, intended
// for tests and small embedding demos: credentials live only in the
// process's memory and are hashed with scrypt, following the teacher's
// userdb.Scrypt scheme but without any on-disk format.
package authtest

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"sync"

	"golang.org/x/crypto/scrypt"
)

const (
	scryptLogN  = 14
	scryptR     = 8
	scryptP     = 1
	scryptKeLen = 32
	saltLen     = 16
)

type entry struct {
	salt      []byte
	encrypted []byte
}

// DB is a thread-safe, in-memory "user@domain" -> password credential
// store implementing smtpcore.Authenticator.
type DB struct {
	mu    sync.RWMutex
	users map[string]entry
}

// New returns an empty DB.
func New() *DB {
	return &DB{users: map[string]entry{}}
}

func key(user, domain string) string {
	return user + "@" + domain
}

// AddUser registers (or replaces) the credential for user@domain.
func (db *DB) AddUser(user, domain, plainPassword string) error {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("authtest: generating salt: %w", err)
	}

	enc, err := scrypt.Key([]byte(plainPassword), salt, 1<<scryptLogN, scryptR, scryptP, scryptKeLen)
	if err != nil {
		return fmt.Errorf("authtest: scrypt: %w", err)
	}

	db.mu.Lock()
	db.users[key(user, domain)] = entry{salt: salt, encrypted: enc}
	db.mu.Unlock()
	return nil
}

// RemoveUser deletes user@domain's credential, if present.
func (db *DB) RemoveUser(user, domain string) {
	db.mu.Lock()
	delete(db.users, key(user, domain))
	db.mu.Unlock()
}

// Exists reports whether user@domain has a registered credential.
func (db *DB) Exists(user, domain string) bool {
	db.mu.RLock()
	_, ok := db.users[key(user, domain)]
	db.mu.RUnlock()
	return ok
}

// Authenticate implements smtpcore.Authenticator.
func (db *DB) Authenticate(user, domain, password string) (bool, error) {
	db.mu.RLock()
	e, ok := db.users[key(user, domain)]
	db.mu.RUnlock()
	if !ok {
		return false, nil
	}

	dk, err := scrypt.Key([]byte(password), e.salt, 1<<scryptLogN, scryptR, scryptP, scryptKeLen)
	if err != nil {
		return false, fmt.Errorf("authtest: scrypt: %w", err)
	}

	return subtle.ConstantTimeCompare(dk, e.encrypted) == 1, nil
}
