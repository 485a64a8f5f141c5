// Copyright 2025 The shellybridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth verifies device credentials carried in the MQTT CONNECT
// packet against the configured bridge credentials. Passwords may be
// stored plain, SHA256-hashed, or bcrypt-hashed.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
)

// HashAlgorithm selects the password hashing scheme for a stored user.
type HashAlgorithm string

const (
	// HashPlain stores the password as-is.
	HashPlain HashAlgorithm = "plain"
	// HashSHA256 stores a hex SHA256 digest of salt+password.
	HashSHA256 HashAlgorithm = "sha256"
	// HashBcrypt stores a bcrypt hash.
	HashBcrypt HashAlgorithm = "bcrypt"
)

// User is one configured credential entry.
type User struct {
	Username     string        `json:"username"`
	PasswordHash string        `json:"password_hash"`
	Algorithm    HashAlgorithm `json:"algorithm"`
	Salt         string        `json:"salt,omitempty"`
	Enabled      bool          `json:"enabled"`
}

// AuthResult is the outcome of an authentication attempt.
type AuthResult int

const (
	// AuthSuccess indicates the credentials matched.
	AuthSuccess AuthResult = iota
	// AuthFailure indicates the credentials did not match.
	AuthFailure
	// AuthError indicates verification itself failed.
	AuthError
	// AuthIgnore indicates the authenticator has no opinion.
	AuthIgnore
)

// String returns the string representation of AuthResult.
func (ar AuthResult) String() string {
	switch ar {
	case AuthSuccess:
		return "success"
	case AuthFailure:
		return "failure"
	case AuthError:
		return "error"
	case AuthIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Authenticator verifies a username/password pair.
type Authenticator interface {
	// Authenticate verifies the provided credentials.
	Authenticate(username, password string) AuthResult
	// Name returns the name of the authenticator.
	Name() string
	// Enabled returns whether the authenticator is enabled.
	Enabled() bool
}

// Chain runs authenticators in order until one decides.
type Chain struct {
	authenticators []Authenticator
	enabled        bool
}

// NewChain creates an empty, enabled authentication chain.
func NewChain() *Chain {
	return &Chain{
		authenticators: make([]Authenticator, 0),
		enabled:        true,
	}
}

// AddAuthenticator appends an authenticator to the chain.
func (c *Chain) AddAuthenticator(a Authenticator) {
	c.authenticators = append(c.authenticators, a)
}

// SetEnabled enables or disables the whole chain.
func (c *Chain) SetEnabled(enabled bool) {
	c.enabled = enabled
}

// Authenticate runs the chain. The first AuthSuccess or AuthFailure wins;
// AuthError is logged and the chain continues; if every authenticator
// ignores the attempt, it fails.
func (c *Chain) Authenticate(username, password string) AuthResult {
	if !c.enabled {
		return AuthIgnore
	}

	if len(c.authenticators) == 0 {
		log.Printf("[WARN] No authenticators configured, allowing connection")
		return AuthIgnore
	}

	for _, a := range c.authenticators {
		if !a.Enabled() {
			continue
		}
		switch result := a.Authenticate(username, password); result {
		case AuthSuccess, AuthFailure:
			return result
		case AuthError:
			log.Printf("[ERROR] Authenticator %s failed, trying next", a.Name())
		}
	}
	return AuthFailure
}

// hashPassword hashes password with the given salt and algorithm.
func hashPassword(password, salt string, algorithm HashAlgorithm) (string, error) {
	switch algorithm {
	case HashPlain:
		return password, nil
	case HashSHA256:
		sum := sha256.Sum256([]byte(salt + password))
		return fmt.Sprintf("%x", sum), nil
	case HashBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

// verifyPassword checks password against the stored hash for user.
func verifyPassword(user *User, password string) (bool, error) {
	switch user.Algorithm {
	case HashPlain:
		// Bytewise comparison of the configured password.
		return subtle.ConstantTimeCompare([]byte(user.PasswordHash), []byte(password)) == 1, nil
	case HashSHA256:
		sum := sha256.Sum256([]byte(user.Salt + password))
		return subtle.ConstantTimeCompare([]byte(user.PasswordHash), []byte(fmt.Sprintf("%x", sum))) == 1, nil
	case HashBcrypt:
		err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password))
		if err == bcrypt.ErrMismatchedHashAndPassword {
			return false, nil
		}
		return err == nil, err
	default:
		return false, fmt.Errorf("unsupported hash algorithm: %s", user.Algorithm)
	}
}
