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

package auth

import (
	"fmt"
	"sync"
)

// MemoryAuthenticator verifies credentials against an in-memory user table
// populated from configuration.
type MemoryAuthenticator struct {
	users   map[string]*User
	enabled bool
	mu      sync.RWMutex
}

// NewMemoryAuthenticator creates an empty, enabled memory authenticator.
func NewMemoryAuthenticator() *MemoryAuthenticator {
	return &MemoryAuthenticator{
		users:   make(map[string]*User),
		enabled: true,
	}
}

// Name returns the name of this authenticator.
func (ma *MemoryAuthenticator) Name() string {
	return "memory"
}

// Enabled returns whether this authenticator is enabled.
func (ma *MemoryAuthenticator) Enabled() bool {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return ma.enabled
}

// SetEnabled enables or disables this authenticator.
func (ma *MemoryAuthenticator) SetEnabled(enabled bool) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.enabled = enabled
}

// AddUser hashes password with the given algorithm and stores the entry.
func (ma *MemoryAuthenticator) AddUser(username, password string, algorithm HashAlgorithm) error {
	ma.mu.Lock()
	defer ma.mu.Unlock()

	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}

	salt := ""
	if algorithm == HashSHA256 {
		salt = username
	}

	passwordHash, err := hashPassword(password, salt, algorithm)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	ma.users[username] = &User{
		Username:     username,
		PasswordHash: passwordHash,
		Algorithm:    algorithm,
		Salt:         salt,
		Enabled:      true,
	}
	return nil
}

// RemoveUser deletes a user entry.
func (ma *MemoryAuthenticator) RemoveUser(username string) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	delete(ma.users, username)
}

// Authenticate verifies the provided credentials against the user table.
func (ma *MemoryAuthenticator) Authenticate(username, password string) AuthResult {
	ma.mu.RLock()
	defer ma.mu.RUnlock()

	user, ok := ma.users[username]
	if !ok || !user.Enabled {
		return AuthFailure
	}

	match, err := verifyPassword(user, password)
	if err != nil {
		return AuthError
	}
	if !match {
		return AuthFailure
	}
	return AuthSuccess
}
