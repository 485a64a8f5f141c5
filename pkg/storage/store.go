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

// Package storage provides a generic key-value store interface with an
// in-memory implementation. The bridge uses it to back the in-memory
// device directory.
package storage

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when a key is not present in the store.
var ErrNotFound = errors.New("not found")

// Store is a minimal key-value store.
type Store interface {
	// Get retrieves the value for key, or ErrNotFound.
	Get(key string) (interface{}, error)
	// Set adds or replaces the value for key.
	Set(key string, value interface{}) error
	// Delete removes the value for key. Deleting a missing key is a no-op.
	Delete(key string) error
}

// MemStore is a mutex-guarded, map-backed Store safe for concurrent use.
type MemStore struct {
	data map[string]interface{}
	mu   sync.RWMutex
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string]interface{}),
	}
}

// Get retrieves a value from the store.
func (s *MemStore) Get(key string) (interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// Set adds or replaces a value in the store.
func (s *MemStore) Set(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Delete removes a value from the store.
func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
