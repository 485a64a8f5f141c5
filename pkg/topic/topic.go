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

// Package topic tracks the subscription filters of a single device
// session and matches topic names against them with MQTT wildcard
// semantics. The bridge serves exactly one subscriber per connection, so
// there is no fan-out tree, just the device's own filter set.
package topic

import (
	"strings"
	"sync"
)

// Set is one session's subscription filters with their granted QoS.
type Set struct {
	mu      sync.RWMutex
	filters map[string]byte
}

// NewSet creates an empty filter set.
func NewSet() *Set {
	return &Set{
		filters: make(map[string]byte),
	}
}

// Subscribe adds or updates a filter with its granted QoS.
func (s *Set) Subscribe(filter string, qos byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters[filter] = qos
}

// Unsubscribe removes a filter. Removing an unknown filter is a no-op.
func (s *Set) Unsubscribe(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.filters, filter)
}

// Matches reports whether any subscribed filter matches topicName.
func (s *Set) Matches(topicName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for filter := range s.filters {
		if Match(filter, topicName) {
			return true
		}
	}
	return false
}

// Filters returns a copy of the current filter set.
func (s *Set) Filters() map[string]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]byte, len(s.filters))
	for f, q := range s.filters {
		out[f] = q
	}
	return out
}

// Len returns the number of subscribed filters.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.filters)
}

// Match reports whether an MQTT topic filter matches a concrete topic
// name. "+" matches exactly one level, "#" matches the remainder and must
// be the final level.
func Match(filter, topicName string) bool {
	if filter == topicName {
		return true
	}

	fp := strings.Split(filter, "/")
	tp := strings.Split(topicName, "/")

	for i, part := range fp {
		if part == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if part != "+" && part != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
