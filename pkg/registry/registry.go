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

// Package registry tracks the single live session per device id. A device
// that reconnects (or a duplicate connection for the same physical
// device) evicts the stale session before the new one is installed. The
// table is owned by the listener and injected into sessions; its only
// writers are the handshake-success path and shutdown.
package registry

import (
	"log"
	"sync"
)

// Connection is the registry's view of a device session.
type Connection interface {
	// DeviceID returns the stable device identity of the session.
	DeviceID() string
	// Destroy tears the session down. Must be idempotent.
	Destroy()
}

// Registry maps device ids to their current session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]Connection
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]Connection),
	}
}

// Register installs conn as the live session for its device id. Any prior
// session for the same id is destroyed first, so at most one live session
// exists per device at any time.
func (r *Registry) Register(conn Connection) {
	deviceID := conn.DeviceID()
	if deviceID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.sessions[deviceID]; ok && prior != conn {
		log.Printf("[INFO] Replacing stale session for device %s", deviceID)
		prior.Destroy()
	}
	r.sessions[deviceID] = conn
}

// Lookup returns the current session for deviceID, if any.
func (r *Registry) Lookup(deviceID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.sessions[deviceID]
	return conn, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// DestroyAll destroys every registered session and clears the table. Used
// at shutdown.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for deviceID, conn := range r.sessions {
		conn.Destroy()
		delete(r.sessions, deviceID)
	}
}
