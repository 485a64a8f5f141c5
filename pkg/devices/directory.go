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

package devices

import (
	"github.com/turtacn/shellybridge/pkg/storage"
)

// Directory answers whether a device identity is allowed to connect.
type Directory interface {
	// Exists reports whether deviceID is known to the directory.
	Exists(deviceID string) bool
}

// OpenDirectory admits every device whose identity could be resolved, i.e.
// every device whose class appears in the type table. This mirrors the
// default behavior of accepting any device of the supported families.
type OpenDirectory struct{}

// NewOpenDirectory creates a directory that admits all resolved identities.
func NewOpenDirectory() *OpenDirectory {
	return &OpenDirectory{}
}

// Exists reports whether deviceID names a resolvable identity.
func (d *OpenDirectory) Exists(deviceID string) bool {
	return deviceID != ""
}

// MemoryDirectory is an explicit allow-list of provisioned device ids.
type MemoryDirectory struct {
	store storage.Store
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{store: storage.NewMemStore()}
}

// Add provisions a device id.
func (d *MemoryDirectory) Add(deviceID string) {
	_ = d.store.Set(deviceID, struct{}{})
}

// Remove deprovisions a device id.
func (d *MemoryDirectory) Remove(deviceID string) {
	_ = d.store.Delete(deviceID)
}

// Exists reports whether deviceID has been provisioned.
func (d *MemoryDirectory) Exists(deviceID string) bool {
	if deviceID == "" {
		return false
	}
	_, err := d.store.Get(deviceID)
	return err == nil
}
