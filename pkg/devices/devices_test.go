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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinTypeTableLookup(t *testing.T) {
	table := NewBuiltinTypeTable()

	def, ok := table.Lookup("shellyplug-s")
	require.True(t, ok)
	assert.Equal(t, "SHPLG-S", def.Model)
	assert.Equal(t, Gen1, def.Generation)

	def, ok = table.Lookup("shellyplus1pm")
	require.True(t, ok)
	assert.Equal(t, "SNSW-001P16EU", def.Model)
	assert.Equal(t, Gen2, def.Generation)

	_, ok = table.Lookup("toasteriq9000")
	assert.False(t, ok)
}

func TestOpenDirectory(t *testing.T) {
	d := NewOpenDirectory()
	assert.True(t, d.Exists("SHPLG-S#ABCDEF#1"))
	assert.False(t, d.Exists(""))
}

func TestMemoryDirectory(t *testing.T) {
	d := NewMemoryDirectory()
	assert.False(t, d.Exists("SHPLG-S#ABCDEF#1"))

	d.Add("SHPLG-S#ABCDEF#1")
	assert.True(t, d.Exists("SHPLG-S#ABCDEF#1"))
	assert.False(t, d.Exists("SHPLG-S#FEDCBA#1"))
	assert.False(t, d.Exists(""))

	d.Remove("SHPLG-S#ABCDEF#1")
	assert.False(t, d.Exists("SHPLG-S#ABCDEF#1"))
}
