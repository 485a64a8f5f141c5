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

package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"shellies/plug/relay/0", "shellies/plug/relay/0", true},
		{"shellies/plug/relay/0", "shellies/plug/relay/1", false},
		{"shellies/+/relay/0", "shellies/plug/relay/0", true},
		{"shellies/+/relay/0", "shellies/plug/other/relay/0", false},
		{"shellies/#", "shellies/plug/relay/0", true},
		{"shellies/#", "shellies", true},
		{"#", "anything/at/all", true},
		{"shellies/+", "shellies/plug", true},
		{"shellies/+", "shellies/plug/relay", false},
		{"shellies/#/relay", "shellies/plug/relay", false},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, Match(c.filter, c.topic), "Match(%q, %q)", c.filter, c.topic)
	}
}

func TestSetSubscribeUnsubscribe(t *testing.T) {
	s := NewSet()
	s.Subscribe("plug/rpc", 1)
	s.Subscribe("plug/events/#", 2)

	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Matches("plug/rpc"))
	assert.True(t, s.Matches("plug/events/rpc"))
	assert.False(t, s.Matches("plug/online"))

	s.Unsubscribe("plug/rpc")
	assert.False(t, s.Matches("plug/rpc"))
	assert.Equal(t, 1, s.Len())

	// Unsubscribing an unknown filter is harmless.
	s.Unsubscribe("never/subscribed")
}

func TestSetFiltersCopy(t *testing.T) {
	s := NewSet()
	s.Subscribe("plug/rpc", 1)

	got := s.Filters()
	got["plug/rpc"] = 0
	got["injected"] = 2

	assert.Equal(t, map[string]byte{"plug/rpc": 1}, s.Filters())
}
