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

// Package identity derives a stable device identity from the MQTT CONNECT
// packet. The client identifier conventionally carries the device class
// and serial ("<class>-<serial>", optionally wrapped in a namespace path),
// and the last-will topic carries the device's topic prefix. Every
// derivation is computed at most once over the immutable connect packet; a
// step that cannot extract a value leaves the field unresolved rather than
// failing.
package identity

import (
	"context"
	"strings"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/turtacn/shellybridge/pkg/devices"
)

// PrefixQuery is the out-of-band fallback for topic-prefix resolution when
// the CONNECT packet carries no usable will topic. Implementations query
// the device directly (HTTP settings endpoint for gen1, JSON-RPC for gen2)
// and may fail, in which case the prefix stays unresolved.
type PrefixQuery interface {
	Fetch(ctx context.Context, gen devices.Generation) (string, error)
}

// Resolver derives device identity fields from a captured CONNECT packet.
// Fields are memoized after the first successful derivation and never
// change afterwards. Resolver is not safe for concurrent use; each session
// owns exactly one and calls it from its dispatch loop.
type Resolver struct {
	clientID  string
	willFlag  bool
	willTopic string
	types     devices.TypeTable

	class    string
	serial   string
	def      devices.Definition
	defKnown bool
	deviceID string

	prefix    string
	prefixSet bool
}

// NewResolver captures the identity-relevant parts of the connect packet.
func NewResolver(pk *packets.Packet, types devices.TypeTable) *Resolver {
	return &Resolver{
		clientID:  pk.Connect.ClientIdentifier,
		willFlag:  pk.Connect.WillFlag,
		willTopic: pk.Connect.WillTopic,
		types:     types,
	}
}

// token returns the "<class>-<serial>" token of the client identifier with
// any path-style namespace wrapper stripped.
func (r *Resolver) token() string {
	token := r.clientID
	if strings.Contains(token, "/") {
		segs := strings.Split(token, "/")
		if len(segs) < 2 {
			return ""
		}
		token = segs[1]
	}
	return token
}

// DeviceClass returns the device class portion of the client identifier,
// or "" if it cannot be derived.
func (r *Resolver) DeviceClass() string {
	if r.class != "" {
		return r.class
	}
	token := r.token()
	idx := strings.LastIndex(token, "-")
	if idx <= 0 {
		return ""
	}
	r.class = strings.ToLower(token[:idx])
	return r.class
}

// SerialID returns the serial suffix of the client identifier, or "" if it
// cannot be derived.
func (r *Resolver) SerialID() string {
	if r.serial != "" {
		return r.serial
	}
	token := r.token()
	idx := strings.LastIndex(token, "-")
	if idx < 0 || idx == len(token)-1 {
		return ""
	}
	r.serial = token[idx+1:]
	return r.serial
}

// definition resolves the device class against the type table.
func (r *Resolver) definition() (devices.Definition, bool) {
	if r.defKnown {
		return r.def, true
	}
	class := r.DeviceClass()
	if class == "" {
		return devices.Definition{}, false
	}
	def, ok := r.types.Lookup(class)
	if !ok {
		return devices.Definition{}, false
	}
	r.def = def
	r.defKnown = true
	return def, true
}

// DeviceType returns the firmware model code for the device class, or ""
// when the class is unknown.
func (r *Resolver) DeviceType() string {
	def, ok := r.definition()
	if !ok {
		return ""
	}
	return def.Model
}

// Generation returns the protocol generation of the device, and false when
// the class is unknown.
func (r *Resolver) Generation() (devices.Generation, bool) {
	def, ok := r.definition()
	if !ok {
		return 0, false
	}
	return def.Generation, true
}

// DeviceID returns the stable device id "<type>#<serial>#1", or "" while
// either component is unresolved.
func (r *Resolver) DeviceID() string {
	if r.deviceID != "" {
		return r.deviceID
	}
	deviceType := r.DeviceType()
	serial := r.SerialID()
	if deviceType == "" || serial == "" {
		return ""
	}
	r.deviceID = deviceType + "#" + serial + "#1"
	return r.deviceID
}

// TopicPrefix returns the resolved prefix and whether it has been resolved.
func (r *Resolver) TopicPrefix() (string, bool) {
	return r.prefix, r.prefixSet
}

// ResolvePrefix resolves the topic prefix, first from the will topic, then
// through the out-of-band query. Once resolved the prefix is fixed for the
// resolver's lifetime and further calls return the cached value. A nil
// query or a query failure leaves the prefix unresolved; that is not an
// error, the device is simply not fully initialized yet.
func (r *Resolver) ResolvePrefix(ctx context.Context, query PrefixQuery) (string, bool) {
	if r.prefixSet {
		return r.prefix, true
	}
	gen, ok := r.Generation()
	if !ok {
		return "", false
	}

	if prefix, ok := prefixFromWill(r.willFlag, r.willTopic, gen); ok {
		r.prefix = prefix
		r.prefixSet = true
		return prefix, true
	}

	if query == nil {
		return "", false
	}
	prefix, err := query.Fetch(ctx, gen)
	if err != nil || prefix == "" {
		return "", false
	}
	r.prefix = prefix
	r.prefixSet = true
	return prefix, true
}

// prefixFromWill derives the topic prefix from the last-will topic.
// Generation 1 devices announce under the literal "shellies" namespace and
// the prefix is the second path segment. Generation 2 devices have no
// fixed namespace; the prefix is the will topic minus its final segment.
func prefixFromWill(willFlag bool, willTopic string, gen devices.Generation) (string, bool) {
	if !willFlag || willTopic == "" {
		return "", false
	}
	switch gen {
	case devices.Gen1:
		segs := strings.Split(willTopic, "/")
		if len(segs) < 2 || segs[0] != "shellies" || segs[1] == "" {
			return "", false
		}
		return segs[1], true
	case devices.Gen2:
		idx := strings.LastIndex(willTopic, "/")
		if idx <= 0 {
			return "", false
		}
		return willTopic[:idx], true
	}
	return "", false
}
