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

package session

import "github.com/mochi-mqtt/server/v2/packets"

// PacketEvent carries one framed MQTT control packet from the transport
// into the session's dispatch loop.
type PacketEvent struct {
	Packet *packets.Packet
}

// CloseEvent signals that the transport closed.
type CloseEvent struct{}

// TimeoutEvent signals keepalive expiry on the transport.
type TimeoutEvent struct{}

// ErrorEvent signals a transport error.
type ErrorEvent struct {
	Err error
}
