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

// Package retry implements the QoS1/QoS2 delivery-guarantee engine: per
// message-id in-flight records, timed retransmission with a bounded
// attempt count, and acknowledgment matching for both directions of the
// QoS2 handshake.
package retry

import (
	"errors"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
)

// Kind identifies which frame an in-flight record retransmits and thereby
// which acknowledgment completes it.
type Kind int

const (
	// KindPublish awaits PUBACK (QoS1) or PUBREC (QoS2) for an outbound
	// PUBLISH.
	KindPublish Kind = iota
	// KindPubrel awaits PUBCOMP completing an outbound QoS2 exchange.
	KindPubrel
	// KindPubrec awaits PUBREL completing an inbound QoS2 exchange.
	KindPubrec
	// KindPubcomp retransmits a PUBCOMP. No normal flow creates such a
	// record; the kind exists so every handshake frame can be tracked.
	KindPubcomp
)

// String returns the wire name of the tracked frame.
func (k Kind) String() string {
	switch k {
	case KindPublish:
		return "publish"
	case KindPubrel:
		return "pubrel"
	case KindPubrec:
		return "pubrec"
	case KindPubcomp:
		return "pubcomp"
	default:
		return "unknown"
	}
}

const (
	// Interval is the fixed period between retransmissions.
	Interval = 5 * time.Second
	// MaxAttempts caps retransmissions per record. Once reached, the
	// record is abandoned in place and never retried again.
	MaxAttempts = 10
)

var (
	// ErrSessionClosed reports that the owning session was destroyed with
	// the exchange still in flight.
	ErrSessionClosed = errors.New("session closed")
	// ErrSuperseded reports that a newer state write for the same topic
	// replaced this exchange before it was acknowledged.
	ErrSuperseded = errors.New("superseded by newer state for topic")
	// ErrRetryExhausted reports that the retransmission cap was reached
	// with no acknowledgment.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// Record tracks one in-flight protocol exchange, keyed by message id
// unique within the owning session.
type Record struct {
	// ID is the message id correlating the exchange's frames.
	ID uint16
	// Kind is the exchange kind; it determines the retransmitted frame
	// and the expected acknowledgment.
	Kind Kind
	// Frame is the exact frame to retransmit.
	Frame packets.Packet
	// Topic is the publish topic, used to supersede stale writes. Empty
	// for handshake-only records.
	Topic string
	// CreatedAt is when the exchange started.
	CreatedAt time.Time
	// LastAttempt is when the frame was last (re)sent.
	LastAttempt time.Time
	// Attempts counts retransmissions, 0..MaxAttempts.
	Attempts int

	timer    *time.Timer
	callback func(error)
}

// done completes the record's callback exactly once.
func (r *Record) done(err error) {
	if r.callback != nil {
		cb := r.callback
		r.callback = nil
		cb(err)
	}
}
