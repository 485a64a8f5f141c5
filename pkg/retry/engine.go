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

package retry

import (
	"log"
	"sync"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/turtacn/shellybridge/pkg/metrics"
)

// FrameWriter writes one encoded MQTT control packet to the device
// transport. Implementations must be safe for concurrent use and must not
// call back into the engine.
type FrameWriter interface {
	WritePacket(pk *packets.Packet) error
}

// Engine owns a session's in-flight record store and message-id counter.
// It drives outbound publish delivery and both directions of the QoS2
// handshake. All entry points are serialized on an internal mutex, so the
// session dispatch loop, external state writers, and retry timers can all
// call in concurrently. After Close returns, no timer callback touches
// session state again.
type Engine struct {
	mu     sync.Mutex
	writer FrameWriter
	owner  string

	records     map[uint16]*Record
	nextID      uint32
	closed      bool
	interval    time.Duration
	maxAttempts int

	// onDeliveryFailed observes retry exhaustion. Called with the engine
	// lock held; it must not call back into the engine.
	onDeliveryFailed func(topic string, id uint16)
}

// NewEngine creates an engine for one session. owner is used in logs.
func NewEngine(owner string, writer FrameWriter) *Engine {
	return &Engine{
		writer:      writer,
		owner:       owner,
		records:     make(map[uint16]*Record),
		interval:    Interval,
		maxAttempts: MaxAttempts,
	}
}

// OnDeliveryFailed registers the retry-exhaustion observer.
func (e *Engine) OnDeliveryFailed(fn func(topic string, id uint16)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDeliveryFailed = fn
}

// allocateID returns the next message id. The counter is 32-bit and wraps
// past its maximum without blocking; the wire id is its low 16 bits. Zero
// is not a valid packet id and ids still in flight are skipped, so an id
// is never reused while its exchange is pending.
func (e *Engine) allocateID() uint16 {
	for {
		e.nextID++
		id := uint16(e.nextID)
		if id == 0 {
			continue
		}
		if _, inFlight := e.records[id]; inFlight {
			continue
		}
		return id
	}
}

// SendState publishes a state change to the device. QoS 0 frames are fire
// and forget. For QoS 1 and 2, any pending publish for the same topic is
// superseded (only the newest write per topic is retried), a publish-kind
// record is registered, and the retry timer armed. callback, if non-nil,
// is invoked once with the exchange outcome: nil on acknowledgment,
// ErrSuperseded, ErrRetryExhausted, or ErrSessionClosed.
func (e *Engine) SendState(topic string, payload []byte, qos byte, retain bool, callback func(error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		if callback != nil {
			callback(ErrSessionClosed)
		}
		return ErrSessionClosed
	}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    qos,
			Retain: retain,
		},
		TopicName: topic,
		Payload:   payload,
	}

	if qos == 0 {
		if err := e.writer.WritePacket(&pk); err != nil {
			log.Printf("[WARN] %s: dropping untracked publish to %s: %v", e.owner, topic, err)
			return err
		}
		if callback != nil {
			callback(nil)
		}
		return nil
	}

	id := e.allocateID()
	pk.PacketID = id

	// Supersede any stale pending write to the same topic; the device
	// only ever needs the newest value.
	for _, r := range e.records {
		if r.Kind == KindPublish && r.Topic == topic {
			e.removeLocked(r)
			r.done(ErrSuperseded)
		}
	}

	now := time.Now()
	r := &Record{
		ID:          id,
		Kind:        KindPublish,
		Frame:       pk,
		Topic:       topic,
		CreatedAt:   now,
		LastAttempt: now,
		callback:    callback,
	}
	e.records[id] = r
	r.timer = time.AfterFunc(e.interval, func() { e.retryFire(id) })

	if err := e.writer.WritePacket(&pk); err != nil {
		// The armed retry schedule is the only recovery path.
		log.Printf("[WARN] %s: initial send of publish %d to %s failed: %v", e.owner, id, topic, err)
	}
	return nil
}

// retryFire runs when a record's timer expires. While the attempt count is
// below the cap it retransmits the tracked frame verbatim (with the
// duplicate flag for publishes) and rearms. At the cap the timer stops
// rearming, the record remains, and the exhaustion observers fire.
func (e *Engine) retryFire(id uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	r, ok := e.records[id]
	if !ok || r.Attempts >= e.maxAttempts {
		return
	}

	frame := r.Frame
	if r.Kind == KindPublish {
		frame.FixedHeader.Dup = true
	}
	if err := e.writer.WritePacket(&frame); err != nil {
		log.Printf("[WARN] %s: retransmission of %s %d failed: %v", e.owner, r.Kind, id, err)
	}
	r.Attempts++
	r.LastAttempt = time.Now()
	metrics.RetransmissionsTotal.WithLabelValues(r.Kind.String()).Inc()

	if r.Attempts < e.maxAttempts {
		r.timer.Reset(e.interval)
		return
	}

	// Delivery abandoned. The record stays so the id is not reused for a
	// new exchange, but nothing will retry it again.
	log.Printf("[ERROR] %s: giving up on %s %d (topic %q) after %d attempts", e.owner, r.Kind, id, r.Topic, r.Attempts)
	metrics.RetryExhaustedTotal.Inc()
	if e.onDeliveryFailed != nil {
		e.onDeliveryFailed(r.Topic, id)
	}
	r.done(ErrRetryExhausted)
}

// HandlePuback completes a QoS1 publish.
func (e *Engine) HandlePuback(id uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.records[id]
	if !ok || r.Kind != KindPublish {
		e.logUnmatched("PUBACK", id, r)
		return
	}
	e.removeLocked(r)
	r.done(nil)
}

// HandlePubrec advances an outbound QoS2 exchange: the publish record
// becomes a pubrel record, the retry timer is rearmed, and PUBREL is sent
// immediately.
func (e *Engine) HandlePubrec(id uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.records[id]
	if !ok || r.Kind != KindPublish {
		e.logUnmatched("PUBREC", id, r)
		return
	}

	r.Kind = KindPubrel
	r.Frame = packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
		PacketID:    id,
	}
	r.Attempts = 0
	r.LastAttempt = time.Now()
	r.timer.Reset(e.interval)

	if err := e.writer.WritePacket(&r.Frame); err != nil {
		log.Printf("[WARN] %s: sending PUBREL %d failed: %v", e.owner, id, err)
	}
}

// HandlePubcomp completes an outbound QoS2 exchange.
func (e *Engine) HandlePubcomp(id uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.records[id]
	if !ok || r.Kind != KindPubrel {
		e.logUnmatched("PUBCOMP", id, r)
		return
	}
	e.removeLocked(r)
	r.done(nil)
}

// TrackInboundQoS2 replies PUBREC to a device-originated QoS2 publish and
// registers a pubrec record awaiting the device's PUBREL. A duplicate
// publish for an id already tracked just gets PUBREC again.
func (e *Engine) TrackInboundQoS2(id uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	if r, ok := e.records[id]; ok {
		if r.Kind == KindPubrec {
			if err := e.writer.WritePacket(&r.Frame); err != nil {
				log.Printf("[WARN] %s: resending PUBREC %d failed: %v", e.owner, id, err)
			}
		} else {
			log.Printf("[WARN] %s: inbound QoS2 publish %d collides with in-flight %s", e.owner, id, r.Kind)
		}
		return
	}

	now := time.Now()
	r := &Record{
		ID:   id,
		Kind: KindPubrec,
		Frame: packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
			PacketID:    id,
		},
		CreatedAt:   now,
		LastAttempt: now,
	}
	e.records[id] = r
	r.timer = time.AfterFunc(e.interval, func() { e.retryFire(id) })

	if err := e.writer.WritePacket(&r.Frame); err != nil {
		log.Printf("[WARN] %s: sending PUBREC %d failed: %v", e.owner, id, err)
	}
}

// HandlePubrel completes an inbound QoS2 exchange and replies PUBCOMP.
func (e *Engine) HandlePubrel(id uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.records[id]
	if !ok || r.Kind != KindPubrec {
		e.logUnmatched("PUBREL", id, r)
		return
	}
	e.removeLocked(r)
	r.done(nil)

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubcomp},
		PacketID:    id,
	}
	if err := e.writer.WritePacket(&pk); err != nil {
		log.Printf("[WARN] %s: sending PUBCOMP %d failed: %v", e.owner, id, err)
	}
}

// InFlight returns the number of tracked exchanges.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

// Lookup returns the kind of the record for id, if one exists.
func (e *Engine) Lookup(id uint16) (Kind, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.records[id]
	if !ok {
		return 0, false
	}
	return r.Kind, true
}

// Close cancels every timer, fails pending callbacks with
// ErrSessionClosed, clears the store, and resets the message-id counter.
// It is idempotent and synchronous: once Close returns, no retry timer
// owned by this engine will fire again.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for _, r := range e.records {
		if r.timer != nil {
			r.timer.Stop()
		}
		r.done(ErrSessionClosed)
	}
	e.records = make(map[uint16]*Record)
	e.nextID = 0
}

// removeLocked drops a record and stops its timer. Caller holds e.mu.
func (e *Engine) removeLocked(r *Record) {
	if r.timer != nil {
		r.timer.Stop()
	}
	delete(e.records, r.ID)
}

// logUnmatched records an acknowledgment that matched nothing. The frame
// is ignored: no state mutation, no response, no error to the caller.
func (e *Engine) logUnmatched(frame string, id uint16, r *Record) {
	metrics.UnmatchedAcksTotal.Inc()
	if r == nil {
		log.Printf("[WARN] %s: %s for unknown message id %d ignored", e.owner, frame, id)
		return
	}
	log.Printf("[WARN] %s: %s for message id %d ignored, in-flight record is %s", e.owner, frame, id, r.Kind)
}
