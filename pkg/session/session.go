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

// Package session implements the per-connection device session: an actor
// that consumes protocol events from its mailbox, drives the MQTT 3.1.1
// handshake, resolves device identity, and owns the QoS retry engine for
// the connection's lifetime. Exactly one session exists per transport
// connection, and at most one per device id once authenticated.
package session

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/turtacn/shellybridge/pkg/actor"
	"github.com/turtacn/shellybridge/pkg/auth"
	"github.com/turtacn/shellybridge/pkg/devices"
	"github.com/turtacn/shellybridge/pkg/identity"
	"github.com/turtacn/shellybridge/pkg/metrics"
	"github.com/turtacn/shellybridge/pkg/registry"
	"github.com/turtacn/shellybridge/pkg/retry"
	"github.com/turtacn/shellybridge/pkg/topic"
)

// CONNACK return codes from the 3.1.1 specification. Unknown devices and
// bad credentials both map to "not authorized": the device learns nothing
// about which check failed.
const (
	ConnackAccepted byte = 0x00
	ConnackRefused  byte = 0x04
)

// prefixQueryBudget bounds the out-of-band prefix query during the
// handshake so a stalled device cannot hang the dispatch loop.
const prefixQueryBudget = 10 * time.Second

// State is the lifecycle state of a session.
type State int32

const (
	StateInit State = iota
	StateAwaitingAuth
	StateAuthenticated
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Will is the captured last-will announcement of a connected device.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Hooks receives session lifecycle notifications. Methods are invoked from
// the session's dispatch loop (OnDeliveryFailed from a retry timer with
// the engine lock held) and must not call back into the retry engine.
type Hooks interface {
	// OnIdentityResolved fires once the device id is known, after a
	// successful handshake.
	OnIdentityResolved(s *Session)
	// OnDeviceOnline fires when the session becomes authenticated.
	OnDeviceOnline(s *Session)
	// OnDeviceOffline fires when an authenticated session is destroyed.
	OnDeviceOffline(s *Session)
	// OnMessage fires for every accepted device-originated publish.
	OnMessage(s *Session, topicName string, payload []byte)
	// OnDeliveryFailed fires when an outbound exchange exhausts its retry
	// budget.
	OnDeliveryFailed(s *Session, topicName string, messageID uint16)
}

// NopHooks is a Hooks implementation that ignores every notification.
type NopHooks struct{}

func (NopHooks) OnIdentityResolved(*Session)               {}
func (NopHooks) OnDeviceOnline(*Session)                   {}
func (NopHooks) OnDeviceOffline(*Session)                  {}
func (NopHooks) OnMessage(*Session, string, []byte)        {}
func (NopHooks) OnDeliveryFailed(*Session, string, uint16) {}

// Transport is the session's handle on the underlying connection. Closing
// it unblocks the transport reader; the session never reads from it.
type Transport interface {
	io.Closer
	RemoteAddr() net.Addr
}

// Options wires a session to its collaborators.
type Options struct {
	Conn        Transport
	Writer      retry.FrameWriter
	Registry    *registry.Registry
	Auth        *auth.Chain
	Directory   devices.Directory
	Types       devices.TypeTable
	PrefixQuery identity.PrefixQuery
	Hooks       Hooks
}

// Session is the per-connection state machine. It implements actor.Actor
// and registry.Connection.
type Session struct {
	conn        Transport
	writer      retry.FrameWriter
	registry    *registry.Registry
	auth        *auth.Chain
	directory   devices.Directory
	types       devices.TypeTable
	prefixQuery identity.PrefixQuery
	hooks       Hooks

	engine *retry.Engine
	subs   *topic.Set
	remote string
	done   chan struct{}

	mu       sync.Mutex
	state    State
	resolver *identity.Resolver
	deviceID string
	prefix   string
	will     *Will
	online   bool
	ctx      context.Context
}

// New creates a session for an accepted connection. The session starts in
// the init state; the dispatch loop moves it to awaiting-auth.
func New(opts Options) *Session {
	if opts.Hooks == nil {
		opts.Hooks = NopHooks{}
	}
	remote := ""
	if opts.Conn != nil && opts.Conn.RemoteAddr() != nil {
		remote = opts.Conn.RemoteAddr().String()
	}

	s := &Session{
		conn:        opts.Conn,
		writer:      opts.Writer,
		registry:    opts.Registry,
		auth:        opts.Auth,
		directory:   opts.Directory,
		types:       opts.Types,
		prefixQuery: opts.PrefixQuery,
		hooks:       opts.Hooks,
		subs:        topic.NewSet(),
		remote:      remote,
		done:        make(chan struct{}),
	}
	s.engine = retry.NewEngine(remote, opts.Writer)
	s.engine.OnDeliveryFailed(func(topicName string, id uint16) {
		s.hooks.OnDeliveryFailed(s, topicName, id)
	})
	return s
}

// Start runs the dispatch loop until the transport goes away, the device
// disconnects, or the context is cancelled. It always returns nil: every
// exit path is a normal session teardown, never a restartable crash.
func (s *Session) Start(ctx context.Context, mb *actor.Mailbox) error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateAwaitingAuth
	s.ctx = ctx
	s.mu.Unlock()

	defer s.Destroy()

	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			return nil
		}

		switch ev := msg.(type) {
		case PacketEvent:
			if s.handlePacket(ev.Packet) {
				return nil
			}
		case CloseEvent:
			log.Printf("[INFO] %s: connection closed", s.remote)
			return nil
		case TimeoutEvent:
			log.Printf("[WARN] %s: keepalive expired, destroying session", s.remote)
			return nil
		case ErrorEvent:
			log.Printf("[WARN] %s: transport error: %v", s.remote, ev.Err)
			return nil
		default:
			log.Printf("[WARN] %s: unhandled session event %T", s.remote, msg)
		}
	}
}

// handlePacket dispatches one control packet. It returns true when the
// packet terminates the session.
func (s *Session) handlePacket(pk *packets.Packet) bool {
	switch pk.FixedHeader.Type {
	case packets.Connect:
		s.handleConnect(pk)
	case packets.Publish:
		s.handlePublish(pk)
	case packets.Puback:
		s.engine.HandlePuback(pk.PacketID)
	case packets.Pubrec:
		s.engine.HandlePubrec(pk.PacketID)
	case packets.Pubrel:
		s.engine.HandlePubrel(pk.PacketID)
	case packets.Pubcomp:
		s.engine.HandlePubcomp(pk.PacketID)
	case packets.Subscribe:
		s.handleSubscribe(pk)
	case packets.Unsubscribe:
		s.handleUnsubscribe(pk)
	case packets.Pingreq:
		s.writeResponse(&packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pingresp},
		})
	case packets.Disconnect:
		log.Printf("[INFO] %s: device disconnected", s.remote)
		return true
	default:
		log.Printf("[WARN] %s: ignoring unexpected packet type %d", s.remote, pk.FixedHeader.Type)
	}
	return false
}

// handleConnect runs the handshake. Refusals keep the transport open: the
// device sees CONNACK 0x04 and decides for itself whether to retry, but
// the session stays unauthenticated and unregistered.
func (s *Session) handleConnect(pk *packets.Packet) {
	s.mu.Lock()
	if s.state == StateAuthenticated {
		s.mu.Unlock()
		log.Printf("[WARN] %s: duplicate CONNECT ignored", s.remote)
		return
	}
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	resolver := identity.NewResolver(pk, s.types)
	s.resolver = resolver
	s.mu.Unlock()

	deviceID := resolver.DeviceID()
	if deviceID == "" || !s.directory.Exists(deviceID) {
		log.Printf("[WARN] %s: refusing unknown device (client id %q)", s.remote, pk.Connect.ClientIdentifier)
		metrics.AuthRejectionsTotal.WithLabelValues("unknown_device").Inc()
		s.writeConnack(ConnackRefused)
		return
	}

	username := string(pk.Connect.Username)
	password := string(pk.Connect.Password)
	if s.auth != nil && s.auth.Authenticate(username, password) == auth.AuthFailure {
		log.Printf("[WARN] %s: refusing device %s: bad credentials", s.remote, deviceID)
		metrics.AuthRejectionsTotal.WithLabelValues("bad_credentials").Inc()
		s.writeConnack(ConnackRefused)
		return
	}

	s.mu.Lock()
	s.state = StateAuthenticated
	s.deviceID = deviceID
	s.online = true
	if pk.Connect.WillFlag {
		s.will = &Will{
			Topic:   pk.Connect.WillTopic,
			Payload: append([]byte(nil), pk.Connect.WillPayload...),
			QoS:     pk.Connect.WillQos,
			Retain:  pk.Connect.WillRetain,
		}
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.registry.Register(s)

	if ctx == nil {
		ctx = context.Background()
	}
	queryCtx, cancel := context.WithTimeout(ctx, prefixQueryBudget)
	prefix, resolved := resolver.ResolvePrefix(queryCtx, s.prefixQuery)
	cancel()
	if resolved {
		s.mu.Lock()
		s.prefix = prefix
		s.mu.Unlock()
	} else {
		// The session stays up; state writes to the device are simply not
		// addressable until the prefix is known.
		log.Printf("[ERROR] %s: topic prefix unresolved for device %s, device not fully initialized", s.remote, deviceID)
	}

	metrics.SessionsActive.Inc()
	s.hooks.OnDeviceOnline(s)
	s.hooks.OnIdentityResolved(s)

	log.Printf("[INFO] %s: device %s online (prefix %q)", s.remote, deviceID, prefix)
	s.writeConnack(ConnackAccepted)

	if gen, ok := resolver.Generation(); ok && gen == devices.Gen2 && resolved {
		s.requestDeviceInfo(prefix)
	}
}

// handlePublish accepts a device-originated publish and produces the
// acknowledgment its QoS demands.
func (s *Session) handlePublish(pk *packets.Packet) {
	s.mu.Lock()
	authenticated := s.state == StateAuthenticated
	s.mu.Unlock()
	if !authenticated {
		log.Printf("[WARN] %s: dropping publish to %s before handshake", s.remote, pk.TopicName)
		return
	}

	metrics.MessagesInTotal.Inc()

	switch pk.FixedHeader.Qos {
	case 0:
		s.hooks.OnMessage(s, pk.TopicName, pk.Payload)
	case 1:
		s.writeResponse(&packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Puback},
			PacketID:    pk.PacketID,
		})
		s.hooks.OnMessage(s, pk.TopicName, pk.Payload)
	case 2:
		// The engine replies PUBREC and deduplicates retransmissions; the
		// message itself is delivered at most once per id here because a
		// tracked duplicate never reaches OnMessage.
		if _, tracked := s.engine.Lookup(pk.PacketID); tracked {
			s.engine.TrackInboundQoS2(pk.PacketID)
			return
		}
		s.engine.TrackInboundQoS2(pk.PacketID)
		s.hooks.OnMessage(s, pk.TopicName, pk.Payload)
	}
}

func (s *Session) handleSubscribe(pk *packets.Packet) {
	codes := make([]byte, 0, len(pk.Filters))
	for _, sub := range pk.Filters {
		s.subs.Subscribe(sub.Filter, sub.Qos)
		codes = append(codes, sub.Qos)
	}
	log.Printf("[INFO] %s: subscribed %d filter(s)", s.remote, len(pk.Filters))
	s.writeResponse(&packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Suback},
		PacketID:    pk.PacketID,
		ReasonCodes: codes,
	})
}

func (s *Session) handleUnsubscribe(pk *packets.Packet) {
	for _, sub := range pk.Filters {
		s.subs.Unsubscribe(sub.Filter)
	}
	s.writeResponse(&packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsuback},
		PacketID:    pk.PacketID,
	})
}

// rpcRequest is the JSON-RPC envelope understood by generation 2 devices.
type rpcRequest struct {
	ID     int    `json:"id"`
	Src    string `json:"src"`
	Method string `json:"method"`
}

// requestDeviceInfo asks a generation 2 device to report its firmware
// details on its rpc topic. Fire and forget.
func (s *Session) requestDeviceInfo(prefix string) {
	payload, err := json.Marshal(rpcRequest{ID: 1, Src: "shellybridge", Method: "Shelly.GetDeviceInfo"})
	if err != nil {
		return
	}
	if err := s.engine.SendState(prefix+"/rpc", payload, 0, false, nil); err != nil {
		log.Printf("[WARN] %s: device info request failed: %v", s.remote, err)
	}
}

// SendState publishes a state change to the device through the retry
// engine. Delivery tracking and the callback contract are the engine's;
// see retry.Engine.SendState.
func (s *Session) SendState(topicName string, payload []byte, qos byte, retain bool, callback func(error)) error {
	s.mu.Lock()
	authenticated := s.state == StateAuthenticated
	s.mu.Unlock()
	if !authenticated {
		if callback != nil {
			callback(retry.ErrSessionClosed)
		}
		return retry.ErrSessionClosed
	}
	if !s.subs.Matches(topicName) {
		log.Printf("[WARN] %s: publishing to %s with no matching subscription", s.remote, topicName)
	}
	return s.engine.SendState(topicName, payload, qos, retain, callback)
}

// Destroy tears the session down: the retry engine closes (cancelling all
// timers), mutable identity state is cleared, the transport is closed, and
// the offline hook fires if the device was online. Idempotent and safe to
// call from any goroutine, including the registry evicting a stale
// session.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	wasOnline := s.online
	s.state = StateDestroyed
	s.online = false
	s.prefix = ""
	s.will = nil
	s.mu.Unlock()

	s.engine.Close()
	if s.conn != nil {
		s.conn.Close()
	}
	if wasOnline {
		metrics.SessionsActive.Dec()
		s.hooks.OnDeviceOffline(s)
		log.Printf("[INFO] %s: device %s offline", s.remote, s.DeviceID())
	}
	close(s.done)
}

// Done is closed once the session has been destroyed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// DeviceID returns the stable device id, or "" before authentication.
// Identity survives Destroy; only mutable state is cleared.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TopicPrefix returns the resolved device topic prefix, or "" while it is
// unresolved or after destruction.
func (s *Session) TopicPrefix() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefix
}

// Will returns a copy of the captured last-will announcement, if any.
func (s *Session) Will() *Will {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.will == nil {
		return nil
	}
	w := *s.will
	return &w
}

// Subscriptions returns a copy of the device's subscription filters.
func (s *Session) Subscriptions() map[string]byte {
	return s.subs.Filters()
}

// InFlight returns the number of tracked QoS exchanges.
func (s *Session) InFlight() int {
	return s.engine.InFlight()
}

// IP returns the remote IP of the transport, without the port.
func (s *Session) IP() string {
	host, _, err := net.SplitHostPort(s.remote)
	if err != nil {
		return s.remote
	}
	return host
}

// RemoteAddr returns the full remote address of the transport.
func (s *Session) RemoteAddr() string {
	return s.remote
}

func (s *Session) writeConnack(code byte) {
	s.writeResponse(&packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connack},
		ReasonCode:  code,
	})
}

func (s *Session) writeResponse(pk *packets.Packet) {
	if err := s.writer.WritePacket(pk); err != nil {
		log.Printf("[WARN] %s: writing %d response failed: %v", s.remote, pk.FixedHeader.Type, err)
	}
}
