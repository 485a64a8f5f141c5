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

// Package broker contains the device-facing MQTT listener. It accepts TCP
// connections, frames MQTT 3.1.1 control packets, and feeds them as events
// into a supervised session actor per connection. The broker never routes
// between devices; every connection is a point-to-point conversation with
// one Shelly device.
package broker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
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
	"github.com/turtacn/shellybridge/pkg/session"
	"github.com/turtacn/shellybridge/pkg/supervisor"
)

// ErrDeviceOffline is returned when a state write targets a device with no
// live session.
var ErrDeviceOffline = errors.New("device has no live session")

// errMalformedPacket marks a packet whose body could not be decoded. The
// stream stays in sync (the body was consumed in full), so the connection
// survives and the frame is dropped.
var errMalformedPacket = errors.New("malformed packet")

// drainBudget bounds how long a connection handler waits for its session
// to process the final event before cutting the session's context.
const drainBudget = 5 * time.Second

// Options wires the broker to its collaborators. Zero-value fields get
// sensible defaults: an open directory, the builtin type table, disabled
// authentication, and no-op hooks.
type Options struct {
	Auth        *auth.Chain
	Directory   devices.Directory
	Types       devices.TypeTable
	PrefixQuery identity.PrefixQuery
	Hooks       session.Hooks
}

// Broker is the listener and dispatcher for device connections.
type Broker struct {
	sup         supervisor.Supervisor
	registry    *registry.Registry
	auth        *auth.Chain
	directory   devices.Directory
	types       devices.TypeTable
	prefixQuery identity.PrefixQuery
	hooks       session.Hooks
}

// New creates a broker.
func New(opts Options) *Broker {
	if opts.Auth == nil {
		opts.Auth = auth.NewChain()
		opts.Auth.SetEnabled(false)
	}
	if opts.Directory == nil {
		opts.Directory = devices.NewOpenDirectory()
	}
	if opts.Types == nil {
		opts.Types = devices.NewBuiltinTypeTable()
	}
	if opts.Hooks == nil {
		opts.Hooks = session.NopHooks{}
	}
	return &Broker{
		sup:         supervisor.NewOneForOneSupervisor(),
		registry:    registry.New(),
		auth:        opts.Auth,
		directory:   opts.Directory,
		types:       opts.Types,
		prefixQuery: opts.PrefixQuery,
		hooks:       opts.Hooks,
	}
}

// Registry exposes the session table, keyed by device id.
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

// SendState publishes a state change to the device identified by deviceID
// through its session's retry engine. See session.Session.SendState for
// the delivery and callback contract.
func (b *Broker) SendState(deviceID, topicName string, payload []byte, qos byte, retain bool, callback func(error)) error {
	conn, ok := b.registry.Lookup(deviceID)
	if !ok {
		return ErrDeviceOffline
	}
	sess, ok := conn.(*session.Session)
	if !ok {
		return ErrDeviceOffline
	}
	return sess.SendState(topicName, payload, qos, retain, callback)
}

// StartServer listens on addr and serves device connections until the
// context is cancelled.
func (b *Broker) StartServer(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	defer listener.Close()
	return b.Serve(ctx, listener)
}

// Serve accepts device connections on listener until the context is
// cancelled, then destroys every live session and returns.
func (b *Broker) Serve(ctx context.Context, listener net.Listener) error {
	log.Printf("[INFO] MQTT listener on %s", listener.Addr())

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Println("[INFO] Listener shutting down")
				b.registry.DestroyAll()
				return nil
			default:
				log.Printf("[WARN] Failed to accept connection: %v", err)
				continue
			}
		}
		go b.handleConnection(ctx, conn)
	}
}

// handleConnection owns the read half of one device connection: it frames
// packets and forwards them to the session actor, translating transport
// failures and keepalive expiry into session events. The session owns the
// write half through a serialized frame writer.
func (b *Broker) handleConnection(ctx context.Context, conn net.Conn) {
	metrics.ConnectionsTotal.Inc()
	log.Printf("[INFO] Accepted connection from %s", conn.RemoteAddr())

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := newConnWriter(conn)
	sess := session.New(session.Options{
		Conn:        conn,
		Writer:      writer,
		Registry:    b.registry,
		Auth:        b.auth,
		Directory:   b.directory,
		Types:       b.types,
		PrefixQuery: b.prefixQuery,
		Hooks:       b.hooks,
	})
	mb := actor.NewMailbox(64)
	b.sup.StartChild(connCtx, supervisor.Spec{
		ID:      fmt.Sprintf("session-%s", conn.RemoteAddr()),
		Actor:   sess,
		Restart: supervisor.RestartTemporary,
		Mailbox: mb,
	})

	reader := bufio.NewReader(conn)
	var keepalive time.Duration

	for {
		if keepalive > 0 {
			// Per the 3.1.1 specification the server allows one and a half
			// keepalive periods of silence before giving up on the client.
			conn.SetReadDeadline(time.Now().Add(keepalive + keepalive/2))
		}

		pk, err := readPacket(reader)
		if err != nil {
			if errors.Is(err, errMalformedPacket) {
				log.Printf("[WARN] Dropping malformed packet from %s: %v", conn.RemoteAddr(), err)
				continue
			}
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				mb.SendContext(connCtx, session.TimeoutEvent{})
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
				mb.SendContext(connCtx, session.CloseEvent{})
			default:
				mb.SendContext(connCtx, session.ErrorEvent{Err: err})
			}
			break
		}

		if pk.FixedHeader.Type == packets.Connect && pk.Connect.Keepalive > 0 {
			keepalive = time.Duration(pk.Connect.Keepalive) * time.Second
		}

		if mb.SendContext(connCtx, session.PacketEvent{Packet: pk}) != nil {
			break
		}
		if pk.FixedHeader.Type == packets.Disconnect {
			break
		}
	}

	// Let the session drain the final event before its context is cut.
	select {
	case <-sess.Done():
	case <-time.After(drainBudget):
	case <-ctx.Done():
	}
}

// readPacket reads one full MQTT packet from the stream. A framing failure
// is fatal for the connection; a body that does not decode is reported as
// errMalformedPacket with the stream still in sync.
func readPacket(r *bufio.Reader) (*packets.Packet, error) {
	fh := new(packets.FixedHeader)
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if err := fh.Decode(b); err != nil {
		return nil, err
	}
	rem, _, err := packets.DecodeLength(r)
	if err != nil {
		return nil, err
	}
	fh.Remaining = rem

	buf := make([]byte, fh.Remaining)
	if fh.Remaining > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}

	pk := &packets.Packet{FixedHeader: *fh}
	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = pk.ConnectDecode(buf)
	case packets.Publish:
		err = pk.PublishDecode(buf)
	case packets.Puback:
		err = pk.PubackDecode(buf)
	case packets.Pubrec:
		err = pk.PubrecDecode(buf)
	case packets.Pubrel:
		err = pk.PubrelDecode(buf)
	case packets.Pubcomp:
		err = pk.PubcompDecode(buf)
	case packets.Subscribe:
		err = pk.SubscribeDecode(buf)
	case packets.Unsubscribe:
		err = pk.UnsubscribeDecode(buf)
	case packets.Pingreq:
		err = pk.PingreqDecode(buf)
	case packets.Disconnect:
		err = pk.DisconnectDecode(buf)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: type %d: %v", errMalformedPacket, pk.FixedHeader.Type, err)
	}
	return pk, nil
}

// connWriter serializes frame writes to one connection. The session loop,
// retry timers, and external state writers all share it.
type connWriter struct {
	mu   sync.Mutex
	conn io.Writer
}

func newConnWriter(conn io.Writer) *connWriter {
	return &connWriter{conn: conn}
}

// WritePacket encodes and writes one server-originated packet.
func (w *connWriter) WritePacket(pk *packets.Packet) error {
	var buf bytes.Buffer
	var err error
	switch pk.FixedHeader.Type {
	case packets.Connack:
		err = pk.ConnackEncode(&buf)
	case packets.Suback:
		err = pk.SubackEncode(&buf)
	case packets.Unsuback:
		err = pk.UnsubackEncode(&buf)
	case packets.Pingresp:
		err = pk.PingrespEncode(&buf)
	case packets.Publish:
		err = pk.PublishEncode(&buf)
	case packets.Puback:
		err = pk.PubackEncode(&buf)
	case packets.Pubrec:
		err = pk.PubrecEncode(&buf)
	case packets.Pubrel:
		err = pk.PubrelEncode(&buf)
	case packets.Pubcomp:
		err = pk.PubcompEncode(&buf)
	default:
		return fmt.Errorf("unsupported packet type for writing: %v", pk.FixedHeader.Type)
	}
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.conn.Write(buf.Bytes())
	return err
}
