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

package broker

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/shellybridge/pkg/auth"
	"github.com/turtacn/shellybridge/pkg/devices"
	"github.com/turtacn/shellybridge/pkg/session"
)

type messageHook struct {
	session.NopHooks
	messages chan string
	online   chan string
	offline  chan string
}

func newMessageHook() *messageHook {
	return &messageHook{
		messages: make(chan string, 16),
		online:   make(chan string, 16),
		offline:  make(chan string, 16),
	}
}

func (h *messageHook) OnMessage(_ *session.Session, topicName string, _ []byte) {
	h.messages <- topicName
}

func (h *messageHook) OnDeviceOnline(s *session.Session) {
	h.online <- s.DeviceID()
}

func (h *messageHook) OnDeviceOffline(s *session.Session) {
	h.offline <- s.DeviceID()
}

// startBroker serves a broker on a loopback port and returns its address.
func startBroker(t *testing.T, opts Options) (*Broker, string) {
	t.Helper()

	b := New(opts)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Serve(ctx, listener)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("broker did not shut down in time")
		}
	})
	return b, listener.Addr().String()
}

func deviceClientOptions(addr, clientID, willTopic string) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + addr)
	opts.SetClientID(clientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetAutoReconnect(false)
	if willTopic != "" {
		opts.SetWill(willTopic, "false", 0, false)
	}
	return opts
}

func connectDevice(t *testing.T, addr, clientID, willTopic string) mqtt.Client {
	t.Helper()
	client := mqtt.NewClient(deviceClientOptions(addr, clientID, willTopic))
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(100) })
	return client
}

func TestDeviceConnectAndPublish(t *testing.T) {
	hooks := newMessageHook()
	b, addr := startBroker(t, Options{Hooks: hooks})

	client := connectDevice(t, addr, "shellyplug-s-ABCDEF", "shellies/shellyplug-s-ABCDEF/online")

	select {
	case deviceID := <-hooks.online:
		assert.Equal(t, "SHPLG-S#ABCDEF#1", deviceID)
	case <-time.After(5 * time.Second):
		t.Fatal("device never came online")
	}

	conn, ok := b.Registry().Lookup("SHPLG-S#ABCDEF#1")
	require.True(t, ok)
	sess := conn.(*session.Session)
	assert.Equal(t, "shellyplug-s-ABCDEF", sess.TopicPrefix())

	// QoS1: the token completes only once the bridge acknowledges.
	token := client.Publish("shellies/shellyplug-s-ABCDEF/relay/0", 1, false, `{"ison":true}`)
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	select {
	case topicName := <-hooks.messages:
		assert.Equal(t, "shellies/shellyplug-s-ABCDEF/relay/0", topicName)
	case <-time.After(5 * time.Second):
		t.Fatal("publish never reached the message hook")
	}
}

func TestDeviceQoS2Publish(t *testing.T) {
	hooks := newMessageHook()
	_, addr := startBroker(t, Options{Hooks: hooks})

	client := connectDevice(t, addr, "shellyplug-s-ABCDEF", "shellies/shellyplug-s-ABCDEF/online")

	// The token resolves only after the full PUBREC/PUBREL/PUBCOMP
	// exchange, so a completed wait proves the bridge side of the
	// handshake.
	token := client.Publish("shellies/shellyplug-s-ABCDEF/relay/0", 2, false, `{"ison":false}`)
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	select {
	case topicName := <-hooks.messages:
		assert.Equal(t, "shellies/shellyplug-s-ABCDEF/relay/0", topicName)
	case <-time.After(5 * time.Second):
		t.Fatal("publish never reached the message hook")
	}
}

func TestSendStateReachesSubscribedDevice(t *testing.T) {
	b, addr := startBroker(t, Options{})

	client := connectDevice(t, addr, "shellyplug-s-ABCDEF", "shellies/shellyplug-s-ABCDEF/online")

	received := make(chan mqtt.Message, 1)
	token := client.Subscribe("shellies/shellyplug-s-ABCDEF/relay/0/command", 1, func(_ mqtt.Client, msg mqtt.Message) {
		received <- msg
	})
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	acked := make(chan error, 1)
	err := b.SendState("SHPLG-S#ABCDEF#1", "shellies/shellyplug-s-ABCDEF/relay/0/command", []byte("on"), 1, false, func(e error) {
		acked <- e
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "on", string(msg.Payload()))
		assert.Equal(t, byte(1), msg.Qos())
	case <-time.After(5 * time.Second):
		t.Fatal("device never received the state write")
	}

	select {
	case e := <-acked:
		assert.NoError(t, e)
	case <-time.After(5 * time.Second):
		t.Fatal("delivery callback never fired")
	}
}

func TestSendStateToOfflineDevice(t *testing.T) {
	b, _ := startBroker(t, Options{})

	err := b.SendState("SHPLG-S#FFFFFF#1", "shellies/x/relay/0/command", []byte("on"), 1, false, nil)
	assert.ErrorIs(t, err, ErrDeviceOffline)
}

func TestUnknownDeviceRefused(t *testing.T) {
	dir := devices.NewMemoryDirectory() // empty: nothing provisioned
	_, addr := startBroker(t, Options{Directory: dir})

	client := mqtt.NewClient(deviceClientOptions(addr, "shellyplug-s-ABCDEF", ""))
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	assert.Error(t, token.Error())
}

func TestBadCredentialsRefused(t *testing.T) {
	chain := auth.NewChain()
	mem := auth.NewMemoryAuthenticator()
	require.NoError(t, mem.AddUser("shelly", "secret", auth.HashPlain))
	chain.AddAuthenticator(mem)

	_, addr := startBroker(t, Options{Auth: chain})

	opts := deviceClientOptions(addr, "shellyplug-s-ABCDEF", "")
	opts.SetUsername("shelly")
	opts.SetPassword("wrong")
	client := mqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	assert.Error(t, token.Error())
}

func TestCorrectCredentialsAccepted(t *testing.T) {
	chain := auth.NewChain()
	mem := auth.NewMemoryAuthenticator()
	require.NoError(t, mem.AddUser("shelly", "secret", auth.HashPlain))
	chain.AddAuthenticator(mem)

	_, addr := startBroker(t, Options{Auth: chain})

	opts := deviceClientOptions(addr, "shellyplug-s-ABCDEF", "shellies/shellyplug-s-ABCDEF/online")
	opts.SetUsername("shelly")
	opts.SetPassword("secret")
	client := mqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	client.Disconnect(100)
}

func TestShutdownDestroysSessions(t *testing.T) {
	hooks := newMessageHook()
	b := New(Options{Hooks: hooks})
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Serve(ctx, listener)
	}()

	connectDevice(t, listener.Addr().String(), "shellyplug-s-ABCDEF", "shellies/shellyplug-s-ABCDEF/online")
	select {
	case <-hooks.online:
	case <-time.After(5 * time.Second):
		t.Fatal("device never came online")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	assert.Equal(t, 0, b.Registry().Len())
	select {
	case <-hooks.offline:
	case <-time.After(5 * time.Second):
		t.Fatal("offline hook never fired")
	}
}

func TestReadPacketPingreq(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0xC0, 0x00}))
	pk, err := readPacket(r)
	require.NoError(t, err)
	assert.Equal(t, packets.Pingreq, pk.FixedHeader.Type)
}

func TestConnWriterRoundTrip(t *testing.T) {
	var out bytes.Buffer
	w := newConnWriter(&out)

	require.NoError(t, w.WritePacket(&packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pingresp},
	}))
	assert.Equal(t, []byte{0xD0, 0x00}, out.Bytes())
}

func TestConnWriterRejectsClientOnlyTypes(t *testing.T) {
	w := newConnWriter(&bytes.Buffer{})
	err := w.WritePacket(&packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connect},
	})
	assert.Error(t, err)
}
