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

package actor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxSendReceive(t *testing.T) {
	mb := NewMailbox(1)
	mb.Send("hello")

	msg, err := mb.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", msg)
}

func TestMailboxReceiveCancelled(t *testing.T) {
	mb := NewMailbox(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg, err := mb.Receive(ctx)
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMailboxOrdering(t *testing.T) {
	mb := NewMailbox(10)
	for i := 0; i < 10; i++ {
		mb.Send(i)
	}
	for i := 0; i < 10; i++ {
		msg, err := mb.Receive(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, msg)
	}
}

func TestMailboxChanSelect(t *testing.T) {
	mb := NewMailbox(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		mb.Send(42)
	}()

	select {
	case msg := <-mb.Chan():
		assert.Equal(t, 42, msg)
	case <-time.After(time.Second):
		t.Fatal("message never arrived on mailbox channel")
	}
}
