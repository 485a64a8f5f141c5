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

// Package actor provides the minimal actor primitive used to run one
// dispatch loop per device connection. Every session consumes protocol
// events from its own mailbox, which guarantees at most one handler
// executes for a given session at any time.
package actor

import "context"

// Actor is a process that consumes messages from a mailbox until its
// context is cancelled or it decides to terminate.
type Actor interface {
	// Start runs the actor loop. It blocks until the actor terminates and
	// returns the termination reason, nil for a normal stop.
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a buffered, channel-backed message queue feeding an actor.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a mailbox with the given buffer capacity.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send enqueues a message. It blocks while the buffer is full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// SendContext enqueues a message unless the context is cancelled first.
// It keeps transport readers from blocking forever on a mailbox whose
// actor has already terminated.
func (mb *Mailbox) SendContext(ctx context.Context, msg any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case mb.messages <- msg:
		return nil
	}
}

// Receive blocks until a message arrives or the context is cancelled, in
// which case it returns the context's error.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan exposes the underlying channel read-only, for callers that need to
// select over several sources at once.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}
