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

// Package supervisor provides an OTP-style supervisor for the actors that
// make up the bridge: the listener and one session actor per device
// connection. Session actors are temporary (a dead transport is never
// restarted); the listener is permanent.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/turtacn/shellybridge/pkg/actor"
	"github.com/turtacn/shellybridge/pkg/metrics"
)

// RestartStrategy defines the restart behavior for a supervised child actor.
type RestartStrategy int

const (
	// RestartPermanent restarts the child whenever it terminates.
	RestartPermanent RestartStrategy = iota
	// RestartTransient restarts the child only after abnormal termination.
	RestartTransient
	// RestartTemporary never restarts the child.
	RestartTemporary
)

// Spec describes a child actor process managed by a supervisor.
type Spec struct {
	// ID is a unique identifier for the child actor, used for logging.
	ID string
	// Actor is the actor instance to be supervised.
	Actor actor.Actor
	// Restart defines the restart strategy for this child.
	Restart RestartStrategy
	// Mailbox is the mailbox to be used by the actor.
	Mailbox *actor.Mailbox
	// startFunc is an optional start function override, used by tests.
	startFunc func(context.Context, *actor.Mailbox) error
}

// Supervisor manages the lifecycle of a set of child actors.
type Supervisor interface {
	// Start begins supervision of an initial set of children.
	Start(ctx context.Context, specs []Spec) error
	// StartChild starts and supervises a single child actor dynamically.
	StartChild(ctx context.Context, spec Spec)
}

// OneForOneSupervisor restarts each failed child independently.
type OneForOneSupervisor struct{}

// NewOneForOneSupervisor creates a new one-for-one supervisor.
func NewOneForOneSupervisor() *OneForOneSupervisor {
	return &OneForOneSupervisor{}
}

// Start launches the initial set of supervised children. Non-blocking.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no child specs provided")
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single new child actor in its own
// goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	childCtx, cancel := context.WithCancel(ctx)
	go s.monitorChild(childCtx, cancel, spec)
}

// monitorChild runs one child until it terminates, applying the restart
// strategy. Panics inside the child are recovered and treated as abnormal
// termination.
func (s *OneForOneSupervisor) monitorChild(ctx context.Context, cancel context.CancelFunc, spec Spec) {
	defer cancel()

	for {
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
				}
			}()
			err = s.startActor(ctx, spec)
		}()

		if err != nil {
			log.Printf("Actor %s terminated. Reason: %v", spec.ID, err)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		shouldRestart := false
		switch spec.Restart {
		case RestartPermanent:
			shouldRestart = true
		case RestartTransient:
			shouldRestart = err != nil
		case RestartTemporary:
			shouldRestart = false
		}

		if !shouldRestart {
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		log.Printf("Restarting actor %s", spec.ID)
		time.Sleep(time.Second)
	}
}

func (s *OneForOneSupervisor) startActor(ctx context.Context, spec Spec) error {
	if spec.startFunc != nil {
		return spec.startFunc(ctx, spec.Mailbox)
	}
	return spec.Actor.Start(ctx, spec.Mailbox)
}
