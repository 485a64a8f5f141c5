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

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/turtacn/shellybridge/pkg/actor"
)

func TestStartRequiresSpecs(t *testing.T) {
	sup := NewOneForOneSupervisor()
	err := sup.Start(context.Background(), nil)
	assert.Error(t, err)
}

func TestTemporaryChildNotRestarted(t *testing.T) {
	sup := NewOneForOneSupervisor()
	var starts atomic.Int32

	spec := Spec{
		ID:      "temp-child",
		Restart: RestartTemporary,
		startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			starts.Add(1)
			return errors.New("boom")
		},
	}
	sup.StartChild(context.Background(), spec)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), starts.Load())
}

func TestTransientChildNotRestartedOnCleanExit(t *testing.T) {
	sup := NewOneForOneSupervisor()
	var starts atomic.Int32

	spec := Spec{
		ID:      "transient-child",
		Restart: RestartTransient,
		startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			starts.Add(1)
			return nil
		},
	}
	sup.StartChild(context.Background(), spec)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), starts.Load())
}

func TestChildPanicRecovered(t *testing.T) {
	sup := NewOneForOneSupervisor()
	var starts atomic.Int32

	spec := Spec{
		ID:      "panicky-child",
		Restart: RestartTemporary,
		startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			starts.Add(1)
			panic("kaboom")
		},
	}

	assert.NotPanics(t, func() {
		sup.StartChild(context.Background(), spec)
		time.Sleep(100 * time.Millisecond)
	})
	assert.Equal(t, int32(1), starts.Load())
}

func TestContextCancelStopsRestarts(t *testing.T) {
	sup := NewOneForOneSupervisor()
	var starts atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	spec := Spec{
		ID:      "permanent-child",
		Restart: RestartPermanent,
		startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			starts.Add(1)
			cancel()
			return errors.New("boom")
		},
	}
	sup.StartChild(ctx, spec)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), starts.Load())
}
