// Copyright 2020 James P. Ancona

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

// 	http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package radio

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"
)

// ErrWorkerStart is returned when a worker does not reach the running state.
var ErrWorkerStart = errors.New("worker failed to start")

type workerState int32

// Worker lifecycle
const (
	workerCreated workerState = iota
	workerStarted
	workerRunning
	workerStopRequested
	workerStopped
)

func (s workerState) String() string {
	return [...]string{"created", "started", "running", "stop requested", "stopped"}[s]
}

const workerStartTimeout = 2 * time.Second

// worker runs one consume loop on its own goroutine. Stop is join-before-return.
type worker struct {
	name    string
	state   atomic.Int32
	unblock func()
	done    chan struct{}
}

// newWorker creates a worker. unblock, if set, is called by Stop to wake a
// loop blocked on its queue, typically by enqueueing a poison item.
func newWorker(name string, unblock func()) *worker {
	return &worker{name: name, unblock: unblock, done: make(chan struct{})}
}

func (w *worker) State() workerState {
	return workerState(w.state.Load())
}

// Stopping reports whether Stop has been requested. Loops check it after every item.
func (w *worker) Stopping() bool {
	return w.State() >= workerStopRequested
}

// Start runs setup then loop on a new goroutine and waits until the worker is running.
func (w *worker) Start(setup func() error, loop func()) error {
	if !w.state.CompareAndSwap(int32(workerCreated), int32(workerStarted)) {
		return fmt.Errorf("%w: %s is %v", ErrWorkerStart, w.name, w.State())
	}
	result := make(chan error, 1)
	go func() {
		defer close(w.done)
		if setup != nil {
			if err := setup(); err != nil {
				w.state.Store(int32(workerStopped))
				result <- err
				return
			}
		}
		if !w.state.CompareAndSwap(int32(workerStarted), int32(workerRunning)) {
			result <- errors.New("stopped before running")
			return
		}
		result <- nil
		loop()
		w.state.Store(int32(workerStopped))
		log.Printf("[DEBUG] %s stopped", w.name)
	}()
	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrWorkerStart, w.name, err)
		}
		log.Printf("[DEBUG] %s running", w.name)
		return nil
	case <-time.After(workerStartTimeout):
		return fmt.Errorf("%w: %s did not start within %v", ErrWorkerStart, w.name, workerStartTimeout)
	}
}

// Stop requests the loop to exit, wakes it and waits for it to finish.
// Stopping a worker that never started is a no-op.
func (w *worker) Stop() {
	if w.state.CompareAndSwap(int32(workerCreated), int32(workerStopped)) {
		return
	}
	for {
		s := w.State()
		if s >= workerStopRequested {
			break
		}
		if w.state.CompareAndSwap(int32(s), int32(workerStopRequested)) {
			break
		}
	}
	if w.unblock != nil {
		w.unblock()
	}
	<-w.done
}
