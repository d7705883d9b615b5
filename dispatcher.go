// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package epc

import (
	"sync"
)

// Dispatcher executes call-wrapper work off the message-receipt path.
// Wrapper functions may block (for example on a Server.Call awaiting its
// reply), so message receipt must never run them inline.
type Dispatcher interface {
	// Dispatch submits one unit of deferred work. Submissions after
	// Shutdown has begun are dropped.
	Dispatch(work func())

	// Shutdown blocks new submissions and waits for all outstanding units
	// to finish.
	Shutdown()
}

// GoroutineDispatcher is the default Dispatcher. Each unit runs on its own
// goroutine; Shutdown drains the outstanding count under a condition
// variable.
type GoroutineDispatcher struct {
	mu          sync.Mutex
	drained     *sync.Cond
	running     bool
	outstanding int
}

func NewGoroutineDispatcher() *GoroutineDispatcher {
	d := &GoroutineDispatcher{running: true}
	d.drained = sync.NewCond(&d.mu)
	return d
}

func (d *GoroutineDispatcher) Dispatch(work func()) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.outstanding++
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			d.outstanding--
			if d.outstanding == 0 {
				d.drained.Broadcast()
			}
			d.mu.Unlock()
		}()
		work()
	}()
}

func (d *GoroutineDispatcher) Shutdown() {
	d.mu.Lock()
	d.running = false
	for d.outstanding > 0 {
		d.drained.Wait()
	}
	d.mu.Unlock()
}

// SyncDispatcher runs every unit inline on the submitting goroutine. It
// exists for deterministic ordering in tests; production servers use
// GoroutineDispatcher so that message receipt stays responsive.
type SyncDispatcher struct {
	mu      sync.Mutex
	stopped bool
}

func NewSyncDispatcher() *SyncDispatcher { return &SyncDispatcher{} }

func (d *SyncDispatcher) Dispatch(work func()) {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return
	}
	work()
}

func (d *SyncDispatcher) Shutdown() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}
