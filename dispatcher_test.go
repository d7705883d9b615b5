// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package epc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGoroutineDispatcherRunsWork(t *testing.T) {
	d := NewGoroutineDispatcher()
	done := make(chan struct{})
	d.Dispatch(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("work never ran")
	}
	d.Shutdown()
}

func TestGoroutineDispatcherShutdownDrains(t *testing.T) {
	d := NewGoroutineDispatcher()

	const n = 8
	gate := make(chan struct{})
	var finished atomic.Int32
	for i := 0; i < n; i++ {
		d.Dispatch(func() {
			<-gate
			finished.Add(1)
		})
	}

	shutdownDone := make(chan struct{})
	go func() {
		d.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned with work outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown never drained")
	}
	require.Equal(t, int32(n), finished.Load())
}

func TestGoroutineDispatcherDropsAfterShutdown(t *testing.T) {
	d := NewGoroutineDispatcher()
	d.Shutdown()

	ran := make(chan struct{})
	d.Dispatch(func() { close(ran) })
	select {
	case <-ran:
		t.Fatal("work ran after shutdown")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSyncDispatcherRunsInline(t *testing.T) {
	d := NewSyncDispatcher()
	ran := false
	d.Dispatch(func() { ran = true })
	require.True(t, ran, "sync dispatcher runs work on the submitting goroutine")

	d.Shutdown()
	d.Dispatch(func() { t.Fatal("work ran after shutdown") })
}
