// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package epc

import (
	"errors"
	"fmt"
	"sync"
)

// WrapperFn is the unit of remote invocation: an opaque, tag-addressed
// callable taking a byte-buffer argument and returning a byte-buffer result.
type WrapperFn func(arg []byte) WrapperResult

// WrapperResult carries either result bytes or an operation error. Operation
// errors travel back to the remote caller as data; they never affect the
// server lifecycle.
type WrapperResult struct {
	data   []byte
	errMsg string
	isErr  bool
}

// WrapperBytes returns a successful result carrying b.
func WrapperBytes(b []byte) WrapperResult {
	return WrapperResult{data: b}
}

// WrapperError returns a failed result carrying err's message.
func WrapperError(err error) WrapperResult {
	return WrapperResult{errMsg: err.Error(), isErr: true}
}

// WrapperErrorf returns a failed result with a formatted message.
func WrapperErrorf(format string, args ...interface{}) WrapperResult {
	return WrapperResult{errMsg: fmt.Sprintf(format, args...), isErr: true}
}

// Bytes unpacks the result into the usual Go (value, error) shape.
func (r WrapperResult) Bytes() ([]byte, error) {
	if r.isErr {
		return nil, errors.New(r.errMsg)
	}
	return r.data, nil
}

// Result envelope status bytes. A result payload is a one-byte status
// followed by either the result bytes or an error string.
const (
	resultStatusOK  byte = 0x00
	resultStatusErr byte = 0x01
)

func (r WrapperResult) encode() []byte {
	if r.isErr {
		buf := make([]byte, 0, 1+len(r.errMsg))
		buf = append(buf, resultStatusErr)
		return append(buf, r.errMsg...)
	}
	buf := make([]byte, 0, 1+len(r.data))
	buf = append(buf, resultStatusOK)
	return append(buf, r.data...)
}

func decodeWrapperResult(b []byte) (WrapperResult, error) {
	if len(b) < 1 {
		return WrapperResult{}, errors.New("epc: empty result payload")
	}
	payload := append([]byte(nil), b[1:]...)
	switch b[0] {
	case resultStatusOK:
		return WrapperResult{data: payload}, nil
	case resultStatusErr:
		return WrapperResult{errMsg: string(payload), isErr: true}, nil
	default:
		return WrapperResult{}, fmt.Errorf("epc: bad result status %#02x", b[0])
	}
}

// WrapperRegistry maps opaque tag addresses to wrapper functions. Tags are
// issued from a monotonic counter starting at 1; tag 0 is never issued and
// doubles as the whole-process handle in symbol lookups.
type WrapperRegistry struct {
	mu      sync.RWMutex
	nextTag uint64
	fns     map[uint64]WrapperFn
}

func NewWrapperRegistry() *WrapperRegistry {
	return &WrapperRegistry{fns: make(map[uint64]WrapperFn)}
}

// Register adds fn and returns its freshly issued tag address.
func (r *WrapperRegistry) Register(fn WrapperFn) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextTag++
	tag := r.nextTag
	r.fns[tag] = fn
	return tag
}

// Lookup resolves a tag address to its wrapper function.
func (r *WrapperRegistry) Lookup(tag uint64) (WrapperFn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[tag]
	return fn, ok
}
