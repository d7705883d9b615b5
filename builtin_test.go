// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package epc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// builtinHarness drives the built-in operations through the same
// call-wrapper path the controller uses.
type builtinHarness struct {
	t       *testing.T
	srv     *Server
	tt      *testTransport
	symbols BootstrapSymbols
	seqNo   uint64
}

func newBuiltinHarness(t *testing.T) *builtinHarness {
	t.Helper()
	h := &builtinHarness{t: t}
	h.srv, h.tt, h.symbols = startServer(t, func(s *Setup) error {
		s.SetDispatcher(NewSyncDispatcher())
		resolver := NewStaticResolver(s.Wrappers())
		resolver.AddLibrary("libtest.so", map[string]RawWrapperFn{
			"test_echo": func(arg []byte) ([]byte, error) {
				return arg, nil
			},
			"test_upper": func(arg []byte) ([]byte, error) {
				return bytes.ToUpper(arg), nil
			},
			"test_fail": func(arg []byte) ([]byte, error) {
				return nil, errors.New("native failure")
			},
		})
		s.SetLibraryResolver(resolver)
		return nil
	})
	return h
}

// call invokes the wrapper at tag through HandleMessage and returns the
// decoded result.
func (h *builtinHarness) call(tag uint64, arg []byte) WrapperResult {
	h.t.Helper()
	h.seqNo++
	action, err := h.srv.HandleMessage(Message{Op: OpcodeCallWrapper, SeqNo: h.seqNo, Tag: tag, Arg: arg})
	require.NoError(h.t, err)
	require.Equal(h.t, ActionContinue, action)

	reply := h.tt.next(h.t)
	require.Equal(h.t, OpcodeResult, reply.Op)
	require.Equal(h.t, h.seqNo, reply.SeqNo)
	res, err := decodeWrapperResult(reply.Arg)
	require.NoError(h.t, err)
	return res
}

func (h *builtinHarness) loadDylib(path string) (uint64, error) {
	h.t.Helper()
	arg, err := defaultCodec.Encode(LoadDylibRequest{Path: path})
	require.NoError(h.t, err)
	b, err := h.call(h.symbols[SymbolLoadDylib], arg).Bytes()
	if err != nil {
		return 0, err
	}
	var reply LoadDylibReply
	require.NoError(h.t, defaultCodec.Decode(b, &reply))
	return reply.Handle, nil
}

func (h *builtinHarness) lookup(reqs ...LookupRequest) ([][]uint64, error) {
	h.t.Helper()
	arg, err := defaultCodec.Encode(LookupSymbolsRequest{Requests: reqs})
	require.NoError(h.t, err)
	b, err := h.call(h.symbols[SymbolLookupSymbols], arg).Bytes()
	if err != nil {
		return nil, err
	}
	var reply LookupSymbolsReply
	require.NoError(h.t, defaultCodec.Decode(b, &reply))
	return reply.Addrs, nil
}

func TestLoadLookupCall(t *testing.T) {
	h := newBuiltinHarness(t)

	handle, err := h.loadDylib("libtest.so")
	require.NoError(t, err)
	require.Equal(t, uint64(1), handle)

	addrs, err := h.lookup(LookupRequest{
		Handle: handle,
		Symbols: []SymbolLookup{
			{Name: "test_echo", Required: true},
			{Name: "test_upper", Required: true},
		},
	})
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	require.Len(t, addrs[0], 2)

	// The resolved addresses are directly callable tags.
	b, err := h.call(addrs[0][1], []byte("quiet")).Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("QUIET"), b)
}

func TestLoadDylibBadPath(t *testing.T) {
	h := newBuiltinHarness(t)

	_, err := h.loadDylib("libmissing.so")
	require.Error(t, err)
	require.Equal(t, "running", h.srv.Stats().State, "a failed load is an operation error, not fatal")

	// The server keeps serving: a good load still works.
	handle, err := h.loadDylib("libtest.so")
	require.NoError(t, err)
	require.Equal(t, uint64(1), handle)
}

func TestLookupRequiredMissing(t *testing.T) {
	h := newBuiltinHarness(t)
	handle, err := h.loadDylib("libtest.so")
	require.NoError(t, err)

	_, err = h.lookup(LookupRequest{
		Handle:  handle,
		Symbols: []SymbolLookup{{Name: "test_absent", Required: true}},
	})
	require.ErrorContains(t, err, "test_absent")
	require.Equal(t, "running", h.srv.Stats().State)
}

func TestLookupWeakMissingResolvesToZero(t *testing.T) {
	h := newBuiltinHarness(t)
	handle, err := h.loadDylib("libtest.so")
	require.NoError(t, err)

	addrs, err := h.lookup(LookupRequest{
		Handle: handle,
		Symbols: []SymbolLookup{
			{Name: "test_absent"},
			{Name: "test_echo", Required: true},
		},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(0), addrs[0][0])
	require.NotZero(t, addrs[0][1])
}

func TestLookupWholeProcess(t *testing.T) {
	h := newBuiltinHarness(t)
	_, err := h.loadDylib("libtest.so")
	require.NoError(t, err)

	// Handle 0 searches every loaded library in load order.
	addrs, err := h.lookup(LookupRequest{
		Symbols: []SymbolLookup{{Name: "test_echo", Required: true}},
	})
	require.NoError(t, err)
	require.NotZero(t, addrs[0][0])
}

func TestLookupBadHandle(t *testing.T) {
	h := newBuiltinHarness(t)
	_, err := h.lookup(LookupRequest{
		Handle:  42,
		Symbols: []SymbolLookup{{Name: "test_echo"}},
	})
	require.ErrorContains(t, err, "bad library handle")
}

func TestWrapperOperationError(t *testing.T) {
	h := newBuiltinHarness(t)
	handle, err := h.loadDylib("libtest.so")
	require.NoError(t, err)

	addrs, err := h.lookup(LookupRequest{
		Handle:  handle,
		Symbols: []SymbolLookup{{Name: "test_fail", Required: true}},
	})
	require.NoError(t, err)

	_, err = h.call(addrs[0][0], nil).Bytes()
	require.EqualError(t, err, "native failure")
	require.Equal(t, "running", h.srv.Stats().State)
}

func TestStatsCountLoadedLibraries(t *testing.T) {
	h := newBuiltinHarness(t)
	require.Equal(t, 0, h.srv.Stats().LoadedLibraries)
	_, err := h.loadDylib("libtest.so")
	require.NoError(t, err)
	require.Equal(t, 1, h.srv.Stats().LoadedLibraries)
}
