// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package epc

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusInfoOverHTTP(t *testing.T) {
	require := require.New(t)

	srv, _, _ := startServer(t, func(s *Setup) error {
		s.SetDispatcher(NewSyncDispatcher())
		s.SetErrorReporter(func(error) {})
		return nil
	})

	handler, err := NewStatusHandler(NewStatusService(srv, "session-42"))
	require.NoError(err)

	hs := httptest.NewServer(handler)
	defer hs.Close()

	uri, err := url.Parse(hs.URL)
	require.NoError(err)

	reply, err := QueryStatus(context.Background(), uri)
	require.NoError(err)
	require.Equal("session-42", reply.SessionID)
	require.Equal("running", reply.State)
	require.Zero(reply.PendingCalls)
	require.Zero(reply.LoadedLibraries)

	// State transitions are visible through the endpoint.
	srv.HandleDisconnect(nil)
	reply, err = QueryStatus(context.Background(), uri)
	require.NoError(err)
	require.Equal("shut-down", reply.State)
}

func TestQueryStatusNoServer(t *testing.T) {
	uri, err := url.Parse("http://127.0.0.1:1/")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = QueryStatus(ctx, uri)
	require.Error(t, err)
}

func TestIsRetryableError(t *testing.T) {
	if isRetryableError(nil) {
		t.Error("nil must not be retryable")
	}
	if !isRetryableError(io.EOF) {
		t.Error("EOF must be retryable")
	}
	if !isRetryableError(errors.New("read tcp: connection reset by peer")) {
		t.Error("connection reset must be retryable")
	}
	if isRetryableError(errors.New("invalid argument")) {
		t.Error("invalid argument must not be retryable")
	}
}
