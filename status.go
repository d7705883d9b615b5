// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package epc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorillarpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/sirupsen/logrus"
)

const (
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond
)

// StatusService exposes a running server over HTTP JSON-RPC for operators.
// It is read-only introspection; the controller never talks to it.
type StatusService struct {
	server    *Server
	sessionID string
	started   time.Time
}

func NewStatusService(s *Server, sessionID string) *StatusService {
	return &StatusService{server: s, sessionID: sessionID, started: time.Now()}
}

type StatusInfoArgs struct{}

type StatusInfoReply struct {
	SessionID       string `json:"sessionId"`
	State           string `json:"state"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
	PendingCalls    int    `json:"pendingCalls"`
	LoadedLibraries int    `json:"loadedLibraries"`
}

// Info implements the Status.Info JSON-RPC method.
func (svc *StatusService) Info(r *http.Request, args *StatusInfoArgs, reply *StatusInfoReply) error {
	stats := svc.server.Stats()
	reply.SessionID = svc.sessionID
	reply.State = stats.State
	reply.UptimeSeconds = int64(time.Since(svc.started).Seconds())
	reply.PendingCalls = stats.PendingCalls
	reply.LoadedLibraries = stats.LoadedLibraries
	return nil
}

// NewStatusHandler mounts svc as an HTTP handler speaking JSON-RPC 2.0.
func NewStatusHandler(svc *StatusService) (http.Handler, error) {
	s := gorillarpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(svc, "Status"); err != nil {
		return nil, fmt.Errorf("epc: register status service: %w", err)
	}
	return s, nil
}

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
// This avoids EOF errors that can occur with connection pooling in complex
// process hierarchies (e.g., a supervisor spawning executor processes).
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true, // Disable connection reuse to avoid EOF issues
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	// Drain any remaining data to allow connection reuse
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// EOF errors are often transient connection issues
	if errors.Is(err, io.EOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	// Connection reset/refused are also transient
	if strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe") {
		return true
	}
	return false
}

// SendJSONRequest issues one JSON-RPC request with retry on transient
// transport failures.
func SendJSONRequest(
	ctx context.Context,
	uri *url.URL,
	method string,
	params interface{},
	reply interface{},
) error {
	requestBodyBytes, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 500ms, 1s, 2s
			waitTime := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitTime):
			}
		}

		// Create fresh request for each attempt (body buffer is consumed)
		request, err := http.NewRequestWithContext(
			ctx,
			http.MethodPost,
			uri.String(),
			bytes.NewBuffer(requestBodyBytes),
		)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		request.Header.Set("Content-Type", "application/json")

		client := newHTTPClient()
		resp, err := client.Do(request)
		if err != nil {
			lastErr = err
			logrus.Debugf("epc: status request attempt %d failed: %v (retryable=%v)",
				attempt+1, err, isRetryableError(err))
			if err := ctx.Err(); err != nil {
				return err
			}
			if isRetryableError(err) {
				continue // Retry on transient errors
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}

		// Return an error for any non successful status code
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			CleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}

		if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
			CleanlyCloseBody(resp.Body)
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		CleanlyCloseBody(resp.Body)
		return nil
	}

	return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}

// QueryStatus fetches Status.Info from a daemon's status endpoint.
func QueryStatus(ctx context.Context, uri *url.URL) (*StatusInfoReply, error) {
	var reply StatusInfoReply
	if err := SendJSONRequest(ctx, uri, "Status.Info", &StatusInfoArgs{}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
