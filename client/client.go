// Package client is the public Go API for kernelhub. It wraps the
// Connect transport with a small, nil-safe surface plus ergonomic
// helpers for the common tutoring flows: ensure a session exists, run
// code in it, and stream the outputs.
package client

import (
	"context"
	"errors"
	"sync"

	"connectrpc.com/connect"

	"github.com/dstutor/kernelhub/internal/endpoint"
	"github.com/dstutor/kernelhub/internal/hubclient"
	"github.com/dstutor/kernelhub/internal/tlsconfig"
)

var errNilClient = errors.New("kernelhub client is nil")

// Client talks to a kernelhub server. The zero value and nil are safe
// to call; every method returns an error instead of panicking.
type Client struct {
	inner *hubclient.Client

	// EnsureSession bookkeeping. sessionIDs caches key -> session ID,
	// ensureLocks serializes concurrent EnsureSession calls per key.
	mu          sync.Mutex
	sessionIDs  map[string]string
	ensureLocks map[string]*ensureLock
}

// TLSOptions configures TLS material for https endpoints.
type TLSOptions = tlsconfig.Options

// Option configures a Client.
type Option func(*options)

type options struct {
	tlsOpts tlsconfig.Options
}

// WithTLS supplies explicit TLS material for https endpoints. Without
// it, certificates are discovered from the state directory.
func WithTLS(opts TLSOptions) Option {
	return func(o *options) {
		o.tlsOpts = opts
	}
}

// New connects to a kernelhub server. host accepts the same forms as
// the CLI --host flag: unix:///path.sock, http://addr, https://addr,
// or a bare socket path. An empty host resolves the default endpoint.
func New(host string, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ep, err := endpoint.Resolve(host)
	if err != nil {
		return nil, err
	}
	inner, err := hubclient.New(ep, hubclient.WithTLS(o.tlsOpts))
	if err != nil {
		return nil, err
	}
	return &Client{inner: inner}, nil
}

func (c *Client) check() error {
	if c == nil || c.inner == nil {
		return errNilClient
	}
	return nil
}

// CreateSession starts a new kernel session.
func (c *Client) CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if req == nil {
		req = &CreateSessionRequest{}
	}
	return c.inner.CreateSession(ctx, req)
}

// GetSession returns the current state of a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	resp, err := c.inner.GetSession(ctx, &GetSessionRequest{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

// ListSessions returns all sessions known to the server.
func (c *Client) ListSessions(ctx context.Context) ([]*Session, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	resp, err := c.inner.ListSessions(ctx, &ListSessionsRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// RestartSession tears down the session's kernel and starts a fresh
// one in the same working directory. All interpreter state is lost.
func (c *Client) RestartSession(ctx context.Context, sessionID string) (*Session, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	resp, err := c.inner.RestartSession(ctx, &RestartSessionRequest{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

// TerminateSession shuts down the session's kernel and removes its
// sandbox directory. Terminating an already-stopped session is not an
// error.
func (c *Client) TerminateSession(ctx context.Context, sessionID string) (*TerminateSessionResponse, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.forgetSessionID(sessionID)
	return c.inner.TerminateSession(ctx, &TerminateSessionRequest{SessionID: sessionID})
}

// CreateExecution submits code to run in a session. It returns as soon
// as the execution is queued; use WatchExecution or ExecAndWait to
// follow it to completion.
func (c *Client) CreateExecution(ctx context.Context, req *CreateExecutionRequest) (*Execution, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errors.New("nil execution request")
	}
	resp, err := c.inner.CreateExecution(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Execution, nil
}

// GetExecution returns the current state of an execution, including
// all outputs collected so far.
func (c *Client) GetExecution(ctx context.Context, sessionID, executionID string) (*Execution, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	resp, err := c.inner.GetExecution(ctx, &GetExecutionRequest{
		SessionID:   sessionID,
		ExecutionID: executionID,
	})
	if err != nil {
		return nil, err
	}
	return resp.Execution, nil
}

// CancelExecution requests cancellation of the session's running
// execution. Cancelling an idle session is a no-op, Cancelled reports
// whether anything was actually interrupted.
func (c *Client) CancelExecution(ctx context.Context, req *CancelExecutionRequest) (*CancelExecutionResponse, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errors.New("nil cancel request")
	}
	return c.inner.CancelExecution(ctx, req)
}

// WatchExecution streams output events and status transitions for an
// execution. The stream replays history first, then follows live
// events until the execution reaches a terminal status.
func (c *Client) WatchExecution(ctx context.Context, req *WatchExecutionRequest) (*connect.ServerStreamForClient[ExecutionStreamEvent], error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errors.New("nil watch request")
	}
	return c.inner.WatchExecution(ctx, req)
}

// ExecutionHistory returns persisted executions, newest first,
// optionally filtered to one session.
func (c *Client) ExecutionHistory(ctx context.Context, req *ExecutionHistoryRequest) (*ExecutionHistoryResponse, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if req == nil {
		req = &ExecutionHistoryRequest{}
	}
	return c.inner.ExecutionHistory(ctx, req)
}
