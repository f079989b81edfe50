package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"
)

// ErrCode classifies an error from any client method into a short,
// stable string so callers can switch on failure modes without
// unwrapping transport types. Returns "" for nil errors and "unknown"
// for anything unrecognized.
func ErrCode(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, errNilClient) {
		return "nil_client"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "deadline_exceeded"
	}

	// Application-level failure modes are reported as FailedPrecondition
	// with a descriptive message, split them out by message before
	// falling back to the transport code.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "execution is already in progress"):
		return "execution_in_progress"
	case strings.Contains(msg, "is terminated"):
		return "session_terminated"
	case strings.Contains(msg, "session limit reached"):
		return "session_limit"
	}

	var cerr *connect.Error
	if errors.As(err, &cerr) {
		switch cerr.Code() {
		case connect.CodeInvalidArgument:
			return "invalid_argument"
		case connect.CodeNotFound:
			return "not_found"
		case connect.CodeFailedPrecondition:
			return "failed_precondition"
		case connect.CodeResourceExhausted:
			return "resource_exhausted"
		case connect.CodeCanceled:
			return "canceled"
		case connect.CodeDeadlineExceeded:
			return "deadline_exceeded"
		case connect.CodeUnavailable:
			return "unavailable"
		case connect.CodeInternal:
			return "internal"
		}
	}

	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such file or directory") {
		return "unavailable"
	}
	return "unknown"
}

// Must panics if err is non-nil. Intended for program setup where a
// missing server is fatal anyway.
func Must[T any](v T, err error) T {
	if err != nil {
		panic(fmt.Sprintf("kernelhub: %v", err))
	}
	return v
}

// NewFromEnv connects using the KERNELHUB_HOST environment variable,
// falling back to the default endpoint when unset.
func NewFromEnv(opts ...Option) (*Client, error) {
	return New(os.Getenv("KERNELHUB_HOST"), opts...)
}

// EnsureSessionOptions configures EnsureSession.
type EnsureSessionOptions struct {
	// KernelName selects the kernel for a newly created session.
	// Ignored when an existing session is reused.
	KernelName string

	// WorkDir is the sandbox-relative working directory for a newly
	// created session.
	WorkDir string

	// ExecTimeoutSeconds overrides the per-execution timeout for a
	// newly created session.
	ExecTimeoutSeconds int64

	// StartupTimeoutSeconds overrides the kernel startup timeout for a
	// newly created session.
	StartupTimeoutSeconds int64
}

type ensureLock struct {
	mu   sync.Mutex
	refs int
}

// EnsureSession returns a live session for the given key, creating one
// if the key is unknown or its previous session has stopped. Keys are
// caller-chosen stable identifiers (a student ID, a notebook ID).
// Concurrent calls with the same key are serialized so only one
// session is created per key.
func (c *Client) EnsureSession(ctx context.Context, key string, opts EnsureSessionOptions) (*Session, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, errors.New("missing session key")
	}

	unlock := c.lockEnsureKey(key)
	defer unlock()

	if id := c.cachedSessionID(key); id != "" {
		sess, err := c.GetSession(ctx, id)
		if err == nil && sess != nil && sess.Status != SessionStatusStopped {
			return sess, nil
		}
		if err != nil && ErrCode(err) != "not_found" {
			return nil, err
		}
		c.forgetSessionID(id)
	}

	resp, err := c.CreateSession(ctx, &CreateSessionRequest{
		KernelName:            opts.KernelName,
		WorkDir:               opts.WorkDir,
		ExecTimeoutSeconds:    opts.ExecTimeoutSeconds,
		StartupTimeoutSeconds: opts.StartupTimeoutSeconds,
	})
	if err != nil {
		return nil, err
	}
	c.rememberSessionID(key, resp.Session.ID)
	return resp.Session, nil
}

func (c *Client) lockEnsureKey(key string) func() {
	c.mu.Lock()
	if c.ensureLocks == nil {
		c.ensureLocks = make(map[string]*ensureLock)
	}
	l, ok := c.ensureLocks[key]
	if !ok {
		l = &ensureLock{}
		c.ensureLocks[key] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.ensureLocks, key)
		}
		c.mu.Unlock()
	}
}

func (c *Client) cachedSessionID(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionIDs[key]
}

func (c *Client) rememberSessionID(key, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionIDs == nil {
		c.sessionIDs = make(map[string]string)
	}
	c.sessionIDs[key] = id
}

// forgetSessionID drops any cache entries pointing at the given
// session ID (or key).
func (c *Client) forgetSessionID(id string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.sessionIDs {
		if k == id || v == id {
			delete(c.sessionIDs, k)
		}
	}
}

// ExecOptions configures ExecAndWait.
type ExecOptions struct {
	// Stdout receives text and HTML output content as it streams.
	Stdout io.Writer

	// Stderr receives error output content as it streams.
	Stderr io.Writer

	// Timeout bounds the whole call, including queue time. Zero means
	// no client-side bound; the server-side execution timeout still
	// applies.
	Timeout time.Duration
}

// ExecResult is the outcome of ExecAndWait.
type ExecResult struct {
	ExecutionID string
	Status      string
	Outputs     []OutputEvent
	Message     string
	ElapsedMS   int64
}

// Completed reports whether the execution finished without
// cancellation or failure.
func (r *ExecResult) Completed() bool {
	return r != nil && r.Status == ExecutionStatusCompleted
}

// ExecAndWait runs code in a session and blocks until it reaches a
// terminal status, streaming outputs to the optional writers along the
// way. Execution-level failures (Python exceptions, timeouts,
// cancellation) are reported in the result, not as errors; the error
// return is reserved for transport and protocol failures.
func (c *Client) ExecAndWait(ctx context.Context, sessionID, code string, opts ExecOptions) (*ExecResult, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	ex, err := c.CreateExecution(ctx, &CreateExecutionRequest{
		SessionID: sessionID,
		Code:      code,
	})
	if err != nil {
		return nil, err
	}

	res := &ExecResult{ExecutionID: ex.ID, Status: ex.Status}
	stream, err := c.WatchExecution(ctx, &WatchExecutionRequest{
		SessionID:   sessionID,
		ExecutionID: ex.ID,
	})
	if err != nil {
		c.cancelBestEffort(sessionID, ex.ID)
		return nil, err
	}
	defer stream.Close()

	for stream.Receive() {
		ev := stream.Msg()
		if ev.Output != nil {
			res.Outputs = append(res.Outputs, *ev.Output)
			writeOutput(opts, ev.Output)
			continue
		}
		if ev.Execution != nil {
			res.Status = ev.Execution.Status
			res.Message = ev.Execution.Message
			res.ElapsedMS = ev.Execution.ElapsedMS
		}
	}
	if err := stream.Err(); err != nil {
		c.cancelBestEffort(sessionID, ex.ID)
		return res, err
	}

	// The stream can end without a terminal status if the server
	// truncated history; fall back to a point read.
	if !isTerminalStatus(res.Status) {
		final, err := c.GetExecution(ctx, sessionID, ex.ID)
		if err != nil {
			return res, err
		}
		res.Status = final.Status
		res.Message = final.Message
		res.ElapsedMS = final.ElapsedMS
		if len(final.Outputs) > len(res.Outputs) {
			res.Outputs = final.Outputs
		}
	}
	return res, nil
}

func (c *Client) cancelBestEffort(sessionID, executionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = c.CancelExecution(ctx, &CancelExecutionRequest{
		SessionID:   sessionID,
		ExecutionID: executionID,
	})
}

func writeOutput(opts ExecOptions, out *OutputEvent) {
	switch out.Type {
	case OutputTypeError:
		if opts.Stderr != nil {
			fmt.Fprintln(opts.Stderr, out.Content)
		}
	case OutputTypeText, OutputTypeHTML:
		if opts.Stdout != nil {
			fmt.Fprintln(opts.Stdout, out.Content)
		}
	}
}

func isTerminalStatus(status string) bool {
	switch status {
	case ExecutionStatusCompleted, ExecutionStatusCancelled, ExecutionStatusFailed:
		return true
	}
	return false
}
