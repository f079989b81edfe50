package kernel

import (
	"context"
	"time"
)

// Transport is the wire to one live kernel subprocess. Implementations own
// the subprocess handle and its channels exclusively; the Manager is the only
// caller.
//
// Recv returns (nil, nil) when no message arrived within the poll window, so
// the Manager's loop can observe cancellation and timeout between polls
// instead of blocking indefinitely.
type Transport interface {
	// Start launches the kernel subprocess, connects its channels, and
	// returns once the kernel has answered a readiness round trip. The
	// context bounds the whole startup, including the ready wait.
	Start(ctx context.Context) error

	// Execute submits code for execution and returns the request's
	// correlation id.
	Execute(code string) (string, error)

	// Recv waits up to the poll window for the next output-channel message.
	Recv(poll time.Duration) (*Message, error)

	// Interrupt asks the kernel to stop the currently executing code. It
	// does not terminate the subprocess.
	Interrupt() error

	// Close stops the channels and terminates the subprocess. Best effort.
	Close() error
}

// TransportFactory builds a Transport for a session's kernel and work dir.
type TransportFactory func(kernelName, workDir string) Transport
