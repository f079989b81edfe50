package hubserver

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/dstutor/kernelhub/internal/endpoint"
	"github.com/dstutor/kernelhub/internal/hubapi"
	"github.com/dstutor/kernelhub/internal/hubclient"
	"github.com/dstutor/kernelhub/internal/kernel"
	"github.com/dstutor/kernelhub/internal/runtimeconfig"
	"github.com/dstutor/kernelhub/internal/sessionhub"
)

// echoTransport completes every execution immediately, echoing the submitted
// code as a stream message.
type echoTransport struct{}

func (echoTransport) Start(ctx context.Context) error { return nil }

func (echoTransport) Execute(code string) (string, error) { return "req", nil }

func (echoTransport) Recv(poll time.Duration) (*kernel.Message, error) {
	return &kernel.Message{
		Type:     kernel.MsgTypeStatus,
		ParentID: "req",
		Content:  kernel.Content{ExecutionState: "idle"},
	}, nil
}

func (echoTransport) Interrupt() error { return nil }

func (echoTransport) Close() error { return nil }

func newTestClient(t *testing.T) *hubclient.Client {
	t.Helper()

	svc := &sessionhub.Service{
		Config: runtimeconfig.Config{
			Execution: runtimeconfig.ExecutionConfig{PollIntervalMillis: 10},
		},
		SandboxRoot: t.TempDir(),
		NewTransport: func(kernelName, workDir string) kernel.Transport {
			return echoTransport{}
		},
	}
	srv := httptest.NewServer(New(svc, nil).Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(svc.Close)

	ep, err := endpoint.Resolve(srv.URL)
	if err != nil {
		t.Fatalf("resolve endpoint: %v", err)
	}
	client, err := hubclient.New(ep)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSessionAndExecutionRoundTrip(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	created, err := client.CreateSession(ctx, &hubapi.CreateSessionRequest{KernelName: "python3"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if created.Session == nil || created.Session.ID == "" {
		t.Fatalf("missing session in response: %+v", created)
	}

	execResp, err := client.CreateExecution(ctx, &hubapi.CreateExecutionRequest{
		SessionID: created.Session.ID,
		Code:      "print('hi')",
	})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	var exec *hubapi.Execution
	for {
		got, err := client.GetExecution(ctx, &hubapi.GetExecutionRequest{
			SessionID:   created.Session.ID,
			ExecutionID: execResp.Execution.ID,
		})
		if err != nil {
			t.Fatalf("get execution: %v", err)
		}
		exec = got.Execution
		if exec.Status == hubapi.ExecutionStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution never completed: %+v", exec)
		}
		time.Sleep(10 * time.Millisecond)
	}

	listed, err := client.ListSessions(ctx, &hubapi.ListSessionsRequest{})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(listed.Sessions) != 1 || listed.Sessions[0].ID != created.Session.ID {
		t.Fatalf("unexpected session list: %+v", listed.Sessions)
	}

	term, err := client.TerminateSession(ctx, &hubapi.TerminateSessionRequest{SessionID: created.Session.ID})
	if err != nil {
		t.Fatalf("terminate session: %v", err)
	}
	if !term.Terminated {
		t.Fatal("expected session to be terminated")
	}
}

func TestWatchExecutionStream(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	created, err := client.CreateSession(ctx, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	execResp, err := client.CreateExecution(ctx, &hubapi.CreateExecutionRequest{
		SessionID: created.Session.ID,
		Code:      "pass",
	})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	stream, err := client.WatchExecution(streamCtx, &hubapi.WatchExecutionRequest{
		SessionID:   created.Session.ID,
		ExecutionID: execResp.Execution.ID,
	})
	if err != nil {
		t.Fatalf("watch execution: %v", err)
	}
	defer stream.Close()

	var finalStatus string
	for stream.Receive() {
		ev := stream.Msg()
		if ev.Execution != nil {
			finalStatus = ev.Execution.Status
		}
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if finalStatus != hubapi.ExecutionStatusCompleted {
		t.Fatalf("final streamed status = %q", finalStatus)
	}
}

func TestUnknownSessionMapsToNotFound(t *testing.T) {
	client := newTestClient(t)

	_, err := client.GetSession(context.Background(), &hubapi.GetSessionRequest{SessionID: "ks-missing"})
	if err == nil {
		t.Fatal("expected not-found error")
	}
	if got, want := connect.CodeOf(err), connect.CodeNotFound; got != want {
		t.Fatalf("unexpected connect code: got %v want %v", got, want)
	}
}

func TestMissingCodeMapsToInvalidArgument(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	created, err := client.CreateSession(ctx, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	_, err = client.CreateExecution(ctx, &hubapi.CreateExecutionRequest{SessionID: created.Session.ID})
	if err == nil {
		t.Fatal("expected invalid-argument error")
	}
	if got, want := connect.CodeOf(err), connect.CodeInvalidArgument; got != want {
		t.Fatalf("unexpected connect code: got %v want %v", got, want)
	}
}

func TestStreamSubscriberDroppedErrWhileExecutionStillRunning(t *testing.T) {
	done := make(chan struct{})

	err := streamSubscriberDroppedErr(done)
	if err == nil {
		t.Fatal("expected error when stream subscriber is dropped before done")
	}
	if got, want := connect.CodeOf(err), connect.CodeResourceExhausted; got != want {
		t.Fatalf("unexpected connect code: got %v want %v", got, want)
	}
}

func TestStreamSubscriberDroppedErrAfterExecutionDone(t *testing.T) {
	done := make(chan struct{})
	close(done)

	if err := streamSubscriberDroppedErr(done); err != nil {
		t.Fatalf("expected nil when stream closes after done, got %v", err)
	}
}

func TestListenHTTPAcceptsHTTPPrefix(t *testing.T) {
	t.Parallel()

	ep := endpoint.Endpoint{
		Scheme:  "http",
		Address: "http://127.0.0.1:0",
	}
	ln, err := listen(ep, nil)
	if err != nil {
		t.Fatalf("listen http endpoint: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	if _, ok := ln.Addr().(*net.TCPAddr); !ok {
		t.Fatalf("expected tcp listener, got %T", ln.Addr())
	}
}

func TestListenRejectsUnsupportedScheme(t *testing.T) {
	t.Parallel()

	_, err := listen(endpoint.Endpoint{Scheme: "ftp", Address: "127.0.0.1:0"}, nil)
	if err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

func TestHealthz(t *testing.T) {
	svc := &sessionhub.Service{SandboxRoot: t.TempDir()}
	srv := httptest.NewServer(New(svc, nil).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}
