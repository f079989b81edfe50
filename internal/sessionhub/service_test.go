package sessionhub

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dstutor/kernelhub/internal/hubapi"
	"github.com/dstutor/kernelhub/internal/kernel"
	"github.com/dstutor/kernelhub/internal/runtimeconfig"
)

// stubTransport runs scripted executions. Each Execute pops the next script
// entry; Recv replays its messages followed by an idle status, or blocks
// until release when the entry is marked hanging.
type stubTransport struct {
	mu      sync.Mutex
	scripts []stubScript
	current *stubScript
	pending []*kernel.Message
	execs   int
	closed  bool
}

type stubScript struct {
	messages []*kernel.Message
	hang     chan struct{} // non-nil: no completion until closed
}

func (s *stubTransport) Start(ctx context.Context) error { return nil }

func (s *stubTransport) Execute(code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.Contains(code, "os.chdir") {
		// Kernel working-directory setup during initialization.
		s.pending = nil
		return "setup", nil
	}
	s.execs++
	if len(s.scripts) == 0 {
		// Startup chdir and unscripted executions complete immediately.
		s.pending = []*kernel.Message{idleStatus("req")}
		return "req", nil
	}
	script := s.scripts[0]
	s.scripts = s.scripts[1:]
	s.current = &script
	s.pending = append([]*kernel.Message(nil), script.messages...)
	if script.hang == nil {
		s.pending = append(s.pending, idleStatus("req"))
	}
	return "req", nil
}

func (s *stubTransport) Recv(poll time.Duration) (*kernel.Message, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		msg := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		return msg, nil
	}
	s.mu.Unlock()
	time.Sleep(poll)
	return nil, nil
}

func (s *stubTransport) Interrupt() error { return nil }

func (s *stubTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func idleStatus(parent string) *kernel.Message {
	return &kernel.Message{
		Type:     kernel.MsgTypeStatus,
		ParentID: parent,
		Content:  kernel.Content{ExecutionState: "idle"},
	}
}

func textStream(parent, text string) *kernel.Message {
	return &kernel.Message{
		Type:     kernel.MsgTypeStream,
		ParentID: parent,
		Content:  kernel.Content{Name: "stdout", Text: text},
	}
}

func newTestService(t *testing.T, st *stubTransport) *Service {
	t.Helper()
	return &Service{
		Config: runtimeconfig.Config{
			Execution: runtimeconfig.ExecutionConfig{PollIntervalMillis: 10},
		},
		SandboxRoot: t.TempDir(),
		NewTransport: func(kernelName, workDir string) kernel.Transport {
			return st
		},
	}
}

func waitForStatus(t *testing.T, svc *Service, sessionID, executionID, want string) *hubapi.Execution {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		exec, err := svc.GetExecution(sessionID, executionID)
		if err != nil {
			t.Fatalf("get execution: %v", err)
		}
		if exec.Status == want {
			return exec
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution never reached %s, last: %+v", want, exec)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCreateExecutionLifecycle(t *testing.T) {
	st := &stubTransport{scripts: []stubScript{
		{messages: []*kernel.Message{textStream("req", "hello\n")}},
	}}
	svc := newTestService(t, st)

	sess, err := svc.CreateSession(context.Background(), &hubapi.CreateSessionRequest{KernelName: "python3"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if !strings.HasPrefix(sess.ID, "ks") {
		t.Fatalf("unexpected session id %q", sess.ID)
	}
	if filepath.Dir(sess.WorkDir) != svc.SandboxRoot {
		t.Fatalf("work dir %q not under sandbox root %q", sess.WorkDir, svc.SandboxRoot)
	}

	exec, err := svc.CreateExecution(&hubapi.CreateExecutionRequest{
		SessionID: sess.ID,
		Code:      "print('hello')",
	})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if exec.Status != hubapi.ExecutionStatusPending {
		t.Fatalf("initial status = %s", exec.Status)
	}

	final := waitForStatus(t, svc, sess.ID, exec.ID, hubapi.ExecutionStatusCompleted)
	if len(final.Outputs) != 1 || final.Outputs[0].Type != hubapi.OutputTypeText {
		t.Fatalf("unexpected outputs: %+v", final.Outputs)
	}
	if final.Outputs[0].Content != "hello\n" {
		t.Fatalf("output content = %q", final.Outputs[0].Content)
	}

	got, err := svc.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != hubapi.SessionStatusIdle {
		t.Fatalf("session status = %s, want idle", got.Status)
	}
	if got.LastExecutionID != exec.ID {
		t.Fatalf("last execution id = %q, want %q", got.LastExecutionID, exec.ID)
	}
}

func TestCreateExecutionRejectsConcurrent(t *testing.T) {
	hang := make(chan struct{})
	st := &stubTransport{scripts: []stubScript{{hang: hang}}}
	svc := newTestService(t, st)

	sess, err := svc.CreateSession(context.Background(), nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	exec, err := svc.CreateExecution(&hubapi.CreateExecutionRequest{SessionID: sess.ID, Code: "work()"})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	waitForStatus(t, svc, sess.ID, exec.ID, hubapi.ExecutionStatusRunning)

	if _, err := svc.CreateExecution(&hubapi.CreateExecutionRequest{SessionID: sess.ID, Code: "more()"}); err != ErrExecutionInProgress {
		t.Fatalf("expected ErrExecutionInProgress, got %v", err)
	}

	resp, err := svc.CancelExecution(&hubapi.CancelExecutionRequest{SessionID: sess.ID})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !resp.Cancelled {
		t.Fatal("expected cancellation to be accepted")
	}
	waitForStatus(t, svc, sess.ID, exec.ID, hubapi.ExecutionStatusCancelled)
}

func TestCancelIdleSessionIsNoop(t *testing.T) {
	st := &stubTransport{}
	svc := newTestService(t, st)

	sess, err := svc.CreateSession(context.Background(), nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	resp, err := svc.CancelExecution(&hubapi.CancelExecutionRequest{SessionID: sess.ID})
	if err != nil {
		t.Fatalf("idle cancel should succeed, got %v", err)
	}
	if resp.Cancelled {
		t.Fatal("idle cancel must report nothing cancelled")
	}
	if resp.Message == "" {
		t.Fatal("idle cancel should explain itself")
	}
}

func TestSubscribeExecutionEventsStreaming(t *testing.T) {
	st := &stubTransport{scripts: []stubScript{
		{messages: []*kernel.Message{textStream("req", "a"), textStream("req", "b")}},
	}}
	svc := newTestService(t, st)

	sess, err := svc.CreateSession(context.Background(), nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	exec, err := svc.CreateExecution(&hubapi.CreateExecutionRequest{SessionID: sess.ID, Code: "emit()"})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}

	history, updates, done, unsubscribe, err := svc.SubscribeExecutionEvents(sess.ID, exec.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	var outputs []string
	var finalStatus string
	collect := func(ev *hubapi.ExecutionStreamEvent) {
		if ev.Output != nil {
			outputs = append(outputs, ev.Output.Content)
		}
		if ev.Execution != nil {
			finalStatus = ev.Execution.Status
		}
	}
	for _, ev := range history {
		collect(ev)
	}

	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-updates:
			if !ok {
				updates = nil
			} else {
				collect(ev)
			}
		case <-done:
			// Drain whatever was published before completion.
			for {
				select {
				case ev, ok := <-updates:
					if !ok {
						goto verify
					}
					collect(ev)
				default:
					goto verify
				}
			}
		case <-timeout:
			t.Fatal("execution stream never completed")
		}
	}

verify:
	if len(outputs) != 2 || outputs[0] != "a" || outputs[1] != "b" {
		t.Fatalf("streamed outputs = %v", outputs)
	}
	if finalStatus != hubapi.ExecutionStatusCompleted {
		t.Fatalf("final streamed status = %q", finalStatus)
	}
}

func TestWaitExecution(t *testing.T) {
	st := &stubTransport{scripts: []stubScript{
		{messages: []*kernel.Message{textStream("req", "x")}},
	}}
	svc := newTestService(t, st)

	sess, _ := svc.CreateSession(context.Background(), nil)
	exec, err := svc.CreateExecution(&hubapi.CreateExecutionRequest{SessionID: sess.ID, Code: "pass"})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	final, err := svc.WaitExecution(ctx, sess.ID, exec.ID)
	if err != nil {
		t.Fatalf("wait execution: %v", err)
	}
	if final.Status != hubapi.ExecutionStatusCompleted {
		t.Fatalf("status = %s", final.Status)
	}
	if final.FinishedAt == nil {
		t.Fatal("finished timestamp missing")
	}
}

func TestTerminateSession(t *testing.T) {
	st := &stubTransport{}
	svc := newTestService(t, st)

	sess, _ := svc.CreateSession(context.Background(), nil)
	if _, err := svc.CreateExecution(&hubapi.CreateExecutionRequest{SessionID: sess.ID, Code: "pass"}); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	// Let the execution initialize the kernel.
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := svc.GetSession(sess.ID)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if got.Status == hubapi.SessionStatusIdle && got.Initialized {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never settled: %+v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := svc.TerminateSession(sess.ID)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if !resp.Terminated {
		t.Fatal("expected termination")
	}
	if !st.closed {
		t.Fatal("terminate must close the kernel transport")
	}

	got, err := svc.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get session after terminate: %v", err)
	}
	if got.Status != hubapi.SessionStatusStopped {
		t.Fatalf("session status = %s, want stopped", got.Status)
	}

	again, err := svc.TerminateSession(sess.ID)
	if err != nil {
		t.Fatalf("second terminate: %v", err)
	}
	if again.Terminated {
		t.Fatal("second terminate should be a no-op")
	}

	if _, err := svc.CreateExecution(&hubapi.CreateExecutionRequest{SessionID: sess.ID, Code: "pass"}); err == nil {
		t.Fatal("execute on terminated session must fail")
	}
}

func TestSessionLimit(t *testing.T) {
	st := &stubTransport{}
	svc := newTestService(t, st)
	svc.Config.Sessions.MaxSessions = 2

	for i := 0; i < 2; i++ {
		if _, err := svc.CreateSession(context.Background(), nil); err != nil {
			t.Fatalf("create session %d: %v", i, err)
		}
	}
	if _, err := svc.CreateSession(context.Background(), nil); err == nil {
		t.Fatal("expected session limit error")
	}

	// Terminating one frees a slot.
	sessions := svc.ListSessions()
	if _, err := svc.TerminateSession(sessions[0].ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, err := svc.CreateSession(context.Background(), nil); err != nil {
		t.Fatalf("create after terminate: %v", err)
	}
}

func TestListSessionsOrdering(t *testing.T) {
	st := &stubTransport{}
	svc := newTestService(t, st)

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := svc.CreateSession(context.Background(), nil)
		if err != nil {
			t.Fatalf("create session: %v", err)
		}
		ids = append(ids, sess.ID)
		time.Sleep(2 * time.Millisecond)
	}

	got := svc.ListSessions()
	if len(got) != 3 {
		t.Fatalf("listed %d sessions, want 3", len(got))
	}
	for i, sess := range got {
		if sess.ID != ids[i] {
			t.Fatalf("position %d: got %s want %s", i, sess.ID, ids[i])
		}
	}
}

func TestCreateSessionRejectsEscapingWorkDir(t *testing.T) {
	st := &stubTransport{}
	svc := newTestService(t, st)

	_, err := svc.CreateSession(context.Background(), &hubapi.CreateSessionRequest{
		WorkDir: "../outside",
	})
	if !kernel.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
