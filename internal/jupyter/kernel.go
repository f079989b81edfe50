package jupyter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-zeromq/zmq4"
	"golang.org/x/sys/unix"

	"github.com/dstutor/kernelhub/internal/kernel"
)

const (
	// readyRetryInterval is how often the kernel_info probe is re-sent while
	// waiting for the kernel to answer during startup.
	readyRetryInterval = 500 * time.Millisecond

	// terminateGrace is how long Close waits after SIGTERM before SIGKILL.
	terminateGrace = 3 * time.Second

	iopubBuffer = 256
)

// KernelTransport runs one kernel subprocess and exposes its shell and iopub
// channels as a kernel.Transport. All methods are called from the Manager's
// execution lock except Interrupt and Close, which only touch the process
// handle and the socket context.
type KernelTransport struct {
	kernelName string
	workDir    string
	logger     *log.Logger

	session string
	key     []byte

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	shell  zmq4.Socket
	iopub  zmq4.Socket

	shellCh chan *wireMessage
	iopubCh chan *kernel.Message
	errCh   chan error
	done    chan struct{}
}

// NewTransport is a kernel.TransportFactory for real ipykernel subprocesses.
func NewTransport(logger *log.Logger) kernel.TransportFactory {
	return func(kernelName, workDir string) kernel.Transport {
		return &KernelTransport{
			kernelName: kernelName,
			workDir:    workDir,
			logger:     logger,
			session:    newMsgID(),
			shellCh:    make(chan *wireMessage, 16),
			iopubCh:    make(chan *kernel.Message, iopubBuffer),
			errCh:      make(chan error, 2),
			done:       make(chan struct{}),
		}
	}
}

// Start launches the kernel subprocess, connects shell and iopub, and blocks
// until the kernel answers a kernel_info round trip or ctx expires.
func (t *KernelTransport) Start(ctx context.Context) error {
	ci, err := NewConnectionInfo(t.kernelName)
	if err != nil {
		return err
	}
	connFile, err := ci.WriteFile(t.workDir)
	if err != nil {
		return err
	}
	t.key = []byte(ci.Key)

	cmd := exec.Command("python", "-m", "ipykernel_launcher", "-f", connFile)
	cmd.Dir = t.workDir
	cmd.Env = append(os.Environ(), "HOME="+t.workDir)
	// Own process group so Interrupt can signal the kernel and any children
	// it forks without touching this process.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch kernel %q: %w", t.kernelName, err)
	}

	sockCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.cmd = cmd
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		// Reap the subprocess; a premature exit surfaces as a socket error
		// on the next poll.
		_ = cmd.Wait()
	}()

	shell := zmq4.NewDealer(sockCtx, zmq4.WithID(zmq4.SocketIdentity(t.session)))
	if err := shell.Dial(ci.shellAddr()); err != nil {
		t.Close()
		return fmt.Errorf("dial shell channel: %w", err)
	}
	iopub := zmq4.NewSub(sockCtx)
	if err := iopub.Dial(ci.iopubAddr()); err != nil {
		_ = shell.Close()
		t.Close()
		return fmt.Errorf("dial iopub channel: %w", err)
	}
	if err := iopub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		_ = shell.Close()
		_ = iopub.Close()
		t.Close()
		return fmt.Errorf("subscribe iopub channel: %w", err)
	}

	t.mu.Lock()
	t.shell = shell
	t.iopub = iopub
	t.mu.Unlock()

	go t.readShell(shell)
	go t.readIOPub(iopub)

	if err := t.waitReady(ctx); err != nil {
		t.Close()
		return err
	}
	if t.logger != nil {
		t.logger.Debug("kernel ready", "kernel", t.kernelName, "session", t.session)
	}
	return nil
}

// waitReady probes the shell channel with kernel_info_request until a reply
// arrives. ipykernel drops messages received before its sockets bind, so the
// probe is re-sent on an interval instead of sent once.
func (t *KernelTransport) waitReady(ctx context.Context) error {
	ticker := time.NewTicker(readyRetryInterval)
	defer ticker.Stop()

	probe := func() error {
		_, err := t.send("kernel_info_request", json.RawMessage("{}"))
		return err
	}
	if err := probe(); err != nil {
		return fmt.Errorf("send kernel_info probe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-t.errCh:
			return fmt.Errorf("kernel channel failed during startup: %w", err)
		case reply := <-t.shellCh:
			if reply.Header.MsgType == "kernel_info_reply" {
				return nil
			}
		case <-ticker.C:
			if err := probe(); err != nil {
				return fmt.Errorf("send kernel_info probe: %w", err)
			}
		}
	}
}

// Execute submits code over the shell channel and returns the request id.
func (t *KernelTransport) Execute(code string) (string, error) {
	content, err := json.Marshal(map[string]any{
		"code":             code,
		"silent":           false,
		"store_history":    true,
		"user_expressions": map[string]any{},
		"allow_stdin":      false,
		"stop_on_error":    true,
	})
	if err != nil {
		return "", fmt.Errorf("encode execute request: %w", err)
	}
	return t.send("execute_request", content)
}

func (t *KernelTransport) send(msgType string, content json.RawMessage) (string, error) {
	t.mu.Lock()
	shell := t.shell
	t.mu.Unlock()
	if shell == nil {
		return "", errors.New("kernel shell channel not connected")
	}

	msg := &wireMessage{
		Header:  newHeader(t.session, msgType),
		Content: content,
	}
	frames, err := encodeMessage(t.key, msg)
	if err != nil {
		return "", err
	}
	if err := shell.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		return "", fmt.Errorf("send %s: %w", msgType, err)
	}
	return msg.Header.MsgID, nil
}

// Recv returns the next iopub message, or (nil, nil) once poll elapses with
// the channel quiet.
func (t *KernelTransport) Recv(poll time.Duration) (*kernel.Message, error) {
	timer := time.NewTimer(poll)
	defer timer.Stop()
	select {
	case msg := <-t.iopubCh:
		return msg, nil
	case err := <-t.errCh:
		return nil, err
	case <-timer.C:
		return nil, nil
	}
}

// Interrupt sends SIGINT to the kernel's process group, which ipykernel
// raises as KeyboardInterrupt in the executing code.
func (t *KernelTransport) Interrupt() error {
	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return errors.New("kernel process not running")
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGINT); err != nil {
		return fmt.Errorf("signal kernel process group: %w", err)
	}
	return nil
}

// Close tears the transport down: sockets first so the readers exit, then
// SIGTERM to the process group with a SIGKILL fallback. Idempotent.
func (t *KernelTransport) Close() error {
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		return nil
	default:
		close(t.done)
	}
	cmd := t.cmd
	cancel := t.cancel
	shell := t.shell
	iopub := t.iopub
	t.shell = nil
	t.iopub = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if shell != nil {
		_ = shell.Close()
	}
	if iopub != nil {
		_ = iopub.Close()
	}

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid := -cmd.Process.Pid
	_ = unix.Kill(pgid, unix.SIGTERM)

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			// Signal 0 probes liveness without delivering anything.
			if err := unix.Kill(pgid, 0); err != nil {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()
	select {
	case <-exited:
	case <-time.After(terminateGrace):
		_ = unix.Kill(pgid, unix.SIGKILL)
	}
	return nil
}

func (t *KernelTransport) readShell(sock zmq4.Socket) {
	for {
		raw, err := sock.Recv()
		if err != nil {
			t.reportErr(err)
			return
		}
		msg, err := decodeMessage(t.key, raw.Frames)
		if err != nil {
			t.reportErr(err)
			return
		}
		select {
		case t.shellCh <- msg:
		case <-t.done:
			return
		default:
			// Replies are advisory; drop rather than block the reader.
		}
	}
}

func (t *KernelTransport) readIOPub(sock zmq4.Socket) {
	for {
		raw, err := sock.Recv()
		if err != nil {
			t.reportErr(err)
			return
		}
		wire, err := decodeMessage(t.key, raw.Frames)
		if err != nil {
			t.reportErr(err)
			return
		}
		msg := toKernelMessage(wire)
		select {
		case t.iopubCh <- msg:
		case <-t.done:
			return
		}
	}
}

func (t *KernelTransport) reportErr(err error) {
	select {
	case <-t.done:
		// Shutdown in progress; socket errors are expected.
	default:
		select {
		case t.errCh <- err:
		default:
		}
	}
}

// toKernelMessage flattens a decoded iopub message into the manager's
// normalized form.
func toKernelMessage(wire *wireMessage) *kernel.Message {
	msg := &kernel.Message{
		Type:     wire.Header.MsgType,
		ParentID: wire.ParentHeader.MsgID,
	}

	switch wire.Header.MsgType {
	case kernel.MsgTypeStream:
		var c struct {
			Name string `json:"name"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(wire.Content, &c); err == nil {
			msg.Content.Name = c.Name
			msg.Content.Text = c.Text
		}

	case kernel.MsgTypeDisplayData, kernel.MsgTypeExecuteResult:
		var c struct {
			Data map[string]json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(wire.Content, &c); err == nil {
			msg.Content.Data = flattenMimeBundle(c.Data)
		}

	case kernel.MsgTypeStatus:
		var c struct {
			ExecutionState string `json:"execution_state"`
		}
		if err := json.Unmarshal(wire.Content, &c); err == nil {
			msg.Content.ExecutionState = c.ExecutionState
		}

	case kernel.MsgTypeError:
		var c struct {
			Ename     string   `json:"ename"`
			Evalue    string   `json:"evalue"`
			Traceback []string `json:"traceback"`
		}
		if err := json.Unmarshal(wire.Content, &c); err == nil {
			msg.Content.ErrName = c.Ename
			msg.Content.ErrValue = c.Evalue
			msg.Content.Traceback = c.Traceback
		}

	default:
		msg.Content.Raw = string(wire.Content)
	}
	return msg
}

// flattenMimeBundle normalizes mime payloads to strings. The protocol allows
// both a string and a list of line strings per mime type.
func flattenMimeBundle(data map[string]json.RawMessage) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for mime, raw := range data {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out[mime] = s
			continue
		}
		var lines []string
		if err := json.Unmarshal(raw, &lines); err == nil {
			out[mime] = strings.Join(lines, "")
			continue
		}
		out[mime] = string(raw)
	}
	return out
}
