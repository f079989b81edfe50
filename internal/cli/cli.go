package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/dstutor/kernelhub/client"
	"github.com/dstutor/kernelhub/internal/endpoint"
	"github.com/dstutor/kernelhub/internal/hubserver"
	"github.com/dstutor/kernelhub/internal/jupyter"
	"github.com/dstutor/kernelhub/internal/paths"
	"github.com/dstutor/kernelhub/internal/recordstore"
	"github.com/dstutor/kernelhub/internal/runtimeconfig"
	"github.com/dstutor/kernelhub/internal/sessionhub"
	"github.com/dstutor/kernelhub/internal/tlsbootstrap"
)

type runtimeContext struct {
	CWD        string
	Stdout     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
}

type CLI struct {
	Serve     ServeCommand     `cmd:"" help:"Run the kernelhub daemon"`
	Exec      ExecCommand      `cmd:"" help:"Execute code in a kernel session and stream the outputs"`
	Sessions  SessionsCommand  `cmd:"" help:"List kernel sessions"`
	Status    StatusCommand    `cmd:"" help:"Show a session and its most recent execution"`
	Cancel    CancelCommand    `cmd:"" help:"Cancel the running execution in a session"`
	Restart   RestartCommand   `cmd:"" help:"Restart a session's kernel, losing interpreter state"`
	Terminate TerminateCommand `cmd:"" help:"Terminate a session and remove its sandbox"`
	History   HistoryCommand   `cmd:"" help:"Show persisted execution history"`
	TLS       TLSCommand       `cmd:"" help:"Manage TLS material for remote daemons"`
}

type TLSCommand struct {
	Init TLSInitCommand `cmd:"" help:"Generate a CA plus server and client certificates"`
}

type TLSInitCommand struct {
	Dir   string `help:"Output directory (defaults to the state TLS directory)"`
	Force bool   `help:"Overwrite an existing CA"`
}

type ServeCommand struct {
	Listen    string `help:"Listen endpoint (unix://path, http://addr, or https://addr; defaults to the runtime socket)"`
	LogLevel  string `help:"Server log level (debug|info|warn|error)"`
	TLSCert   string `name:"tls-cert" help:"TLS certificate path for https listeners"`
	TLSKey    string `name:"tls-key" help:"TLS key path for https listeners"`
	TLSCACert string `name:"tls-ca-cert" help:"Client CA bundle for mutual TLS"`
}

type ExecCommand struct {
	Host     string `help:"Daemon endpoint (unix://path, http://host:port, or https://host:port)"`
	LogLevel string `help:"Client log level (debug|info|warn|error)"`

	Session        string `help:"Run in an existing session instead of creating one"`
	Kernel         string `help:"Kernel for a newly created session (defaults to runtime config or python3)"`
	WorkDir        string `help:"Sandbox-relative working directory for a newly created session"`
	Keep           bool   `help:"Keep a newly created session alive after the run"`
	File           string `short:"f" help:"Read code from a file instead of the argument ('-' for stdin)"`
	TimeoutSeconds int64  `help:"Per-execution timeout for a newly created session"`

	Code string `arg:"" optional:"" help:"Code to execute (omit when using --file)"`
}

type SessionsCommand struct {
	Host string `help:"Daemon endpoint"`
	JSON bool   `help:"Print sessions as JSON"`
}

type StatusCommand struct {
	Host    string `help:"Daemon endpoint"`
	Session string `arg:"" help:"Session ID to inspect"`
	JSON    bool   `help:"Print status as JSON"`
}

type CancelCommand struct {
	Host      string `help:"Daemon endpoint"`
	Session   string `arg:"" help:"Session ID"`
	Execution string `help:"Only cancel if this execution is the active one"`
}

type RestartCommand struct {
	Host    string `help:"Daemon endpoint"`
	Session string `arg:"" help:"Session ID"`
}

type TerminateCommand struct {
	Host    string `help:"Daemon endpoint"`
	Session string `arg:"" help:"Session ID"`
}

type HistoryCommand struct {
	Host    string `help:"Daemon endpoint"`
	Session string `help:"Limit history to one session"`
	Limit   int    `default:"20" help:"Maximum executions to show"`
	JSON    bool   `help:"Print history as JSON"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

var (
	newSignalChannel = func() chan os.Signal {
		return make(chan os.Signal, 2)
	}
	notifySignals = func(ch chan os.Signal, sig ...os.Signal) {
		signal.Notify(ch, sig...)
	}
	stopSignals = func(ch chan os.Signal) {
		signal.Stop(ch)
	}
)

func Run(args []string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Config:     cfg,
		ConfigPath: cfgPath,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("kernelhub"),
		kong.Description("Jupyter kernel execution manager"),
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	runtimeCtx.CWD = cwd

	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}
	applyPolishedLoggerStyles(logger, shouldUseANSI(os.Stderr))

	ep, err := endpoint.ResolveListen(s.Listen)
	if err != nil {
		return err
	}

	sandboxRoot := ctx.Config.SandboxRoot
	if sandboxRoot == "" {
		sandboxRoot, err = paths.SandboxBaseDir()
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(sandboxRoot, 0o755); err != nil {
		return fmt.Errorf("create sandbox root %s: %w", sandboxRoot, err)
	}

	var store *recordstore.Store
	if !ctx.Config.History.Disabled {
		dbPath := ctx.Config.History.DatabasePath
		if dbPath == "" {
			dbPath, err = paths.HistoryDBPath()
			if err != nil {
				return err
			}
		}
		store, err = recordstore.Open(context.Background(), dbPath, ctx.Config.History.MaxRetained)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		logger.Debug("history store open", "path", dbPath)
	}

	service := &sessionhub.Service{
		Config:       ctx.Config,
		SandboxRoot:  sandboxRoot,
		Logger:       logger.With("subsystem", "sessions"),
		Store:        store,
		NewTransport: jupyter.NewTransport(logger.With("subsystem", "kernel")),
	}
	service.StartIdleReaper()
	defer service.Close()

	server := hubserver.New(service, logger.With("subsystem", "http"))

	if shouldShowStartupHeader(os.Stderr) {
		_ = writeStartupHeader(os.Stderr, startupHeader{
			Title: "kernelhub",
			Fields: []startupField{
				{Key: "endpoint", Value: endpointDisplay(ep)},
				{Key: "sandbox root", Value: sandboxRoot},
				{Key: "config", Value: ctx.ConfigPath},
				{Key: "log level", Value: effectiveLogLevel(s.LogLevel)},
			},
		}, shouldUseANSI(os.Stderr))
	}

	var tlsOpts *hubserver.TLSOptions
	if s.TLSCert != "" || s.TLSKey != "" || s.TLSCACert != "" {
		tlsOpts = &hubserver.TLSOptions{
			CertPath: s.TLSCert,
			KeyPath:  s.TLSKey,
			CAPath:   s.TLSCACert,
		}
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return hubserver.Serve(runCtx, ep, server.Handler(), logger, tlsOpts)
}

func (e *ExecCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(e.LogLevel, "client")
	if err != nil {
		return err
	}

	code, err := e.resolveCode(ctx.CWD)
	if err != nil {
		return err
	}

	c, err := client.New(e.Host)
	if err != nil {
		return err
	}

	sessionID := e.Session
	createdSession := false
	if sessionID == "" {
		resp, err := c.CreateSession(context.Background(), &client.CreateSessionRequest{
			KernelName:         e.Kernel,
			WorkDir:            e.WorkDir,
			ExecTimeoutSeconds: e.TimeoutSeconds,
		})
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		sessionID = resp.Session.ID
		createdSession = true
		logger.Debug("session created", "session_id", sessionID, "kernel", resp.Session.KernelName)
	}
	defer func() {
		if !createdSession || e.Keep {
			return
		}
		_, _ = c.TerminateSession(context.Background(), sessionID)
	}()

	ex, err := c.CreateExecution(context.Background(), &client.CreateExecutionRequest{
		SessionID: sessionID,
		Code:      code,
	})
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	if _, err := fmt.Fprintf(os.Stderr, "session_id=%s execution_id=%s\n", sessionID, ex.ID); err != nil {
		return err
	}

	streamCtx, streamCancel := context.WithCancel(context.Background())
	defer streamCancel()
	stream, err := c.WatchExecution(streamCtx, &client.WatchExecutionRequest{
		SessionID:   sessionID,
		ExecutionID: ex.ID,
	})
	if err != nil {
		return fmt.Errorf("watch execution: %w", err)
	}
	defer stream.Close()

	signalCh := newSignalChannel()
	notifySignals(signalCh, os.Interrupt, syscall.SIGTERM)
	defer stopSignals(signalCh)

	secondInterrupt := make(chan struct{}, 1)
	go func() {
		interrupts := 0
		for range signalCh {
			interrupts++
			if interrupts == 1 {
				cancelResp, cancelErr := c.CancelExecution(context.Background(), &client.CancelExecutionRequest{
					SessionID:   sessionID,
					ExecutionID: ex.ID,
				})
				if cancelErr != nil {
					logger.Warn("cancel request failed", "session_id", sessionID, "execution_id", ex.ID, "error", cancelErr)
				} else if cancelResp != nil {
					logger.Debug("cancellation requested",
						"session_id", sessionID,
						"execution_id", ex.ID,
						"cancelled", cancelResp.Cancelled,
					)
				}
				continue
			}

			select {
			case secondInterrupt <- struct{}{}:
			default:
			}
			streamCancel()
			return
		}
	}()

	color := shouldUseANSI(os.Stderr)
	var final *client.Execution
	for stream.Receive() {
		event := stream.Msg()
		if event.Output != nil {
			if err := writeOutputEvent(ctx.Stdout, os.Stderr, event.Output, color); err != nil {
				return err
			}
			continue
		}
		if event.Execution != nil && isFinalExecutionStatus(event.Execution.Status) {
			final = event.Execution
		}
	}

	streamErr := stream.Err()
	select {
	case <-secondInterrupt:
		return exitCodeError{code: 130}
	default:
	}
	if streamErr != nil && !isCanceledStreamErr(streamErr) {
		return fmt.Errorf("watch execution: %w", streamErr)
	}

	if final == nil {
		got, getErr := c.GetExecution(context.Background(), sessionID, ex.ID)
		if getErr == nil && got != nil && isFinalExecutionStatus(got.Status) {
			final = got
		}
	}
	if final == nil {
		return errors.New("execution stream ended without a terminal status")
	}

	logger.Debug("execution finished",
		"session_id", sessionID,
		"execution_id", ex.ID,
		"status", final.Status,
		"elapsed_ms", final.ElapsedMS,
	)

	switch final.Status {
	case client.ExecutionStatusCompleted:
		return nil
	case client.ExecutionStatusCancelled:
		if final.Message != "" {
			fmt.Fprintln(os.Stderr, final.Message)
		}
		return exitCodeError{code: 130}
	default:
		if final.Message != "" {
			fmt.Fprintln(os.Stderr, final.Message)
		}
		return exitCodeError{code: 1}
	}
}

func (e *ExecCommand) resolveCode(cwd string) (string, error) {
	if e.File != "" {
		if e.Code != "" {
			return "", errors.New("provide either a code argument or --file, not both")
		}
		if e.File == "-" {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return "", fmt.Errorf("read stdin: %w", err)
			}
			return string(b), nil
		}
		path := e.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(cwd, path)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	if strings.TrimSpace(e.Code) == "" {
		return "", errors.New("missing code (pass an argument or --file)")
	}
	return e.Code, nil
}

func (s *SessionsCommand) Run(ctx *runtimeContext) error {
	c, err := client.New(s.Host)
	if err != nil {
		return err
	}
	sessions, err := c.ListSessions(context.Background())
	if err != nil {
		return err
	}

	if s.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}

	if len(sessions) == 0 {
		_, err := fmt.Fprintln(ctx.Stdout, "no sessions")
		return err
	}
	for _, sess := range sessions {
		if _, err := fmt.Fprintf(ctx.Stdout, "%s  %-8s  %s  %s\n",
			sess.ID, sess.Status, sess.KernelName, sess.CreatedAt.Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return nil
}

func (s *StatusCommand) Run(ctx *runtimeContext) error {
	c, err := client.New(s.Host)
	if err != nil {
		return err
	}
	sess, err := c.GetSession(context.Background(), s.Session)
	if err != nil {
		return err
	}

	var last *client.Execution
	if sess.LastExecutionID != "" {
		last, err = c.GetExecution(context.Background(), sess.ID, sess.LastExecutionID)
		if err != nil {
			return err
		}
	}

	if s.JSON {
		payload := map[string]any{
			"session": sess,
		}
		if last != nil {
			payload["last_execution"] = last
		}
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	if _, err := fmt.Fprintf(ctx.Stdout, "session: %s\nstatus: %s\nkernel: %s\nwork_dir: %s\ninitialized: %t\n",
		sess.ID, sess.Status, sess.KernelName, sess.WorkDir, sess.Initialized); err != nil {
		return err
	}
	if last == nil {
		_, err := fmt.Fprintln(ctx.Stdout, "last execution: none")
		return err
	}
	if _, err := fmt.Fprintf(ctx.Stdout, "last execution: %s (%s, %dms)\n",
		last.ID, last.Status, last.ElapsedMS); err != nil {
		return err
	}
	if last.Message != "" {
		if _, err := fmt.Fprintf(ctx.Stdout, "  %s\n", last.Message); err != nil {
			return err
		}
	}
	return nil
}

func (c *CancelCommand) Run(ctx *runtimeContext) error {
	cl, err := client.New(c.Host)
	if err != nil {
		return err
	}
	resp, err := cl.CancelExecution(context.Background(), &client.CancelExecutionRequest{
		SessionID:   c.Session,
		ExecutionID: c.Execution,
	})
	if err != nil {
		return err
	}
	if resp.Cancelled {
		_, err = fmt.Fprintf(ctx.Stdout, "cancellation requested for %s\n", resp.SessionID)
	} else {
		msg := resp.Message
		if msg == "" {
			msg = "no execution in progress"
		}
		_, err = fmt.Fprintln(ctx.Stdout, msg)
	}
	return err
}

func (r *RestartCommand) Run(ctx *runtimeContext) error {
	c, err := client.New(r.Host)
	if err != nil {
		return err
	}
	sess, err := c.RestartSession(context.Background(), r.Session)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "restarted %s (status %s)\n", sess.ID, sess.Status)
	return err
}

func (t *TerminateCommand) Run(ctx *runtimeContext) error {
	c, err := client.New(t.Host)
	if err != nil {
		return err
	}
	resp, err := c.TerminateSession(context.Background(), t.Session)
	if err != nil {
		return err
	}
	if resp.Message != "" {
		_, err = fmt.Fprintf(ctx.Stdout, "%s: %s\n", resp.SessionID, resp.Message)
	} else {
		_, err = fmt.Fprintf(ctx.Stdout, "terminated %s\n", resp.SessionID)
	}
	return err
}

func (h *HistoryCommand) Run(ctx *runtimeContext) error {
	c, err := client.New(h.Host)
	if err != nil {
		return err
	}
	resp, err := c.ExecutionHistory(context.Background(), &client.ExecutionHistoryRequest{
		SessionID: h.Session,
		Limit:     h.Limit,
	})
	if err != nil {
		return err
	}

	if h.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp.Executions)
	}

	if len(resp.Executions) == 0 {
		_, err := fmt.Fprintln(ctx.Stdout, "no executions recorded")
		return err
	}
	for _, ex := range resp.Executions {
		line := fmt.Sprintf("%s  %s  %-9s  %dms", ex.ID, ex.SessionID, ex.Status, ex.ElapsedMS)
		if ex.Message != "" {
			line += "  " + ex.Message
		}
		if _, err := fmt.Fprintln(ctx.Stdout, line); err != nil {
			return err
		}
	}
	return nil
}

func (t *TLSInitCommand) Run(ctx *runtimeContext) error {
	dir := t.Dir
	if dir == "" {
		var err error
		dir, err = paths.TLSDir()
		if err != nil {
			return err
		}
	}
	if err := tlsbootstrap.Init(dir, t.Force); err != nil {
		return err
	}
	_, err := fmt.Fprintf(ctx.Stdout, "TLS material written to %s\n", dir)
	return err
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
