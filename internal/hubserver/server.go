// Package hubserver exposes the session hub over the Connect protocol. The
// API types are plain JSON structs, so handlers are registered per procedure
// with an explicit JSON codec rather than generated service descriptors.
package hubserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/charmbracelet/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/dstutor/kernelhub/internal/endpoint"
	"github.com/dstutor/kernelhub/internal/hubapi"
	"github.com/dstutor/kernelhub/internal/sessionhub"
	"github.com/dstutor/kernelhub/internal/tlsconfig"
)

// TLSOptions holds explicit TLS paths for the server.
type TLSOptions struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

type Server struct {
	service *sessionhub.Service
	logger  *log.Logger
}

func New(service *sessionhub.Service, logger *log.Logger) *Server {
	return &Server{service: service, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	codec := connect.WithCodec(hubapi.Codec{})

	mux.Handle(hubapi.ProcedureCreateSession, connect.NewUnaryHandler(
		hubapi.ProcedureCreateSession, s.createSession, codec))
	mux.Handle(hubapi.ProcedureGetSession, connect.NewUnaryHandler(
		hubapi.ProcedureGetSession, s.getSession, codec))
	mux.Handle(hubapi.ProcedureListSessions, connect.NewUnaryHandler(
		hubapi.ProcedureListSessions, s.listSessions, codec))
	mux.Handle(hubapi.ProcedureRestartSession, connect.NewUnaryHandler(
		hubapi.ProcedureRestartSession, s.restartSession, codec))
	mux.Handle(hubapi.ProcedureTerminateSession, connect.NewUnaryHandler(
		hubapi.ProcedureTerminateSession, s.terminateSession, codec))
	mux.Handle(hubapi.ProcedureCreateExecution, connect.NewUnaryHandler(
		hubapi.ProcedureCreateExecution, s.createExecution, codec))
	mux.Handle(hubapi.ProcedureGetExecution, connect.NewUnaryHandler(
		hubapi.ProcedureGetExecution, s.getExecution, codec))
	mux.Handle(hubapi.ProcedureCancelExecution, connect.NewUnaryHandler(
		hubapi.ProcedureCancelExecution, s.cancelExecution, codec))
	mux.Handle(hubapi.ProcedureWatchExecution, connect.NewServerStreamHandler(
		hubapi.ProcedureWatchExecution, s.watchExecution, codec))
	mux.Handle(hubapi.ProcedureExecutionHistory, connect.NewUnaryHandler(
		hubapi.ProcedureExecutionHistory, s.executionHistory, codec))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h2c.NewHandler(mux, &http2.Server{})
}

func (s *Server) createSession(ctx context.Context, req *connect.Request[hubapi.CreateSessionRequest]) (*connect.Response[hubapi.CreateSessionResponse], error) {
	session, err := s.service.CreateSession(ctx, req.Msg)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&hubapi.CreateSessionResponse{Session: session}), nil
}

func (s *Server) getSession(_ context.Context, req *connect.Request[hubapi.GetSessionRequest]) (*connect.Response[hubapi.GetSessionResponse], error) {
	session, err := s.service.GetSession(req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&hubapi.GetSessionResponse{Session: session}), nil
}

func (s *Server) listSessions(_ context.Context, _ *connect.Request[hubapi.ListSessionsRequest]) (*connect.Response[hubapi.ListSessionsResponse], error) {
	return connect.NewResponse(&hubapi.ListSessionsResponse{Sessions: s.service.ListSessions()}), nil
}

func (s *Server) restartSession(ctx context.Context, req *connect.Request[hubapi.RestartSessionRequest]) (*connect.Response[hubapi.RestartSessionResponse], error) {
	session, err := s.service.RestartSession(ctx, req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&hubapi.RestartSessionResponse{Session: session}), nil
}

func (s *Server) terminateSession(_ context.Context, req *connect.Request[hubapi.TerminateSessionRequest]) (*connect.Response[hubapi.TerminateSessionResponse], error) {
	resp, err := s.service.TerminateSession(req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(resp), nil
}

func (s *Server) createExecution(_ context.Context, req *connect.Request[hubapi.CreateExecutionRequest]) (*connect.Response[hubapi.CreateExecutionResponse], error) {
	exec, err := s.service.CreateExecution(req.Msg)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&hubapi.CreateExecutionResponse{Execution: exec}), nil
}

func (s *Server) getExecution(_ context.Context, req *connect.Request[hubapi.GetExecutionRequest]) (*connect.Response[hubapi.GetExecutionResponse], error) {
	exec, err := s.service.GetExecution(req.Msg.SessionID, req.Msg.ExecutionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&hubapi.GetExecutionResponse{Execution: exec}), nil
}

func (s *Server) cancelExecution(_ context.Context, req *connect.Request[hubapi.CancelExecutionRequest]) (*connect.Response[hubapi.CancelExecutionResponse], error) {
	resp, err := s.service.CancelExecution(req.Msg)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(resp), nil
}

func (s *Server) watchExecution(ctx context.Context, req *connect.Request[hubapi.WatchExecutionRequest], stream *connect.ServerStream[hubapi.ExecutionStreamEvent]) error {
	history, updates, done, unsubscribe, err := s.service.SubscribeExecutionEvents(req.Msg.SessionID, req.Msg.ExecutionID)
	if err != nil {
		return toConnectError(err)
	}
	defer unsubscribe()

	for _, event := range history {
		if err := stream.Send(event); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-updates:
			if !ok {
				return streamSubscriberDroppedErr(done)
			}
			if err := stream.Send(event); err != nil {
				return err
			}
		case <-done:
			return drainExecutionEvents(stream, updates)
		}
	}
}

func (s *Server) executionHistory(ctx context.Context, req *connect.Request[hubapi.ExecutionHistoryRequest]) (*connect.Response[hubapi.ExecutionHistoryResponse], error) {
	executions, err := s.service.ExecutionHistory(ctx, req.Msg.SessionID, req.Msg.Limit)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&hubapi.ExecutionHistoryResponse{Executions: executions}), nil
}

func streamSubscriberDroppedErr(done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	default:
		return connect.NewError(
			connect.CodeResourceExhausted,
			errors.New("execution stream closed because the client could not keep up with event throughput"),
		)
	}
}

func drainExecutionEvents(stream *connect.ServerStream[hubapi.ExecutionStreamEvent], updates <-chan *hubapi.ExecutionStreamEvent) error {
	for {
		select {
		case event, ok := <-updates:
			if !ok {
				return nil
			}
			if err := stream.Send(event); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}

	code := connect.CodeInternal
	message := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, sessionhub.ErrExecutionInProgress):
		code = connect.CodeFailedPrecondition
	case strings.Contains(message, "missing "), strings.Contains(message, "invalid"):
		code = connect.CodeInvalidArgument
	case strings.Contains(message, "unknown session"), strings.Contains(message, "unknown execution"):
		code = connect.CodeNotFound
	case strings.Contains(message, "is terminated"), strings.Contains(message, "limit reached"):
		code = connect.CodeFailedPrecondition
	}
	return connect.NewError(code, err)
}

func Serve(ctx context.Context, ep endpoint.Endpoint, handler http.Handler, logger *log.Logger, tlsOpts *TLSOptions) error {
	listener, err := listen(ep, tlsOpts)
	if err != nil {
		return err
	}
	defer listener.Close()
	if logger != nil {
		logger.Info("serving kernelhub API", "endpoint", ep.Address, "scheme", ep.Scheme, "base_url", ep.BaseURL)
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if ep.Scheme == "https" {
		if err := http2.ConfigureServer(httpServer, nil); err != nil {
			return fmt.Errorf("configure HTTP/2 for TLS: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if ep.Scheme == "unix" {
			_ = os.Remove(ep.Address)
		}
		if logger != nil {
			logger.Info("kernelhub API shutdown complete", "endpoint", ep.Address)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if logger != nil {
			logger.Error("kernelhub API serve failed", "error", err)
		}
		return err
	}
}

func listen(ep endpoint.Endpoint, tlsOpts *TLSOptions) (net.Listener, error) {
	if ep.Scheme == "unix" {
		if err := os.MkdirAll(filepath.Dir(ep.Address), 0o755); err != nil {
			return nil, err
		}
		if err := os.Remove(ep.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		listener, err := net.Listen("unix", ep.Address)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(ep.Address, 0o600); err != nil {
			_ = listener.Close()
			return nil, err
		}
		return listener, nil
	}

	if ep.Scheme == "https" {
		var opts tlsconfig.Options
		if tlsOpts != nil {
			opts = tlsconfig.Options{
				CertPath: tlsOpts.CertPath,
				KeyPath:  tlsOpts.KeyPath,
				CAPath:   tlsOpts.CAPath,
			}
		}
		tlsCfg, err := tlsconfig.ResolveServer(opts)
		if err != nil {
			return nil, fmt.Errorf("resolve server TLS config: %w", err)
		}
		if tlsCfg == nil {
			return nil, errors.New("https listen endpoint requires TLS certificates (provide --tls-cert/--tls-key)")
		}
		if opts.CAPath != "" {
			pool, err := loadClientCAPool(opts.CAPath)
			if err != nil {
				return nil, err
			}
			tlsCfg.ClientCAs = pool
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
		addr := ep.Address
		for _, prefix := range []string{"https://", "http://"} {
			addr = strings.TrimPrefix(addr, prefix)
		}
		listener, err := tls.Listen("tcp", addr, tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("start TLS listener for %q: %w", addr, err)
		}
		return listener, nil
	}
	if ep.Scheme == "http" {
		addr := strings.TrimPrefix(ep.Address, "http://")
		return net.Listen("tcp", addr)
	}

	return nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
}

// loadClientCAPool reads a PEM bundle and builds the pool used to verify
// client certificates when the listener requires them.
func loadClientCAPool(path string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client CA %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no certificates found in client CA %q", path)
	}
	return pool, nil
}
