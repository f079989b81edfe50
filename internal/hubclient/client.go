// Package hubclient is the Connect client for the kernelhub API. Each
// procedure gets its own typed connect.Client sharing one HTTP transport,
// mirroring how the server registers per-procedure handlers.
package hubclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"

	"github.com/dstutor/kernelhub/internal/endpoint"
	"github.com/dstutor/kernelhub/internal/hubapi"
	"github.com/dstutor/kernelhub/internal/tlsconfig"
)

type Client struct {
	httpClient *http.Client
	baseURL    string

	createSession    *connect.Client[hubapi.CreateSessionRequest, hubapi.CreateSessionResponse]
	getSession       *connect.Client[hubapi.GetSessionRequest, hubapi.GetSessionResponse]
	listSessions     *connect.Client[hubapi.ListSessionsRequest, hubapi.ListSessionsResponse]
	restartSession   *connect.Client[hubapi.RestartSessionRequest, hubapi.RestartSessionResponse]
	terminateSession *connect.Client[hubapi.TerminateSessionRequest, hubapi.TerminateSessionResponse]
	createExecution  *connect.Client[hubapi.CreateExecutionRequest, hubapi.CreateExecutionResponse]
	getExecution     *connect.Client[hubapi.GetExecutionRequest, hubapi.GetExecutionResponse]
	cancelExecution  *connect.Client[hubapi.CancelExecutionRequest, hubapi.CancelExecutionResponse]
	watchExecution   *connect.Client[hubapi.WatchExecutionRequest, hubapi.ExecutionStreamEvent]
	executionHistory *connect.Client[hubapi.ExecutionHistoryRequest, hubapi.ExecutionHistoryResponse]
}

// Option configures the client.
type Option func(*options)

type options struct {
	tlsOpts tlsconfig.Options
}

// WithTLS configures TLS options for the client.
func WithTLS(opts tlsconfig.Options) Option {
	return func(o *options) {
		o.tlsOpts = opts
	}
}

func New(ep endpoint.Endpoint, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	baseURL := strings.TrimRight(ep.BaseURL, "/")
	transport, err := buildTransport(ep, baseURL, o.tlsOpts)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Transport: transport}
	codec := connect.WithCodec(hubapi.Codec{})

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		createSession: connect.NewClient[hubapi.CreateSessionRequest, hubapi.CreateSessionResponse](
			httpClient, baseURL+hubapi.ProcedureCreateSession, codec),
		getSession: connect.NewClient[hubapi.GetSessionRequest, hubapi.GetSessionResponse](
			httpClient, baseURL+hubapi.ProcedureGetSession, codec),
		listSessions: connect.NewClient[hubapi.ListSessionsRequest, hubapi.ListSessionsResponse](
			httpClient, baseURL+hubapi.ProcedureListSessions, codec),
		restartSession: connect.NewClient[hubapi.RestartSessionRequest, hubapi.RestartSessionResponse](
			httpClient, baseURL+hubapi.ProcedureRestartSession, codec),
		terminateSession: connect.NewClient[hubapi.TerminateSessionRequest, hubapi.TerminateSessionResponse](
			httpClient, baseURL+hubapi.ProcedureTerminateSession, codec),
		createExecution: connect.NewClient[hubapi.CreateExecutionRequest, hubapi.CreateExecutionResponse](
			httpClient, baseURL+hubapi.ProcedureCreateExecution, codec),
		getExecution: connect.NewClient[hubapi.GetExecutionRequest, hubapi.GetExecutionResponse](
			httpClient, baseURL+hubapi.ProcedureGetExecution, codec),
		cancelExecution: connect.NewClient[hubapi.CancelExecutionRequest, hubapi.CancelExecutionResponse](
			httpClient, baseURL+hubapi.ProcedureCancelExecution, codec),
		watchExecution: connect.NewClient[hubapi.WatchExecutionRequest, hubapi.ExecutionStreamEvent](
			httpClient, baseURL+hubapi.ProcedureWatchExecution, codec),
		executionHistory: connect.NewClient[hubapi.ExecutionHistoryRequest, hubapi.ExecutionHistoryResponse](
			httpClient, baseURL+hubapi.ProcedureExecutionHistory, codec),
	}, nil
}

func buildTransport(ep endpoint.Endpoint, baseURL string, tlsOpts tlsconfig.Options) (http.RoundTripper, error) {
	dialer := &net.Dialer{}

	if ep.Scheme == "https" {
		tlsCfg, err := tlsconfig.ResolveClient(tlsOpts)
		if err != nil {
			return nil, err
		}
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS13}
		}
		return &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			TLSClientConfig:   tlsCfg,
			ForceAttemptHTTP2: true,
		}, nil
	}

	if ep.Scheme == "unix" {
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", ep.Address)
			},
		}, nil
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return &http.Transport{}, nil
	}
	host := parsed.Host
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", host)
		},
	}, nil
}

func (c *Client) CreateSession(ctx context.Context, req *hubapi.CreateSessionRequest) (*hubapi.CreateSessionResponse, error) {
	resp, err := c.createSession.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) GetSession(ctx context.Context, req *hubapi.GetSessionRequest) (*hubapi.GetSessionResponse, error) {
	resp, err := c.getSession.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) ListSessions(ctx context.Context, req *hubapi.ListSessionsRequest) (*hubapi.ListSessionsResponse, error) {
	resp, err := c.listSessions.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) RestartSession(ctx context.Context, req *hubapi.RestartSessionRequest) (*hubapi.RestartSessionResponse, error) {
	resp, err := c.restartSession.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) TerminateSession(ctx context.Context, req *hubapi.TerminateSessionRequest) (*hubapi.TerminateSessionResponse, error) {
	resp, err := c.terminateSession.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) CreateExecution(ctx context.Context, req *hubapi.CreateExecutionRequest) (*hubapi.CreateExecutionResponse, error) {
	resp, err := c.createExecution.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) GetExecution(ctx context.Context, req *hubapi.GetExecutionRequest) (*hubapi.GetExecutionResponse, error) {
	resp, err := c.getExecution.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) CancelExecution(ctx context.Context, req *hubapi.CancelExecutionRequest) (*hubapi.CancelExecutionResponse, error) {
	resp, err := c.cancelExecution.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) WatchExecution(ctx context.Context, req *hubapi.WatchExecutionRequest) (*connect.ServerStreamForClient[hubapi.ExecutionStreamEvent], error) {
	return c.watchExecution.CallServerStream(ctx, connect.NewRequest(req))
}

func (c *Client) ExecutionHistory(ctx context.Context, req *hubapi.ExecutionHistoryRequest) (*hubapi.ExecutionHistoryResponse, error) {
	resp, err := c.executionHistory.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}
