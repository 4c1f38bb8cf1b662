package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/sigee-min/bbmcp/internal/config"
	"github.com/sigee-min/bbmcp/internal/requestctx"
)

// Request headers that identify the HTTP caller. A reverse proxy in
// front of bbmcp is expected to authenticate and set them.
const (
	HeaderAccount     = "X-Bbmcp-Account"
	HeaderWorkspace   = "X-Bbmcp-Workspace"
	HeaderSystemRoles = "X-Bbmcp-System-Roles"
	headerSession     = "Mcp-Session-Id"
)

const shutdownTimeout = 5 * time.Second

// StdioActor is the fixed identity of a stdio session. Without a
// configured session id each process gets a fresh one, so two editors on
// the same account still contend for project locks.
func StdioActor(a config.Actor) requestctx.Actor {
	session := a.SessionID
	if session == "" {
		session = "stdio_" + uuid.NewString()
	}
	return requestctx.Actor{
		AccountID:   a.AccountID,
		SessionID:   session,
		WorkspaceID: a.WorkspaceID,
		SystemRoles: a.SystemRoles,
	}
}

// HTTPActor reads the caller identity from request headers. The MCP
// session id keys lock ownership; requests outside a session get a
// one-off id.
func HTTPActor(r *http.Request) requestctx.Actor {
	session := r.Header.Get(headerSession)
	if session == "" {
		session = "http_" + uuid.NewString()
	}
	return requestctx.Actor{
		AccountID:   strings.TrimSpace(r.Header.Get(HeaderAccount)),
		SessionID:   session,
		WorkspaceID: strings.TrimSpace(r.Header.Get(HeaderWorkspace)),
		SystemRoles: requestctx.ParseRoles(r.Header.Get(HeaderSystemRoles)),
	}
}

// Serve runs the configured MCP transport and, when enabled, the
// in-process job workers. It returns once ctx is cancelled or any of them
// stops.
func (r *Runtime) Serve(ctx context.Context) error {
	s := r.NewMCPServer()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if r.cfg.JobWorkers > 0 {
		g.Go(func() error { return r.RunWorkers(gctx, r.cfg.JobWorkers) })
	}
	g.Go(func() error {
		defer cancel()
		if r.cfg.Transport == config.TransportHTTP {
			return r.serveHTTP(gctx, s)
		}
		return r.serveStdio(gctx, s)
	})
	return g.Wait()
}

func (r *Runtime) serveStdio(ctx context.Context, s *server.MCPServer) error {
	actor := StdioActor(r.cfg.Actor)
	r.log.Info().Str("account", actor.AccountID).Str("session", actor.SessionID).Msg("serving mcp over stdio")

	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(log.New(r.log, "", 0))
	stdio.SetContextFunc(func(ctx context.Context) context.Context {
		return requestctx.WithActor(ctx, actor)
	})
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (r *Runtime) serveHTTP(ctx context.Context, s *server.MCPServer) error {
	httpServer := server.NewStreamableHTTPServer(s,
		server.WithHTTPContextFunc(func(ctx context.Context, req *http.Request) context.Context {
			return requestctx.WithActor(ctx, HTTPActor(req))
		}),
	)
	r.log.Info().Str("addr", r.cfg.HTTPAddr).Msg("serving mcp over streamable http")

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Start(r.cfg.HTTPAddr) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
