// Package metaserver is the downstream face of MCPMan: one MCP server
// advertising the six meta-tools (eval, invoke, code, help, list_servers,
// install). Handlers wait on an initialization gate that opens after the
// downstream client's initialized notification has triggered the upstream
// connect, so no handler ever observes a half-connected fleet.
package metaserver

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/mcpman/mcpman/internal/codegen"
	"github.com/mcpman/mcpman/internal/config"
	"github.com/mcpman/mcpman/internal/sandbox"
	"github.com/mcpman/mcpman/internal/upstream"
)

const (
	serverName    = "mcpman"
	serverVersion = "1.0.0"
)

// Fleet is the slice of the fleet manager the handlers drive.
type Fleet interface {
	ConnectAll(ctx context.Context) error
	AddServer(ctx context.Context, name string, cfg config.ServerConfig) error
	ListTools(ctx context.Context, server string) ([]upstream.ToolDescriptor, error)
	CallTool(ctx context.Context, server, tool string, args any) ([]mcp.Content, error)
	ConnectedServers() []string
	ConfiguredServers() []string
	HasServer(name string) bool
	IsConnected(name string) bool
	SetRootsProvider(ctx context.Context, p upstream.RootsProvider)
	NotifyRootsChanged(ctx context.Context)
}

// TypeSurface renders the generated declarations the eval/code/help
// handlers consume. *surface.Surface satisfies it.
type TypeSurface interface {
	TypeDefinitions(ctx context.Context, servers ...string) (string, error)
	ServerTypeText(ctx context.Context, server string) (string, error)
	ToolTypeText(ctx context.Context, server, tool string) (string, error)
}

// Runtime is the slice of the sandbox the handlers drive.
type Runtime interface {
	Eval(ctx context.Context, code string, arg any) (sandbox.Result, error)
	AppendResult(v any) int
	Refresh(ctx context.Context) error
}

// Generator produces validated script code for the code handler.
type Generator interface {
	Generate(ctx context.Context, sampler codegen.Sampler, functionDescription, typeText string, validate codegen.Validate) (string, error)
}

// Options wire the meta-server's collaborators.
type Options struct {
	Logger    *slog.Logger
	Fleet     Fleet
	Surface   TypeSurface
	Runtime   Runtime
	Generator Generator
	// Settings is the live settings object the install handler mutates
	// (through the fleet) and persists via SaveSettings.
	Settings *config.Settings
	// SaveSettings persists the settings after install. Nil skips
	// persistence.
	SaveSettings func(*config.Settings) error
}

// Server owns the downstream MCP server and the initialization gate.
type Server struct {
	logger       *slog.Logger
	fleet        Fleet
	surface      TypeSurface
	runtime      Runtime
	generator    Generator
	settings     *config.Settings
	saveSettings func(*config.Settings) error

	server *mcp.Server

	mu       sync.Mutex
	ready    chan struct{}
	readyErr error
	opened   bool
	closed   bool
	// session is the downstream connection, captured on initialized; it
	// answers roots requests and carries the sampling channel.
	session *mcp.ServerSession
}

// New builds the meta-server and registers its tools.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		logger:       opts.Logger,
		fleet:        opts.Fleet,
		surface:      opts.Surface,
		runtime:      opts.Runtime,
		generator:    opts.Generator,
		settings:     opts.Settings,
		saveSettings: opts.SaveSettings,
		ready:        make(chan struct{}),
	}

	s.server = mcp.NewServer(
		&mcp.Implementation{Name: serverName, Version: serverVersion},
		&mcp.ServerOptions{
			HasTools:           true,
			InitializedHandler: s.onInitialized,
			RootsListChangedHandler: func(ctx context.Context, req *mcp.RootsListChangedRequest) {
				s.fleet.NotifyRootsChanged(ctx)
			},
		},
	)
	s.registerTools()
	return s
}

// onInitialized runs when the downstream client finishes its handshake:
// log its capabilities, connect the fleet, install the roots bridge, and
// open the gate.
func (s *Server) onInitialized(ctx context.Context, req *mcp.InitializedRequest) {
	session := req.Session

	s.mu.Lock()
	if s.opened {
		// A reconnecting client reuses the already-connected fleet; only
		// the session handle is replaced.
		s.session = session
		s.mu.Unlock()
		return
	}
	s.session = session
	s.mu.Unlock()

	params := session.InitializeParams()
	sampling := false
	roots := false
	if params != nil && params.Capabilities != nil {
		sampling = params.Capabilities.Sampling != nil
		roots = params.Capabilities.Roots != (struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{})
	}
	s.logger.Info("downstream client initialized",
		"sampling", sampling, "roots", roots)

	err := s.fleet.ConnectAll(ctx)
	if err != nil {
		s.logger.Error("upstream connect failed", "error", err)
	}

	if roots {
		s.fleet.SetRootsProvider(ctx, s.downstreamRoots)
	}

	s.mu.Lock()
	s.readyErr = err
	s.opened = true
	close(s.ready)
	s.mu.Unlock()
}

// downstreamRoots asks the connected client for its current root set.
func (s *Server) downstreamRoots(ctx context.Context) ([]*mcp.Root, error) {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return nil, nil
	}
	res, err := session.ListRoots(ctx, nil)
	if err != nil {
		return nil, err
	}
	return res.Roots, nil
}

// awaitReady blocks until the initialization gate opens. The gate's
// error, if any, is informational; handlers run against whatever subset
// of the fleet connected.
func (s *Server) awaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sampler returns the downstream sampling channel, or nil when the
// client did not advertise the capability.
func (s *Server) sampler() codegen.Sampler {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return nil
	}
	params := session.InitializeParams()
	if params == nil || params.Capabilities == nil || params.Capabilities.Sampling == nil {
		return nil
	}
	return session
}

// Run serves the downstream client over stdio until ctx is cancelled or
// the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Handler exposes the meta-server over streamable HTTP for clients that
// prefer a network endpoint to a child process.
func (s *Server) Handler() http.Handler {
	stream := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
	return cors.Default().Handler(stream)
}

// Close marks the server closed. Idempotent; the stdio run loop ends
// with its context.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
}
