package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpman/mcpman/internal/config"
)

// RootsProvider supplies the current root set, ultimately by asking the
// downstream client. A nil provider reads as an empty root set.
type RootsProvider func(ctx context.Context) ([]*mcp.Root, error)

// session is the surface the fleet needs from a connection. *Session
// satisfies it; tests substitute fakes.
type session interface {
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, tool string, args any) ([]mcp.Content, error)
	SetRoots(roots []*mcp.Root) error
	Close() error
}

// FleetOptions configure fleet construction.
type FleetOptions struct {
	Logger *slog.Logger
	// TokenStore backs OAuth-enabled HTTP servers. Optional; servers
	// without an oauth block never touch it.
	TokenStore TokenStore
	// OnRedirect receives the authorization URL when an OAuth flow needs
	// the operator's browser. Optional.
	OnRedirect func(url string)
}

// Fleet owns every upstream session. A server appears in the session map
// exactly when its connection succeeded and has not been closed.
type Fleet struct {
	mu       sync.Mutex
	settings *config.Settings
	logger   *slog.Logger
	opts     FleetOptions

	clients       map[string]session
	rootsProvider RootsProvider

	connect func(ctx context.Context, name string, cfg config.ServerConfig) (session, error)
}

// NewFleet builds a fleet over the loaded settings. No connections are
// attempted until ConnectAll or ConnectServer.
func NewFleet(settings *config.Settings, opts FleetOptions) *Fleet {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	f := &Fleet{
		settings: settings,
		logger:   opts.Logger,
		opts:     opts,
		clients:  make(map[string]session),
	}
	f.connect = f.dial
	return f
}

func (f *Fleet) dial(ctx context.Context, name string, cfg config.ServerConfig) (session, error) {
	var auth *OAuthProvider
	if cfg.Transport == config.TransportHTTP && cfg.OAuth != nil {
		auth = NewOAuthProvider(name, *cfg.OAuth, f.opts.TokenStore, f.opts.OnRedirect)
	}
	return Connect(ctx, name, cfg, f.logger.With("server", name), auth)
}

// ConnectAll dials every enabled server concurrently and returns once all
// attempts have settled. Individual failures are logged and swallowed,
// except that the first ErrUnauthorized is returned so the operator learns
// the auth flow is needed.
func (f *Fleet) ConnectAll(ctx context.Context) error {
	f.mu.Lock()
	targets := make(map[string]config.ServerConfig)
	for name, cfg := range f.settings.Servers {
		if !cfg.Disabled {
			targets[name] = cfg
		}
	}
	f.mu.Unlock()

	var wg sync.WaitGroup
	var authMu sync.Mutex
	var authErr error
	for name, cfg := range targets {
		wg.Add(1)
		go func(name string, cfg config.ServerConfig) {
			defer wg.Done()
			if err := f.ConnectServer(ctx, name, cfg); err != nil {
				if isUnauthorized(err) {
					authMu.Lock()
					if authErr == nil {
						authErr = err
					}
					authMu.Unlock()
				}
			}
		}(name, cfg)
	}
	wg.Wait()
	return authErr
}

// ConnectServer dials one server and stores the session on success. On
// failure the server stays absent from the connected set and the error is
// logged before being returned.
func (f *Fleet) ConnectServer(ctx context.Context, name string, cfg config.ServerConfig) error {
	f.mu.Lock()
	if _, ok := f.clients[name]; ok {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	sess, err := f.connect(ctx, name, cfg)
	if err != nil {
		f.logger.Warn("upstream connect failed", "server", name, "error", err)
		return err
	}

	f.mu.Lock()
	f.clients[name] = sess
	provider := f.rootsProvider
	f.mu.Unlock()

	if provider != nil {
		f.pushRoots(ctx, name, sess, provider)
	}
	f.logger.Info("upstream connected", "server", name)
	return nil
}

// AddServer records a new server in the settings and, unless disabled,
// attempts to connect it. Name collisions are the caller's concern; the
// install handler checks before calling.
func (f *Fleet) AddServer(ctx context.Context, name string, cfg config.ServerConfig) error {
	f.mu.Lock()
	f.settings.Servers[name] = cfg
	f.mu.Unlock()
	if cfg.Disabled {
		return nil
	}
	return f.ConnectServer(ctx, name, cfg)
}

// GetAllTools lists tools on every connected session. Sessions that fail
// to list read as having no tools; the failure is logged, never returned.
func (f *Fleet) GetAllTools(ctx context.Context) map[string][]ToolDescriptor {
	f.mu.Lock()
	snapshot := make(map[string]session, len(f.clients))
	for name, sess := range f.clients {
		snapshot[name] = sess
	}
	f.mu.Unlock()

	out := make(map[string][]ToolDescriptor, len(snapshot))
	for name, sess := range snapshot {
		tools, err := sess.ListTools(ctx)
		if err != nil {
			f.logger.Warn("list tools failed", "server", name, "error", err)
			out[name] = []ToolDescriptor{}
			continue
		}
		out[name] = tools
	}
	return out
}

// ListTools lists one connected server's tools.
func (f *Fleet) ListTools(ctx context.Context, server string) ([]ToolDescriptor, error) {
	sess, ok := f.lookup(server)
	if !ok {
		return nil, NotConnectedError(server)
	}
	return sess.ListTools(ctx)
}

// CallTool routes a call to the named server. Upstream errors propagate.
func (f *Fleet) CallTool(ctx context.Context, server, tool string, args any) ([]mcp.Content, error) {
	sess, ok := f.lookup(server)
	if !ok {
		return nil, NotConnectedError(server)
	}
	return sess.CallTool(ctx, tool, args)
}

// SetRootsProvider installs the provider and immediately announces the
// current roots to every connected session.
func (f *Fleet) SetRootsProvider(ctx context.Context, p RootsProvider) {
	f.mu.Lock()
	f.rootsProvider = p
	f.mu.Unlock()
	f.NotifyRootsChanged(ctx)
}

// NotifyRootsChanged re-reads the provider and pushes the root set to all
// connected sessions. Per-session failures are logged, not propagated.
func (f *Fleet) NotifyRootsChanged(ctx context.Context) {
	f.mu.Lock()
	provider := f.rootsProvider
	snapshot := make(map[string]session, len(f.clients))
	for name, sess := range f.clients {
		snapshot[name] = sess
	}
	f.mu.Unlock()
	if provider == nil {
		return
	}
	for name, sess := range snapshot {
		f.pushRoots(ctx, name, sess, provider)
	}
}

func (f *Fleet) pushRoots(ctx context.Context, name string, sess session, provider RootsProvider) {
	roots, err := provider(ctx)
	if err != nil {
		f.logger.Warn("roots provider failed", "server", name, "error", err)
		return
	}
	if err := sess.SetRoots(roots); err != nil {
		f.logger.Warn("roots push failed", "server", name, "error", err)
	}
}

// Disconnect closes every session and clears the connected set. Idempotent;
// per-session close errors are logged and swallowed.
func (f *Fleet) Disconnect() {
	f.mu.Lock()
	clients := f.clients
	f.clients = make(map[string]session)
	f.mu.Unlock()

	for name, sess := range clients {
		if err := sess.Close(); err != nil {
			f.logger.Warn("session close failed", "server", name, "error", err)
		}
	}
}

// ConnectedServers returns the sorted names of live sessions.
func (f *Fleet) ConnectedServers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.clients)
}

// ConfiguredServers returns the sorted names of enabled settings entries.
func (f *Fleet) ConfiguredServers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	enabled := make(map[string]struct{})
	for name, cfg := range f.settings.Servers {
		if !cfg.Disabled {
			enabled[name] = struct{}{}
		}
	}
	return sortedKeys(enabled)
}

// HasServer reports whether name exists in the settings, disabled or not.
func (f *Fleet) HasServer(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.settings.Servers[name]
	return ok
}

// IsConnected reports whether name currently has a live session.
func (f *Fleet) IsConnected(name string) bool {
	_, ok := f.lookup(name)
	return ok
}

func (f *Fleet) lookup(name string) (session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.clients[name]
	return sess, ok
}

// ServerConfig returns the settings entry for name.
func (f *Fleet) ServerConfig(name string) (config.ServerConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.settings.Servers[name]
	if !ok {
		return config.ServerConfig{}, fmt.Errorf("unknown server %q", name)
	}
	return cfg, nil
}
