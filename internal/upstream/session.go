// Package upstream owns the connections MCPMan holds as an MCP client: one
// Session per enabled server, plus the Fleet that connects, routes tool
// calls, and fans roots changes out to every live session.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpman/mcpman/internal/config"
)

const (
	clientName    = "mcpman"
	clientVersion = "1.0.0"
)

// ToolDescriptor is the slice of an upstream tool declaration the rest of
// the system consumes.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Session is one live upstream connection. The embedded SDK client answers
// roots/list requests from the root set pushed via SetRoots and notifies
// the upstream whenever that set changes.
type Session struct {
	name    string
	cfg     config.ServerConfig
	timeout time.Duration
	logger  *slog.Logger

	client  *mcp.Client
	session *mcp.ClientSession

	mu        sync.Mutex
	rootURIs  []string
	closeOnce sync.Once
	closeErr  error
}

// Connect builds the transport for cfg, dials the server, and returns the
// live session. HTTP 401 responses surface as ErrUnauthorized with
// operator instructions.
func Connect(ctx context.Context, name string, cfg config.ServerConfig, logger *slog.Logger, auth *OAuthProvider) (*Session, error) {
	s := &Session{
		name:    name,
		cfg:     cfg,
		timeout: cfg.Timeout(),
		logger:  logger,
	}

	transport, err := s.buildTransport(auth)
	if err != nil {
		return nil, err
	}

	impl := &mcp.Implementation{Name: clientName, Version: clientVersion}
	s.client = mcp.NewClient(impl, &mcp.ClientOptions{})

	connectCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	session, err := s.client.Connect(connectCtx, transport, nil)
	if err != nil {
		if cfg.Transport == config.TransportHTTP && isUnauthorized(err) {
			return nil, unauthorizedError(name, err)
		}
		return nil, fmt.Errorf("connect %q: %w", name, err)
	}
	s.session = session
	return s, nil
}

func (s *Session) buildTransport(auth *OAuthProvider) (mcp.Transport, error) {
	switch s.cfg.Transport {
	case config.TransportStdio:
		cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
		if len(s.cfg.Env) > 0 {
			env := os.Environ()
			for k, v := range s.cfg.Env {
				env = append(env, fmt.Sprintf("%s=%s", k, v))
			}
			cmd.Env = env
		}
		cmd.Stderr = os.Stderr
		return &mcp.CommandTransport{Command: cmd}, nil
	case config.TransportHTTP:
		return &mcp.StreamableClientTransport{
			Endpoint:   s.cfg.URL,
			HTTPClient: decorateHTTPClient(nil, s.cfg.Headers, auth),
		}, nil
	default:
		return nil, fmt.Errorf("server %q: unsupported transport %q", s.name, s.cfg.Transport)
	}
}

// Name returns the configured server name.
func (s *Session) Name() string { return s.name }

// ListTools fetches the upstream tool declarations. Servers that do not
// implement tools/list read as having no tools.
func (s *Session) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.session.ListTools(ctx, nil)
	if err != nil {
		if isMethodUnavailable(err, "tools/list") {
			return nil, nil
		}
		return nil, fmt.Errorf("list tools on %q: %w", s.name, err)
	}
	tools := make([]ToolDescriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		if t == nil {
			continue
		}
		schema, _ := t.InputSchema.(*jsonschema.Schema)
		tools = append(tools, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// CallTool invokes an upstream tool and returns the result content. A
// result flagged isError by the upstream becomes a Go error carrying the
// upstream's text.
func (s *Session) CallTool(ctx context.Context, tool string, args any) ([]mcp.Content, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", s.name, tool, err)
	}
	if res.IsError {
		return nil, fmt.Errorf("call %s.%s: %s", s.name, tool, contentText(res.Content))
	}
	return res.Content, nil
}

// SetRoots replaces the root set exposed to this upstream. The SDK answers
// subsequent roots/list requests from the new set and emits a
// rootsListChanged notification, so pushing roots right after connect also
// covers the initial announcement.
func (s *Session) SetRoots(roots []*mcp.Root) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]string, 0, len(roots))
	for _, r := range roots {
		next = append(next, r.URI)
	}
	var stale []string
	for _, uri := range s.rootURIs {
		if !containsString(next, uri) {
			stale = append(stale, uri)
		}
	}
	if len(stale) > 0 {
		s.client.RemoveRoots(stale...)
	}
	if len(roots) > 0 {
		s.client.AddRoots(roots...)
	}
	s.rootURIs = next
	return nil
}

// Close shuts the session down. Safe to call more than once; a stdio
// child exits with its pipes.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.session.Close()
	})
	return s.closeErr
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	if len(parts) == 0 {
		return "tool reported an error"
	}
	return strings.Join(parts, "\n")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// decorateHTTPClient clones the base client with a transport that applies
// static headers and, when an OAuth provider is present, a Bearer token.
func decorateHTTPClient(base *http.Client, headers map[string]string, auth *OAuthProvider) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	next := base.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	clone.Transport = &headerTransport{next: next, headers: headers, auth: auth}
	return &clone
}

type headerTransport struct {
	next    http.RoundTripper
	headers map[string]string
	auth    *OAuthProvider
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) > 0 || t.auth != nil {
		req = req.Clone(req.Context())
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if t.auth != nil && req.Header.Get("Authorization") == "" {
		token, err := t.auth.AccessToken(req.Context())
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return t.next.RoundTrip(req)
}
