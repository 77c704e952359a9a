// Package surface turns the fleet's upstream tools into the two facades
// the rest of the system consumes: per-server proxies whose methods are
// tool calls, and the generated type text that the eval/code handlers
// check scripts against.
package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpman/mcpman/internal/naming"
	"github.com/mcpman/mcpman/internal/upstream"
)

// Fleet is the slice of the fleet manager the surface needs.
type Fleet interface {
	GetAllTools(ctx context.Context) map[string][]upstream.ToolDescriptor
	ListTools(ctx context.Context, server string) ([]upstream.ToolDescriptor, error)
	CallTool(ctx context.Context, server, tool string, args any) ([]mcp.Content, error)
	ConnectedServers() []string
}

// Surface owns the proxy construction and the type-text cache.
type Surface struct {
	fleet  Fleet
	logger *slog.Logger

	mu        sync.Mutex
	cachedSig string
	cached    string
	descSig   string
	descText  string
}

// New builds a surface over the fleet.
func New(fleet Fleet, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Surface{fleet: fleet, logger: logger}
}

// CallResult is what one proxied tool call produces: the raw content
// parts, converted to plain values a script can inspect, and the
// unwrapped value the awaited promise resolves to.
type CallResult struct {
	Content []any
	Value   any
}

// Proxy exposes one server's tools under every accepted spelling.
type Proxy struct {
	Server string
	fleet  Fleet
	tools  []upstream.ToolDescriptor
	names  []string
}

// Tools returns the advertised tool names in listing order.
func (p *Proxy) Tools() []string {
	return append([]string(nil), p.names...)
}

// Resolve maps a requested property name onto an advertised tool name.
func (p *Proxy) Resolve(requested string) (string, bool) {
	return naming.Resolve(requested, p.names)
}

// NotFound builds the lookup-failure error for a requested name,
// enumerating what the server actually offers.
func (p *Proxy) NotFound(requested string) error {
	if len(p.names) == 0 {
		return fmt.Errorf("tool %q not found on server %q (no tools advertised)", requested, p.Server)
	}
	return fmt.Errorf("tool %q not found on server %q; available tools: %s",
		requested, p.Server, strings.Join(p.names, ", "))
}

// Call invokes tool with args and returns both the content parts and the
// unwrapped value. The tool name must already be resolved.
func (p *Proxy) Call(ctx context.Context, tool string, args any) (CallResult, error) {
	content, err := p.fleet.CallTool(ctx, p.Server, tool, args)
	if err != nil {
		return CallResult{}, err
	}
	return CallResult{
		Content: ContentParts(content),
		Value:   Unwrap(content),
	}, nil
}

// ServerProxies snapshots the fleet's current tools into one proxy per
// connected server.
func (s *Surface) ServerProxies(ctx context.Context) map[string]*Proxy {
	all := s.fleet.GetAllTools(ctx)
	out := make(map[string]*Proxy, len(all))
	for server, tools := range all {
		names := make([]string, 0, len(tools))
		for _, t := range tools {
			names = append(names, t.Name)
		}
		out[server] = &Proxy{Server: server, fleet: s.fleet, tools: tools, names: names}
	}
	return out
}

// Globals is the set of bindings the sandbox installs for scripts.
type Globals struct {
	// Proxies maps each binding name to its server proxy. A server is
	// bound under its original name and, when different, its camelCase
	// form.
	Proxies map[string]*Proxy

	ListServers func() []string
	// ListTools returns the one server's tool names, or a map of every
	// server's names when server is empty.
	ListTools func(server string) (any, error)
	// Help fetches a live description of one server's tools, or of one
	// tool when tool is non-empty.
	Help func(ctx context.Context, server, tool string) (any, error)
}

// GlobalContext builds the script bindings over a proxy snapshot.
func (s *Surface) GlobalContext(proxies map[string]*Proxy) *Globals {
	bindings := make(map[string]*Proxy, len(proxies)*2)
	for name, p := range proxies {
		bindings[name] = p
		if camel := naming.Camel(name); camel != name {
			if _, taken := proxies[camel]; !taken {
				bindings[camel] = p
			}
		}
	}

	servers := make([]string, 0, len(proxies))
	for name := range proxies {
		servers = append(servers, name)
	}
	sort.Strings(servers)

	return &Globals{
		Proxies: bindings,
		ListServers: func() []string {
			return append([]string(nil), servers...)
		},
		ListTools: func(server string) (any, error) {
			if server == "" {
				out := make(map[string][]string, len(proxies))
				for name, p := range proxies {
					out[name] = p.Tools()
				}
				return out, nil
			}
			p, ok := lookupProxy(proxies, server)
			if !ok {
				return nil, unknownServerError(server, servers)
			}
			return p.Tools(), nil
		},
		Help: func(ctx context.Context, server, tool string) (any, error) {
			p, ok := lookupProxy(proxies, server)
			if !ok {
				return nil, unknownServerError(server, servers)
			}
			return s.help(ctx, p, tool)
		},
	}
}

func lookupProxy(proxies map[string]*Proxy, server string) (*Proxy, bool) {
	if p, ok := proxies[server]; ok {
		return p, true
	}
	available := make([]string, 0, len(proxies))
	for name := range proxies {
		available = append(available, name)
	}
	if resolved, ok := naming.Resolve(server, available); ok {
		return proxies[resolved], true
	}
	return nil, false
}

func unknownServerError(server string, available []string) error {
	if len(available) == 0 {
		return fmt.Errorf("server %q not found (no servers connected)", server)
	}
	return fmt.Errorf("server %q not found; connected servers: %s", server, strings.Join(available, ", "))
}

func (s *Surface) help(ctx context.Context, p *Proxy, tool string) (any, error) {
	tools, err := s.fleet.ListTools(ctx, p.Server)
	if err != nil {
		return nil, err
	}
	if tool == "" {
		entries := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			entries = append(entries, toolEntry(t))
		}
		return map[string]any{"server": p.Server, "tools": entries}, nil
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	resolved, ok := naming.Resolve(tool, names)
	if !ok {
		return nil, p.NotFound(tool)
	}
	for _, t := range tools {
		if t.Name == resolved {
			return map[string]any{"server": p.Server, "tool": toolEntry(t)}, nil
		}
	}
	return nil, p.NotFound(tool)
}

func toolEntry(t upstream.ToolDescriptor) map[string]any {
	entry := map[string]any{"name": t.Name}
	if t.Description != "" {
		entry["description"] = t.Description
	}
	if t.InputSchema != nil {
		if raw, err := json.Marshal(t.InputSchema); err == nil {
			var schema any
			if json.Unmarshal(raw, &schema) == nil {
				entry["inputSchema"] = schema
			}
		}
	}
	return entry
}

// ContentParts converts MCP content into plain values: text parts become
// {type, text} maps, images {type, data, mimeType}, anything else a map
// carrying at least its type.
func ContentParts(content []mcp.Content) []any {
	out := make([]any, 0, len(content))
	for _, c := range content {
		switch part := c.(type) {
		case *mcp.TextContent:
			out = append(out, map[string]any{"type": "text", "text": part.Text})
		case *mcp.ImageContent:
			out = append(out, map[string]any{"type": "image", "data": part.Data, "mimeType": part.MIMEType})
		default:
			raw, err := json.Marshal(c)
			if err != nil {
				out = append(out, map[string]any{"type": fmt.Sprintf("%T", c)})
				continue
			}
			var m map[string]any
			if json.Unmarshal(raw, &m) != nil {
				m = map[string]any{"type": fmt.Sprintf("%T", c)}
			}
			out = append(out, m)
		}
	}
	return out
}

// Unwrap reduces a content array to the value scripts see when they await
// a proxied call: a lone text part parses as JSON when it can and falls
// back to the raw string; anything else stays a list of parts.
func Unwrap(content []mcp.Content) any {
	if len(content) == 0 {
		return nil
	}
	if len(content) == 1 {
		if tc, ok := content[0].(*mcp.TextContent); ok {
			var parsed any
			if err := json.Unmarshal([]byte(tc.Text), &parsed); err == nil {
				return parsed
			}
			return tc.Text
		}
	}
	return ContentParts(content)
}

// UnwrapText reduces a content array to the value stored in $results by
// the invoke handler: a lone text part is its raw text, unparsed;
// anything else is the list of parts from ContentParts.
func UnwrapText(content []mcp.Content) any {
	if len(content) == 1 {
		if tc, ok := content[0].(*mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ContentParts(content)
}
