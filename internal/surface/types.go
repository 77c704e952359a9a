package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mcpman/mcpman/internal/naming"
	"github.com/mcpman/mcpman/internal/schema"
	"github.com/mcpman/mcpman/internal/upstream"
)

// ambientDeclarations close the generated surface: the helper functions
// and the result log every script can reach, plus the promise shape tool
// methods return.
const toolPromiseDeclaration = `type ToolPromise = Promise<Output> & { text(): Promise<string>; json(): Promise<any> };`

const ambientDeclarations = `declare function listServers(): string[];
declare function listTools(server?: string): string[] | Record<string, string[]>;
declare function help(server: string, tool?: string): Promise<unknown>;
declare const $results: any[];
declare const env: Record<string, string>;`

const outputDeclaration = `interface Output {
  content: Array<{ type: string; text?: string; [key: string]: unknown }>;
}`

// TypeDefinitions renders the declaration text for the named servers, or
// for every connected server when none are given. The unfiltered result
// is memoized by tool signature; filtered results are recomputed on every
// call.
func (s *Surface) TypeDefinitions(ctx context.Context, servers ...string) (string, error) {
	all := s.fleet.GetAllTools(ctx)
	if len(servers) == 0 {
		sig := Signature(all)
		s.mu.Lock()
		if s.cachedSig == sig && s.cached != "" {
			text := s.cached
			s.mu.Unlock()
			return text, nil
		}
		s.mu.Unlock()

		text := renderTypeText(all)
		s.mu.Lock()
		s.cachedSig = sig
		s.cached = text
		s.mu.Unlock()
		return text, nil
	}

	filtered := make(map[string][]upstream.ToolDescriptor, len(servers))
	for _, name := range servers {
		tools, ok := lookupTools(all, name)
		if !ok {
			return "", unknownServerError(name, sortedServerNames(all))
		}
		filtered[name] = tools
	}
	return renderTypeText(filtered), nil
}

// ServerTypeText renders the declarations for one server: its Input
// interfaces, the Output interface, and the server object type.
func (s *Surface) ServerTypeText(ctx context.Context, server string) (string, error) {
	all := s.fleet.GetAllTools(ctx)
	tools, ok := lookupTools(all, server)
	if !ok {
		return "", unknownServerError(server, sortedServerNames(all))
	}
	var b strings.Builder
	for _, t := range tools {
		b.WriteString(inputDeclaration(server, t))
		b.WriteString("\n\n")
	}
	b.WriteString(outputDeclaration)
	b.WriteString("\n\n")
	b.WriteString(toolPromiseDeclaration)
	b.WriteString("\n\n")
	b.WriteString(serverDeclaration(server, tools))
	return b.String(), nil
}

// ToolTypeText renders the Input declaration, the Output interface, and
// the method signature for one tool.
func (s *Surface) ToolTypeText(ctx context.Context, server, tool string) (string, error) {
	all := s.fleet.GetAllTools(ctx)
	tools, ok := lookupTools(all, server)
	if !ok {
		return "", unknownServerError(server, sortedServerNames(all))
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	resolved, ok := naming.Resolve(tool, names)
	if !ok {
		return "", fmt.Errorf("tool %q not found on server %q; available tools: %s",
			tool, server, strings.Join(names, ", "))
	}
	for _, t := range tools {
		if t.Name != resolved {
			continue
		}
		var b strings.Builder
		b.WriteString(inputDeclaration(server, t))
		b.WriteString("\n\n")
		b.WriteString(outputDeclaration)
		b.WriteString("\n\n")
		b.WriteString(toolPromiseDeclaration)
		b.WriteString("\n\n")
		fmt.Fprintf(&b, "declare const %s: {\n  %s\n};", naming.Camel(server), methodSignature(server, t))
		return b.String(), nil
	}
	return "", fmt.Errorf("tool %q not found on server %q", tool, server)
}

// ToolDescriptions renders the one-line-per-tool summary, memoized under
// the same signature rule as the type text.
func (s *Surface) ToolDescriptions(ctx context.Context) string {
	all := s.fleet.GetAllTools(ctx)
	sig := Signature(all)
	s.mu.Lock()
	if s.descSig == sig && s.descText != "" {
		text := s.descText
		s.mu.Unlock()
		return text
	}
	s.mu.Unlock()

	var b strings.Builder
	for _, server := range sortedServerNames(all) {
		for _, t := range all[server] {
			fmt.Fprintf(&b, "- %s.%s", server, t.Name)
			if t.Description != "" {
				b.WriteString(": ")
				b.WriteString(firstLine(t.Description))
			}
			b.WriteString("\n")
		}
	}
	text := strings.TrimRight(b.String(), "\n")

	s.mu.Lock()
	s.descSig = sig
	s.descText = text
	s.mu.Unlock()
	return text
}

// Signature derives the cache key for a tool snapshot: every
// server.tool:inputSchemaJSON line, sorted and concatenated. Tool
// descriptions are not part of it, so a snapshot that differs only in
// descriptions reuses the cached text.
func Signature(all map[string][]upstream.ToolDescriptor) string {
	lines := make([]string, 0, len(all))
	for server, tools := range all {
		for _, t := range tools {
			schemaJSON := "null"
			if t.InputSchema != nil {
				if raw, err := json.Marshal(t.InputSchema); err == nil {
					schemaJSON = string(raw)
				}
			}
			lines = append(lines, fmt.Sprintf("%s.%s:%s", server, t.Name, schemaJSON))
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

func renderTypeText(all map[string][]upstream.ToolDescriptor) string {
	var b strings.Builder
	servers := sortedServerNames(all)
	for _, server := range servers {
		for _, t := range all[server] {
			b.WriteString(inputDeclaration(server, t))
			b.WriteString("\n\n")
		}
	}
	b.WriteString(outputDeclaration)
	b.WriteString("\n\n")
	b.WriteString(toolPromiseDeclaration)
	b.WriteString("\n\n")
	for _, server := range servers {
		b.WriteString(serverDeclaration(server, all[server]))
		b.WriteString("\n\n")
	}
	b.WriteString(ambientDeclarations)
	return b.String()
}

// InputTypeName names the Input declaration for one tool.
func InputTypeName(server, tool string) string {
	return naming.Pascal(server) + naming.Pascal(tool) + "Input"
}

func inputDeclaration(server string, t upstream.ToolDescriptor) string {
	name := InputTypeName(server, t.Name)
	fragment := schema.TypeFragment(t.InputSchema)
	var b strings.Builder
	if t.Description != "" {
		fmt.Fprintf(&b, "/** %s */\n", firstLine(t.Description))
	}
	if strings.HasPrefix(fragment, "{") {
		fmt.Fprintf(&b, "interface %s %s", name, fragment)
	} else {
		fmt.Fprintf(&b, "type %s = %s;", name, fragment)
	}
	return b.String()
}

func serverDeclaration(server string, tools []upstream.ToolDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "declare const %s: {\n", naming.Camel(server))
	for _, t := range tools {
		fmt.Fprintf(&b, "  %s\n", methodSignature(server, t))
	}
	b.WriteString("};")
	return b.String()
}

func methodSignature(server string, t upstream.ToolDescriptor) string {
	return fmt.Sprintf("%s(input: %s): ToolPromise;", naming.Camel(t.Name), InputTypeName(server, t.Name))
}

func lookupTools(all map[string][]upstream.ToolDescriptor, server string) ([]upstream.ToolDescriptor, bool) {
	if tools, ok := all[server]; ok {
		return tools, true
	}
	if resolved, ok := naming.Resolve(server, sortedServerNames(all)); ok {
		return all[resolved], true
	}
	return nil, false
}

func sortedServerNames(all map[string][]upstream.ToolDescriptor) []string {
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
