package metaserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpman/mcpman/internal/config"
	"github.com/mcpman/mcpman/internal/naming"
	"github.com/mcpman/mcpman/internal/schema"
	"github.com/mcpman/mcpman/internal/surface"
	"github.com/mcpman/mcpman/internal/typecheck"
)

func (s *Server) registerTools() {
	s.server.AddTool(&mcp.Tool{
		Name:        "eval",
		Description: "Run a JavaScript function expression against the connected servers. Bindings persist across calls; the result is appended to $results.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"code": {Type: "string", Description: "A function expression taking zero or one argument."},
			"arg":  {Type: "object", Description: "Argument passed to the function."},
		}, "code"),
	}, s.handleEval)

	s.server.AddTool(&mcp.Tool{
		Name:        "invoke",
		Description: "Call upstream tools directly, validating parameters against each tool's schema. Results are appended to $results.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"calls": {
				Type: "array",
				Items: objectSchema(map[string]*jsonschema.Schema{
					"server":     {Type: "string"},
					"tool":       {Type: "string"},
					"parameters": {Type: "object"},
				}, "server", "tool"),
			},
			"parallel": {Type: "boolean", Description: "Run all calls concurrently."},
		}, "calls"),
	}, s.handleInvoke)

	s.server.AddTool(&mcp.Tool{
		Name:        "code",
		Description: "Generate, validate, and run a script for a described task using the connected servers' typed surface.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"functionDescription": {Type: "string", Description: "What the generated function should do."},
			"servers":             {Type: "array", Items: &jsonschema.Schema{Type: "string"}, Description: "Restrict the type surface to these servers."},
		}, "functionDescription"),
	}, s.handleCode)

	s.server.AddTool(&mcp.Tool{
		Name:        "help",
		Description: "Show the generated TypeScript declarations for a server, or for one tool.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"server": {Type: "string"},
			"tool":   {Type: "string"},
		}, "server"),
	}, s.handleHelp)

	s.server.AddTool(&mcp.Tool{
		Name:        "list_servers",
		Description: "List configured servers with their connection state and tools.",
		InputSchema: objectSchema(nil),
	}, s.handleListServers)

	s.server.AddTool(&mcp.Tool{
		Name:        "install",
		Description: "Add an upstream server to the configuration and connect it.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"name":      {Type: "string"},
			"transport": {Type: "string", Enum: []any{"stdio", "http"}},
			"command":   {Type: "string"},
			"args":      {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			"url":       {Type: "string"},
			"env":       {Type: "object"},
			"headers":   {Type: "object"},
			"disabled":  {Type: "boolean"},
		}, "name", "transport"),
	}, s.handleInstall)
}

func objectSchema(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

func decodeArguments(req *mcp.CallToolRequest, v any) error {
	if req.Params == nil || len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

type evalInput struct {
	Code string         `json:"code"`
	Arg  map[string]any `json:"arg"`
}

func (s *Server) handleEval(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.awaitReady(ctx); err != nil {
		return nil, err
	}
	var in evalInput
	if err := decodeArguments(req, &in); err != nil {
		return errorResult(err.Error()), nil
	}
	return s.evalTool(ctx, in), nil
}

func (s *Server) evalTool(ctx context.Context, in evalInput) *mcp.CallToolResult {
	if strings.TrimSpace(in.Code) == "" {
		return errorResult("eval requires a code string")
	}

	typeText, err := s.surface.TypeDefinitions(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("render type surface: %v", err))
	}
	checked := typecheck.Check(in.Code, typeText)
	if len(checked.Diagnostics) > 0 {
		return errorResult(typecheck.Format(checked.Diagnostics))
	}

	var arg any
	if in.Arg != nil {
		arg = in.Arg
	}
	res, err := s.runtime.Eval(ctx, checked.Stripped, arg)
	if err != nil {
		return errorResult(err.Error())
	}

	stored := combineResult(res.Value, res.Output)
	idx := s.runtime.AppendResult(stored)
	return textResult(formatStored(idx, "eval", stored))
}

type invokeCall struct {
	Server     string         `json:"server"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

type invokeInput struct {
	Calls    []invokeCall `json:"calls"`
	Parallel bool         `json:"parallel"`
}

func (s *Server) handleInvoke(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.awaitReady(ctx); err != nil {
		return nil, err
	}
	var in invokeInput
	if err := decodeArguments(req, &in); err != nil {
		return errorResult(err.Error()), nil
	}
	return s.invokeTool(ctx, in), nil
}

func (s *Server) invokeTool(ctx context.Context, in invokeInput) *mcp.CallToolResult {
	if len(in.Calls) == 0 {
		return &mcp.CallToolResult{Content: []mcp.Content{}}
	}

	if in.Parallel {
		records := make([]string, len(in.Calls))
		failures := make([]bool, len(in.Calls))
		var wg sync.WaitGroup
		for i, call := range in.Calls {
			wg.Add(1)
			go func(i int, call invokeCall) {
				defer wg.Done()
				records[i], failures[i] = s.runCall(ctx, call)
			}(i, call)
		}
		wg.Wait()
		result := &mcp.CallToolResult{}
		for i, record := range records {
			result.Content = append(result.Content, &mcp.TextContent{Text: record})
			if failures[i] {
				result.IsError = true
			}
		}
		return result
	}

	result := &mcp.CallToolResult{}
	for _, call := range in.Calls {
		record, failed := s.runCall(ctx, call)
		result.Content = append(result.Content, &mcp.TextContent{Text: record})
		if failed {
			result.IsError = true
			break
		}
	}
	return result
}

// runCall executes one invoke entry and returns its record text plus
// whether it failed.
func (s *Server) runCall(ctx context.Context, call invokeCall) (string, bool) {
	tools, err := s.fleet.ListTools(ctx, call.Server)
	if err != nil {
		return err.Error(), true
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	resolved, ok := naming.Resolve(call.Tool, names)
	if !ok {
		if len(names) == 0 {
			return fmt.Sprintf("Tool '%s' not found on server '%s' (no tools advertised)", call.Tool, call.Server), true
		}
		return fmt.Sprintf("Tool '%s' not found on server '%s'; available tools: %s",
			call.Tool, call.Server, strings.Join(names, ", ")), true
	}

	var descriptor *jsonschema.Schema
	for _, t := range tools {
		if t.Name == resolved {
			descriptor = t.InputSchema
			break
		}
	}
	params := call.Parameters
	if params == nil {
		params = map[string]any{}
	}
	validated, err := schema.Compile(descriptor).Validate(params)
	if err != nil {
		return fmt.Sprintf("Invalid parameters for %s.%s: %v", call.Server, resolved, err), true
	}

	content, err := s.fleet.CallTool(ctx, call.Server, resolved, validated)
	if err != nil {
		return err.Error(), true
	}
	stored := surface.UnwrapText(content)
	idx := s.runtime.AppendResult(stored)
	return fmt.Sprintf("$results[%d] = %s", idx, renderTruncated(stored, idx)), false
}

type codeInput struct {
	FunctionDescription string   `json:"functionDescription"`
	Servers             []string `json:"servers"`
}

func (s *Server) handleCode(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.awaitReady(ctx); err != nil {
		return nil, err
	}
	var in codeInput
	if err := decodeArguments(req, &in); err != nil {
		return errorResult(err.Error()), nil
	}
	return s.codeTool(ctx, in), nil
}

func (s *Server) codeTool(ctx context.Context, in codeInput) *mcp.CallToolResult {
	if strings.TrimSpace(in.FunctionDescription) == "" {
		return errorResult("code requires a functionDescription")
	}

	typeText, err := s.surface.TypeDefinitions(ctx, in.Servers...)
	if err != nil {
		return errorResult(err.Error())
	}
	if err := typecheck.CheckTypeText(typeText); err != nil {
		s.logger.Error("generated type surface failed its own check", "error", err)
		return errorResult(fmt.Sprintf("INTERNAL ERROR: the generated type surface is invalid: %v", err))
	}

	validate := func(code string) (string, bool) {
		res := typecheck.Check(code, typeText)
		if len(res.Diagnostics) > 0 {
			return typecheck.Format(res.Diagnostics), false
		}
		return "", true
	}
	code, err := s.generator.Generate(ctx, s.sampler(), in.FunctionDescription, typeText, validate)
	if err != nil {
		return errorResult(err.Error())
	}

	stripped := typecheck.Check(code, typeText).Stripped
	res, err := s.runtime.Eval(ctx, stripped, nil)
	if err != nil {
		return errorResult(fmt.Sprintf("// Generated code:\n%s\n\n// Execution error:\n%v", code, err))
	}
	stored := combineResult(res.Value, res.Output)
	idx := s.runtime.AppendResult(stored)
	return textResult(fmt.Sprintf("// Generated code:\n%s\n\n// Execution result:\n%s",
		code, formatStored(idx, "code", stored)))
}

type helpInput struct {
	Server string `json:"server"`
	Tool   string `json:"tool"`
}

func (s *Server) handleHelp(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.awaitReady(ctx); err != nil {
		return nil, err
	}
	var in helpInput
	if err := decodeArguments(req, &in); err != nil {
		return errorResult(err.Error()), nil
	}
	return s.helpTool(ctx, in), nil
}

func (s *Server) helpTool(ctx context.Context, in helpInput) *mcp.CallToolResult {
	if in.Server == "" {
		return errorResult("help requires a server name")
	}

	var text string
	var err error
	if in.Tool == "" {
		text, err = s.surface.ServerTypeText(ctx, in.Server)
	} else {
		text, err = s.surface.ToolTypeText(ctx, in.Server, in.Tool)
	}
	if err != nil {
		return errorResult(err.Error())
	}
	return textResult("```typescript\n" + text + "\n```")
}

func (s *Server) handleListServers(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.awaitReady(ctx); err != nil {
		return nil, err
	}
	return s.listServersTool(ctx), nil
}

func (s *Server) listServersTool(ctx context.Context) *mcp.CallToolResult {
	type serverEntry struct {
		Connected bool     `json:"connected"`
		ToolCount int      `json:"toolCount"`
		Tools     []string `json:"tools"`
	}
	out := make(map[string]serverEntry)
	for _, name := range s.fleet.ConfiguredServers() {
		entry := serverEntry{Tools: []string{}}
		if s.fleet.IsConnected(name) {
			entry.Connected = true
			if tools, err := s.fleet.ListTools(ctx, name); err == nil {
				for _, t := range tools {
					entry.Tools = append(entry.Tools, t.Name)
				}
				entry.ToolCount = len(entry.Tools)
			}
		}
		out[name] = entry
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode server list: %v", err))
	}
	return textResult(string(data))
}

type installInput struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	URL       string            `json:"url"`
	Env       map[string]string `json:"env"`
	Headers   map[string]string `json:"headers"`
	Disabled  bool              `json:"disabled"`
}

func (s *Server) handleInstall(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.awaitReady(ctx); err != nil {
		return nil, err
	}
	var in installInput
	if err := decodeArguments(req, &in); err != nil {
		return errorResult(err.Error()), nil
	}
	return s.installTool(ctx, in), nil
}

func (s *Server) installTool(ctx context.Context, in installInput) *mcp.CallToolResult {
	if err := config.ValidateServerName(in.Name); err != nil {
		return errorResult(err.Error())
	}
	if s.fleet.HasServer(in.Name) {
		return errorResult(fmt.Sprintf("server %q already exists", in.Name))
	}

	cfg := config.ServerConfig{
		Transport: in.Transport,
		Command:   in.Command,
		Args:      in.Args,
		URL:       in.URL,
		Env:       in.Env,
		Headers:   in.Headers,
		Disabled:  in.Disabled,
	}
	if err := cfg.Validate(); err != nil {
		return errorResult(fmt.Sprintf("server %q: %v", in.Name, err))
	}

	connectErr := s.fleet.AddServer(ctx, in.Name, cfg)
	if s.saveSettings != nil {
		if err := s.saveSettings(s.settings); err != nil {
			return errorResult(fmt.Sprintf("server %q added but saving the configuration failed: %v", in.Name, err))
		}
	}
	if err := s.runtime.Refresh(ctx); err != nil {
		s.logger.Warn("refresh script bindings failed", "error", err)
	}

	switch {
	case in.Disabled:
		return textResult(fmt.Sprintf("Installed server %q (disabled).", in.Name))
	case s.fleet.IsConnected(in.Name):
		count := 0
		if tools, err := s.fleet.ListTools(ctx, in.Name); err == nil {
			count = len(tools)
		}
		return textResult(fmt.Sprintf("Installed server %q; connected with %d tools.", in.Name, count))
	default:
		text := fmt.Sprintf("Installed server %q; connection failed", in.Name)
		if connectErr != nil {
			text += ": " + connectErr.Error()
		}
		return errorResult(text)
	}
}
