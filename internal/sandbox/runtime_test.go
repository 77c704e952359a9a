package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpman/mcpman/internal/surface"
	"github.com/mcpman/mcpman/internal/upstream"
)

// fakeFleet serves a fixed tool table and canned call results.
type fakeFleet struct {
	tools   map[string][]upstream.ToolDescriptor
	results map[string][]mcp.Content
	errs    map[string]error
}

func (f *fakeFleet) GetAllTools(ctx context.Context) map[string][]upstream.ToolDescriptor {
	return f.tools
}

func (f *fakeFleet) ListTools(ctx context.Context, server string) ([]upstream.ToolDescriptor, error) {
	tools, ok := f.tools[server]
	if !ok {
		return nil, errors.New("server not connected")
	}
	return tools, nil
}

func (f *fakeFleet) CallTool(ctx context.Context, server, tool string, args any) ([]mcp.Content, error) {
	key := server + "." + tool
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	return f.results[key], nil
}

func (f *fakeFleet) ConnectedServers() []string {
	out := make([]string, 0, len(f.tools))
	for name := range f.tools {
		out = append(out, name)
	}
	return out
}

func listDirectoryFleet() *fakeFleet {
	return &fakeFleet{
		tools: map[string][]upstream.ToolDescriptor{
			"filesystem": {{Name: "list_directory", Description: "List a directory."}},
		},
		results: map[string][]mcp.Content{
			"filesystem.list_directory": {&mcp.TextContent{Text: `["a","b"]`}},
		},
	}
}

func newTestRuntime(t *testing.T, fleet *fakeFleet) *Runtime {
	t.Helper()
	var sfc *surface.Surface
	if fleet != nil {
		sfc = surface.New(fleet, nil)
	}
	r := New(Options{
		Globals: func(ctx context.Context) (*surface.Globals, error) {
			if sfc == nil {
				return &surface.Globals{}, nil
			}
			return sfc.GlobalContext(sfc.ServerProxies(ctx)), nil
		},
	})
	t.Cleanup(r.Close)
	return r
}

func TestEvalReturnsValue(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, nil)

	res, err := r.Eval(context.Background(), "() => 40 + 2", nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if res.Value != int64(42) {
		t.Fatalf("value = %#v, want 42", res.Value)
	}
}

func TestEvalBindingsPersist(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, nil)

	if _, err := r.Eval(context.Background(), "() => { x = 40; return x; }", nil); err != nil {
		t.Fatalf("first eval: %v", err)
	}
	res, err := r.Eval(context.Background(), "() => x + 2", nil)
	if err != nil {
		t.Fatalf("second eval: %v", err)
	}
	if res.Value != int64(42) {
		t.Fatalf("value = %#v, want 42", res.Value)
	}
}

func TestEvalPassesArgument(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, nil)

	res, err := r.Eval(context.Background(), "(a) => a.n * 2", map[string]any{"n": 21})
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if res.Value != int64(42) {
		t.Fatalf("value = %#v, want 42", res.Value)
	}
}

func TestEvalDefaultsArgumentToEmptyObject(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, nil)

	res, err := r.Eval(context.Background(), "(a) => Object.keys(a).length", nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if res.Value != int64(0) {
		t.Fatalf("value = %#v, want 0", res.Value)
	}
}

func TestEvalCapturesConsole(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, nil)

	res, err := r.Eval(context.Background(), "() => { console.log('hi', 2); console.error('bad'); return null; }", nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if res.Value != nil {
		t.Fatalf("value = %#v, want nil", res.Value)
	}
	want := "[LOG] hi 2\n[ERROR] bad"
	if res.Output != want {
		t.Fatalf("output = %q, want %q", res.Output, want)
	}

	res, err = r.Eval(context.Background(), "() => 1", nil)
	if err != nil {
		t.Fatalf("second eval: %v", err)
	}
	if res.Output != "" {
		t.Fatalf("console leaked across calls: %q", res.Output)
	}
}

func TestEvalAwaitsPromises(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, nil)

	res, err := r.Eval(context.Background(), "async () => { return Promise.resolve(7); }", nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if res.Value != int64(7) {
		t.Fatalf("value = %#v, want 7", res.Value)
	}
}

func TestEvalReportsThrownErrors(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, nil)

	_, err := r.Eval(context.Background(), "() => { throw new Error('boom'); }", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("error type = %T, want *ExecutionError", err)
	}
	if !strings.Contains(execErr.Message, "boom") {
		t.Fatalf("message = %q, want it to mention boom", execErr.Message)
	}
}

func TestEvalSurvivesErrors(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, nil)

	if _, err := r.Eval(context.Background(), "() => { y = 5; throw new Error('boom'); }", nil); err == nil {
		t.Fatal("expected an error")
	}
	res, err := r.Eval(context.Background(), "() => y", nil)
	if err != nil {
		t.Fatalf("eval after failure: %v", err)
	}
	if res.Value != int64(5) {
		t.Fatalf("value = %#v, want 5", res.Value)
	}
}

func TestEvalTimeout(t *testing.T) {
	t.Parallel()
	r := New(Options{Timeout: 100 * time.Millisecond})
	t.Cleanup(r.Close)

	_, err := r.Eval(context.Background(), "() => { while (true) {} }", nil)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("error = %v, want ErrTimedOut", err)
	}
}

func TestAppendResult(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, nil)

	if idx := r.AppendResult("first"); idx != 0 {
		t.Fatalf("first index = %d, want 0", idx)
	}
	if idx := r.AppendResult(map[string]any{"n": 1}); idx != 1 {
		t.Fatalf("second index = %d, want 1", idx)
	}
	if count := r.ResultCount(); count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	res, err := r.Eval(context.Background(), "() => $results[0]", nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if res.Value != "first" {
		t.Fatalf("$results[0] = %#v, want first", res.Value)
	}
}

func TestResultCountBeforeStart(t *testing.T) {
	t.Parallel()
	r := New(Options{})
	t.Cleanup(r.Close)

	if count := r.ResultCount(); count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
}

func TestToolProxyCall(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, listDirectoryFleet())

	res, err := r.Eval(context.Background(),
		"async () => { const files = await filesystem.listDirectory({ path: '/tmp' }); return files.length; }", nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if res.Value != int64(2) {
		t.Fatalf("value = %#v, want 2", res.Value)
	}
}

func TestToolProxyNamingVariants(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, listDirectoryFleet())

	res, err := r.Eval(context.Background(),
		"async () => { const files = await filesystem.list_directory({ path: '/tmp' }); return files[0]; }", nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if res.Value != "a" {
		t.Fatalf("value = %#v, want a", res.Value)
	}
}

func TestToolProxyUnknownTool(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, listDirectoryFleet())

	_, err := r.Eval(context.Background(), "() => filesystem.readFile({ path: '/tmp' })", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "list_directory") {
		t.Fatalf("error %q should enumerate available tools", err)
	}
}

func TestToolPromiseText(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, listDirectoryFleet())

	res, err := r.Eval(context.Background(),
		"async () => { return await filesystem.listDirectory({ path: '/' }).text(); }", nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if res.Value != `["a","b"]` {
		t.Fatalf("value = %#v, want raw text", res.Value)
	}
}

func TestListServersBinding(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, listDirectoryFleet())

	res, err := r.Eval(context.Background(), "() => listServers()", nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	servers, ok := res.Value.([]string)
	if !ok || len(servers) != 1 || servers[0] != "filesystem" {
		t.Fatalf("listServers() = %#v, want [filesystem]", res.Value)
	}
}

func TestRefreshPicksUpNewServers(t *testing.T) {
	t.Parallel()
	fleet := listDirectoryFleet()
	r := newTestRuntime(t, fleet)

	if _, err := r.Eval(context.Background(), "() => 1", nil); err != nil {
		t.Fatalf("warm-up eval: %v", err)
	}

	fleet.tools["notes"] = []upstream.ToolDescriptor{{Name: "search"}}
	fleet.results["notes.search"] = []mcp.Content{&mcp.TextContent{Text: `"found"`}}
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	res, err := r.Eval(context.Background(), "async () => await notes.search({})", nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if res.Value != "found" {
		t.Fatalf("value = %#v, want found", res.Value)
	}
}
