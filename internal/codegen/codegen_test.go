package codegen

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// scriptedSampler replies with each canned response in turn and records
// the prompts it saw.
type scriptedSampler struct {
	replies []string
	prompts []string
	err     error
}

func (s *scriptedSampler) CreateMessage(ctx context.Context, params *mcp.CreateMessageParams) (*mcp.CreateMessageResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(params.Messages) != 1 {
		return nil, fmt.Errorf("got %d messages, want 1", len(params.Messages))
	}
	text, ok := params.Messages[0].Content.(*mcp.TextContent)
	if !ok {
		return nil, errors.New("prompt is not text")
	}
	s.prompts = append(s.prompts, text.Text)

	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return &mcp.CreateMessageResult{Content: &mcp.TextContent{Text: reply}}, nil
}

func acceptAll(string) (string, bool) { return "", true }

func TestGenerateViaSampling(t *testing.T) {
	g := New(Options{})
	sampler := &scriptedSampler{replies: []string{"```js\n() => 1\n```"}}

	code, err := g.Generate(context.Background(), sampler, "return one", "declare const x: number;", acceptAll)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if code != "() => 1" {
		t.Fatalf("code = %q", code)
	}
	if len(sampler.prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(sampler.prompts))
	}
	if !strings.Contains(sampler.prompts[0], "return one") {
		t.Fatalf("prompt missing the description: %q", sampler.prompts[0])
	}
	if !strings.Contains(sampler.prompts[0], "declare const x: number;") {
		t.Fatalf("prompt missing the type surface: %q", sampler.prompts[0])
	}
}

func TestGenerateRetriesWithDiagnostics(t *testing.T) {
	g := New(Options{})
	sampler := &scriptedSampler{replies: []string{"() => broken(", "() => 2"}}

	calls := 0
	validate := func(code string) (string, bool) {
		calls++
		if code == "() => broken(" {
			return "Line 1, Column 1: Unexpected end of input", false
		}
		return "", true
	}

	code, err := g.Generate(context.Background(), sampler, "task", "declare const t: number;", validate)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if code != "() => 2" {
		t.Fatalf("code = %q", code)
	}
	if calls != 2 {
		t.Fatalf("validate calls = %d, want 2", calls)
	}
	if len(sampler.prompts) != 2 {
		t.Fatalf("prompts = %d, want 2", len(sampler.prompts))
	}
	retry := sampler.prompts[1]
	if !strings.Contains(retry, "() => broken(") {
		t.Fatalf("retry prompt missing the failed attempt: %q", retry)
	}
	if !strings.Contains(retry, "Unexpected end of input") {
		t.Fatalf("retry prompt missing the diagnostics: %q", retry)
	}
}

func TestGenerateExhaustsAttempts(t *testing.T) {
	g := New(Options{})
	sampler := &scriptedSampler{replies: []string{"bad"}}

	reject := func(code string) (string, bool) { return "no good", false }
	_, err := g.Generate(context.Background(), sampler, "task", "declare const t: number;", reject)

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want *ExhaustedError", err)
	}
	if len(exhausted.Attempts) != MaxAttempts {
		t.Fatalf("attempts = %d, want %d", len(exhausted.Attempts), MaxAttempts)
	}
	msg := err.Error()
	if !strings.Contains(msg, "failed after 3 attempts") {
		t.Fatalf("message = %q", msg)
	}
	if !strings.Contains(msg, "no good") {
		t.Fatalf("message should carry the last diagnostics: %q", msg)
	}
}

func TestGenerateSamplerError(t *testing.T) {
	g := New(Options{})
	sampler := &scriptedSampler{err: errors.New("client gone")}

	_, err := g.Generate(context.Background(), sampler, "task", "", acceptAll)
	if err == nil || !strings.Contains(err.Error(), "client gone") {
		t.Fatalf("error = %v", err)
	}
}

func TestGenerateNoChannel(t *testing.T) {
	g := New(Options{})

	_, err := g.Generate(context.Background(), nil, "task", "", acceptAll)
	if err == nil || !strings.Contains(err.Error(), "no code generation channel") {
		t.Fatalf("error = %v", err)
	}
}

func TestGenerateStubDirectory(t *testing.T) {
	dir := t.TempDir()
	desc := "list the files"
	hash := fmt.Sprintf("%x", sha1.Sum([]byte(desc)))
	path := filepath.Join(dir, "response-"+hash+".txt")
	if err := os.WriteFile(path, []byte("() => 'stubbed'\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(StubDirEnv, dir)

	g := New(Options{})
	code, err := g.Generate(context.Background(), nil, desc, "", acceptAll)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if code != "() => 'stubbed'" {
		t.Fatalf("code = %q", code)
	}
}

func TestGenerateStubMissingFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(StubDirEnv, dir)

	desc := "nothing canned"
	hash := fmt.Sprintf("%x", sha1.Sum([]byte(desc)))

	g := New(Options{})
	_, err := g.Generate(context.Background(), nil, desc, "", acceptAll)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), hash) {
		t.Fatalf("error %q should name the description hash", err)
	}
	if !strings.Contains(err.Error(), "response-"+hash+".txt") {
		t.Fatalf("error %q should name the expected file", err)
	}
}

func TestGenerateStubFailsValidation(t *testing.T) {
	dir := t.TempDir()
	desc := "bad stub"
	hash := fmt.Sprintf("%x", sha1.Sum([]byte(desc)))
	if err := os.WriteFile(filepath.Join(dir, "response-"+hash+".txt"), []byte("nonsense"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(StubDirEnv, dir)

	g := New(Options{})
	_, err := g.Generate(context.Background(), nil, desc, "", func(string) (string, bool) {
		return "not a function", false
	})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want *ExhaustedError", err)
	}
	if len(exhausted.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(exhausted.Attempts))
	}
}

func TestExtractCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		reply string
		want  string
	}{
		{"bare", "() => 1", "() => 1"},
		{"fenced js", "```js\n() => 1\n```", "() => 1"},
		{"fenced typescript", "```typescript\n(a: number) => a\n```", "(a: number) => a"},
		{"fence without tag", "```\n() => 1\n```", "() => 1"},
		{"prose around fence", "Here you go:\n```js\n() => 1\n```\nEnjoy!", "() => 1"},
		{"whitespace", "  () => 1  ", "() => 1"},
	}
	for _, tc := range cases {
		if got := ExtractCode(tc.reply); got != tc.want {
			t.Errorf("%s: ExtractCode = %q, want %q", tc.name, got, tc.want)
		}
	}
}
