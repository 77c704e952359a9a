// Package codegen obtains script code for the code meta-tool. Three
// channels exist, tried in fixed precedence: a deterministic test stub
// directory, the downstream client's MCP sampling capability, and a
// subordinate agent subprocess whose only tool is set_code. Candidates
// are validated by the caller; rejected attempts feed a retry prompt
// carrying the diagnostics, three attempts total.
package codegen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MaxAttempts bounds the generate/validate loop.
const MaxAttempts = 3

// StubDirEnv points at a directory of canned responses; when set, no
// model is consulted.
const StubDirEnv = "MCPMAN_TEST_LLM_RESPONSE_DIR"

// Sampler requests one completion from the downstream client. The
// go-sdk ServerSession satisfies it.
type Sampler interface {
	CreateMessage(ctx context.Context, params *mcp.CreateMessageParams) (*mcp.CreateMessageResult, error)
}

// Validate judges one candidate. Empty diagnostics with ok=true accepts
// the code; otherwise diagnostics feed the retry prompt.
type Validate func(code string) (diagnostics string, ok bool)

// Attempt records one rejected candidate.
type Attempt struct {
	Code        string
	Diagnostics string
}

// ExhaustedError reports that every attempt failed validation. The last
// attempt and its diagnostics are what the downstream client sees.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	last := e.Attempts[len(e.Attempts)-1]
	return fmt.Sprintf("code generation failed after %d attempts; last attempt:\n%s\nlast errors:\n%s",
		len(e.Attempts), last.Code, last.Diagnostics)
}

// Options configure a Generator.
type Options struct {
	Logger *slog.Logger
	// AgentCommand launches the subordinate agent when the downstream
	// client offers no sampling. The prompt arrives on the agent's
	// stdin; MCPMAN_CODEGEN_URL carries the set_code endpoint.
	AgentCommand []string
	MaxTokens    int64
}

// Generator produces validated script code.
type Generator struct {
	logger       *slog.Logger
	agentCommand []string
	maxTokens    int64
}

// New builds a Generator.
func New(opts Options) *Generator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Generator{
		logger:       opts.Logger,
		agentCommand: opts.AgentCommand,
		maxTokens:    opts.MaxTokens,
	}
}

// Generate returns code that passed validate. sampler may be nil when
// the downstream client did not advertise sampling.
func (g *Generator) Generate(ctx context.Context, sampler Sampler, functionDescription, typeText string, validate Validate) (string, error) {
	if dir := os.Getenv(StubDirEnv); dir != "" {
		code, err := stubResponse(dir, functionDescription)
		if err != nil {
			return "", err
		}
		if diags, ok := validate(code); !ok {
			return "", &ExhaustedError{Attempts: []Attempt{{Code: code, Diagnostics: diags}}}
		}
		return code, nil
	}

	var produce func(ctx context.Context, prompt string) (string, error)
	switch {
	case sampler != nil:
		produce = func(ctx context.Context, prompt string) (string, error) {
			return g.sample(ctx, sampler, prompt)
		}
	case len(g.agentCommand) > 0:
		produce = g.agentAttempt
	default:
		return "", errors.New("no code generation channel: client offers no sampling and no agent command is configured")
	}

	prompt := initialPrompt(functionDescription, typeText)
	var attempts []Attempt
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		g.logger.Debug("requesting generated code", "attempt", attempt)
		raw, err := produce(ctx, prompt)
		if err != nil {
			return "", fmt.Errorf("code generation attempt %d: %w", attempt, err)
		}
		code := ExtractCode(raw)
		diags, ok := validate(code)
		if ok {
			return code, nil
		}
		g.logger.Debug("generated code rejected", "attempt", attempt, "diagnostics", diags)
		attempts = append(attempts, Attempt{Code: code, Diagnostics: diags})
		prompt = retryPrompt(functionDescription, typeText, code, diags)
	}
	return "", &ExhaustedError{Attempts: attempts}
}

func (g *Generator) sample(ctx context.Context, sampler Sampler, prompt string) (string, error) {
	res, err := sampler.CreateMessage(ctx, &mcp.CreateMessageParams{
		MaxTokens:    g.maxTokens,
		SystemPrompt: systemPrompt,
		Messages: []*mcp.SamplingMessage{{
			Role:    "user",
			Content: &mcp.TextContent{Text: prompt},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("sampling request: %w", err)
	}
	text, ok := res.Content.(*mcp.TextContent)
	if !ok || text.Text == "" {
		return "", errors.New("sampling reply carries no text content")
	}
	return text.Text, nil
}

const systemPrompt = `You write a single JavaScript function expression that calls the tools described by the TypeScript declarations you are given. Respond with only the function expression: an arrow or classic function taking zero or one argument. Use await for every tool call. Do not wrap the code in prose.`

func initialPrompt(functionDescription, typeText string) string {
	var b strings.Builder
	b.WriteString("Write a function expression that does the following:\n\n")
	b.WriteString(functionDescription)
	b.WriteString("\n\nThese declarations describe every binding available to the code:\n\n")
	b.WriteString(typeText)
	return b.String()
}

func retryPrompt(functionDescription, typeText, code, diagnostics string) string {
	var b strings.Builder
	b.WriteString("Your previous attempt failed validation.\n\nAttempt:\n")
	b.WriteString(code)
	b.WriteString("\n\nErrors:\n")
	b.WriteString(diagnostics)
	b.WriteString("\n\nWrite a corrected function expression that does the following:\n\n")
	b.WriteString(functionDescription)
	b.WriteString("\n\nAvailable bindings:\n\n")
	b.WriteString(typeText)
	return b.String()
}

// ExtractCode pulls the code out of a model reply that may wrap it in a
// markdown fence or surround it with prose.
func ExtractCode(reply string) string {
	reply = strings.TrimSpace(reply)
	start := strings.Index(reply, "```")
	if start < 0 {
		return reply
	}
	rest := reply[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the fence's language tag line.
		lang := strings.TrimSpace(rest[:nl])
		if lang == "" || isFenceTag(lang) {
			rest = rest[nl+1:]
		}
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func isFenceTag(s string) bool {
	switch strings.ToLower(s) {
	case "js", "javascript", "ts", "typescript":
		return true
	}
	return false
}
