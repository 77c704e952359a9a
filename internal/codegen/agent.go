package codegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
)

// AgentURLEnv carries the set_code endpoint into the agent subprocess.
const AgentURLEnv = "MCPMAN_CODEGEN_URL"

// agentAttempt runs one agent subprocess. The process receives the
// prompt on stdin and a streamable MCP endpoint exposing a single
// set_code tool; the first set_code call wins and the process is
// released afterwards.
func (g *Generator) agentAttempt(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	codeCh := make(chan string, 1)
	server := newSetCodeServer(codeCh)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listen for agent: %w", err)
	}
	handler := cors.Default().Handler(mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return server }, nil))
	httpServer := &http.Server{Handler: handler}
	go func() { _ = httpServer.Serve(listener) }()
	defer httpServer.Close()

	url := "http://" + listener.Addr().String()
	cmd := exec.CommandContext(ctx, g.agentCommand[0], g.agentCommand[1:]...)
	cmd.Env = append(os.Environ(), AgentURLEnv+"="+url)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start agent %q: %w", g.agentCommand[0], err)
	}
	g.logger.Debug("agent started", "command", g.agentCommand[0], "url", url)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case code := <-codeCh:
		cancel()
		<-exited
		return code, nil
	case err := <-exited:
		// The agent may have called set_code just before exiting.
		select {
		case code := <-codeCh:
			return code, nil
		default:
		}
		if err != nil {
			return "", fmt.Errorf("agent exited without calling set_code: %w", err)
		}
		return "", errors.New("agent exited without calling set_code")
	case <-ctx.Done():
		<-exited
		return "", ctx.Err()
	}
}

func newSetCodeServer(codeCh chan<- string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "mcpman-codegen", Version: "1.0.0"}, nil)
	server.AddTool(&mcp.Tool{
		Name:        "set_code",
		Description: "Submit the generated function expression. Call exactly once.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"code": {Type: "string", Description: "The complete function expression."},
			},
			Required: []string{"code"},
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in struct {
			Code string `json:"code"`
		}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
				return nil, fmt.Errorf("decode set_code arguments: %w", err)
			}
		}
		if strings.TrimSpace(in.Code) == "" {
			return nil, errors.New("set_code requires a non-empty code string")
		}
		select {
		case codeCh <- in.Code:
		default:
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "code received"}},
		}, nil
	})
	return server
}
