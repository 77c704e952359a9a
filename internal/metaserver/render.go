package metaserver

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// previewLimit is roughly how much of a stored value a tool reply shows;
// the full value stays reachable as $results[i] from a later eval.
const (
	previewLimit = 250
	previewHead  = 150
	previewTail  = 50
)

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}

// combineResult folds a script's console output into its stored value so
// one $results entry carries both.
func combineResult(value any, output string) any {
	if output == "" {
		return value
	}
	return map[string]any{"result": value, "output": output}
}

func formatStored(idx int, kind string, stored any) string {
	return fmt.Sprintf("$results[%d] = // %s\n%s", idx, kind, renderTruncated(stored, idx))
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "undefined"
	case string:
		return val
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func renderTruncated(v any, idx int) string {
	text := renderValue(v)
	if len(text) <= previewLimit {
		return text
	}
	marker := fmt.Sprintf("\n... [see $results[%d] for full result] ...\n", idx)
	return text[:previewHead] + marker + text[len(text)-previewTail:]
}
