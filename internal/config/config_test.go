package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileExpandsEnvVars(t *testing.T) {
	t.Setenv("MCPMAN_TEST_TOKEN", "sekret")

	path := writeConfig(t, `{
  "version": "1.0",
  "servers": {
    "github": {
      "transport": "http",
      "url": "https://api.example.com/mcp",
      "headers": { "Authorization": "Bearer ${MCPMAN_TEST_TOKEN}" }
    }
  }
}`)

	s, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	got := s.Servers["github"].Headers["Authorization"]
	if got != "Bearer sekret" {
		t.Fatalf("Authorization header = %q, want %q", got, "Bearer sekret")
	}
}

func TestLoadFileMissingReturnsEmptySettings(t *testing.T) {
	t.Parallel()

	s, err := LoadFile(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("LoadFile(missing) error = %v", err)
	}
	if len(s.Servers) != 0 {
		t.Fatalf("len(Servers) = %d, want 0", len(s.Servers))
	}
}

func TestLoadFileRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{
  "version": "1.0",
  "servers": {
    "bad name!": { "transport": "stdio" },
    "nohost": { "transport": "http" }
  }
}`)

	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("LoadFile() error = nil, want validation failure")
	}
	msg := err.Error()
	for _, want := range []string{"bad name!", "requires command", "requires url"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

func TestServerConfigTimeoutDefault(t *testing.T) {
	t.Parallel()

	if got := (ServerConfig{}).Timeout(); got != 30*time.Second {
		t.Fatalf("Timeout() = %v, want 30s", got)
	}
	if got := (ServerConfig{TimeoutMS: 1500}).Timeout(); got != 1500*time.Millisecond {
		t.Fatalf("Timeout() = %v, want 1.5s", got)
	}
}

func TestValidateTransportUnion(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ServerConfig
		ok   bool
	}{
		{"stdio ok", ServerConfig{Transport: "stdio", Command: "npx"}, true},
		{"http ok", ServerConfig{Transport: "http", URL: "https://x.test/mcp"}, true},
		{"stdio with url", ServerConfig{Transport: "stdio", Command: "npx", URL: "https://x.test"}, false},
		{"http relative url", ServerConfig{Transport: "http", URL: "/mcp"}, false},
		{"unknown transport", ServerConfig{Transport: "grpc"}, false},
		{"missing transport", ServerConfig{}, false},
		{"oauth missing redirect", ServerConfig{
			Transport: "http",
			URL:       "https://x.test/mcp",
			OAuth:     &OAuthConfig{ClientName: "mcpman"},
		}, false},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if (err == nil) != tc.ok {
			t.Errorf("%s: Validate() error = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestSaveFileRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	in := &Settings{
		Version: "1.0",
		Servers: map[string]ServerConfig{
			"fs": {Transport: "stdio", Command: "mcp-fs", Args: []string{"--root", "."}},
		},
	}
	if err := SaveFile(in, path); err != nil {
		t.Fatalf("SaveFile() error = %v", err)
	}
	out, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if out.Servers["fs"].Command != "mcp-fs" {
		t.Fatalf("Command = %q, want mcp-fs", out.Servers["fs"].Command)
	}
}
