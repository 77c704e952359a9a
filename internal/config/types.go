// Package config loads, validates, and persists MCPMan settings. The file
// lives at $MCP_CONFIG_DIR/config.json (default ~/.config/mcpman) and
// string fields may reference environment variables as ${VAR}.
package config

import "time"

const (
	// DefaultTimeoutMS bounds each upstream RPC when a server entry does
	// not set its own timeout.
	DefaultTimeoutMS = 30000

	// EnvConfigDir overrides the directory that holds config.json.
	EnvConfigDir = "MCP_CONFIG_DIR"
)

// TransportStdio and TransportHTTP are the two supported server transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Settings is the parsed configuration file.
type Settings struct {
	Version string                  `json:"version"`
	Servers map[string]ServerConfig `json:"servers"`
	Logging LoggingConfig           `json:"logging"`
}

// LoggingConfig selects the process log level and an optional log file.
// Stdout is reserved for the downstream JSON-RPC stream, so logs go to
// stderr unless File redirects them.
type LoggingConfig struct {
	Level string `json:"level,omitempty"`
	File  string `json:"file,omitempty"`
}

// OAuthConfig enables the OAuth 2.1 flow for an HTTP server.
type OAuthConfig struct {
	ClientName   string   `json:"clientName"`
	RedirectURL  string   `json:"redirectUrl"`
	Scopes       []string `json:"scopes,omitempty"`
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
}

// ServerConfig describes one upstream server. Transport selects which
// field group applies: stdio uses Command/Args/Env, http uses URL/Headers
// and the optional OAuth block.
type ServerConfig struct {
	Transport string            `json:"transport"`
	Disabled  bool              `json:"disabled,omitempty"`
	TimeoutMS int               `json:"timeout_ms,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	OAuth     *OAuthConfig      `json:"oauth,omitempty"`
}

// Timeout returns the per-RPC deadline for this server.
func (c ServerConfig) Timeout() time.Duration {
	ms := c.TimeoutMS
	if ms <= 0 {
		ms = DefaultTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}

// EnabledServers returns the names of all non-disabled entries.
func (s *Settings) EnabledServers() []string {
	var names []string
	for name, cfg := range s.Servers {
		if !cfg.Disabled {
			names = append(names, name)
		}
	}
	return names
}
