package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

const fileName = "config.json"

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Dir resolves the configuration directory: $MCP_CONFIG_DIR when set,
// otherwise ~/.config/mcpman.
func Dir() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "mcpman"), nil
}

// Load reads, expands, and validates the settings file. A missing file
// yields empty settings so a fresh install can start and add servers via
// the install tool.
func Load() (*Settings, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return LoadFile(filepath.Join(dir, fileName))
}

// LoadFile reads settings from an explicit path.
func LoadFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Settings{Version: "1.0", Servers: map[string]ServerConfig{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if s.Servers == nil {
		s.Servers = map[string]ServerConfig{}
	}
	expanded := s.expandEnv()
	if err := expanded.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return expanded, nil
}

// Save writes settings atomically (temp file then rename) so a crash
// mid-write never leaves a truncated config behind.
func Save(s *Settings) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return SaveFile(s, filepath.Join(dir, fileName))
}

// SaveFile writes settings atomically to an explicit path.
func SaveFile(s *Settings, path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// expandEnv replaces ${VAR} references in every string field with the
// process environment value. Unset variables expand to the empty string.
func (s *Settings) expandEnv() *Settings {
	out := &Settings{
		Version: s.Version,
		Servers: make(map[string]ServerConfig, len(s.Servers)),
		Logging: LoggingConfig{
			Level: expand(s.Logging.Level),
			File:  expand(s.Logging.File),
		},
	}
	for name, cfg := range s.Servers {
		out.Servers[name] = cfg.expandEnv()
	}
	return out
}

func (c ServerConfig) expandEnv() ServerConfig {
	out := c
	out.Command = expand(c.Command)
	out.URL = expand(c.URL)
	out.Args = expandSlice(c.Args)
	out.Env = expandMap(c.Env)
	out.Headers = expandMap(c.Headers)
	if c.OAuth != nil {
		oauth := *c.OAuth
		oauth.ClientName = expand(oauth.ClientName)
		oauth.RedirectURL = expand(oauth.RedirectURL)
		oauth.ClientID = expand(oauth.ClientID)
		oauth.ClientSecret = expand(oauth.ClientSecret)
		oauth.Scopes = expandSlice(oauth.Scopes)
		out.OAuth = &oauth
	}
	return out
}

func expand(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envVarRe.FindStringSubmatch(m)[1])
	})
}

func expandSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = expand(v)
	}
	return out
}

func expandMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = expand(v)
	}
	return out
}
