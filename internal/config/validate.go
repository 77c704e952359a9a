package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
)

var serverNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateServerName reports whether name is usable as a server key.
func ValidateServerName(name string) error {
	if name == "" {
		return errors.New("server name is empty")
	}
	if !serverNameRe.MatchString(name) {
		return fmt.Errorf("server name %q: must match [A-Za-z0-9_-]+", name)
	}
	return nil
}

// Validate checks the whole settings tree and aggregates every problem.
func (s *Settings) Validate() error {
	var errs []error
	for name, cfg := range s.Servers {
		if err := ValidateServerName(name); err != nil {
			errs = append(errs, err)
		}
		if err := cfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", name, err))
		}
	}
	switch s.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q: must be debug, info, warn, or error", s.Logging.Level))
	}
	return errors.Join(errs...)
}

// Validate checks a single server entry against its declared transport.
func (c ServerConfig) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			errs = append(errs, errors.New("stdio transport requires command"))
		}
		if c.URL != "" {
			errs = append(errs, errors.New("url is not valid for stdio transport"))
		}
	case TransportHTTP:
		if c.URL == "" {
			errs = append(errs, errors.New("http transport requires url"))
		} else if u, err := url.Parse(c.URL); err != nil || !u.IsAbs() {
			errs = append(errs, fmt.Errorf("url %q: must be an absolute URL", c.URL))
		}
		if c.Command != "" {
			errs = append(errs, errors.New("command is not valid for http transport"))
		}
		if c.OAuth != nil {
			if c.OAuth.ClientName == "" {
				errs = append(errs, errors.New("oauth.clientName is required"))
			}
			if c.OAuth.RedirectURL == "" {
				errs = append(errs, errors.New("oauth.redirectUrl is required"))
			}
		}
	case "":
		errs = append(errs, errors.New("transport is required"))
	default:
		errs = append(errs, fmt.Errorf("transport %q: must be stdio or http", c.Transport))
	}
	if c.TimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("timeout_ms %d: must not be negative", c.TimeoutMS))
	}
	return errors.Join(errs...)
}
